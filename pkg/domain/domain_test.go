package domain

import (
	"errors"
	"testing"
)

func TestInferenceStepsPerTier(t *testing.T) {
	cases := map[QualityTier]int{
		QualityDraft:   4,
		QualityFast:    8,
		QualityQuality: 50,
	}
	for tier, want := range cases {
		got, ok := InferenceSteps[tier]
		if !ok {
			t.Fatalf("tier %q missing from step table", tier)
		}
		if got != want {
			t.Errorf("tier %q: steps = %d, want %d", tier, got, want)
		}
	}
}

func TestInstructionPerTaskMode(t *testing.T) {
	for _, mode := range []TaskMode{TaskText2Music, TaskCover, TaskRepaint} {
		if Instructions[mode] == "" {
			t.Errorf("mode %q has no conditioning instruction", mode)
		}
		if ProgressLabels[mode] == "" {
			t.Errorf("mode %q has no progress label", mode)
		}
	}
	if Instructions[TaskCover] == Instructions[TaskText2Music] {
		t.Error("cover and text2music must use distinct instructions")
	}
}

func TestModelRegistryDefaults(t *testing.T) {
	info, ok := ModelRegistry[DefaultModel]
	if !ok {
		t.Fatalf("default model %q not registered", DefaultModel)
	}
	if info.MaxDuration != 240 {
		t.Errorf("acestep max duration = %v, want 240", info.MaxDuration)
	}
	if !info.SupportsLyrics {
		t.Error("acestep should support lyrics")
	}
	if info.CheckpointDir == "" {
		t.Error("acestep checkpoint dir must be set")
	}
}

func TestErrorWrapping(t *testing.T) {
	err := Validationf("duration %d exceeds max %d", 500, 240)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Validationf result does not match ErrValidation: %v", err)
	}
	if errors.Is(err, ErrGeneration) {
		t.Fatal("validation error must not match ErrGeneration")
	}
	if err.Error() == ErrValidation.Error() {
		t.Error("wrapped error should carry the formatted detail")
	}
}
