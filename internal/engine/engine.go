// Package engine defines the boundary to the generative model. The backend
// treats the model as an opaque collaborator: generate(parameters) -> audio
// buffers, invoked with a progress-reporting callback.
package engine

import (
	"context"

	"github.com/loopmaker/backend/pkg/domain"
)

// Params is the fully-assembled input for one engine invocation. The resolver
// has already enriched the caption and selected the instruction; mode-specific
// conditioning (reference audio, repaint window) is carried here verbatim.
type Params struct {
	Caption        string          `json:"captions"`
	Lyrics         string          `json:"lyrics"`
	Instruction    string          `json:"instruction"`
	TaskType       domain.TaskMode `json:"task_type"`
	Duration       float64         `json:"audio_duration"`
	InferenceSteps int             `json:"inference_steps"`
	GuidanceScale  float64         `json:"guidance_scale"`

	SourceAudioPath string  `json:"src_audio,omitempty"`
	ReferenceAudio  string  `json:"reference_audio,omitempty"`
	CoverStrength   float64 `json:"audio_cover_strength"`
	RepaintingStart float64 `json:"repainting_start,omitempty"`
	RepaintingEnd   float64 `json:"repainting_end,omitempty"`

	BatchSize int   `json:"batch_size"`
	Seed      int64 `json:"seed"`
}

// RawAudio is one variation as produced by the engine: float32 samples in
// channel-planar layout, before any normalization or quantization.
type RawAudio struct {
	Channels   [][]float32
	SampleRate int
}

// ProgressFunc receives the engine's native progress in [0,1] plus a short
// step description. Returning a non-nil error aborts the invocation; this is
// how cooperative cancellation reaches into a running inference.
type ProgressFunc func(fraction float64, detail string) error

// Engine is a live, loaded model instance.
type Engine interface {
	// Generate runs one blocking inference and returns one RawAudio per batch
	// entry. It must call progress at least once per diffusion step when the
	// underlying model reports steps.
	Generate(ctx context.Context, p Params, progress ProgressFunc) ([]RawAudio, error)

	// ClearCache releases accelerator scratch memory. Best effort; callers
	// invoke it before and after every job regardless of outcome.
	ClearCache()

	// Alive reports whether the instance can still serve jobs. A killed or
	// crashed runner stays dead; the model service checks this on every
	// Acquire and replaces instances that report false.
	Alive() bool

	// Close tears the instance down. Idempotent.
	Close() error
}
