package services

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/loopmaker/backend/internal/engine"
	"github.com/loopmaker/backend/pkg/domain"
)

// placeWeights drops one recognized weight artifact into the model's
// checkpoint directory.
func placeWeights(t *testing.T, checkpointsDir string, info domain.ModelInfo) {
	t.Helper()
	dir := filepath.Join(checkpointsDir, info.CheckpointDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, domain.WeightFilenames[0]), []byte("w"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestModelService(t *testing.T, checkpointsDir string, starts *atomic.Int64, ensures *atomic.Int64) ModelService {
	t.Helper()
	eng := &fakeEngine{
		generate: func(context.Context, engine.Params, engine.ProgressFunc) ([]engine.RawAudio, error) {
			return nil, nil
		},
	}
	info := domain.ModelRegistry[domain.DefaultModel]
	return NewModelService(domain.ModelRegistry, checkpointsDir, "runner", nil, testLogger(),
		WithEngineStarter(func(context.Context, string, []string, *slog.Logger) (engine.Engine, error) {
			starts.Add(1)
			return eng, nil
		}),
		WithWeightsEnsurer(func(context.Context, string, []string, engine.ProgressFunc) error {
			ensures.Add(1)
			placeWeights(t, checkpointsDir, info)
			return nil
		}),
		WithRAMProber(func() (uint64, error) { return 64 << 30, nil }),
	)
}

func TestAcquireUnknownModel(t *testing.T) {
	var starts, ensures atomic.Int64
	svc := newTestModelService(t, t.TempDir(), &starts, &ensures)
	if _, err := svc.Acquire(context.Background(), "nope"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestAcquireLoadsOnceAndDownloadsOnDemand(t *testing.T) {
	var starts, ensures atomic.Int64
	svc := newTestModelService(t, t.TempDir(), &starts, &ensures)

	a, err := svc.Acquire(context.Background(), domain.DefaultModel)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := svc.Acquire(context.Background(), domain.DefaultModel)
	if err != nil {
		t.Fatalf("acquire again: %v", err)
	}
	if a != b {
		t.Error("second acquire must return the same live engine")
	}
	if starts.Load() != 1 {
		t.Errorf("engine started %d times, want 1", starts.Load())
	}
	if ensures.Load() != 1 {
		t.Errorf("weights ensured %d times, want 1 (missing on first acquire)", ensures.Load())
	}
}

func TestAcquireSkipsDownloadWhenWeightsPresent(t *testing.T) {
	dir := t.TempDir()
	placeWeights(t, dir, domain.ModelRegistry[domain.DefaultModel])

	var starts, ensures atomic.Int64
	svc := newTestModelService(t, dir, &starts, &ensures)
	if _, err := svc.Acquire(context.Background(), domain.DefaultModel); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ensures.Load() != 0 {
		t.Errorf("downloader invoked %d times with weights already present", ensures.Load())
	}
}

func TestAcquireRAMGate(t *testing.T) {
	var starts atomic.Int64
	svc := NewModelService(domain.ModelRegistry, t.TempDir(), "runner", nil, testLogger(),
		WithEngineStarter(func(context.Context, string, []string, *slog.Logger) (engine.Engine, error) {
			starts.Add(1)
			return &fakeEngine{}, nil
		}),
		WithRAMProber(func() (uint64, error) { return 4 << 30, nil }),
	)
	_, err := svc.Acquire(context.Background(), domain.DefaultModel)
	if !errors.Is(err, domain.ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable on a 4 GB host", err)
	}
	if starts.Load() != 0 {
		t.Error("engine must not start when the RAM gate rejects")
	}
}

func TestAcquireFailsWhenDownloadLeavesNoWeights(t *testing.T) {
	svc := NewModelService(domain.ModelRegistry, t.TempDir(), "runner", nil, testLogger(),
		WithWeightsEnsurer(func(context.Context, string, []string, engine.ProgressFunc) error {
			return nil // claims success, writes nothing
		}),
		WithRAMProber(func() (uint64, error) { return 64 << 30, nil }),
	)
	_, err := svc.Acquire(context.Background(), domain.DefaultModel)
	if !errors.Is(err, domain.ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
}

func TestAcquireRestartsDeadEngine(t *testing.T) {
	dir := t.TempDir()
	placeWeights(t, dir, domain.ModelRegistry[domain.DefaultModel])

	var starts atomic.Int64
	svc := NewModelService(domain.ModelRegistry, dir, "runner", nil, testLogger(),
		WithEngineStarter(func(context.Context, string, []string, *slog.Logger) (engine.Engine, error) {
			starts.Add(1)
			return &fakeEngine{}, nil
		}),
		WithRAMProber(func() (uint64, error) { return 64 << 30, nil }),
	)

	a, err := svc.Acquire(context.Background(), domain.DefaultModel)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// A cancelled generation kills the runner process behind the cached
	// instance; the service must not keep handing it out.
	a.(*fakeEngine).dead.Store(true)

	b, err := svc.Acquire(context.Background(), domain.DefaultModel)
	if err != nil {
		t.Fatalf("acquire after engine death: %v", err)
	}
	if a == b {
		t.Fatal("dead engine was returned again instead of being evicted")
	}
	if !b.Alive() {
		t.Fatal("replacement engine must be alive")
	}
	if starts.Load() != 2 {
		t.Errorf("engine started %d times, want 2 (initial load plus restart)", starts.Load())
	}
	if a.(*fakeEngine).closeCalls.Load() == 0 {
		t.Error("evicted engine must be closed")
	}
}

func TestUnloadIsIdempotent(t *testing.T) {
	var starts, ensures atomic.Int64
	svc := newTestModelService(t, t.TempDir(), &starts, &ensures)

	eng, err := svc.Acquire(context.Background(), domain.DefaultModel)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !svc.Unload(domain.DefaultModel) {
		t.Fatal("first unload must report true")
	}
	if svc.Unload(domain.DefaultModel) {
		t.Fatal("second unload must report false")
	}
	fe := eng.(*fakeEngine)
	if fe.closeCalls.Load() != 1 {
		t.Errorf("engine Close called %d times, want 1", fe.closeCalls.Load())
	}
	if fe.clearCalls.Load() == 0 {
		t.Error("unload must clear the cache before closing")
	}
}

func TestStatusReflectsLifecycle(t *testing.T) {
	var starts, ensures atomic.Int64
	svc := newTestModelService(t, t.TempDir(), &starts, &ensures)

	st := svc.Status()[domain.DefaultModel]
	if st.Downloaded || st.Loaded {
		t.Fatalf("fresh status = %+v, want not downloaded, not loaded", st)
	}
	if !st.SupportsLyrics || st.MaxDuration <= 0 {
		t.Errorf("capability metadata missing: %+v", st)
	}

	if _, err := svc.Acquire(context.Background(), domain.DefaultModel); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st = svc.Status()[domain.DefaultModel]
	if !st.Downloaded || !st.Loaded {
		t.Fatalf("loaded status = %+v, want downloaded and loaded", st)
	}
	if got := svc.LoadedModels(); len(got) != 1 || got[0] != domain.DefaultModel {
		t.Errorf("loaded models = %v", got)
	}

	svc.Unload(domain.DefaultModel)
	st = svc.Status()[domain.DefaultModel]
	if st.Loaded {
		t.Error("unloaded model still reported loaded")
	}
	if !st.Downloaded {
		t.Error("weights on disk must keep the model downloaded after unload")
	}
}

func TestEnsureDownloadedIdempotent(t *testing.T) {
	dir := t.TempDir()
	placeWeights(t, dir, domain.ModelRegistry[domain.DefaultModel])

	var starts, ensures atomic.Int64
	svc := newTestModelService(t, dir, &starts, &ensures)
	if err := svc.EnsureDownloaded(context.Background(), domain.DefaultModel, nil); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ensures.Load() != 0 {
		t.Errorf("ensure ran the downloader %d times with weights present", ensures.Load())
	}
}

func TestCloseUnloadsEverything(t *testing.T) {
	var starts, ensures atomic.Int64
	svc := newTestModelService(t, t.TempDir(), &starts, &ensures)
	if _, err := svc.Acquire(context.Background(), domain.DefaultModel); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	svc.Close()
	if got := svc.LoadedModels(); len(got) != 0 {
		t.Errorf("loaded models after close = %v", got)
	}
}
