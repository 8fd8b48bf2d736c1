package services

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/loopmaker/backend/internal/engine"
	"github.com/loopmaker/backend/internal/metrics"
	"github.com/loopmaker/backend/pkg/domain"
)

// ModelService owns the process-wide model state: readiness checks, the
// idempotent ensure-downloaded operation, and the singleton live engine per
// model. Load and unload transitions are serialized behind a single lock.
type ModelService interface {
	// Acquire returns the live engine for modelID, downloading weights and
	// starting the runner on first use. Blocks while a load is in flight.
	Acquire(ctx context.Context, modelID string) (engine.Engine, error)

	// EnsureDownloaded fetches weights if missing. Idempotent; progress
	// frames from the runner are forwarded to the callback.
	EnsureDownloaded(ctx context.Context, modelID string, progress engine.ProgressFunc) error

	// Unload tears down the live engine and reports whether one was loaded.
	Unload(modelID string) bool

	// Status reports per-model readiness plus static capability metadata.
	Status() map[string]domain.ModelStatus

	// LoadedModels lists models with a live engine instance.
	LoadedModels() []string

	// Device reports the accelerator the host offers ("cuda", "mps", "cpu").
	Device() string

	// Close unloads everything. Used on shutdown.
	Close()
}

// EngineStarter and WeightsEnsurer are seams over the engine package so tests
// can substitute fakes for the subprocess runner.
type (
	EngineStarter  func(ctx context.Context, command string, args []string, log *slog.Logger) (engine.Engine, error)
	WeightsEnsurer func(ctx context.Context, command string, args []string, progress engine.ProgressFunc) error
)

type ModelServiceOption func(*modelService)

func WithEngineStarter(s EngineStarter) ModelServiceOption {
	return func(m *modelService) { m.start = s }
}

func WithWeightsEnsurer(e WeightsEnsurer) ModelServiceOption {
	return func(m *modelService) { m.ensure = e }
}

func WithRAMProber(p func() (uint64, error)) ModelServiceOption {
	return func(m *modelService) { m.totalRAM = p }
}

type modelService struct {
	mu             sync.Mutex
	registry       map[string]domain.ModelInfo
	checkpointsDir string
	runnerCommand  string
	runnerArgs     []string
	log            *slog.Logger
	loaded         map[string]engine.Engine

	start    EngineStarter
	ensure   WeightsEnsurer
	totalRAM func() (uint64, error)

	deviceOnce sync.Once
	device     string
}

func NewModelService(registry map[string]domain.ModelInfo, checkpointsDir, runnerCommand string, runnerArgs []string, log *slog.Logger, opts ...ModelServiceOption) ModelService {
	s := &modelService{
		registry:       registry,
		checkpointsDir: checkpointsDir,
		runnerCommand:  runnerCommand,
		runnerArgs:     runnerArgs,
		log:            log,
		loaded:         make(map[string]engine.Engine),
		start: func(ctx context.Context, command string, args []string, log *slog.Logger) (engine.Engine, error) {
			return engine.StartProcessEngine(ctx, command, args, log)
		},
		ensure: engine.EnsureWeights,
		totalRAM: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Total, nil
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *modelService) Acquire(ctx context.Context, modelID string) (engine.Engine, error) {
	info, ok := s.registry[modelID]
	if !ok {
		return nil, domain.Validationf("unknown model: %s", modelID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if eng, ok := s.loaded[modelID]; ok {
		if eng.Alive() {
			return eng, nil
		}
		// The runner was killed by a cancelled job or crashed mid-generation;
		// evict the dead instance and fall through to a fresh start.
		s.log.Warn("cached engine is dead, restarting", "model", modelID)
		_ = eng.Close()
		delete(s.loaded, modelID)
		metrics.ModelsLoaded.Set(float64(len(s.loaded)))
	}

	if total, err := s.totalRAM(); err == nil {
		need := uint64(info.MinRAMGB) << 30
		if total < need {
			return nil, domain.Unavailablef("model %s requires %d GB RAM, system has %.1f GB",
				modelID, info.MinRAMGB, float64(total)/float64(1<<30))
		}
	}

	if !s.weightsPresent(info) {
		s.log.Info("model weights missing, downloading", "model", modelID)
		if err := s.ensure(ctx, s.runnerCommand, s.ensureArgs(info), nil); err != nil {
			return nil, err
		}
		if !s.weightsPresent(info) {
			return nil, domain.Unavailablef("download finished but weight files are still missing for %s", modelID)
		}
	}

	s.log.Info("loading model", "model", modelID, "device", s.Device())
	eng, err := s.start(ctx, s.runnerCommand, s.loadArgs(info), s.log)
	if err != nil {
		return nil, err
	}
	s.loaded[modelID] = eng
	metrics.ModelsLoaded.Set(float64(len(s.loaded)))
	return eng, nil
}

func (s *modelService) EnsureDownloaded(ctx context.Context, modelID string, progress engine.ProgressFunc) error {
	info, ok := s.registry[modelID]
	if !ok {
		return domain.Validationf("unknown model: %s", modelID)
	}
	if s.weightsPresent(info) {
		return nil
	}
	return s.ensure(ctx, s.runnerCommand, s.ensureArgs(info), progress)
}

func (s *modelService) Unload(modelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	eng, ok := s.loaded[modelID]
	if !ok {
		return false
	}
	eng.ClearCache()
	if err := eng.Close(); err != nil {
		s.log.Warn("engine close failed", "model", modelID, "err", err)
	}
	delete(s.loaded, modelID)
	metrics.ModelsLoaded.Set(float64(len(s.loaded)))
	return true
}

func (s *modelService) Status() map[string]domain.ModelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]domain.ModelStatus, len(s.registry))
	for id, info := range s.registry {
		_, isLoaded := s.loaded[id]
		out[id] = domain.ModelStatus{
			Downloaded:     isLoaded || s.weightsPresent(info),
			Loaded:         isLoaded,
			SizeGB:         info.SizeGB,
			MaxDuration:    info.MaxDuration,
			SupportsLyrics: info.SupportsLyrics,
			MinRAMGB:       info.MinRAMGB,
		}
	}
	return out
}

func (s *modelService) LoadedModels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.loaded))
	for id := range s.loaded {
		out = append(out, id)
	}
	return out
}

func (s *modelService) Device() string {
	s.deviceOnce.Do(func() {
		s.device = detectDevice()
	})
	return s.device
}

func (s *modelService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, eng := range s.loaded {
		_ = eng.Close()
		delete(s.loaded, id)
	}
	metrics.ModelsLoaded.Set(0)
}

// weightsPresent checks for actual weight artifacts, not just directories;
// the upstream downloader can leave a directory skeleton behind.
func (s *modelService) weightsPresent(info domain.ModelInfo) bool {
	dir := filepath.Join(s.checkpointsDir, info.CheckpointDir)
	for _, name := range domain.WeightFilenames {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

func (s *modelService) loadArgs(info domain.ModelInfo) []string {
	args := make([]string, 0, len(s.runnerArgs)+4)
	args = append(args, s.runnerArgs...)
	args = append(args, "--checkpoints", s.checkpointsDir, "--model", info.CheckpointDir)
	return args
}

func (s *modelService) ensureArgs(info domain.ModelInfo) []string {
	return append(s.loadArgs(info), "--ensure-weights")
}

func detectDevice() string {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "mps"
	}
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		return "cuda"
	}
	return "cpu"
}
