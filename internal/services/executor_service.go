package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopmaker/backend/internal/audio"
	"github.com/loopmaker/backend/internal/cancel"
	"github.com/loopmaker/backend/internal/engine"
	"github.com/loopmaker/backend/internal/metrics"
	"github.com/loopmaker/backend/internal/progress"
	"github.com/loopmaker/backend/pkg/domain"
)

// Progress milestones of a job's lifecycle. The engine's native [0,1] range
// is remapped linearly into the window between progressGenerate and
// progressPostprocess.
const (
	progressAcquire     = 0.05
	progressPrepare     = 0.10
	progressGenerate    = 0.15
	progressPostprocess = 0.85
	progressSpan        = progressPostprocess - progressGenerate
)

// ExecutorService runs generation jobs on a fixed-size worker pool. The
// pool's backlog is the only admission control: excess submissions queue
// until a worker frees up or the backlog itself is full.
type ExecutorService interface {
	Submit(desc *domain.JobDescriptor, box *progress.Mailbox, token *cancel.Token) (*JobHandle, error)
	Close()
}

// JobHandle is the caller's view of one submitted job.
type JobHandle struct {
	done    chan struct{}
	results []domain.TrackResult
	err     error

	token *cancel.Token
}

// Done is closed when the job reaches a terminal state.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Result blocks until the job finishes and re-raises any worker error.
func (h *JobHandle) Result() ([]domain.TrackResult, error) {
	<-h.done
	return h.results, h.err
}

// Wait is Result with a context bound.
func (h *JobHandle) Wait(ctx context.Context) ([]domain.TrackResult, error) {
	select {
	case <-h.done:
		return h.results, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestCancel sets the job's cancellation token. A job still waiting in the
// backlog is suppressed at its first checkpoint; a job inside inference stops
// at the next progress tick.
func (h *JobHandle) RequestCancel() {
	h.token.Cancel()
}

type job struct {
	desc   *domain.JobDescriptor
	box    *progress.Mailbox
	token  *cancel.Token
	handle *JobHandle
}

type executorService struct {
	models    ModelService
	processor *audio.Processor
	log       *slog.Logger

	jobs    chan *job
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewExecutorService starts a pool of worker goroutines. workers should stay
// small (default 2): each running job holds an entire model working set.
func NewExecutorService(models ModelService, processor *audio.Processor, workers, backlog int, log *slog.Logger) ExecutorService {
	if workers <= 0 {
		workers = 2
	}
	if backlog <= 0 {
		backlog = 16
	}
	s := &executorService{
		models:    models,
		processor: processor,
		log:       log,
		jobs:      make(chan *job, backlog),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *executorService) Submit(desc *domain.JobDescriptor, box *progress.Mailbox, token *cancel.Token) (*JobHandle, error) {
	h := &JobHandle{done: make(chan struct{}), token: token}
	j := &job{desc: desc, box: box, token: token, handle: h}

	// Serialized with Close so the send can never hit a closed channel.
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil, domain.Unavailablef("executor is shut down")
	}

	select {
	case s.jobs <- j:
		metrics.JobsSubmittedTotal.WithLabelValues(string(desc.TaskType)).Inc()
		return h, nil
	default:
		return nil, domain.Unavailablef("generation queue is full")
	}
}

// Close stops accepting jobs and waits for in-flight ones to finish.
func (s *executorService) Close() {
	s.closeMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.closeMu.Unlock()
	s.wg.Wait()
}

func (s *executorService) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		s.run(j)
	}
}

// run drives one job to a terminal state. Worker panics are confined here so
// the pool stays serviceable for subsequent jobs.
func (s *executorService) run(j *job) {
	started := time.Now()
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	results, err := func() (results []domain.TrackResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("generation worker panic", "job", j.desc.ID, "panic", r)
				err = fmt.Errorf("internal error: %v", r)
			}
		}()
		return s.execute(j)
	}()

	status := "complete"
	switch {
	case errors.Is(err, domain.ErrCancelled):
		status = "cancelled"
	case err != nil:
		status = "error"
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(j.desc.TaskType), status).Inc()
	metrics.JobDurationSeconds.WithLabelValues(string(j.desc.TaskType), status).Observe(time.Since(started).Seconds())

	j.handle.results = results
	j.handle.err = err
	close(j.handle.done)
}

func (s *executorService) execute(j *job) ([]domain.TrackResult, error) {
	d := j.desc
	ctx := context.Background()
	started := time.Now()

	if err := j.token.Check(); err != nil {
		return nil, err
	}
	j.box.Progress(progressAcquire, "Loading music engine...")

	eng, err := s.models.Acquire(ctx, d.Model)
	if err != nil {
		return nil, err
	}

	// Accelerator scratch memory is released around every job regardless of
	// how it exits.
	eng.ClearCache()
	defer eng.ClearCache()

	if err := j.token.Check(); err != nil {
		return nil, err
	}
	j.box.Progress(progressPrepare, "Preparing generation parameters...")

	params := buildParams(d)
	label := domain.ProgressLabels[d.TaskType]

	if err := j.token.Check(); err != nil {
		return nil, err
	}
	suffix := ""
	if d.BatchSize > 1 {
		suffix = fmt.Sprintf(" (%d variations)", d.BatchSize)
	}
	j.box.Progress(progressGenerate, label+suffix+"...")

	audios, err := eng.Generate(ctx, params, func(v float64, detail string) error {
		if err := j.token.Check(); err != nil {
			return err
		}
		msg := label + "..."
		if detail != "" {
			msg = fmt.Sprintf("%s (%s)...", label, detail)
		}
		j.box.Progress(progressGenerate+v*progressSpan, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := j.token.Check(); err != nil {
		return nil, err
	}
	if len(audios) == 0 {
		return nil, domain.Generationf("generation produced no audio")
	}

	j.box.Progress(progressPostprocess, "Processing audio...")

	// Variations are processed in order; the first failure aborts the rest so
	// partial batches are never returned.
	results := make([]domain.TrackResult, 0, len(audios))
	for i, raw := range audios {
		if err := j.token.Check(); err != nil {
			return nil, err
		}
		track, err := s.processor.Process(raw)
		if err != nil {
			return nil, fmt.Errorf("post-process variation %d/%d: %w", i+1, len(audios), err)
		}
		metrics.TracksWrittenTotal.Inc()
		results = append(results, domain.TrackResult{
			AudioPath:  track.Path,
			SampleRate: track.SampleRate,
			Duration:   track.Duration,
			Seed:       d.Seed,
		})
	}

	s.log.Info("generation complete",
		"job", d.ID, "task", d.TaskType, "variations", len(results),
		"seed", d.Seed, "elapsed", time.Since(started).String())
	return results, nil
}

func buildParams(d *domain.JobDescriptor) engine.Params {
	p := engine.Params{
		Caption:        d.Caption,
		Lyrics:         d.Lyrics,
		Instruction:    d.Instruction,
		TaskType:       d.TaskType,
		Duration:       d.Duration,
		InferenceSteps: d.InferenceSteps,
		GuidanceScale:  d.GuidanceScale,
		BatchSize:      d.BatchSize,
		Seed:           d.Seed,
		CoverStrength:  1.0,
	}
	switch d.TaskType {
	case domain.TaskCover:
		p.SourceAudioPath = d.SourceAudioPath
		p.ReferenceAudio = d.SourceAudioPath
		p.CoverStrength = d.RefAudioStrength
	case domain.TaskRepaint:
		p.SourceAudioPath = d.SourceAudioPath
		p.RepaintingStart = d.RepaintingStart
		p.RepaintingEnd = d.RepaintingEnd
	}
	return p
}
