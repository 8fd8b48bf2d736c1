package services

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/loopmaker/backend/internal/audio"
	"github.com/loopmaker/backend/pkg/domain"
)

// ResolverService validates a GenerationRequest and normalizes it into an
// execution-ready JobDescriptor. Side-effect free apart from stat/probe reads
// of the source audio file.
type ResolverService interface {
	Resolve(req domain.GenerationRequest) (*domain.JobDescriptor, error)
}

type resolverService struct {
	registry map[string]domain.ModelInfo
}

func NewResolverService(registry map[string]domain.ModelInfo) ResolverService {
	return &resolverService{registry: registry}
}

func (s *resolverService) Resolve(req domain.GenerationRequest) (*domain.JobDescriptor, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = domain.DefaultModel
	}
	info, ok := s.registry[modelID]
	if !ok {
		return nil, domain.Validationf("unknown model: %s", modelID)
	}

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, domain.Validationf("prompt is required")
	}
	if req.Duration < 0 {
		return nil, domain.Validationf("duration must be non-negative, got %g", req.Duration)
	}
	if req.Duration > info.MaxDuration {
		return nil, domain.Validationf("max duration for %s is %gs, got %gs",
			modelID, info.MaxDuration, req.Duration)
	}

	mode := req.TaskType
	if mode == "" {
		mode = domain.TaskText2Music
	}
	instruction, ok := domain.Instructions[mode]
	if !ok {
		return nil, domain.Validationf("unknown task_type: %s", mode)
	}

	if mode == domain.TaskCover || mode == domain.TaskRepaint {
		if req.SourceAudioPath == "" {
			return nil, domain.Validationf("%s mode requires source_audio_path", mode)
		}
		if _, err := os.Stat(req.SourceAudioPath); err != nil {
			return nil, domain.Validationf("source audio not found: %s", req.SourceAudioPath)
		}
	}
	if mode == domain.TaskRepaint && req.RepaintingEnd == nil {
		return nil, domain.Validationf("repaint mode requires repainting_end")
	}

	duration := req.Duration
	if mode == domain.TaskRepaint {
		duration = *req.RepaintingEnd
	} else if mode == domain.TaskCover && duration == 0 {
		if secs, err := audio.ProbeDuration(req.SourceAudioPath); err == nil {
			duration = secs
		} else {
			duration = domain.DefaultDuration
		}
	}

	steps, ok := domain.InferenceSteps[req.QualityMode]
	if !ok {
		steps = domain.InferenceSteps[domain.QualityFast]
	}

	guidance := req.GuidanceScale
	if guidance == 0 {
		guidance = domain.DefaultGuidanceScale
	}

	batch := req.BatchSize
	if batch < domain.MinBatchSize {
		batch = domain.MinBatchSize
	} else if batch > domain.MaxBatchSize {
		batch = domain.MaxBatchSize
	}

	// Lyrics: absent means instrumental; an explicit empty string keeps
	// source vocals in cover mode.
	lyrics := domain.InstrumentalLyrics
	if req.Lyrics != nil {
		lyrics = *req.Lyrics
	}

	refStrength := req.RefAudioStrength
	if refStrength == 0 {
		refStrength = domain.DefaultRefStrength
	}

	var repaintStart, repaintEnd float64
	if req.RepaintingStart != nil {
		repaintStart = *req.RepaintingStart
	}
	if req.RepaintingEnd != nil {
		repaintEnd = *req.RepaintingEnd
	}

	return &domain.JobDescriptor{
		ID:               uuid.NewString(),
		Model:            modelID,
		Caption:          enrichCaption(req),
		Lyrics:           lyrics,
		Instruction:      instruction,
		TaskType:         mode,
		Duration:         duration,
		InferenceSteps:   steps,
		GuidanceScale:    guidance,
		SourceAudioPath:  req.SourceAudioPath,
		RefAudioStrength: refStrength,
		RepaintingStart:  repaintStart,
		RepaintingEnd:    repaintEnd,
		BatchSize:        batch,
		Seed:             resolveSeed(req.Seed),
	}, nil
}

// resolveSeed masks an explicit seed into the positive 31-bit range so it
// round-trips identically; an omitted seed draws from crypto/rand so
// concurrent jobs never share a correlated PRNG stream.
func resolveSeed(seed *int64) int64 {
	if seed != nil {
		return *seed & domain.SeedMask
	}
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure is effectively fatal elsewhere; fall back to a
		// fixed seed rather than aborting the job.
		return 0
	}
	return int64(binary.BigEndian.Uint32(b[:])) & domain.SeedMask
}

// enrichCaption prefixes the musical metadata tags the engine conditions on.
func enrichCaption(req domain.GenerationRequest) string {
	var parts []string
	if req.BPM != nil {
		parts = append(parts, fmt.Sprintf("BPM: %d", *req.BPM))
	}
	if req.MusicKey != "" {
		parts = append(parts, "Key: "+req.MusicKey)
	}
	if req.TimeSignature != "" {
		parts = append(parts, "Time Signature: "+req.TimeSignature)
	}
	if len(parts) == 0 {
		return req.Prompt
	}
	return strings.Join(parts, ", ") + ". " + req.Prompt
}
