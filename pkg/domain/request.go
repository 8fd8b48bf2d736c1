package domain

import "encoding"

type TaskMode string

const (
	TaskText2Music TaskMode = "text2music"
	TaskCover      TaskMode = "cover"
	TaskRepaint    TaskMode = "repaint"
)

type QualityTier string

const (
	QualityDraft   QualityTier = "draft"
	QualityFast    QualityTier = "fast"
	QualityQuality QualityTier = "quality"
)

// InferenceSteps maps each quality tier to a fixed diffusion step count.
// New tiers are added here, not at call sites.
var InferenceSteps = map[QualityTier]int{
	QualityDraft:   4,
	QualityFast:    8,
	QualityQuality: 50,
}

// Instructions are the fixed conditioning strings the engine uses to select
// its task. Without the cover instruction the engine ignores source-audio
// latents, so the mapping is load-bearing, not cosmetic.
var Instructions = map[TaskMode]string{
	TaskText2Music: "Fill the audio semantic mask based on the given conditions:",
	TaskCover:      "Generate audio semantic tokens based on the given conditions:",
	TaskRepaint:    "Repaint the mask area based on the given conditions:",
}

// ProgressLabels are the human-readable prefixes attached to engine progress
// messages, one per task mode.
var ProgressLabels = map[TaskMode]string{
	TaskText2Music: "Generating audio",
	TaskCover:      "Creating cover",
	TaskRepaint:    "Extending track",
}

const (
	MinBatchSize = 1
	MaxBatchSize = 8

	// InstrumentalLyrics marks a request without lyrics. An explicit empty
	// string means "keep source vocals" in cover mode, so absence and
	// emptiness are distinct.
	InstrumentalLyrics = "[inst]"

	DefaultDuration      = 30
	DefaultGuidanceScale = 7.0
	DefaultRefStrength   = 0.5

	// SeedMask keeps effective seeds in the positive 31-bit range so an
	// explicit seed round-trips identically across runs.
	SeedMask = 0x7FFFFFFF
)

// GenerationRequest is one client-submitted job, as received on the wire.
// Field names follow the desktop client's JSON contract.
type GenerationRequest struct {
	Prompt        string      `json:"prompt"`
	Duration      float64     `json:"duration"`
	Model         string      `json:"model"`
	Seed          *int64      `json:"seed,omitempty"`
	Lyrics        *string     `json:"lyrics,omitempty"`
	QualityMode   QualityTier `json:"quality_mode"`
	GuidanceScale float64     `json:"guidance_scale"`
	TaskType      TaskMode    `json:"task_type"`

	// Cover / repaint conditioning.
	SourceAudioPath  string   `json:"source_audio_path,omitempty"`
	RefAudioStrength float64  `json:"ref_audio_strength"`
	RepaintingStart  *float64 `json:"repainting_start,omitempty"`
	RepaintingEnd    *float64 `json:"repainting_end,omitempty"`

	BatchSize int `json:"batch_size"`

	// Musical metadata, folded into the caption before conditioning.
	BPM           *int   `json:"bpm,omitempty"`
	MusicKey      string `json:"music_key,omitempty"`
	TimeSignature string `json:"time_signature,omitempty"`
}

var (
	_ encoding.TextMarshaler = TaskMode("")
	_ encoding.TextMarshaler = QualityTier("")
)

func (m TaskMode) MarshalText() ([]byte, error)    { return []byte(string(m)), nil }
func (q QualityTier) MarshalText() ([]byte, error) { return []byte(string(q)), nil }
