package domain

// JobDescriptor is the resolved, execution-ready form of a GenerationRequest.
// It is created once by the resolver and never mutated afterwards; the
// executor owns it for the duration of the job.
type JobDescriptor struct {
	ID string

	Model       string
	Caption     string
	Lyrics      string
	Instruction string
	TaskType    TaskMode

	// Duration is the effective target in seconds: the repaint end time in
	// repaint mode, or the source-audio length when a cover request carries
	// duration 0.
	Duration       float64
	InferenceSteps int
	GuidanceScale  float64

	SourceAudioPath  string
	RefAudioStrength float64
	RepaintingStart  float64
	RepaintingEnd    float64

	BatchSize int

	// Seed is the effective seed, masked into [0, 2^31).
	Seed int64
}

// TrackResult describes one generated variation. Ownership of the entry
// transfers to the protocol layer on job completion; the WAV file persists on
// disk independently.
type TrackResult struct {
	AudioPath  string  `json:"audio_path"`
	SampleRate int     `json:"sample_rate"`
	Duration   float64 `json:"duration"`
	Seed       int64   `json:"seed"`
}
