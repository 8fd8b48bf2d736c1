package domain

// ModelInfo is the static capability record for one known model.
type ModelInfo struct {
	HFName         string  `json:"hf_name"`
	CheckpointDir  string  `json:"-"`
	SizeGB         float64 `json:"size_gb"`
	MinRAMGB       int     `json:"min_ram_gb"`
	MaxDuration    float64 `json:"max_duration"`
	SupportsLyrics bool    `json:"supports_lyrics"`
}

// DefaultModel is assumed when a request omits the model id.
const DefaultModel = "acestep"

// ModelRegistry lists every model this backend knows how to serve.
var ModelRegistry = map[string]ModelInfo{
	"acestep": {
		HFName:         "ACE-Step/acestep-v15-turbo",
		CheckpointDir:  "acestep-v15-turbo",
		SizeGB:         5.0,
		MinRAMGB:       8,
		MaxDuration:    240,
		SupportsLyrics: true,
	},
}

// WeightFilenames are the checkpoint artifacts that mark a download as
// complete. The upstream downloader only verifies directories, so presence of
// at least one of these is the real readiness signal.
var WeightFilenames = []string{
	"model.safetensors",
	"pytorch_model.bin",
	"model.safetensors.index.json",
	"pytorch_model.bin.index.json",
}

// ModelStatus is the readiness view reported to clients.
type ModelStatus struct {
	Downloaded     bool    `json:"downloaded"`
	Loaded         bool    `json:"loaded"`
	SizeGB         float64 `json:"size_gb"`
	MaxDuration    float64 `json:"max_duration"`
	SupportsLyrics bool    `json:"supports_lyrics"`
	MinRAMGB       int     `json:"min_ram_gb"`
}
