// Package audio normalizes raw engine output into PCM16 WAV files in the
// shared tracks directory.
package audio

import (
	"fmt"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/loopmaker/backend/internal/engine"
)

const (
	// normPeak is the target peak after normalization: 0.95 of full scale.
	normPeak   = 0.95
	pcm16Scale = 32767
	bitDepth   = 16
)

// Track is one post-processed variation on disk.
type Track struct {
	Path       string
	SampleRate int
	Duration   float64
}

// Processor applies the fixed post-processing contract: channel reduction,
// peak normalization, int16 quantization, WAV persistence. Output filenames
// carry a fresh UUID since concurrent jobs share the tracks directory.
type Processor struct {
	tracksDir string
	forceMono bool
}

func NewProcessor(tracksDir string, forceMono bool) *Processor {
	return &Processor{tracksDir: tracksDir, forceMono: forceMono}
}

// Process converts one raw buffer into a normalized PCM16 WAV file and
// returns its path and measured duration.
//
// Channel policy: stereo is preserved (first two channels) whenever the
// engine yields two or more, unless the processor was configured force-mono,
// in which case all source channels are averaged. Single-channel input stays
// mono.
func (p *Processor) Process(raw engine.RawAudio) (*Track, error) {
	if raw.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", raw.SampleRate)
	}
	channels, err := reduceChannels(raw.Channels, p.forceMono)
	if err != nil {
		return nil, err
	}

	normalize(channels)

	numChans := len(channels)
	samples := len(channels[0])
	data := make([]int, samples*numChans)
	for i := 0; i < samples; i++ {
		for c := 0; c < numChans; c++ {
			data[i*numChans+c] = int(int16(channels[c][i] * pcm16Scale))
		}
	}

	path := filepath.Join(p.tracksDir, uuid.NewString()+".wav")
	if err := writeWAV(path, data, raw.SampleRate, numChans); err != nil {
		return nil, err
	}

	return &Track{
		Path:       path,
		SampleRate: raw.SampleRate,
		Duration:   float64(samples) / float64(raw.SampleRate),
	}, nil
}

// reduceChannels applies the channel policy and converts samples to float64
// working precision.
func reduceChannels(src [][]float32, forceMono bool) ([][]float64, error) {
	if len(src) == 0 || len(src[0]) == 0 {
		return nil, fmt.Errorf("empty audio buffer")
	}
	for _, ch := range src[1:] {
		if len(ch) != len(src[0]) {
			return nil, fmt.Errorf("ragged channel lengths")
		}
	}

	if len(src) >= 2 && !forceMono {
		out := make([][]float64, 2)
		for c := 0; c < 2; c++ {
			out[c] = make([]float64, len(src[c]))
			for i, s := range src[c] {
				out[c][i] = float64(s)
			}
		}
		return out, nil
	}

	mono := make([]float64, len(src[0]))
	for _, ch := range src {
		for i, s := range ch {
			mono[i] += float64(s)
		}
	}
	inv := 1.0 / float64(len(src))
	for i := range mono {
		mono[i] *= inv
	}
	return [][]float64{mono}, nil
}

// normalize scales all channels jointly so the absolute peak hits normPeak.
// Silence passes through unchanged.
func normalize(channels [][]float64) {
	peak := 0.0
	for _, ch := range channels {
		for _, s := range ch {
			if a := abs(s); a > peak {
				peak = a
			}
		}
	}
	if peak == 0 {
		return
	}
	gain := normPeak / peak
	for _, ch := range channels {
		for i := range ch {
			ch[i] *= gain
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func writeWAV(path string, interleaved []int, sampleRate, numChans int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}

	enc := wav.NewEncoder(f, sampleRate, bitDepth, numChans, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: numChans, SampleRate: sampleRate},
		Data:           interleaved,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("finalize wav: %w", err)
	}
	return f.Close()
}

// ProbeDuration reports the length in seconds of an existing WAV file. Used
// to infer the effective duration of cover jobs submitted with duration 0.
func ProbeDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	d, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("probe wav duration: %w", err)
	}
	return d.Seconds(), nil
}
