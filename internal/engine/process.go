package engine

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopmaker/backend/pkg/domain"
)

// frame is one NDJSON message exchanged with the inference runner on its
// stdio pipes.
type frame struct {
	Type   string        `json:"type"`
	Value  float64       `json:"value,omitempty"`
	Detail string        `json:"detail,omitempty"`
	Audios []rawAudioRef `json:"audios,omitempty"`

	// Request fields (backend -> runner).
	Params *Params `json:"params,omitempty"`
}

// rawAudioRef points at a temp file of interleaved little-endian float32
// samples written by the runner.
type rawAudioRef struct {
	File         string `json:"file"`
	SampleRate   int    `json:"sample_rate"`
	ChannelCount int    `json:"channels"`
}

const readyTimeout = 10 * time.Minute

var errEngineClosed = errors.New("engine process closed")

// ProcessEngine drives a long-running inference runner over stdin/stdout
// NDJSON frames. The runner loads model weights once at startup and serves
// generate requests until closed; one request is in flight at a time, so the
// worker pool's backlog forms ahead of the engine mutex.
type ProcessEngine struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Scanner
	log    *slog.Logger
	closed atomic.Bool
}

// StartProcessEngine launches the configured runner and blocks until it
// reports readiness (weights loaded) or fails.
func StartProcessEngine(ctx context.Context, command string, args []string, log *slog.Logger) (*ProcessEngine, error) {
	if command == "" {
		return nil, domain.Unavailablef("no inference runner configured")
	}

	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, domain.Unavailablef("start inference runner %q: %v", command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	e := &ProcessEngine{cmd: cmd, stdin: stdin, reader: scanner, log: log}

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := e.awaitReady(readyCtx); err != nil {
		_ = e.Close()
		return nil, domain.Unavailablef("inference runner failed to initialize: %v", err)
	}
	return e, nil
}

func (e *ProcessEngine) awaitReady(ctx context.Context) error {
	type res struct{ err error }
	ch := make(chan res, 1)
	go func() {
		for e.reader.Scan() {
			var f frame
			if err := json.Unmarshal(e.reader.Bytes(), &f); err != nil {
				continue // non-frame noise on stdout
			}
			switch f.Type {
			case "ready":
				ch <- res{nil}
				return
			case "error":
				ch <- res{errors.New(f.Detail)}
				return
			}
		}
		ch <- res{fmt.Errorf("runner exited before ready: %w", e.scanErr())}
	}()
	select {
	case r := <-ch:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Generate sends one request frame and consumes progress frames until the
// runner answers with a result or an error. A progress callback error aborts
// the run by killing the runner process; the model service will restart it on
// the next Acquire.
func (e *ProcessEngine) Generate(ctx context.Context, p Params, progress ProgressFunc) ([]RawAudio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return nil, errEngineClosed
	}

	req := frame{Type: "generate", Params: &p}
	if err := e.send(req); err != nil {
		return nil, domain.Generationf("send request to runner: %v", err)
	}

	for e.reader.Scan() {
		if err := ctx.Err(); err != nil {
			e.kill()
			return nil, err
		}
		var f frame
		if err := json.Unmarshal(e.reader.Bytes(), &f); err != nil {
			continue
		}
		switch f.Type {
		case "progress":
			if progress != nil {
				if err := progress(f.Value, f.Detail); err != nil {
					e.kill()
					return nil, err
				}
			}
		case "error":
			return nil, domain.Generationf("%s", f.Detail)
		case "result":
			return e.collectAudios(f.Audios)
		}
	}
	e.kill()
	return nil, domain.Generationf("runner exited mid-generation: %v", e.scanErr())
}

func (e *ProcessEngine) collectAudios(refs []rawAudioRef) ([]RawAudio, error) {
	if len(refs) == 0 {
		return nil, domain.Generationf("generation produced no audio")
	}
	out := make([]RawAudio, 0, len(refs))
	for _, ref := range refs {
		raw, err := decodeRawAudio(ref.File, ref.ChannelCount, ref.SampleRate)
		if err != nil {
			return nil, domain.Generationf("read raw audio %s: %v", ref.File, err)
		}
		out = append(out, raw)
		_ = os.Remove(ref.File)
	}
	return out, nil
}

// ClearCache asks the runner to release accelerator scratch memory. Skipped
// when a generation holds the engine; the runner clears its own cache around
// each request anyway.
func (e *ProcessEngine) ClearCache() {
	if !e.mu.TryLock() {
		return
	}
	defer e.mu.Unlock()
	if e.closed.Load() {
		return
	}
	if err := e.send(frame{Type: "clear_cache"}); err != nil && e.log != nil {
		e.log.Debug("cache clear failed", "err", err)
	}
}

// Alive reports whether the runner process can still take requests. It stays
// lock-free so health checks are not blocked by an in-flight generation.
func (e *ProcessEngine) Alive() bool {
	return !e.closed.Load()
}

// Close terminates the runner. Idempotent.
func (e *ProcessEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return nil
	}
	_ = e.stdin.Close()
	e.kill()
	return nil
}

func (e *ProcessEngine) send(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = e.stdin.Write(b)
	return err
}

func (e *ProcessEngine) kill() {
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	_ = e.cmd.Wait()
	e.closed.Store(true)
}

func (e *ProcessEngine) scanErr() error {
	if err := e.reader.Err(); err != nil {
		return err
	}
	return io.EOF
}

// decodeRawAudio reads a temp file of interleaved little-endian float32
// samples into channel-planar buffers.
func decodeRawAudio(path string, channels, sampleRate int) (RawAudio, error) {
	if channels <= 0 {
		return RawAudio{}, fmt.Errorf("invalid channel count %d", channels)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RawAudio{}, err
	}
	if len(data)%4 != 0 {
		return RawAudio{}, fmt.Errorf("truncated float32 stream (%d bytes)", len(data))
	}
	total := len(data) / 4
	if total%channels != 0 {
		return RawAudio{}, fmt.Errorf("%d samples not divisible by %d channels", total, channels)
	}
	perChannel := total / channels

	planar := make([][]float32, channels)
	for c := range planar {
		planar[c] = make([]float32, perChannel)
	}
	for i := 0; i < total; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		planar[i%channels][i/channels] = math.Float32frombits(bits)
	}
	return RawAudio{Channels: planar, SampleRate: sampleRate}, nil
}
