package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loopmaker/backend/internal/engine"
	"github.com/loopmaker/backend/internal/services"
	"github.com/loopmaker/backend/pkg/config"
	"github.com/loopmaker/backend/pkg/domain"
)

type stubEngine struct{}

func (stubEngine) Generate(_ context.Context, p engine.Params, cb engine.ProgressFunc) ([]engine.RawAudio, error) {
	for _, v := range []float64{0.25, 0.5, 0.75, 1.0} {
		if err := cb(v, "step"); err != nil {
			return nil, err
		}
	}
	out := make([]engine.RawAudio, p.BatchSize)
	for i := range out {
		samples := make([]float32, 4800)
		samples[0] = 0.5
		out[i] = engine.RawAudio{Channels: [][]float32{samples}, SampleRate: 48000}
	}
	return out, nil
}

func (stubEngine) ClearCache()  {}
func (stubEngine) Alive() bool  { return true }
func (stubEngine) Close() error { return nil }

// gatedEngine stalls its first generation in small cancellable ticks so tests
// can cancel or disconnect mid-run; later calls behave like stubEngine.
type gatedEngine struct {
	calls atomic.Int32
}

func (e *gatedEngine) Generate(ctx context.Context, p engine.Params, cb engine.ProgressFunc) ([]engine.RawAudio, error) {
	if e.calls.Add(1) > 1 {
		return stubEngine{}.Generate(ctx, p, cb)
	}
	for i := 0; i < 2000; i++ {
		if err := cb(float64(i)/2000, "step"); err != nil {
			return nil, err
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, errors.New("generation hit the guard limit without being cancelled")
}

func (e *gatedEngine) ClearCache()  {}
func (e *gatedEngine) Alive() bool  { return true }
func (e *gatedEngine) Close() error { return nil }

type stubModels struct{ eng engine.Engine }

func (s stubModels) Acquire(context.Context, string) (engine.Engine, error) { return s.eng, nil }
func (stubModels) EnsureDownloaded(_ context.Context, _ string, progress engine.ProgressFunc) error {
	if progress != nil {
		_ = progress(1.0, "already downloaded")
	}
	return nil
}
func (stubModels) Unload(string) bool { return false }
func (stubModels) Status() map[string]domain.ModelStatus {
	return map[string]domain.ModelStatus{
		domain.DefaultModel: {Downloaded: true, Loaded: false, MaxDuration: 240, SupportsLyrics: true},
	}
}
func (stubModels) LoadedModels() []string { return nil }
func (stubModels) Device() string         { return "cpu" }
func (stubModels) Close()                 {}

var _ services.ModelService = stubModels{}

func newTestServer(t *testing.T) *httptest.Server {
	return newTestServerWith(t, stubEngine{})
}

func newTestServerWith(t *testing.T, eng engine.Engine) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Port:             8099,
		LogLevel:         "error",
		LogFormat:        "json",
		Env:              "test",
		CheckpointsDir:   dir + "/checkpoints",
		TracksDir:        dir + "/tracks",
		WorkerPoolSize:   1,
		QueueBacklog:     4,
		HeartbeatSeconds: 1,
		EngineCommand:    "stub",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	application, err := NewApplication(cfg, WithModelService(stubModels{eng: eng}))
	if err != nil {
		t.Fatalf("init app: %v", err)
	}
	SetupMappings(application)
	t.Cleanup(application.Shutdown)

	server := httptest.NewServer(application.Engine)
	t.Cleanup(server.Close)
	return server
}

func TestHTTPGenerateFlow(t *testing.T) {
	server := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"prompt":       "ambient pad",
		"duration":     30,
		"quality_mode": "fast",
	})
	resp, err := http.Post(server.URL+"/generate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		AudioPath  string  `json:"audio_path"`
		SampleRate int     `json:"sample_rate"`
		Duration   float64 `json:"duration"`
		Seed       int64   `json:"seed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SampleRate != 48000 {
		t.Errorf("sample_rate = %d", out.SampleRate)
	}
	if out.Seed < 0 || out.Seed > domain.SeedMask {
		t.Errorf("seed = %d", out.Seed)
	}
	if _, err := os.Stat(out.AudioPath); err != nil {
		t.Errorf("rendered file missing: %v", err)
	}
	if !strings.HasSuffix(out.AudioPath, ".wav") {
		t.Errorf("audio_path = %q, want a .wav file", out.AudioPath)
	}
}

func TestHTTPGenerateValidationError(t *testing.T) {
	server := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"prompt":            "cover me",
		"duration":          30,
		"task_type":         "cover",
		"source_audio_path": "/nonexistent/source.wav",
	})
	resp, err := http.Post(server.URL+"/generate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHTTPHealthAndStatus(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var health struct {
		Status string `json:"status"`
		Device string `json:"device"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "healthy" || health.Device == "" {
		t.Errorf("health = %+v", health)
	}

	resp2, err := http.Get(server.URL + "/models/status")
	if err != nil {
		t.Fatalf("models status: %v", err)
	}
	defer resp2.Body.Close()
	var status struct {
		Models map[string]domain.ModelStatus `json:"models"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := status.Models[domain.DefaultModel]; !ok {
		t.Errorf("default model missing from status: %v", status.Models)
	}
}

func TestHTTPUnloadNotLoaded(t *testing.T) {
	server := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/models/"+domain.DefaultModel, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, unload must be idempotent", resp.StatusCode)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "not_loaded" {
		t.Errorf("status = %q, want not_loaded", out.Status)
	}
}

func TestHTTPMetricsExposed(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestWebSocketGenerateSession(t *testing.T) {
	server := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/generate"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := map[string]any{"prompt": "lofi beat", "duration": 15, "batch_size": 2}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	type frame struct {
		Type       string    `json:"type"`
		Progress   float64   `json:"progress"`
		Message    string    `json:"message"`
		Detail     string    `json:"detail"`
		AudioPaths []string  `json:"audio_paths"`
		Durations  []float64 `json:"durations"`
	}

	deadline := time.Now().Add(10 * time.Second)
	lastProgress := -1.0
	sawProgress := false
	for {
		_ = conn.SetReadDeadline(deadline)
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch f.Type {
		case "progress":
			sawProgress = true
			if f.Progress < lastProgress {
				t.Fatalf("progress regressed: %v after %v", f.Progress, lastProgress)
			}
			lastProgress = f.Progress
		case "heartbeat":
			// Keepalive while the queue or engine is busy.
		case "error":
			t.Fatalf("session error: %s", f.Detail)
		case "complete":
			if !sawProgress {
				t.Error("complete arrived before any progress event")
			}
			if len(f.AudioPaths) != 2 || len(f.Durations) != 2 {
				t.Fatalf("batch arrays = %d/%d, want 2/2", len(f.AudioPaths), len(f.Durations))
			}
			for _, path := range f.AudioPaths {
				if _, err := os.Stat(path); err != nil {
					t.Errorf("track missing on disk: %v", err)
				}
			}
			return
		default:
			t.Fatalf("unexpected frame type %q", f.Type)
		}
	}
}

func TestWebSocketValidationError(t *testing.T) {
	server := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/generate"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"prompt": "", "duration": 10}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f struct {
		Type   string `json:"type"`
		Detail string `json:"detail"`
	}
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != "error" {
		t.Fatalf("frame type = %q, want error", f.Type)
	}
	if !strings.Contains(f.Detail, "prompt") {
		t.Errorf("error should mention the prompt: %q", f.Detail)
	}
}

func TestWebSocketExplicitCancelSendsCancelledFrame(t *testing.T) {
	server := newTestServerWith(t, &gatedEngine{})

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/generate"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"prompt": "techno loop", "duration": 10}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	var f struct {
		Type string `json:"type"`
	}
	// Wait until the session is visibly running, then cancel in-band.
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"type": "cancel"}); err != nil {
		t.Fatalf("write cancel: %v", err)
	}

	for {
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read after cancel: %v", err)
		}
		switch f.Type {
		case "progress", "heartbeat":
			// Events published before the cancel took effect may still drain.
		case "cancelled":
			return
		default:
			t.Fatalf("terminal frame = %q, want cancelled", f.Type)
		}
	}
}

func TestWebSocketDisconnectFreesWorkerForNextJob(t *testing.T) {
	server := newTestServerWith(t, &gatedEngine{})

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/generate"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"prompt": "drum loop", "duration": 10}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var f struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	// Drop the connection mid-run. The single pool worker must shake off the
	// cancelled job and serve the next one.
	_ = conn.Close()

	body, _ := json.Marshal(map[string]any{"prompt": "ambient pad", "duration": 30})
	resp, err := http.Post(server.URL+"/generate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post after disconnect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("job after disconnect: status = %d, want 200", resp.StatusCode)
	}
}

func TestNDJSONModelDownload(t *testing.T) {
	server := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"model": domain.DefaultModel})
	resp, err := http.Post(server.URL+"/models/download", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "ndjson") {
		t.Errorf("content type = %q", ct)
	}

	dec := json.NewDecoder(resp.Body)
	sawDownloading := false
	sawComplete := false
	for dec.More() {
		var line map[string]any
		if err := dec.Decode(&line); err != nil {
			break
		}
		switch line["status"] {
		case "downloading":
			sawDownloading = true
		case "complete":
			sawComplete = true
		case "error":
			t.Fatalf("download error line: %v", line)
		}
	}
	if !sawDownloading || !sawComplete {
		t.Errorf("stream incomplete: downloading=%v complete=%v", sawDownloading, sawComplete)
	}
}
