package controllers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loopmaker/backend/internal/cancel"
	"github.com/loopmaker/backend/internal/progress"
	"github.com/loopmaker/backend/internal/services"
	"github.com/loopmaker/backend/pkg/domain"
)

type streamGenerateController struct {
	resolver  services.ResolverService
	executor  services.ExecutorService
	heartbeat time.Duration
	log       *slog.Logger
}

func NewStreamGenerateController(resolver services.ResolverService, executor services.ExecutorService, heartbeat time.Duration, log *slog.Logger) *streamGenerateController {
	if heartbeat <= 0 {
		heartbeat = 2 * time.Second
	}
	return &streamGenerateController{resolver, executor, heartbeat, log}
}

// The backend binds to loopback; the desktop client's renderer origin varies,
// so origin checks stay off.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type clientMessage struct {
	Type string `json:"type"`
}

// Handle owns one generation session: one request in, a stream of progress
// and heartbeat events out, one terminal frame. Client disconnect at any
// point cancels the job cooperatively.
func (h *streamGenerateController) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req domain.GenerationRequest
	if _, msg, err := conn.ReadMessage(); err != nil {
		return
	} else if err := json.Unmarshal(msg, &req); err != nil {
		h.writeError(conn, "invalid request payload")
		return
	}

	desc, err := h.resolver.Resolve(req)
	if err != nil {
		h.writeError(conn, err.Error())
		return
	}

	token := cancel.NewToken()
	box := progress.NewMailbox()
	handle, err := h.executor.Submit(desc, box, token)
	if err != nil {
		h.writeError(conn, err.Error())
		return
	}

	// Reader goroutine: its only jobs are spotting an explicit cancel message
	// and turning a dropped connection into a token cancellation. The two
	// cases differ at the terminal: an explicit cancel leaves the channel
	// open, so the client gets a cancelled frame; a disconnect gets nothing.
	var explicitCancel atomic.Bool
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				token.Cancel()
				return
			}
			var cm clientMessage
			if json.Unmarshal(msg, &cm) == nil && cm.Type == "cancel" {
				explicitCancel.Store(true)
				token.Cancel()
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-handle.Done():
			// Flush everything the worker published before the terminal frame
			// so the client sees a complete progress trace.
			if !h.flush(conn, box) {
				return
			}
			h.writeTerminal(conn, desc, handle, explicitCancel.Load())
			return
		case <-ticker.C:
			events := box.Drain()
			if len(events) == 0 {
				events = []progress.Event{{Type: progress.EventHeartbeat}}
			}
			for _, ev := range events {
				if conn.WriteJSON(ev) != nil {
					token.Cancel()
					return
				}
			}
		}
	}
}

func (h *streamGenerateController) flush(conn *websocket.Conn, box *progress.Mailbox) bool {
	for _, ev := range box.Drain() {
		if conn.WriteJSON(ev) != nil {
			return false
		}
	}
	return true
}

func (h *streamGenerateController) writeTerminal(conn *websocket.Conn, desc *domain.JobDescriptor, handle *services.JobHandle, explicitCancel bool) {
	results, err := handle.Result()
	switch {
	case errors.Is(err, domain.ErrCancelled):
		// A disconnect leaves no one to report to. An in-band cancel keeps
		// the channel open and gets acknowledged.
		if explicitCancel {
			_ = conn.WriteJSON(gin.H{"type": "cancelled"})
		}
	case err != nil:
		h.log.Warn("generation session failed", "job", desc.ID, "err", err)
		h.writeError(conn, err.Error())
	default:
		paths := make([]string, len(results))
		durations := make([]float64, len(results))
		for i, r := range results {
			paths[i] = r.AudioPath
			durations[i] = r.Duration
		}
		// audio_path/duration carry the first variation for older clients.
		_ = conn.WriteJSON(gin.H{
			"type":        "complete",
			"audio_path":  results[0].AudioPath,
			"sample_rate": results[0].SampleRate,
			"duration":    results[0].Duration,
			"audio_paths": paths,
			"durations":   durations,
			"seed":        results[0].Seed,
		})
	}
}

func (h *streamGenerateController) writeError(conn *websocket.Conn, detail string) {
	_ = conn.WriteJSON(progress.Event{Type: progress.EventError, Detail: detail})
}
