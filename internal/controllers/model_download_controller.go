package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loopmaker/backend/internal/services"
	"github.com/loopmaker/backend/pkg/domain"
)

type modelDownloadController struct {
	models    services.ModelService
	keepalive time.Duration
}

func NewModelDownloadController(models services.ModelService) *modelDownloadController {
	return &modelDownloadController{models: models, keepalive: 5 * time.Second}
}

type downloadReq struct {
	Model string `json:"model"`
}

const (
	rampFloor = 0.15
	rampCeil  = 0.75
	rampStep  = 0.005
)

// Handle streams download progress as NDJSON. Weights run to multiple
// gigabytes, so while the blocking fetch runs off the request goroutine the
// stream carries keepalive lines whose progress ramps slowly toward rampCeil;
// real progress frames from the runner land inside the same window.
func (h *modelDownloadController) Handle(c *gin.Context) {
	var req downloadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.Model == "" {
		req.Model = domain.DefaultModel
	}
	if _, ok := domain.ModelRegistry[req.Model]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown model: " + req.Model})
		return
	}

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.WriteHeader(http.StatusOK)

	writeLine := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		_, _ = c.Writer.Write(append(b, '\n'))
		c.Writer.Flush()
	}

	writeLine(gin.H{"status": "downloading", "progress": 0.1})
	writeLine(gin.H{"status": "downloading", "progress": rampFloor, "message": "Initializing download..."})

	type progressMsg struct {
		fraction float64
		detail   string
	}
	progressCh := make(chan progressMsg, 16)
	done := make(chan error, 1)
	go func() {
		done <- h.models.EnsureDownloaded(c.Request.Context(), req.Model, func(fraction float64, detail string) error {
			select {
			case progressCh <- progressMsg{fraction, detail}:
			default:
			}
			return c.Request.Context().Err()
		})
	}()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	started := time.Now()
	tick := 0
	for {
		select {
		case msg := <-progressCh:
			p := rampFloor + msg.fraction*(rampCeil-rampFloor)
			writeLine(gin.H{"status": "downloading", "progress": p, "message": msg.detail})
		case <-ticker.C:
			tick++
			p := rampFloor + float64(tick)*rampStep
			if p > rampCeil {
				p = rampCeil
			}
			elapsed := time.Since(started).Minutes()
			writeLine(gin.H{
				"status":   "downloading",
				"progress": p,
				"message":  fmt.Sprintf("Downloading required files (%.1f min elapsed)...", elapsed),
			})
		case err := <-done:
			if err != nil {
				writeLine(gin.H{"status": "error", "error": err.Error()})
				return
			}
			writeLine(gin.H{"status": "downloading", "progress": 0.85, "message": "Model loaded successfully"})
			writeLine(gin.H{"status": "complete", "progress": 1.0})
			return
		}
	}
}
