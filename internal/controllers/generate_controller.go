package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loopmaker/backend/internal/cancel"
	"github.com/loopmaker/backend/internal/progress"
	"github.com/loopmaker/backend/internal/services"
	"github.com/loopmaker/backend/pkg/domain"
)

type generateController struct {
	resolver services.ResolverService
	executor services.ExecutorService
}

func NewGenerateController(resolver services.ResolverService, executor services.ExecutorService) *generateController {
	return &generateController{resolver, executor}
}

// Handle runs one generation synchronously. Progress goes unobserved here;
// clients that want progress use the WebSocket endpoint instead. A client
// disconnect cancels the job at its next checkpoint.
func (h *generateController) Handle(c *gin.Context) {
	var req domain.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	desc, err := h.resolver.Resolve(req)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	token := cancel.NewToken()
	handle, err := h.executor.Submit(desc, progress.NewMailbox(), token)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	results, err := handle.Wait(c.Request.Context())
	if c.Request.Context().Err() != nil {
		handle.RequestCancel()
		return
	}
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	// The sync endpoint returns the first variation only.
	c.JSON(http.StatusOK, results[0])
}
