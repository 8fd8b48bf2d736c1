package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loopmaker/backend/internal/services"
)

type healthController struct{ models services.ModelService }

func NewHealthController(models services.ModelService) *healthController {
	return &healthController{models}
}

func (h *healthController) Handle(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"device":        h.models.Device(),
		"models_loaded": h.models.LoadedModels(),
	})
}
