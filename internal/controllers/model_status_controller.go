package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loopmaker/backend/internal/services"
)

type modelStatusController struct{ models services.ModelService }

func NewModelStatusController(models services.ModelService) *modelStatusController {
	return &modelStatusController{models}
}

func (h *modelStatusController) Handle(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"device": h.models.Device(),
		"models": h.models.Status(),
	})
}
