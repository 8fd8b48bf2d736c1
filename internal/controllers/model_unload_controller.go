package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loopmaker/backend/internal/services"
)

type modelUnloadController struct{ models services.ModelService }

func NewModelUnloadController(models services.ModelService) *modelUnloadController {
	return &modelUnloadController{models}
}

// Handle is idempotent: unloading a model that was never loaded is not an
// error, just a no-op the client learns about.
func (h *modelUnloadController) Handle(c *gin.Context) {
	name := c.Param("name")
	if !h.models.Unload(name) {
		c.JSON(http.StatusOK, gin.H{"status": "not_loaded", "model": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "model": name})
}
