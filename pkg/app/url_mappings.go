package app

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loopmaker/backend/internal/controllers"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/health", controllers.NewHealthController(app.Models).Handle)
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	models := app.Engine.Group("/models")
	{
		models.GET("/status", controllers.NewModelStatusController(app.Models).Handle)
		models.POST("/download", controllers.NewModelDownloadController(app.Models).Handle)
		models.DELETE("/:name", controllers.NewModelUnloadController(app.Models).Handle)
	}

	app.Engine.POST("/generate", controllers.NewGenerateController(app.Resolver, app.Executor).Handle)
	app.Engine.GET("/ws/generate", controllers.NewStreamGenerateController(app.Resolver, app.Executor, app.Heartbeat(), app.Logger).Handle)
}
