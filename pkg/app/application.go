package app

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loopmaker/backend/internal/audio"
	"github.com/loopmaker/backend/internal/middleware"
	"github.com/loopmaker/backend/internal/services"
	"github.com/loopmaker/backend/internal/tracing"
	"github.com/loopmaker/backend/pkg/config"
	"github.com/loopmaker/backend/pkg/domain"
)

type Application struct {
	Config          *config.Config
	Engine          *gin.Engine
	Resolver        services.ResolverService
	Executor        services.ExecutorService
	Models          services.ModelService
	Logger          *slog.Logger
	TracingShutdown func(context.Context) error
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithModelService substitutes the model service, used by tests to avoid
// spawning a real engine process.
func WithModelService(models services.ModelService) ApplicationOption {
	return func(app *Application) error {
		app.Models = models
		return nil
	}
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler).With("service", "loopmaker-backend", "env", cfg.Env)
	slog.SetDefault(logger)

	for _, dir := range []string{cfg.CheckpointsDir, cfg.TracksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  cfg.TracingServiceName,
		OTLPEndpoint: cfg.OtlpEndpoint,
		OTLPInsecure: cfg.OtlpInsecure,
		SampleRatio:  cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.CORSMiddleware(),
		middleware.LoggerMiddleware(logger),
		middleware.AccessLogMiddleware(logger),
	)
	if cfg.TracingEnabled {
		engine.Use(middleware.TracingMiddleware(cfg.TracingServiceName))
	}

	app := &Application{
		Config:          cfg,
		Engine:          engine,
		Logger:          logger,
		TracingShutdown: shutdown,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	if app.Models == nil {
		app.Models = services.NewModelService(
			domain.ModelRegistry, cfg.CheckpointsDir, cfg.EngineCommand, cfg.EngineArgs, logger)
	}
	app.Resolver = services.NewResolverService(domain.ModelRegistry)
	processor := audio.NewProcessor(cfg.TracksDir, cfg.ForceMono)
	app.Executor = services.NewExecutorService(
		app.Models, processor, cfg.WorkerPoolSize, cfg.QueueBacklog, logger)

	return app, nil
}

// Heartbeat returns the configured session heartbeat interval.
func (app *Application) Heartbeat() time.Duration {
	return time.Duration(app.Config.HeartbeatSeconds) * time.Second
}

// Shutdown drains the worker pool and unloads every live engine.
func (app *Application) Shutdown() {
	app.Executor.Close()
	app.Models.Close()
}
