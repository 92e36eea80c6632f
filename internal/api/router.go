// Package api wires the HTTP handlers into a gin engine.
package api

import (
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/lisan-5/file-processing-api/internal/api/handlers"
	"github.com/lisan-5/file-processing-api/internal/api/middleware"
	"github.com/lisan-5/file-processing-api/internal/archive"
	"github.com/lisan-5/file-processing-api/internal/config"
	"github.com/lisan-5/file-processing-api/internal/core"
	"github.com/lisan-5/file-processing-api/internal/webhook"
)

type Deps struct {
	Config     *config.Config
	Queue      *core.Queue
	Dispatcher *core.Dispatcher
	Reporter   *core.Reporter
	Archiver   *archive.Archiver
	Webhooks   *webhook.WebhookSender
	Auth       *middleware.Auth
	Sealer     handlers.SecretSealer
	Logger     *slog.Logger
}

// NewRouter builds the engine. Everything under /api/v1 except the auth
// endpoints requires a valid token.
func NewRouter(deps Deps) (*gin.Engine, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "api"))

	files, err := handlers.NewFileHandler(deps.Config.Storage.UploadDir, deps.Config.Storage.MaxUploadBytes, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create file handler: %w", err)
	}
	jobs := handlers.NewJobHandler(deps.Queue, deps.Dispatcher, deps.Reporter, logger)
	webhooks := handlers.NewWebhookHandler(deps.Webhooks, deps.Sealer, logger)
	archives := handlers.NewArchiveHandler(deps.Archiver, deps.Sealer, logger)
	settings := handlers.NewSettingsHandler(deps.Config)

	r := gin.New()
	r.Use(middleware.Recover(logger), middleware.RequestLogger(logger))
	r.MaxMultipartMemory = 8 << 20

	r.GET("/healthz", handlers.Health(deps.Queue))

	v1 := r.Group("/api/v1")

	protected := v1.Group("")
	protected.Use(deps.Auth.Require())
	deps.Auth.RegisterRoutes(v1.Group("/auth"), protected.Group("/auth"))

	limiter := middleware.NewRateLimiter(deps.Config.Server.SubmitRate, deps.Config.Server.SubmitBurst)
	jobs.RegisterRoutes(protected, limiter.Middleware())
	files.RegisterRoutes(protected)
	webhooks.RegisterRoutes(protected)
	archives.RegisterRoutes(protected)
	settings.RegisterRoutes(protected)

	return r, nil
}
