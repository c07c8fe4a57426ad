// Package v1 provides the admin HTTP API, version 1.
package v1

import (
	"net/http"

	"github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"

	"txcoord/internal/domain/account"
	"txcoord/internal/infrastructure/http/v1/handlers"
	"txcoord/internal/infrastructure/http/v1/middleware"
	"txcoord/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Probe answers readiness and pool statistics
	Probe handlers.Probe

	// Logger for request logging
	Logger *logger.Logger

	// Accounts runs ledger operations; account routes are skipped when nil
	Accounts *account.Service

	// Streamer and ExportQuery back GET /api/v1/accounts/export
	Streamer    handlers.Streamer
	ExportQuery squirrel.Sqlizer

	// Metrics serves /metrics when set (promhttp handler)
	Metrics http.Handler

	Version string
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(log))
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.Probe, cfg.Version)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	if cfg.Accounts != nil {
		registerAccountRoutes(router.Group("/api/v1"), cfg)
	}

	return router
}

// registerAccountRoutes registers ledger endpoints.
func registerAccountRoutes(rg *gin.RouterGroup, cfg RouterConfig) {
	h := handlers.NewAccountHandler(handlers.NewBaseHandler(), cfg.Accounts, cfg.Streamer, cfg.ExportQuery)

	accounts := rg.Group("/accounts")
	{
		accounts.GET("", h.List)
		accounts.GET("/export", h.Export)
		accounts.GET("/:id", h.Get)
	}
	rg.POST("/transfers", h.Transfer)
}
