package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/ytkey/internal/api/handlers"
	"github.com/your-org/ytkey/internal/api/ws"
	"github.com/your-org/ytkey/internal/auth"
)

type RouterConfig struct {
	APIKey  string
	Keys    handlers.KeyService
	Thumbs  handlers.ThumbnailService
	Binding handlers.BindingSource
	// Jobs is nil when no queue is configured; download routes are then absent.
	Jobs   handlers.JobPublisher
	Hub    *ws.Hub
	Checks map[string]handlers.Check
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	keyH := handlers.NewKeyHandler(cfg.Keys, cfg.Thumbs)
	v1.POST("/references", keyH.Submit)
	v1.GET("/keys/:key", keyH.Resolve)

	thumbH := handlers.NewThumbnailHandler(cfg.Thumbs)
	v1.GET("/thumbnails/:video_id", thumbH.Get)

	toolH := handlers.NewToolchainHandler(cfg.Binding)
	v1.GET("/toolchain", toolH.Get)

	if cfg.Jobs != nil {
		dlH := handlers.NewDownloadHandler(cfg.Jobs)
		v1.POST("/downloads", dlH.Create)
		v1.DELETE("/downloads/:id", dlH.Cancel)
	}

	return r
}
