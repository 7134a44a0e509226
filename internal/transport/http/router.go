package httptransport

import (
	"log/slog"

	"github.com/clipstash/importd/internal/transport/http/handler"
	"github.com/clipstash/importd/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"
)

func NewRouter(
	logger *slog.Logger,
	imports *handler.ImportHandler,
	queue *handler.QueueHandler,
	jwtKey []byte,
) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(sloggin.New(logger.With("component", "http")))
	r.Use(gin.Recovery())
	r.Use(middleware.Metrics())

	api := r.Group("/api", middleware.Auth(jwtKey))
	{
		api.POST("/import", imports.Submit)

		api.GET("/jobs", imports.List)
		api.GET("/jobs/:id", imports.GetByID)
		api.GET("/jobs/:id/logs", imports.Logs)
		api.POST("/jobs/:id/retry", imports.Retry)
		api.POST("/jobs/:id/kill", imports.Kill)
		api.DELETE("/jobs/:id", imports.Delete)

		api.GET("/queue/counts", queue.Counts)
		api.POST("/queue/pause", queue.Pause)
		api.POST("/queue/resume", queue.Resume)
		api.POST("/queue/drain", queue.Drain)
		api.POST("/queue/obliterate", queue.Obliterate)
	}

	return r
}
