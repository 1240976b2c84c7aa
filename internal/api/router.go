package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterConfig mirrors the internal/server.RouterConfig shape: a
// flat bag of handlers the router wires into routes.
type RouterConfig struct {
	Handler *Handler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(otelgin.Middleware("orchestration-api"))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
	}))

	router.GET("/healthcheck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/pipelines", cfg.Handler.Submit)
		api.GET("/pipelines/:id", cfg.Handler.Get)
		api.POST("/pipelines/:id/retry", cfg.Handler.Retry)
		api.GET("/pipelines/:id/steps/:step/hydrate", cfg.Handler.Hydrate)
	}

	return router
}
