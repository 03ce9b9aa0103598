package server

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abduss/blobgate/internal/config"
	"github.com/abduss/blobgate/internal/gateway"
	"github.com/abduss/blobgate/internal/logger"
	"github.com/abduss/blobgate/internal/metrics"
)

// Dependencies groups the services required by the HTTP router.
type Dependencies struct {
	Config config.Config
	Core   *gateway.Core
	Logger *zap.Logger
}

// NewRouter builds a Gin engine with foundational middleware and routes.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	metricsPath := deps.Config.Metrics.PrometheusPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	metrics.InitMetrics()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.Middleware())
	router.Use(metrics.Middleware())

	registerHealthRoutes(router, deps)
	metrics.Register(router, metricsPath)

	api := router.Group("/v1")
	if deps.Core.Identity != nil {
		api.Use(accessKeyMiddleware(deps.Core.Identity))
	} else {
		deps.Logger.Warn("access keys disabled, /v1 is unauthenticated")
	}

	h := &handler{core: deps.Core}
	h.registerBuckets(api)
	h.registerObjects(api)
	h.registerUploads(api)
	h.registerGC(api)

	return router
}

type handler struct {
	core *gateway.Core
}
