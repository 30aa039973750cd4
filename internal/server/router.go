package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/foldbridge/foldbridge-backend/internal/handlers"
	"github.com/foldbridge/foldbridge-backend/internal/platform/envutil"
)

type RouterConfig struct {
	ServiceName    string
	JobsHandler    *handlers.JobsHandler
	BatchesHandler *handlers.BatchesHandler
	ReportsHandler *handlers.ReportsHandler
	SSEHandler     *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.ServiceName))

	// Cors
	origins := strings.Split(envutil.Str("CORS_ALLOW_ORIGINS", "http://localhost:3000,http://localhost:5174"), ",")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/jobs", cfg.JobsHandler.SubmitJob)
		api.GET("/jobs", cfg.JobsHandler.ListJobs)
		api.GET("/jobs/:id", cfg.JobsHandler.GetJobByID)
		api.POST("/jobs/:id/cancel", cfg.JobsHandler.CancelJob)

		api.POST("/batches", cfg.BatchesHandler.SubmitBatch)
		api.GET("/batches/:id", cfg.BatchesHandler.GetBatchByID)
		api.POST("/batches/:id/cancel", cfg.BatchesHandler.CancelBatch)
	}

	// Worker fleet surface; fronted by network policy, not auth middleware.
	internal := router.Group("/internal")
	{
		internal.POST("/jobs/:id/report", cfg.ReportsHandler.Report)
	}

	router.GET("/sse/stream", cfg.SSEHandler.Stream)

	return router
}
