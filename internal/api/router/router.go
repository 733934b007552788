package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/ai-response-service/internal/api/handler"
)

// Store modes reported by /health.
const (
	ModeDurable   = "durable"
	ModeEphemeral = "ephemeral"
)

// Options carries the endpoints mounted next to the API routes.
type Options struct {
	ServiceName    string
	StoreMode      string
	AllowedOrigins []string
	// Realtime serves the push connection endpoint on /ws when set.
	Realtime http.Handler
	// Metrics serves MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(opts.AllowedOrigins))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		if err := deps.Store.Ping(ctx); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": opts.ServiceName,
			"store":   opts.StoreMode,
		})
	})

	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(opts.Metrics))
	}

	if opts.Realtime != nil {
		r.GET("/ws", gin.WrapH(opts.Realtime))
	}

	responseHandler := handler.NewResponseHandler(deps)
	queueHandler := handler.NewQueueHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		responses := v1.Group("/responses")
		{
			// POST /api/v1/responses - Queue a response
			responses.POST("", responseHandler.CreateResponse)

			// POST /api/v1/responses/sync - Generate a response synchronously
			responses.POST("/sync", responseHandler.CreateResponseSync)

			// GET /api/v1/responses/:request_id - Poll request status
			responses.GET("/:request_id", responseHandler.GetResponse)

			// POST /api/v1/responses/:request_id/cancel - Cancel a queued request
			responses.POST("/:request_id/cancel", responseHandler.CancelResponse)
		}

		queues := v1.Group("/queues/:queue")
		{
			// GET /api/v1/queues/:queue/stats - Job counts per state
			queues.GET("/stats", queueHandler.QueueStats)

			// GET /api/v1/queues/:queue/jobs - List jobs with filtering and pagination
			queues.GET("/jobs", queueHandler.ListJobs)
		}
	}

	return r
}
