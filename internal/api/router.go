package api

import (
	"github.com/gin-gonic/gin"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/api/handler"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/api/middleware"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/config"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/logger"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	documentHandler *handler.DocumentHandler,
	log *logger.Logger,
	cfg *config.ServerConfig,
) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	healthHandler := handler.NewHealthHandler()

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Documents
		v1.POST("/documents", documentHandler.Register)
		v1.GET("/documents", documentHandler.List)
		v1.GET("/documents/:id/status", documentHandler.Status)
		v1.POST("/documents/:id/process", documentHandler.Process)
		v1.POST("/documents/:id/restart", documentHandler.Restart)

		// Dispatches
		v1.GET("/dispatches/:id", documentHandler.DispatchStatus)
	}

	return r
}
