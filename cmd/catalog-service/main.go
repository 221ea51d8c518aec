package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"shopcore/internal/cache"
	"shopcore/internal/catalog"
	"shopcore/internal/database"
	"shopcore/internal/middleware"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database
	db, err := database.InitDB(logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis cache. The catalog degrades to database reads if
	// Redis is unavailable.
	redisClient, err := cache.InitRedis(logger)
	if err != nil {
		logger.Warn("Redis unavailable, serving without cache", zap.Error(err))
		redisClient = nil
	}

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("catalog-service")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("catalog-service"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "catalog-service"})
	})
	router.GET("/metrics", middleware.PrometheusHandler())

	catalogHandler := catalog.NewHandler(db, redisClient, logger)
	router.GET("/products", catalogHandler.GetProducts)
	router.GET("/products/:id", catalogHandler.GetProduct)

	authorized := router.Group("/")
	authorized.Use(middleware.RequireAuth(logger))
	{
		authorized.POST("/products", catalogHandler.CreateProduct)
		authorized.PUT("/products/:id", catalogHandler.UpdateProduct)
		authorized.DELETE("/products/:id", catalogHandler.DeleteProduct)
	}

	srv := &http.Server{
		Addr:    ":8081",
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Catalog Service started on :8081")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
