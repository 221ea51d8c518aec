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

	"shopcore/internal/cart"
	"shopcore/internal/checkout"
	"shopcore/internal/database"
	"shopcore/internal/eventbus"
	"shopcore/internal/idempotency"
	"shopcore/internal/ledger"
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

	// Initialize Kafka producer
	producer, err := eventbus.InitProducer(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("checkout-service")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	store := ledger.NewStore(db, logger)
	guard := idempotency.NewGuard(db, logger)
	publisher := eventbus.NewPublisher(producer, logger)
	coordinator := checkout.NewCoordinator(store, guard, publisher, logger)

	// Sweep expired idempotency keys in the background
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go guard.StartSweeper(sweepCtx, time.Hour)

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("checkout-service"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "checkout-service"})
	})
	router.GET("/metrics", middleware.PrometheusHandler())

	checkoutHandler := checkout.NewHandler(coordinator, store, logger)
	cartHandler := cart.NewHandler(store, logger)

	authorized := router.Group("/")
	authorized.Use(middleware.RequireAuth(logger))
	{
		authorized.POST("/cart/items", cartHandler.AddItem)
		authorized.GET("/cart", cartHandler.GetCart)
		authorized.DELETE("/cart/items/:id", cartHandler.RemoveItem)
		authorized.POST("/checkout", checkoutHandler.Checkout)
		authorized.GET("/orders", checkoutHandler.ListOrders)
		authorized.GET("/orders/:id", checkoutHandler.GetOrder)
	}

	srv := &http.Server{
		Addr:    ":8082",
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Checkout Service started on :8082")

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
