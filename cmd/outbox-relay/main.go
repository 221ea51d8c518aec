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
	"go.uber.org/zap"

	"shopcore/internal/config"
	"shopcore/internal/database"
	"shopcore/internal/middleware"
	"shopcore/internal/outbox"
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

	writer := outbox.NewWriter(config.GetEnv("KAFKA_BROKER", "localhost:9092"))
	defer writer.Close()

	relay := outbox.NewRelay(db, writer, 5*time.Second, logger)

	relayCtx, relayCancel := context.WithCancel(context.Background())
	defer relayCancel()
	go func() {
		if err := relay.Run(relayCtx); err != nil && err != context.Canceled {
			logger.Error("Outbox relay error", zap.Error(err))
		}
	}()

	// Health and metrics endpoints only; the relay loop does the work.
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "outbox-relay"})
	})
	router.GET("/metrics", middleware.PrometheusHandler())

	srv := &http.Server{
		Addr:    ":8085",
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Outbox relay started on :8085")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	relayCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Relay exited")
}
