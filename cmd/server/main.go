package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/pulsefit/coach/internal/api"
	"github.com/pulsefit/coach/internal/config"
	"github.com/pulsefit/coach/internal/core"
	"github.com/pulsefit/coach/internal/extract"
	"github.com/pulsefit/coach/internal/logger"
	"github.com/pulsefit/coach/internal/notify"
	"github.com/pulsefit/coach/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Setup logging
	appLog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLog.Sync()

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		appLog.Fatal("failed to initialize database", "error", err)
	}
	defer dbStore.Close()

	// Initialize the Gemini client once and hand it down
	genaiClient, err := genai.NewClient(context.Background(), option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		appLog.Fatal("failed to create GenAI client", "error", err)
	}

	// Notification fan-out: Redis when configured, in-process otherwise
	var notifier notify.Notifier
	if cfg.RedisAddr != "" {
		notifier, err = notify.NewRedisNotifier(cfg.RedisAddr, appLog)
		if err != nil {
			appLog.Fatal("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
		}
		appLog.Info("using redis notifier", "addr", cfg.RedisAddr)
	} else {
		notifier = notify.NewMemoryNotifier()
		appLog.Info("using in-process notifier")
	}
	defer notifier.Close()

	// Wire the pipeline
	llmService := core.NewLLMService(genaiClient, appLog, cfg.GenerationTimeout)
	defer llmService.Close()

	extractor := extract.NewGeminiExtractor(genaiClient, appLog)
	aggregator := core.NewAggregator(dbStore, appLog)
	coachService := core.NewCoachService(dbStore, llmService, aggregator, extractor, appLog)
	streamService := core.NewStreamService(coachService, notifier, cfg.StreamFlushInterval, appLog)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(coachService, streamService, dbStore, notifier, cfg.JWTSecret, appLog)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays generous: the SSE event feed and synchronous
		// model calls both hold the connection open.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		appLog.Info("starting server", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal("could not listen", "addr", serverAddr, "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLog.Fatal("server forced to shutdown", "error", err)
	}

	appLog.Info("server exiting gracefully")
}
