package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"vera-ai-pipeline/internal/config"
	"vera-ai-pipeline/internal/handlers"
	"vera-ai-pipeline/internal/pkg/logger"
	"vera-ai-pipeline/internal/services"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	log.Info("Starting Vera research pipeline",
		"environment", cfg.Environment,
		"port", cfg.HTTP.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gemini, err := services.NewGeminiService(cfg.Gemini, log)
	if err != nil {
		return fmt.Errorf("gemini service: %w", err)
	}

	youtube, err := services.NewYouTubeService(ctx, cfg.YouTube, log)
	if err != nil {
		return fmt.Errorf("youtube service: %w", err)
	}

	store, err := services.NewRedisReportStore(cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("report store: %w", err)
	}
	defer store.Close()

	scraper := services.NewScraperService(cfg.Scraper, log)
	transcripts := services.NewTranscriptService(cfg.Pipeline, log)

	orchestrator := services.NewOrchestrator(gemini, youtube, transcripts, scraper, store, cfg, log)
	defer orchestrator.Close()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	handler := handlers.NewResearchHandler(orchestrator, log)
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown was not clean")
	}

	log.Info("Shutdown complete")
	return nil
}
