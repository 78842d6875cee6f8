// Package main provides the pdf2deck API server entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spherical/pdf2deck/internal/app"
	"github.com/spherical/pdf2deck/internal/config"
	"github.com/spherical/pdf2deck/internal/domain"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := domain.NewLogger(domain.LogConfig{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "pdf2deck-api",
	})

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build pipeline: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Service.Start(ctx, cfg.Store.ReapInterval)

	logger.Info("starting pdf2deck API (store=%s, database=%t, batch width=%d)",
		cfg.Store.Driver, cfg.Database.Enabled, cfg.Batch.Width)

	router := NewRouter(logger, a.Service, RouterConfig{
		RequestTimeout: cfg.Server.ReadTimeout,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		CleanByDefault: cfg.LLM.InpaintEnabled,
		MaxPages:       cfg.Raster.MaxPages,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening on %s", addr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received: %s", sig)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed: %v", err)
		if err := srv.Close(); err != nil {
			logger.Error("forced shutdown failed: %v", err)
		}
	}

	cancel()
	if err := a.Close(); err != nil {
		logger.Error("pipeline shutdown: %v", err)
	}
	logger.Info("server stopped")
}
