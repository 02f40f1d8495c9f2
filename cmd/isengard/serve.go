package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/isengard-ai/isengard/internal/app"
	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/server"
)

// runServe starts the API server and the in-process worker, then blocks until
// an interrupt triggers graceful shutdown.
func runServe(config *common.Config) {
	application, err := app.New(config, common.GetVersion())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	logger := application.Logger

	common.PrintBanner(common.GetVersion())

	logger.Info().
		Str("mode", config.Mode).
		Str("volume_root", config.VolumeRoot).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Msg("Application configuration loaded")

	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start background components")
	}

	srv := server.New(application)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Interrupt signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Let open SSE streams close themselves before the listener drains
	application.BeginShutdown()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	if err := application.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Application close failed")
	}

	logger.Info().Msg("Server stopped")
}
