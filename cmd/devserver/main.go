// Command devserver runs a local conversation backend for demos and manual testing.
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

	"github.com/xiaot623/gogo/convo/internal/config"
	"github.com/xiaot623/gogo/convo/internal/devserver"
	"github.com/xiaot623/gogo/convo/internal/logging"
)

func main() {
	cfg := config.LoadServer()
	logger := logging.New(cfg.LogLevel, os.Stderr)

	logger.Info().
		Int("port", cfg.Port).
		Str("api_prefix", cfg.APIPrefix).
		Str("dsn", cfg.DSN).
		Bool("seed_demo", cfg.SeedDemo).
		Msg("starting dev server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := devserver.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dev server")
	}
	defer server.Close()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start dev server")
		}
	}()

	if cfg.SeedDemo {
		logger.Info().
			Str("conversation_id", devserver.DemoConversationID).
			Str("service_request_id", devserver.DemoServiceRequestID).
			Str("initiator", devserver.DemoInitiator.Email).
			Str("counterpart", devserver.DemoCounterpart.Email).
			Msg("demo data seeded")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down dev server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown dev server gracefully")
	}
	cancel()

	logger.Info().Msg("dev server stopped")
}
