package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mintsync/internal/app"
	"mintsync/internal/config"
	"mintsync/internal/store"
	"mintsync/internal/wallet"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config.yaml", "path to config file")
	once := flag.Bool("once", false, "exit once every seeded proof is spent and every seeded quote is issued (locally or by the mint)")
	timeout := flag.Duration("timeout", 2*time.Minute, "upper bound for -once")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Basic logger for startup errors
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", *configPath).
		Str("transport", string(cfg.Transport.Mode)).
		Int("mints", len(cfg.Mints)).
		Bool("once", *once).
		Msg("starting mintsync")

	a, err := app.New(cfg, logger, app.Deps{Redeemer: logRedeemer(logger)})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create app")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start app")
	}
	if err := a.Seed(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to seed configured mints")
	}

	if *once {
		waitCtx, waitCancel := context.WithTimeout(ctx, *timeout)
		err := a.WaitForCompletion(waitCtx)
		waitCancel()
		switch {
		case err == nil:
			logger.Info().Msg("all watched items settled")
		case errors.Is(err, context.DeadlineExceeded):
			quotes, proofs := a.Unsettled()
			logger.Warn().
				Int("quotes", quotes).
				Int("proofs", proofs).
				Dur("timeout", *timeout).
				Msg("gave up waiting for watched items")
		default:
			logger.Info().Msg("interrupted")
		}
	} else {
		// Wait for shutdown signal
		<-ctx.Done()
		logger.Info().Msg("received shutdown signal")
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := a.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

// logRedeemer reports paid quotes; minting itself happens in the wallet owning the keys
func logRedeemer(logger zerolog.Logger) store.Redeemer {
	return store.RedeemerFunc(func(ctx context.Context, q wallet.Quote) error {
		logger.Info().
			Str("endpoint", q.Endpoint).
			Str("quoteId", q.ID).
			Uint64("amount", q.Amount).
			Msg("quote is paid and ready to mint")
		return nil
	})
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	// Set log level
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	// Configure output
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
