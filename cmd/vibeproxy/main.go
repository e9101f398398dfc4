// vibeproxy is the local thinking proxy daemon.
//
// It listens on loopback, rewrites -thinking-<budget> model suffixes into
// structured thinking parameters, forwards inference traffic to the local
// backend (or an alternate gateway), passes management traffic through, and
// records per-request token usage into a local sqlite database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vibeproxy/thinking-gateway/internal/config"
	"github.com/vibeproxy/thinking-gateway/internal/monitoring"
	"github.com/vibeproxy/thinking-gateway/internal/native"
	"github.com/vibeproxy/thinking-gateway/internal/proxy"
	"github.com/vibeproxy/thinking-gateway/internal/usage"
)

func main() {
	var (
		configPath string
		debug      bool
	)
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	initLogging(debug)

	// .env is optional; explicit environment always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	store, err := usage.Open(cfg.Usage.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Usage.DBPath).Msg("failed to open usage store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close usage store")
		}
	}()

	tracker, err := monitoring.NewTracker(cfg.Monitoring.Enabled, cfg.Monitoring.LogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up telemetry")
	}

	var reconciler *native.Reconciler
	if cfg.Native.Enabled {
		key, keyErr := native.LoadOrCreateKey(cfg.Native.KeyPath)
		if keyErr != nil {
			log.Warn().Err(keyErr).Msg("native usage comparison disabled: no managed key")
		} else {
			reconciler = native.NewReconciler(cfg.NativeEndpoint(), key)
		}
	}

	server := proxy.NewServer(cfg, store, reconciler, tracker)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("proxy server failed")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	store.Flush()
	fmt.Fprintln(os.Stderr, "vibeproxy stopped")
}

func initLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if env := os.Getenv("VIBEPROXY_LOG_LEVEL"); env != "" {
		if parsed, err := zerolog.ParseLevel(env); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
}
