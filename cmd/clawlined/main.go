// Command clawlined runs the clawline provider: the WebSocket control
// plane and HTTP media plane on one port, backed by the single-writer
// store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs" // container-aware GOMAXPROCS

	"github.com/clawline/clawline/internal/adapter"
	"github.com/clawline/clawline/internal/config"
	"github.com/clawline/clawline/internal/log"
	"github.com/clawline/clawline/internal/provider"
	"github.com/clawline/clawline/internal/telemetry"
	"github.com/clawline/clawline/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	checkConfig := flag.Bool("check-config", false, "validate the configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("clawlined %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		return 0
	}

	if *checkConfig {
		cfg, err := config.NewLoader(*configPath, version.Version).Load()
		if err == nil {
			err = config.Validate(cfg)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			return 1
		}
		fmt.Println("configuration ok")
		return 0
	}

	// Safe defaults until the config names a level.
	log.Configure(log.Config{
		Level:   "info",
		Service: "clawline",
		Version: version.Version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*configPath, version.Version).Load()
	if err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldPath, *configPath).
			Msg("failed to load configuration")
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	log.SetLevel(cfg.Logging.Level)

	tracing := cfg.Observability.Tracing
	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        tracing.Enabled,
		ServiceName:    cfg.Logging.Service,
		ServiceVersion: version.Version,
		Environment:    tracing.Environment,
		ExporterType:   tracing.Exporter,
		Endpoint:       tracing.Endpoint,
		SamplingRate:   tracing.SamplingRate,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry init failed, continuing without tracing")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("telemetry shutdown failed")
			}
		}()
	}

	adp, err := adapter.New(cfg.Adapter.Name)
	if err != nil {
		logger.Error().
			Err(err).
			Strs("available", adapter.Names()).
			Msg("adapter not found")
		return 1
	}

	if err := provider.New(cfg, adp).Run(ctx); err != nil {
		var se *provider.StartupError
		if errors.As(err, &se) {
			logger.Error().
				Str(log.FieldCode, string(se.Code)).
				Err(err).
				Msg("provider failed")
		} else {
			logger.Error().Err(err).Msg("provider failed")
		}
		return 1
	}
	return 0
}
