package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"botfleet/internal/api"
	"botfleet/internal/config"
	"botfleet/internal/monitor"
	"botfleet/internal/reconcile"
	"botfleet/internal/store"
	"botfleet/internal/supervisor"
	"botfleet/internal/workspace"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
			log.Info().Int("port", p).Msg("using port from environment")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	if cfg.Tracing.Enabled {
		log.Info().Str("endpoint", cfg.Tracing.Endpoint).Float64("sample_rate", cfg.Tracing.Sample).
			Msg("tracing enabled, spans go to the global tracer provider")
	}

	// Database is required: it is the single source of truth for desired state.
	if cfg.Store.DSN == "" {
		log.Fatal().Msg("store.dsn is required")
	}
	if cfg.Store.Migrate {
		if err := store.Migrate(cfg.Store.DSN); err != nil {
			log.Fatal().Err(err).Msg("schema migration failed")
		}
	}
	db, err := store.New(ctx, cfg.Store.DSN, store.Options{
		MaxConns:        cfg.Store.MaxConns,
		MinConns:        cfg.Store.MinConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("store unavailable")
	}
	defer db.Close()

	writer := store.NewStatusWriter(db, cfg.Store.WriterBuffer)
	writer.Start()
	defer writer.Flush(10 * time.Second)

	prov := workspace.New(
		cfg.Workspace.Root,
		cfg.Workspace.TemplateRepoURL,
		cfg.Workspace.TemplateVersion,
		cfg.Workspace.InterpreterPath,
	)

	sup := supervisor.New(db, prov, writer, metrics, supervisor.Config{
		StopGracePeriod:  cfg.Supervisor.StopGracePeriod,
		RestartDelay:     cfg.Supervisor.RestartDelay,
		ProvisionTimeout: cfg.Workspace.ProvisionTimeout,
		MaxConcurrent:    cfg.Supervisor.MaxConcurrent,
		DefaultAdminID:   cfg.Defaults.AdminID,
		DefaultChannel:   cfg.Defaults.ChannelID,
	})

	rec := reconcile.New(db, sup, reconcile.LogNotifier{}, metrics, reconcile.Config{
		Interval:      cfg.Reconcile.Interval,
		PerBotTimeout: cfg.Reconcile.PerBotTimeout,
		RenewalDays:   cfg.Reconcile.RenewalDays,
	})
	rec.Start(ctx)

	server := api.NewServer(cfg, sup, rec, db, db, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		rec.Stop()
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("workspace_root", cfg.Workspace.Root).
		Dur("reconcile_interval", cfg.Reconcile.Interval).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
