package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/memrelay/memrelay/internal/config"
	"github.com/memrelay/memrelay/internal/conversation"
	"github.com/memrelay/memrelay/internal/credstore"
	"github.com/memrelay/memrelay/internal/flush"
	"github.com/memrelay/memrelay/internal/httpapi"
	"github.com/memrelay/memrelay/internal/memapi"
	"github.com/memrelay/memrelay/internal/observability"
	"github.com/memrelay/memrelay/internal/orchestrator"
	"github.com/memrelay/memrelay/internal/recall"
	"github.com/memrelay/memrelay/internal/registration"
	"github.com/memrelay/memrelay/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		listenAddr  string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("memrelayd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config.yaml (default: ~/.memrelay/config.yaml, then ./config.yaml)")
	flagSet.StringVar(&listenAddr, "listen", "", "bind address, overrides bind_addr from config")
	flagSet.StringVar(&logLevel, "log-level", "", "log level, overrides log_level from config")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("%s %s\n", version.ClientName, version.Version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if listenAddr != "" {
		cfg.BindAddr = listenAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := newLogger(cfg)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	credPath := cfg.CredentialsPath
	if credPath == "" {
		credPath, err = credstore.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolve credentials path: %w", err)
		}
	}
	store := credstore.NewStore(credPath)
	holder := credstore.NewHolder()

	api := memapi.NewClient(holder, cfg.RequestTimeout, logger)

	buffer := conversation.NewBuffer(conversation.Options{
		RoundThreshold: cfg.RoundThreshold,
		IdleTimeout:    cfg.IdleFlushTimeout,
	})
	coordinator := flush.New(api, holder, metrics, logger, cfg.FlushInterval)

	rec, err := recall.NewClient(api, holder, metrics, logger, recall.Options{
		DefaultLimit: cfg.RecallLimit,
		CacheTTL:     cfg.RecallCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("recall client: %w", err)
	}
	defer rec.Close()

	registrar := registration.New(api, store, holder, metrics, logger)

	orch := orchestrator.New(orchestrator.Options{
		ExplicitBaseURL: cfg.APIBaseURL,
		DefaultBaseURL:  config.DefaultAPIBaseURL,
		MaskSecrets:     cfg.MaskSecrets,
	}, orchestrator.Deps{
		Buffer:    buffer,
		Flush:     coordinator,
		Recall:    rec,
		Registrar: registrar,
		Store:     store,
		Creds:     holder,
		Admin:     api,
		Metrics:   metrics,
		Logger:    logger,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	if err := orch.Init(runCtx); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	server := httpapi.New(cfg, orch, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Str("version", version.Version).Msg("memory relay listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", cfg.BindAddr, err)
	}

	// Stop taking hook traffic first, then drain the pipeline so buffered
	// turns still ship, then release the run context.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful http shutdown failed")
		_ = httpServer.Close()
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pipeline shutdown incomplete")
	}
	runCancel()

	logger.Info().Msg("shutdown complete")
	return nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if cfg.LogPretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
