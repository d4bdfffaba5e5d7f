// Recond is the reconciliation matching daemon.
//
// It loads configuration, opens the SQLite store, starts the REST API, the
// NATS feedback consumer and the reflection scheduler, and shuts everything
// down on SIGINT or SIGTERM.
//
// Usage:
//
//	# Start with ~/.config/recond/config.yaml (optional) and defaults
//	recond
//
//	# Explicit config file and environment overrides
//	RECOND_SERVER_HTTP_PORT=9292 recond -config /etc/recond/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recond/internal/config"
	"github.com/fyrsmithlabs/recond/internal/logging"
	"github.com/fyrsmithlabs/recond/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "Usage:\n")
			fmt.Fprintf(os.Stderr, "  recond [-config path]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  recond version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("recond: %v", err)
	}
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("recond\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Git commit: %s\n", gitCommit)
	fmt.Printf("Build date: %s\n", buildDate)
}

// run initializes the daemon and blocks until ctx is cancelled:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Opens storage and connects to NATS
//  4. Wires the runner, reflection engine and API
//  5. Starts the feedback consumer, scheduler and HTTP server
//  6. Shuts down in reverse order
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zlog := logger.Underlying()

	if h := tel.Health(); h.Degraded {
		zlog.Warn("telemetry degraded", zap.String("reason", h.Reason))
	}
	zlog.Info("starting recond",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Path),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.String("heuristic_scope", cfg.Heuristics.Scope))

	d, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.api.Start()
	}()

	select {
	case <-ctx.Done():
		zlog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	return d.shutdown(shutdownCtx)
}

// initLogger builds the context-aware logger. The OTel bridge reads the
// global logger provider when enabled.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.Fields = map[string]string{"service": cfg.Telemetry.ServiceName}
	if !cfg.Logging.OTEL {
		return logging.NewLogger(logCfg, nil)
	}
	return logging.NewLogger(logCfg, global.GetLoggerProvider())
}

// shutdownStep names one stage of shutdown for logging.
type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

func runShutdown(ctx context.Context, logger *zap.Logger, steps []shutdownStep) error {
	var errs []error
	for _, s := range steps {
		start := time.Now()
		if err := s.fn(ctx); err != nil {
			logger.Error("shutdown step failed", zap.String("step", s.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		logger.Debug("shutdown step done", zap.String("step", s.name), zap.Duration("took", time.Since(start)))
	}
	return errors.Join(errs...)
}
