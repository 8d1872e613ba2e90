// Package main implements the standalone relay server binary. It hosts
// the WebSocket endpoint that mock group-activity coordinators connect
// to, plus a Prometheus metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/groupmock/config"
	"github.com/c360/groupmock/health"
	"github.com/c360/groupmock/metric"
	"github.com/c360/groupmock/relayserver"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "groupmock-relay"
)

type cliConfig struct {
	ConfigPath      string
	Port            int
	MetricsPort     int
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
}

func parseFlags() *cliConfig {
	cfg := &cliConfig{}

	flag.StringVar(&cfg.ConfigPath, "config", "", "Path to config file (YAML or JSON)")
	flag.StringVar(&cfg.ConfigPath, "c", "", "Path to config file (shorthand)")
	flag.IntVar(&cfg.Port, "port", -1, "WebSocket listen port (overrides config)")
	flag.IntVar(&cfg.MetricsPort, "metrics-port", -1, "Metrics listen port, 0 disables (overrides config)")
	flag.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.StringVar(&cfg.LogFormat, "log-format", "text", "Log format: text or json")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")

	flag.Parse()
	return cfg
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Relay server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cli := parseFlags()

	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg := config.DefaultServer()
	if cli.ConfigPath != "" {
		loaded, err := config.LoadServer(cli.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	// Flags win over the file.
	if cli.Port >= 0 {
		cfg.Port = cli.Port
	}
	if cli.MetricsPort >= 0 {
		cfg.MetricsPort = cli.MetricsPort
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := setupLogger(cfg.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting relay server",
		"version", Version,
		"port", cfg.Port,
		"path", cfg.Path,
		"metrics_port", cfg.MetricsPort)

	metricsRegistry := metric.NewRegistry()
	monitor := health.NewMonitor()

	srv, err := relayserver.NewServer(relayserver.Config{
		Port:         cfg.Port,
		Path:         cfg.Path,
		RateLimit:    rate.Limit(cfg.RateLimit),
		RateBurst:    cfg.RateBurst,
		WriteTimeout: cfg.WriteTimeout.Std(),
	}, nil, logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("create relay server: %w", err)
	}

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start relay server: %w", err)
	}
	slog.Info("Relay listening", "url", srv.URL())
	monitor.UpdateHealthy("relayserver", "listening on "+srv.Addr().String())

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	g, gctx := errgroup.WithContext(signalCtx)

	var metricsSrv *metric.Server
	if cfg.MetricsPort > 0 {
		metricsSrv = metric.NewServer(cfg.MetricsPort, "/metrics", metricsRegistry).
			WithHealth(monitor.Handler(appName))
		g.Go(metricsSrv.Start)
		slog.Info("Metrics listening", "port", cfg.MetricsPort)
	}

	// Shuts everything down on the first signal or server failure.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")
		monitor.UpdateUnhealthy("relayserver", "shutting down")

		if metricsSrv != nil {
			if err := metricsSrv.Stop(cli.ShutdownTimeout); err != nil {
				slog.Warn("Metrics server shutdown failed", "error", err)
			}
		}
		if err := srv.Stop(cli.ShutdownTimeout); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("Relay server stopped")
	return nil
}
