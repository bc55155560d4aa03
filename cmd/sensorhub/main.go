// Command sensorhub runs a sensor hub: it opens the configured store, serves
// Prometheus metrics and keeps checkpointing and archiving until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sensorhub/internal/core"
	"sensorhub/internal/logger"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const shutdownTimeout = 15 * time.Second

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sensorhub", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath  string
		metricsAddr string
		check       bool
	)
	fs.StringVar(&configPath, "config", os.Getenv("SENSORHUB_CONFIG"), "path to YAML configuration")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "listen address of the metrics endpoint (overrides config)")
	fs.BoolVar(&check, "check", false, "validate the configuration, print it and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return 1
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if check {
		out, err := yaml.Marshal(redacted(cfg))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "encode configuration: %v\n", err)
			return 1
		}
		if _, err := stdout.Write(out); err != nil {
			return 1
		}
		return 0
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = log.Sync() }()
	if err := run(ctx, cfg, log, nil); err != nil {
		log.Error("sensorhub stopped", zap.Error(err))
		return 1
	}
	return 0
}

// redacted hides credentials before the configuration is printed.
func redacted(cfg core.Config) core.Config {
	if cfg.Archive.S3.SecretAccessKey != "" {
		cfg.Archive.S3.SecretAccessKey = "***"
	}
	if cfg.Storage.PostgresDSN != "" {
		cfg.Storage.PostgresDSN = "***"
	}
	return cfg
}

// run blocks until ctx is done. ready, when set, receives the bound metrics
// address once the hub is serving.
func run(ctx context.Context, cfg core.Config, log *zap.Logger, ready chan<- string) error {
	hub, err := core.NewHub(ctx, cfg, core.WithLogger(log))
	if err != nil {
		return err
	}
	hub.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(hub.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", cfg.Metrics.Addr)
	if err != nil {
		return errors.Join(fmt.Errorf("listen %s: %w", cfg.Metrics.Addr, err), hub.Close(context.Background()))
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	log.Info("sensorhub started", zap.String("metrics", ln.Addr().String()))
	if ready != nil {
		ready <- ln.Addr().String()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("metrics server: %w", err)
		}
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, srv.Shutdown(shutdownCtx), hub.Close(shutdownCtx))
}
