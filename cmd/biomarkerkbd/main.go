// Command biomarkerkbd runs the biomarker identifier registry service: the
// HTTP API, the background reconciliation sweep, and a Prometheus metrics
// endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"biomarkerkb/internal/adapters/httpapi"
	"biomarkerkb/internal/archive"
	"biomarkerkb/internal/config"
	"biomarkerkb/internal/core"
	"biomarkerkb/internal/idformat"
)

func main() {
	configPath := flag.String("config", "registry.yaml", "path to the registry configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "biomarkerkbd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := core.NewJSONLogger(os.Stdout)

	formats, err := idformat.New(cfg.Namespaces)
	if err != nil {
		return err
	}

	ledger, err := core.OpenLedger(core.StorageOptions{
		Driver:      core.StorageDriver(cfg.Storage.Driver),
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
	})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = ledger.Close() }()

	metrics := core.NewPrometheusMetricsRecorder(prometheus.DefaultRegisterer)
	svc := core.NewService(ledger, formats,
		core.WithLogger(logger),
		core.WithMetricsRecorder(metrics),
		core.WithTimeout(cfg.GetRequestTimeout()),
	)

	var reports archive.Store
	if cfg.Archive.Driver != "" {
		reports, err = archive.Open(ctx, archive.Options{
			Driver: archive.Driver(cfg.Archive.Driver),
			Root:   cfg.Archive.Root,
			S3: archive.S3Config{
				Bucket:    cfg.Archive.S3.Bucket,
				Region:    cfg.Archive.S3.Region,
				Endpoint:  cfg.Archive.S3.Endpoint,
				PathStyle: cfg.Archive.S3.PathStyle,
			},
		})
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
	}

	sweepDone := make(chan struct{})
	if cfg.Sweep.Disabled {
		close(sweepDone)
	} else {
		sweeper := core.NewSweeper(ledger, formats, core.SweeperConfig{
			Staleness: cfg.Sweep.GetStaleness(),
			Interval:  cfg.Sweep.GetInterval(),
			Archive:   reports,
			Logger:    logger,
			Metrics:   metrics,
		})
		go func() {
			defer close(sweepDone)
			if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sweep loop exited", "error", err.Error())
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", httpapi.NewHandler(svc, reports))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.GetListen(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("registry listening", "addr", cfg.GetListen(), "namespaces", cfg.Namespaces)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-sweepDone
	return nil
}
