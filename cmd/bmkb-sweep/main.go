// Command bmkb-sweep runs a single reconciliation pass over the allocation
// ledger and prints the resulting report. Intended for cron jobs and manual
// operation against a registry whose background sweep is disabled.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"biomarkerkb/internal/archive"
	"biomarkerkb/internal/config"
	"biomarkerkb/internal/core"
	"biomarkerkb/internal/idformat"
)

func main() {
	configPath := flag.String("config", "registry.yaml", "path to the registry configuration file")
	staleness := flag.Duration("staleness", 0, "override the configured staleness threshold")
	skipArchive := flag.Bool("no-archive", false, "do not persist the report to the configured archive")
	flag.Parse()

	if err := run(*configPath, *staleness, *skipArchive); err != nil {
		fmt.Fprintf(os.Stderr, "bmkb-sweep: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, staleness time.Duration, skipArchive bool) error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

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

	var reports archive.Store
	if cfg.Archive.Driver != "" && !skipArchive {
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

	if staleness <= 0 {
		staleness = cfg.Sweep.GetStaleness()
	}
	sweeper := core.NewSweeper(ledger, formats, core.SweeperConfig{
		Staleness: staleness,
		Archive:   reports,
		Logger:    core.NewJSONLogger(os.Stderr),
	})

	report, err := sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
