package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/idealista-analytics/pipeline/internal/config"
	"github.com/idealista-analytics/pipeline/internal/dataset"
	"github.com/idealista-analytics/pipeline/internal/extract"
	"github.com/idealista-analytics/pipeline/internal/model"
	"github.com/idealista-analytics/pipeline/internal/sink"
	"github.com/idealista-analytics/pipeline/pkg/idealista"
)

var extractLocations []string

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Fetch listings for every location and write them to CSV and the warehouse",
	Long:  "Runs the extraction stage: paginates the listings API per location, assembles one dataset and persists it to the file and warehouse sinks.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if len(extractLocations) > 0 {
			locs, err := parseLocations(extractLocations)
			if err != nil {
				return err
			}
			cfg.Extract.Locations = locs
		}

		out, err := runExtract(ctx, cfg, extractOptions{})
		if err != nil {
			return err
		}
		if out.Empty {
			return nil
		}
		if !out.Report.Succeeded(cfg.Warehouse.Required) {
			return eris.Errorf("extract: persistence failed (file: %s, warehouse: %s)",
				out.Report.File.Status, out.Report.Warehouse.Status)
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().StringArrayVar(&extractLocations, "location", nil, "location to fetch as ID or ID=Name (repeatable, overrides config)")
	rootCmd.AddCommand(extractCmd)
}

type extractOptions struct {
	client    idealista.Client
	connector sink.Connector
	now       func() time.Time
}

type extractOutcome struct {
	Batches []extract.Batch
	Rows    int
	Columns int
	Empty   bool
	Report  sink.Report
}

// runExtract executes fetch, assemble and persist for the configured locations.
func runExtract(ctx context.Context, cfg *config.Config, opts extractOptions) (*extractOutcome, error) {
	log := zap.L().With(zap.String("component", "extract"))
	start := time.Now()

	if cfg.RapidAPI.Key == "" {
		log.Warn("rapidapi.key is not set, requests will be rejected by the API")
	}

	client := opts.client
	if client == nil {
		client = newIdealistaClient(cfg)
	}

	locations := make([]model.Location, len(cfg.Extract.Locations))
	for i, l := range cfg.Extract.Locations {
		locations[i] = model.Location{ID: l.ID, Name: l.Name}
	}

	fetcher := extract.NewFetcher(client, cfg.Extract.PageDelay)
	batches := extract.NewExtractor(fetcher, cfg.Extract.Concurrency).Run(ctx, locations)
	out := &extractOutcome{Batches: batches}

	table, err := dataset.Assemble(batches)
	if errors.Is(err, dataset.ErrEmptyResult) {
		out.Empty = true
		log.Warn("extraction produced no records, sinks skipped", zap.Duration("elapsed", time.Since(start)))
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	out.Rows, out.Columns = table.Shape()

	var fileOpts []sink.FileOption
	if opts.now != nil {
		fileOpts = append(fileOpts, sink.WithClock(opts.now))
	}
	writer := sink.NewWriter(
		sink.NewFileSink(cfg.OutputDir(), cfg.Warehouse.Table, fileOpts...),
		sink.NewWarehouseSink(cfg.Warehouse, opts.connector),
	)
	out.Report = writer.Persist(ctx, table)

	log.Info("extraction complete",
		zap.Int("locations", len(locations)),
		zap.Int("rows", out.Rows),
		zap.Int("columns", out.Columns),
		zap.String("file", string(out.Report.File.Status)),
		zap.String("warehouse", string(out.Report.Warehouse.Status)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func newIdealistaClient(cfg *config.Config) idealista.Client {
	return idealista.NewClient(cfg.RapidAPI.Key,
		idealista.WithBaseURL(cfg.Idealista.BaseURL),
		idealista.WithHost(cfg.RapidAPI.Host),
		idealista.WithTimeout(cfg.Idealista.Timeout),
		idealista.WithFilters(idealista.Filters{
			Order:     cfg.Idealista.Order,
			Operation: cfg.Idealista.Operation,
			PageSize:  cfg.Extract.PageSize,
			Country:   cfg.Idealista.Country,
			Locale:    cfg.Idealista.Locale,
			SinceDate: cfg.Idealista.SinceDate,
		}),
	)
}

// parseLocations turns "ID" or "ID=Name" flags into location configs.
func parseLocations(values []string) ([]config.LocationConfig, error) {
	out := make([]config.LocationConfig, 0, len(values))
	for _, v := range values {
		id, name, _ := strings.Cut(v, "=")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("invalid --location %q: empty id", v)
		}
		out = append(out, config.LocationConfig{ID: id, Name: strings.TrimSpace(name)})
	}
	return out, nil
}
