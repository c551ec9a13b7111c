package extract

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/idealista-analytics/pipeline/internal/model"
)

// Extractor fetches every configured location.
type Extractor struct {
	fetcher     *Fetcher
	concurrency int
}

// NewExtractor creates an Extractor. A concurrency of 1 (or less) fetches
// locations strictly one after another.
func NewExtractor(f *Fetcher, concurrency int) *Extractor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Extractor{fetcher: f, concurrency: concurrency}
}

// Run fetches each location and returns one batch per location, in the
// order the locations were given regardless of concurrency.
func (e *Extractor) Run(ctx context.Context, locations []model.Location) []Batch {
	start := time.Now()
	batches := make([]Batch, len(locations))

	if e.concurrency == 1 {
		for i, loc := range locations {
			batches[i] = e.fetcher.Fetch(ctx, loc)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for i, loc := range locations {
			g.Go(func() error {
				batches[i] = e.fetcher.Fetch(gctx, loc)
				return nil // failures are carried on the batch
			})
		}
		_ = g.Wait()
	}

	var records, incomplete int
	for _, b := range batches {
		records += len(b.Listings)
		if !b.Complete() {
			incomplete++
		}
	}
	zap.L().Info("extraction complete",
		zap.Int("locations", len(locations)),
		zap.Int("incomplete_locations", incomplete),
		zap.Int("records", records),
		zap.Duration("elapsed", time.Since(start)),
	)
	return batches
}
