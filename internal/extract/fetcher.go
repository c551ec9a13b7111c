// Package extract walks the paginated listings API for each configured location.
package extract

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/idealista-analytics/pipeline/internal/model"
	"github.com/idealista-analytics/pipeline/internal/resilience"
	"github.com/idealista-analytics/pipeline/pkg/idealista"
)

// DefaultPageDelay is the pause between consecutive page requests.
const DefaultPageDelay = 500 * time.Millisecond

// Batch is the ordered result of paginating one location.
type Batch struct {
	Location model.Location
	Listings []model.Listing
	// Pages is the number of pages successfully fetched.
	Pages int
	// TotalPages is what page 1 reported (1 when absent), 0 if page 1 failed.
	TotalPages int
	// Err is the request failure that ended pagination early, nil when all
	// reported pages were fetched.
	Err     error
	Elapsed time.Duration
}

// Complete reports whether every reported page was fetched.
func (b Batch) Complete() bool {
	return b.Err == nil
}

// Fetcher paginates the listings API one page at a time.
type Fetcher struct {
	client  idealista.Client
	limiter *rate.Limiter
}

// NewFetcher creates a Fetcher that waits pageDelay between requests. The
// limiter is shared by every Fetch call, so the pacing holds across
// locations too.
func NewFetcher(client idealista.Client, pageDelay time.Duration) *Fetcher {
	limit := rate.Inf
	if pageDelay > 0 {
		limit = rate.Every(pageDelay)
	}
	return &Fetcher{
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Fetch requests pages 1..totalPages for the location in order and returns
// every listing seen. A failed request stops pagination for this location;
// the listings gathered before it are kept and the failure is recorded on
// the batch rather than returned.
func (f *Fetcher) Fetch(ctx context.Context, loc model.Location) Batch {
	log := zap.L().With(
		zap.String("component", "extract.fetcher"),
		zap.String("location_id", loc.ID),
		zap.String("location_name", loc.Name),
	)
	start := time.Now()
	batch := Batch{Location: loc}

	log.Info("starting location")

	page, total := 1, 1
	for page <= total {
		if err := f.limiter.Wait(ctx); err != nil {
			batch.Err = eris.Wrapf(err, "extract: wait before page %d of %s", page, loc.ID)
			log.Error("pagination aborted", zap.Int("page", page), zap.Error(err))
			break
		}

		resp, err := f.client.ListHomes(ctx, idealista.ListHomesRequest{
			LocationID:   loc.ID,
			LocationName: loc.Name,
			Page:         page,
		})
		if err != nil {
			batch.Err = eris.Wrapf(err, "extract: fetch page %d of %s", page, loc.ID)
			log.Error("page request failed, keeping partial results",
				zap.Int("page", page),
				zap.Int("records_kept", len(batch.Listings)),
				zap.String("error_type", resilience.Classify(err)),
				zap.Error(err),
			)
			break
		}

		if page == 1 {
			total = resp.PageCount()
			batch.TotalPages = total
			log.Info("total pages reported", zap.Int("total_pages", total))
		}

		for _, el := range resp.ElementList {
			batch.Listings = append(batch.Listings, model.Listing(el))
		}
		batch.Pages++

		log.Info("fetched page",
			zap.Int("page", page),
			zap.Int("records", len(resp.ElementList)),
		)
		page++
	}

	batch.Elapsed = time.Since(start)
	log.Info("finished location",
		zap.Int("pages", batch.Pages),
		zap.Int("records", len(batch.Listings)),
		zap.Bool("complete", batch.Complete()),
		zap.Duration("elapsed", batch.Elapsed),
	)
	return batch
}
