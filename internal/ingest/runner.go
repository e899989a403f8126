// Package ingest orchestrates one full ingestion cycle: discovery,
// selection, fetching, normalization and reconciliation against storage.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carsight/worker/internal/domain"
	"github.com/carsight/worker/internal/fetcher"
	"github.com/carsight/worker/internal/logger"
	"github.com/carsight/worker/internal/parser"
)

// Discoverer walks the sitemap chain into a candidate pool.
type Discoverer interface {
	Discover(ctx context.Context) ([]domain.Candidate, error)
}

// Picker pre-reads makes and picks the working set from the pool.
type Picker interface {
	PrefetchMakes(ctx context.Context, pool []domain.Candidate) ([]domain.Candidate, map[string]string)
	Select(pool []domain.Candidate) []domain.Candidate
}

// PageFetcher fetches selected detail pages in batches.
type PageFetcher interface {
	Fetch(ctx context.Context, candidates []domain.Candidate, cache map[string]string) []fetcher.Result
}

// ListingStore is the storage surface the runner reconciles against.
type ListingStore interface {
	TouchDiscovered(ctx context.Context, source string, candidates []domain.Candidate) (int, error)
	UpsertBatch(ctx context.Context, listings []*domain.Listing) (inserted, updated int, err error)
	Deactivate(ctx context.Context, source string, externalIDs []string) (int, error)
	CleanupStale(ctx context.Context, source string, inactiveAfter, deleteAfter time.Duration) (deactivated, deleted int, err error)
	ListUntranslated(ctx context.Context, source string) ([]domain.Listing, error)
	UpdateNames(ctx context.Context, id int64, maker, model string, color *string) error
}

// FailureStore records per-target scrape failures for auditing.
type FailureStore interface {
	InsertBatch(ctx context.Context, failures []domain.ScrapeFailure) error
}

// Options are the cycle-level knobs the runner needs.
type Options struct {
	Source        string
	CycleTimeout  time.Duration
	InactiveAfter time.Duration
	DeleteAfter   time.Duration
}

// Runner executes ingestion cycles.
type Runner struct {
	discoverer Discoverer
	picker     Picker
	fetch      PageFetcher
	parse      *parser.Parser
	listings   ListingStore
	failures   FailureStore
	log        logger.Interface
	opts       Options
}

// NewRunner wires a runner from its collaborators.
func NewRunner(
	discoverer Discoverer,
	picker Picker,
	fetch PageFetcher,
	parse *parser.Parser,
	listings ListingStore,
	failures FailureStore,
	log logger.Interface,
	opts Options,
) *Runner {
	return &Runner{
		discoverer: discoverer,
		picker:     picker,
		fetch:      fetch,
		parse:      parse,
		listings:   listings,
		failures:   failures,
		log:        log,
		opts:       opts,
	}
}

// Run performs one ingestion cycle and reports what happened. A discovery
// or reconciliation failure makes the cycle failed; per-target fetch and
// parse failures are recorded and never abort the cycle. The returned
// report is filled in either case.
func (r *Runner) Run(ctx context.Context) (domain.CycleReport, error) {
	report := domain.CycleReport{
		CycleID:   uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	log := r.log.With("cycle_id", report.CycleID)
	defer func() {
		report.Duration = time.Since(report.StartedAt)
	}()

	if r.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.CycleTimeout)
		defer cancel()
	}

	log.Info("cycle started", "source", r.opts.Source)

	pool, err := r.discoverer.Discover(ctx)
	if err != nil {
		report.Err = err.Error()
		return report, fmt.Errorf("discovery: %w", err)
	}
	report.Discovered = len(pool)

	if reactivated, touchErr := r.listings.TouchDiscovered(ctx, r.opts.Source, pool); touchErr != nil {
		log.Error("failed to refresh discovered candidates", "error", touchErr)
	} else if reactivated > 0 {
		log.Info("reactivated rediscovered listings", "count", reactivated)
	}

	pool, cache := r.picker.PrefetchMakes(ctx, pool)
	selected := r.picker.Select(pool)
	report.Selected = len(selected)
	report.Selection = makeDistribution(selected)

	results := r.fetch.Fetch(ctx, selected, cache)
	report.Processed = len(results)

	parsed, failures := r.normalize(results)
	report.Parsed = len(parsed)
	report.FailedParse = len(failures)

	// Reconciliation must not be cut off by the cycle deadline: every
	// page parsed before the deadline is applied.
	storeCtx := context.WithoutCancel(ctx)
	if err := r.reconcile(storeCtx, log, parsed, failures, &report); err != nil {
		report.Err = err.Error()
		return report, err
	}

	r.retranslate(storeCtx, log)

	log.Info("cycle complete",
		"duration", report.Duration,
		"discovered", report.Discovered,
		"selected", report.Selected,
		"parsed", report.Parsed,
		"failed_parse", report.FailedParse,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"deactivated", report.Deactivated,
		"deleted", report.Deleted,
	)
	return report, nil
}

// normalize turns fetch results into listings and failures. Fetch
// failures pass through; successful fetches are parsed.
func (r *Runner) normalize(results []fetcher.Result) ([]*domain.Listing, []domain.ScrapeFailure) {
	listings := make([]*domain.Listing, 0, len(results))
	var failures []domain.ScrapeFailure

	for _, result := range results {
		if result.Failure != nil {
			failures = append(failures, *result.Failure)
			continue
		}

		listing, fail := r.parse.Parse(parser.Input{
			HTML:       result.HTML,
			URL:        result.Candidate.URL,
			ExternalID: result.Candidate.ExternalID,
			FinalURL:   result.FinalURL,
		})
		if fail != nil {
			failures = append(failures, *fail)
			continue
		}
		listings = append(listings, listing)
	}

	return listings, failures
}

// reconcile applies the cycle's outcome to storage: upsert parsed
// listings, record failures, deactivate listings whose pages are gone,
// and run the staleness pass. The staleness pass runs even when nothing
// parsed; an upsert error is cycle-fatal.
func (r *Runner) reconcile(
	ctx context.Context,
	log logger.Interface,
	listings []*domain.Listing,
	failures []domain.ScrapeFailure,
	report *domain.CycleReport,
) error {
	inserted, updated, err := r.listings.UpsertBatch(ctx, listings)
	if err != nil {
		return fmt.Errorf("upsert listings: %w", err)
	}
	report.Inserted = inserted
	report.Updated = updated

	if len(failures) > 0 {
		if err := r.failures.InsertBatch(ctx, failures); err != nil {
			log.Error("failed to record scrape failures", "error", err, "count", len(failures))
		}
	}

	if gone := unavailableIDs(failures); len(gone) > 0 {
		count, err := r.listings.Deactivate(ctx, r.opts.Source, gone)
		if err != nil {
			log.Error("failed to deactivate unavailable listings", "error", err)
		} else {
			report.Deactivated += count
		}
	}

	deactivated, deleted, err := r.listings.CleanupStale(ctx, r.opts.Source, r.opts.InactiveAfter, r.opts.DeleteAfter)
	if err != nil {
		return fmt.Errorf("staleness pass: %w", err)
	}
	report.Deactivated += deactivated
	report.Deleted = deleted

	return nil
}

// retranslate re-runs name canonicalization over rows still carrying
// source-language text, picking up vocabulary added since they were
// scraped. Errors are logged; the sweep is best effort.
func (r *Runner) retranslate(ctx context.Context, log logger.Interface) {
	rows, err := r.listings.ListUntranslated(ctx, r.opts.Source)
	if err != nil {
		log.Error("failed to list untranslated rows", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	updated := 0
	for _, row := range rows {
		maker := parser.TranslateMake(row.Make)
		model := parser.TranslateModel(row.Model)
		color := row.Color
		if color != nil {
			translated := parser.TranslateColor(*color)
			color = &translated
		}

		if maker == row.Make && model == row.Model && ptrEq(color, row.Color) {
			continue
		}
		if err := r.listings.UpdateNames(ctx, row.ID, maker, model, color); err != nil {
			log.Error("failed to update translated names", "error", err, "id", row.ID)
			continue
		}
		updated++
	}

	if updated > 0 {
		log.Info("retranslated listings", "count", updated, "candidates", len(rows))
	}
}

func unavailableIDs(failures []domain.ScrapeFailure) []string {
	var ids []string
	for i := range failures {
		if failures[i].Unavailable() && failures[i].SourceListingID != "" {
			ids = append(ids, failures[i].SourceListingID)
		}
	}
	return ids
}

func makeDistribution(selected []domain.Candidate) map[string]int {
	if len(selected) == 0 {
		return nil
	}
	distribution := make(map[string]int)
	for _, candidate := range selected {
		makeName := candidate.Make
		if makeName == "" {
			makeName = domain.UnknownValue
		}
		distribution[makeName]++
	}
	return distribution
}

func ptrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
