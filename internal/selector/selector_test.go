package selector_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carsight/worker/internal/domain"
	"github.com/carsight/worker/internal/fetcher"
	"github.com/carsight/worker/internal/logger"
	"github.com/carsight/worker/internal/selector"
)

// fakeFetcher serves canned HTML per external id without touching the
// network. Missing ids produce a transport failure; ids in gone produce
// a 404 failure.
type fakeFetcher struct {
	pages   map[string]string
	gone    map[string]bool
	calls   int
	fetched int
}

func (f *fakeFetcher) Fetch(_ context.Context, candidates []domain.Candidate, _ map[string]string) []fetcher.Result {
	f.calls++
	f.fetched += len(candidates)
	results := make([]fetcher.Result, 0, len(candidates))
	for _, candidate := range candidates {
		switch {
		case f.gone[candidate.ExternalID]:
			results = append(results, fetcher.Result{
				Candidate: candidate,
				Failure: &domain.ScrapeFailure{
					URL:             candidate.URL,
					SourceListingID: candidate.ExternalID,
					ErrorType:       domain.FailureKindHTTP404,
					Message:         "HTTP 404",
					CreatedAt:       time.Now().UTC(),
				},
			})
		case f.pages[candidate.ExternalID] != "":
			results = append(results, fetcher.Result{
				Candidate: candidate,
				HTML:      f.pages[candidate.ExternalID],
				FinalURL:  candidate.URL,
			})
		default:
			results = append(results, fetcher.Result{
				Candidate: candidate,
				Failure: &domain.ScrapeFailure{
					URL:             candidate.URL,
					SourceListingID: candidate.ExternalID,
					ErrorType:       domain.FailureKindHTTP,
					Message:         "connection refused",
					CreatedAt:       time.Now().UTC(),
				},
			})
		}
	}
	return results
}

func pageWithMake(makeName string) string {
	return fmt.Sprintf(`<html><body><h1 class="title1">%s モデル</h1></body></html>`, makeName)
}

func pool(counts map[string]int) []domain.Candidate {
	var candidates []domain.Candidate
	for makeName, count := range counts {
		for i := 0; i < count; i++ {
			id := fmt.Sprintf("%s-%d", makeName, i)
			candidates = append(candidates, domain.Candidate{
				ExternalID: id,
				URL:        "https://example.test/usedcar/detail/" + id + "/index.html",
				Make:       makeName,
			})
		}
	}
	return candidates
}

func countByMake(candidates []domain.Candidate) map[string]int {
	counts := make(map[string]int)
	for _, candidate := range candidates {
		counts[candidate.Make]++
	}
	return counts
}

func TestSelectRoundRobinWithUnknownBucket(t *testing.T) {
	s := selector.New(&fakeFetcher{}, logger.NewNoOp(), 6, 2)

	picked := s.Select(pool(map[string]int{"Toyota": 5, "Honda": 5, "": 2}))

	require.Len(t, picked, 6)
	counts := countByMake(picked)
	assert.Equal(t, 2, counts["Toyota"])
	assert.Equal(t, 2, counts["Honda"])
	assert.Equal(t, 2, counts[""])
}

func TestSelectSmallPoolTakenWhole(t *testing.T) {
	s := selector.New(&fakeFetcher{}, logger.NewNoOp(), 6, 2)

	picked := s.Select(pool(map[string]int{"Toyota": 1, "Honda": 1}))

	assert.Len(t, picked, 2)
}

func TestSelectBackfillPrefersCapExcluded(t *testing.T) {
	s := selector.New(&fakeFetcher{}, logger.NewNoOp(), 8, 2)

	picked := s.Select(pool(map[string]int{"Toyota": 5, "": 5}))

	require.Len(t, picked, 8)
	counts := countByMake(picked)
	// Round-robin yields 2+2, then cap-excluded Toyota backfills before
	// leftover unknowns.
	assert.Equal(t, 5, counts["Toyota"])
	assert.Equal(t, 3, counts[""])
}

func TestSelectNeverExceedsCaps(t *testing.T) {
	s := selector.New(&fakeFetcher{}, logger.NewNoOp(), 10, 3)

	picked := s.Select(pool(map[string]int{"Toyota": 4, "Honda": 4, "Mazda": 4, "Subaru": 4}))

	require.Len(t, picked, 10)
	for makeName, count := range countByMake(picked) {
		assert.LessOrEqual(t, count, 3, "make %s over cap", makeName)
	}
}

func TestPrefetchMakesFillsMakesAndCache(t *testing.T) {
	fake := &fakeFetcher{
		pages: map[string]string{
			"a": pageWithMake("トヨタ"),
			"b": pageWithMake("ホンダ"),
			"c": pageWithMake("トヨタ"),
		},
		gone: map[string]bool{"d": true},
	}
	s := selector.New(fake, logger.NewNoOp(), 5, 2)

	candidates := []domain.Candidate{
		{ExternalID: "a", URL: "https://example.test/a"},
		{ExternalID: "b", URL: "https://example.test/b"},
		{ExternalID: "c", URL: "https://example.test/c"},
		{ExternalID: "d", URL: "https://example.test/d"},
		{ExternalID: "e", URL: "https://example.test/e"},
	}

	kept, cache := s.PrefetchMakes(context.Background(), candidates)

	// The 404 candidate is dropped; the transport-failure one is kept
	// with an unknown make.
	require.Len(t, kept, 4)
	makes := make(map[string]string, len(kept))
	for _, candidate := range kept {
		makes[candidate.ExternalID] = candidate.Make
	}
	assert.Equal(t, "Toyota", makes["a"])
	assert.Equal(t, "Honda", makes["b"])
	assert.Equal(t, "Toyota", makes["c"])
	assert.Equal(t, "", makes["e"])

	assert.Len(t, cache, 3)
	assert.Equal(t, 1, fake.calls)
}

func TestPrefetchMakesContinuesPastFailingStretch(t *testing.T) {
	// 190 of 200 candidates fail with transport errors. The walk must
	// reach the 10 readable pages wherever the shuffle put them instead
	// of giving up after the first stretch.
	pages := make(map[string]string, 10)
	candidates := make([]domain.Candidate, 0, 200)
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("c-%d", i)
		candidates = append(candidates, domain.Candidate{
			ExternalID: id,
			URL:        "https://example.test/usedcar/detail/" + id + "/index.html",
		})
		if i < 10 {
			pages[id] = pageWithMake("トヨタ")
		}
	}
	fake := &fakeFetcher{pages: pages}

	// Quota: 20 + max(100, 2*30) = 120, below the pool size of 200.
	s := selector.New(fake, logger.NewNoOp(), 20, 2)

	kept, cache := s.PrefetchMakes(context.Background(), candidates)

	known := 0
	for _, candidate := range kept {
		if candidate.Make != "" {
			known++
		}
	}
	assert.Equal(t, 10, known)
	assert.Len(t, cache, 10)
	// The quota is never met, so the whole pool gets visited.
	assert.Equal(t, 200, fake.fetched)
	assert.Equal(t, 2, fake.calls)
}

func TestPrefetchMakesStopsAtQuota(t *testing.T) {
	pages := make(map[string]string, 200)
	candidates := make([]domain.Candidate, 0, 200)
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("c-%d", i)
		candidates = append(candidates, domain.Candidate{
			ExternalID: id,
			URL:        "https://example.test/usedcar/detail/" + id + "/index.html",
		})
		pages[id] = pageWithMake("ホンダ")
	}
	fake := &fakeFetcher{pages: pages}

	s := selector.New(fake, logger.NewNoOp(), 20, 2)

	_, cache := s.PrefetchMakes(context.Background(), candidates)

	// Every page resolves a make, so fetching stops at the quota of 120.
	assert.Equal(t, 120, fake.fetched)
	assert.Len(t, cache, 120)
	assert.Equal(t, 1, fake.calls)
}

func TestPrefetchPause(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, selector.PrefetchPause(2*time.Second))
	assert.Equal(t, 100*time.Millisecond, selector.PrefetchPause(200*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, selector.PrefetchPause(0))
}

func TestPrefetchMakesEmptyPool(t *testing.T) {
	fake := &fakeFetcher{}
	s := selector.New(fake, logger.NewNoOp(), 5, 2)

	kept, cache := s.PrefetchMakes(context.Background(), nil)

	assert.Empty(t, kept)
	assert.Empty(t, cache)
	assert.Zero(t, fake.calls)
}
