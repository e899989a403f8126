// Package selector builds the per-cycle working set: a bounded, diverse
// sample of the candidate pool. Diversity means no single make dominates
// the selection; a per-make cap is enforced while the pool allows it.
package selector

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/carsight/worker/internal/domain"
	"github.com/carsight/worker/internal/fetcher"
	"github.com/carsight/worker/internal/logger"
	"github.com/carsight/worker/internal/parser"
)

// prefetchFloor is the minimum number of candidates beyond maxListings
// whose make is pre-read, so the round-robin has enough distinct makes
// to choose from.
const prefetchFloor = 100

// minPrefetchPause is the lower bound for the prefetch batch pause.
const minPrefetchPause = 100 * time.Millisecond

// PrefetchPause returns the inter-batch pause for the make prefetch
// fetcher: a quarter of the main batch pause, never below 100ms.
func PrefetchPause(batchPause time.Duration) time.Duration {
	pause := batchPause / 4
	if pause < minPrefetchPause {
		pause = minPrefetchPause
	}
	return pause
}

// PageFetcher fetches candidate pages in bounded-concurrency batches.
type PageFetcher interface {
	Fetch(ctx context.Context, candidates []domain.Candidate, cache map[string]string) []fetcher.Result
}

// Selector picks the working set from a candidate pool.
type Selector struct {
	fetch        PageFetcher
	log          logger.Interface
	maxListings  int
	perMakeLimit int
}

// New creates a selector enforcing the given overall and per-make caps.
func New(fetch PageFetcher, log logger.Interface, maxListings, perMakeLimit int) *Selector {
	return &Selector{
		fetch:        fetch,
		log:          log,
		maxListings:  maxListings,
		perMakeLimit: perMakeLimit,
	}
}

// PrefetchMakes shuffles the pool and pre-reads candidate makes so
// selection can diversify. It walks the shuffled pool in batches until
// enough candidates carry a known make or the pool runs out. Fetched pages are
// returned in the cache keyed by URL and are not fetched again later.
// Candidates whose page is already gone are dropped from the pool here;
// transient fetch failures keep the candidate with an unknown make.
func (s *Selector) PrefetchMakes(ctx context.Context, pool []domain.Candidate) ([]domain.Candidate, map[string]string) {
	shuffled := make([]domain.Candidate, len(pool))
	copy(shuffled, pool)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	quota := min(s.prefetchTarget(), len(shuffled))
	cache := make(map[string]string)
	if quota == 0 {
		return shuffled, cache
	}

	s.log.Info("prefetching candidate makes", "quota", quota, "pool", len(shuffled))

	makes := make(map[string]string, quota)
	gone := make(map[string]struct{})
	known := 0
	offset := 0
	for offset < len(shuffled) && known < quota && ctx.Err() == nil {
		end := min(offset+(quota-known), len(shuffled))
		results := s.fetch.Fetch(ctx, shuffled[offset:end], cache)
		offset = end

		for _, result := range results {
			if result.Failure != nil {
				if result.Failure.Unavailable() {
					gone[result.Candidate.ExternalID] = struct{}{}
				}
				continue
			}
			cache[result.Candidate.URL] = result.HTML
			makeName := parser.QuickMake(result.HTML)
			makes[result.Candidate.ExternalID] = makeName
			if makeName != "" {
				known++
			}
		}
	}

	kept := make([]domain.Candidate, 0, len(shuffled))
	for _, candidate := range shuffled {
		if _, isGone := gone[candidate.ExternalID]; isGone {
			continue
		}
		if makeName, ok := makes[candidate.ExternalID]; ok {
			candidate.Make = makeName
		}
		kept = append(kept, candidate)
	}

	s.log.Info("make prefetch complete",
		"prefetched", len(makes), "dropped", len(gone), "pool", len(kept))
	return kept, cache
}

func (s *Selector) prefetchTarget() int {
	return s.maxListings + max(prefetchFloor, s.perMakeLimit*30)
}

// Select picks at most maxListings candidates from the pool. Candidates
// are grouped into buckets per make, with unknown makes forming their own
// bucket; buckets are drained round-robin, each capped at perMakeLimit.
// If the caps leave the selection short of maxListings, remaining slots
// are backfilled from cap-excluded candidates of known makes first, then
// from leftover unknown-make candidates.
func (s *Selector) Select(pool []domain.Candidate) []domain.Candidate {
	if len(pool) <= s.maxListings {
		s.log.Info("pool within budget, selecting everything", "pool", len(pool))
		return pool
	}

	buckets := make(map[string][]domain.Candidate)
	for _, candidate := range pool {
		buckets[candidate.Make] = append(buckets[candidate.Make], candidate)
	}

	knownMakes := make([]string, 0, len(buckets))
	for makeName := range buckets {
		if makeName != "" {
			knownMakes = append(knownMakes, makeName)
		}
	}
	sort.Strings(knownMakes)

	order := knownMakes
	if _, hasUnknown := buckets[""]; hasUnknown {
		order = append(order, "")
	}

	picked := make([]domain.Candidate, 0, s.maxListings)
	for round := 0; round < s.perMakeLimit; round++ {
		progress := false
		for _, makeName := range order {
			if len(picked) == s.maxListings {
				s.logSelection(picked)
				return picked
			}
			bucket := buckets[makeName]
			if round < len(bucket) {
				picked = append(picked, bucket[round])
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	// Cap-excluded candidates of known makes fill first, then unknowns.
	for _, makeName := range order {
		bucket := buckets[makeName]
		for i := s.perMakeLimit; i < len(bucket) && len(picked) < s.maxListings; i++ {
			picked = append(picked, bucket[i])
		}
	}

	s.logSelection(picked)
	return picked
}

func (s *Selector) logSelection(picked []domain.Candidate) {
	distribution := make(map[string]int)
	for _, candidate := range picked {
		makeName := candidate.Make
		if makeName == "" {
			makeName = domain.UnknownValue
		}
		distribution[makeName]++
	}
	s.log.Info("selection complete", "selected", len(picked), "makes", distribution)
}
