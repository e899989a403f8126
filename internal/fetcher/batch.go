package fetcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/carsight/worker/internal/domain"
	"github.com/carsight/worker/internal/logger"
)

// Result is the per-target outcome of a batch fetch. Exactly one of HTML
// or Failure is meaningful.
type Result struct {
	Candidate domain.Candidate
	HTML      string
	FinalURL  string
	Failure   *domain.ScrapeFailure
}

// BatchFetcher fetches detail pages for selected candidates with bounded
// concurrency and an enforced pause between batches.
type BatchFetcher struct {
	client      *Client
	log         logger.Interface
	concurrency int
	pause       time.Duration
}

// NewBatchFetcher creates a batch fetcher.
func NewBatchFetcher(client *Client, log logger.Interface, concurrency int, pause time.Duration) *BatchFetcher {
	return &BatchFetcher{client: client, log: log, concurrency: concurrency, pause: pause}
}

// Fetch retrieves each candidate's page. cache maps URL to already fetched
// HTML (from make prefetching) and suppresses a second request. When ctx
// expires, already collected results are returned; fetch failures are
// isolated per target and never abort the batch.
func (bf *BatchFetcher) Fetch(ctx context.Context, candidates []domain.Candidate, cache map[string]string) []Result {
	results := make([]Result, 0, len(candidates))
	var mu sync.Mutex

	for offset := 0; offset < len(candidates); offset += bf.concurrency {
		if ctx.Err() != nil {
			bf.log.Warn("cycle deadline reached, skipping remaining fetches",
				"fetched", len(results), "remaining", len(candidates)-offset)
			break
		}

		batch := candidates[offset:min(offset+bf.concurrency, len(candidates))]

		var wg sync.WaitGroup
		for _, candidate := range batch {
			wg.Add(1)
			go func(candidate domain.Candidate) {
				defer wg.Done()
				result := bf.fetchOne(ctx, candidate, cache)
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
			}(candidate)
		}
		wg.Wait()

		if offset+bf.concurrency < len(candidates) {
			sleepCtx(ctx, bf.pause)
		}
	}

	return results
}

func (bf *BatchFetcher) fetchOne(ctx context.Context, candidate domain.Candidate, cache map[string]string) Result {
	if html, ok := cache[candidate.URL]; ok {
		return Result{Candidate: candidate, HTML: html, FinalURL: candidate.URL}
	}

	resp, err := bf.client.Get(ctx, candidate.URL, GetOptions{Allow404: true})
	if err != nil {
		return Result{Candidate: candidate, Failure: failureFromError(candidate, err)}
	}

	if resp.StatusCode == 404 {
		return Result{Candidate: candidate, Failure: &domain.ScrapeFailure{
			URL:             candidate.URL,
			SourceListingID: candidate.ExternalID,
			ErrorType:       domain.FailureKindHTTP404,
			Message:         "HTTP 404",
			StatusCode:      intPtr(404),
			CreatedAt:       time.Now().UTC(),
		}}
	}

	return Result{Candidate: candidate, HTML: string(resp.Body), FinalURL: resp.FinalURL}
}

func failureFromError(candidate domain.Candidate, err error) *domain.ScrapeFailure {
	failure := &domain.ScrapeFailure{
		URL:             candidate.URL,
		SourceListingID: candidate.ExternalID,
		ErrorType:       domain.FailureKindHTTP,
		Message:         err.Error(),
		CreatedAt:       time.Now().UTC(),
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode > 0 {
		failure.StatusCode = intPtr(reqErr.StatusCode)
		if reqErr.StatusCode == 404 {
			failure.ErrorType = domain.FailureKindHTTP404
		}
	}
	return failure
}

func intPtr(v int) *int { return &v }
