// Package sitemap discovers detail-page candidates by walking the chain
// robots.txt -> sitemap index -> per-shard sitemap documents. The sitemap
// chain is the only discovery path; the site's search interface is never
// touched.
package sitemap

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/carsight/worker/internal/config"
	"github.com/carsight/worker/internal/domain"
	"github.com/carsight/worker/internal/fetcher"
	"github.com/carsight/worker/internal/logger"
)

// ErrDiscoveryFailed is returned when the sitemap index cannot be reached
// or parsed. Discovery failure is cycle-fatal; callers check with errors.Is.
var ErrDiscoveryFailed = errors.New("sitemap discovery failed")

var (
	detailIndexRe   = regexp.MustCompile(`(?i)/usedcar-detail-index\.xml$`)
	detailSitemapRe = regexp.MustCompile(`(?i)/usedcar-detail-\d+\.xml$`)
	detailURLRe     = regexp.MustCompile(`(?i)/usedcar/detail/([^/]+)/index\.html`)
)

// Getter fetches a URL. Satisfied by *fetcher.Client.
type Getter interface {
	Get(ctx context.Context, rawURL string, opts fetcher.GetOptions) (*fetcher.Response, error)
}

// Walker resolves the sitemap chain into a bounded candidate pool.
type Walker struct {
	client Getter
	log    logger.Interface
	cfg    config.ScraperConfig
}

// NewWalker creates a sitemap walker.
func NewWalker(client Getter, log logger.Interface, cfg config.ScraperConfig) *Walker {
	return &Walker{client: client, log: log, cfg: cfg}
}

// sitemapIndex models <sitemapindex>. Element names are matched by local
// name, which covers the namespace variants seen in the wild.
type sitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// urlSet models <urlset> in a shard document.
type urlSet struct {
	URLs []struct {
		Loc     string `xml:"loc"`
		LastMod string `xml:"lastmod"`
	} `xml:"url"`
}

// Discover walks the sitemap chain and returns the candidate pool, newest
// lastmod first, deduplicated by URL and capped at the configured pool
// size. A failing shard is skipped with a warning; a failing index is
// cycle-fatal.
func (w *Walker) Discover(ctx context.Context) ([]domain.Candidate, error) {
	indexURL := w.resolveIndexURL(ctx)

	indexResp, err := w.client.Get(ctx, indexURL, fetcher.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch index %s: %w", ErrDiscoveryFailed, indexURL, err)
	}

	shards, err := w.parseIndex(indexResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse index %s: %w", ErrDiscoveryFailed, indexURL, err)
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: index %s lists no detail sitemaps", ErrDiscoveryFailed, indexURL)
	}

	perShardCap := (w.cfg.PoolSize + len(shards) - 1) / len(shards)
	w.log.Info("loaded detail sitemap index",
		"index_url", indexURL,
		"shards", len(shards),
		"per_shard_cap", perShardCap,
	)

	pool := w.walkShards(ctx, shards, perShardCap)

	sort.Slice(pool, func(i, j int) bool { return pool[i].LastMod.After(pool[j].LastMod) })
	if len(pool) > w.cfg.PoolSize {
		pool = pool[:w.cfg.PoolSize]
	}

	w.log.Info("candidate pool built", "candidates", len(pool), "pool_limit", w.cfg.PoolSize)
	return pool, nil
}

// resolveIndexURL reads robots.txt and returns the advertised detail
// sitemap index, falling back to the configured URL when robots.txt is
// unreachable or does not list one. Only the index fetch itself is fatal.
func (w *Walker) resolveIndexURL(ctx context.Context) string {
	resp, err := w.client.Get(ctx, w.cfg.RobotsURL, fetcher.GetOptions{})
	if err != nil {
		w.log.Warn("failed to read robots.txt, using configured sitemap index",
			"robots_url", w.cfg.RobotsURL, "error", err.Error())
		return w.cfg.SitemapIndexURL
	}

	robots, parseErr := robotstxt.FromBytes(resp.Body)
	if parseErr != nil {
		w.log.Warn("failed to parse robots.txt, using configured sitemap index",
			"robots_url", w.cfg.RobotsURL, "error", parseErr.Error())
		return w.cfg.SitemapIndexURL
	}

	for _, sitemapURL := range robots.Sitemaps {
		absolute := w.absoluteURL(sitemapURL)
		if parsed, urlErr := url.Parse(absolute); urlErr == nil && detailIndexRe.MatchString(parsed.Path) {
			return absolute
		}
	}

	w.log.Warn("robots.txt lists no detail sitemap index, using configured URL")
	return w.cfg.SitemapIndexURL
}

// parseIndex extracts detail shard URLs from a sitemap index document,
// capped at the configured maximum number of sitemaps.
func (w *Walker) parseIndex(body []byte) ([]string, error) {
	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err != nil {
		return nil, fmt.Errorf("unmarshal sitemap index: %w", err)
	}

	shards := make([]string, 0, len(index.Sitemaps))
	for _, entry := range index.Sitemaps {
		loc := strings.TrimSpace(entry.Loc)
		if loc == "" {
			continue
		}
		absolute := w.absoluteURL(loc)
		parsed, err := url.Parse(absolute)
		if err != nil || !detailSitemapRe.MatchString(parsed.Path) {
			continue
		}
		shards = append(shards, absolute)
		if len(shards) == w.cfg.MaxSitemaps {
			break
		}
	}
	return shards, nil
}

// walkShards fetches shard documents in bounded concurrent batches with an
// inter-batch pause, deduplicating candidates by URL and keeping the
// newest lastmod for duplicates.
func (w *Walker) walkShards(ctx context.Context, shards []string, perShardCap int) []domain.Candidate {
	byURL := make(map[string]domain.Candidate)
	var mu sync.Mutex
	var processed, failed int

	for offset := 0; offset < len(shards); offset += w.cfg.Concurrency {
		if ctx.Err() != nil {
			break
		}

		batch := shards[offset:min(offset+w.cfg.Concurrency, len(shards))]

		var wg sync.WaitGroup
		for _, shardURL := range batch {
			wg.Add(1)
			go func(shardURL string) {
				defer wg.Done()

				candidates, err := w.fetchShard(ctx, shardURL, perShardCap)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					w.log.Warn("failed to process detail sitemap, skipping shard",
						"shard_url", shardURL, "error", err.Error())
					return
				}
				processed++
				for _, candidate := range candidates {
					existing, ok := byURL[candidate.URL]
					if !ok || candidate.LastMod.After(existing.LastMod) {
						byURL[candidate.URL] = candidate
					}
				}
			}(shardURL)
		}
		wg.Wait()

		if offset+w.cfg.Concurrency < len(shards) {
			sleepCtx(ctx, w.cfg.BatchPause)
		}
	}

	w.log.Info("sitemap shards walked", "processed", processed, "failed", failed)

	pool := make([]domain.Candidate, 0, len(byURL))
	for _, candidate := range byURL {
		pool = append(pool, candidate)
	}
	return pool
}

// fetchShard downloads and parses one shard document.
func (w *Walker) fetchShard(ctx context.Context, shardURL string, limit int) ([]domain.Candidate, error) {
	resp, err := w.client.Get(ctx, shardURL, fetcher.GetOptions{})
	if err != nil {
		return nil, err
	}

	var set urlSet
	if unmarshalErr := xml.Unmarshal(resp.Body, &set); unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal shard: %w", unmarshalErr)
	}

	discoveredAt := time.Now().UTC()
	entries := set.URLs
	if w.cfg.URLsPerSitemap > 0 && len(entries) > w.cfg.URLsPerSitemap {
		entries = entries[:w.cfg.URLsPerSitemap]
	}

	candidates := make([]domain.Candidate, 0, min(len(entries), limit))
	for _, entry := range entries {
		canonical := w.canonicalDetailURL(strings.TrimSpace(entry.Loc))
		if canonical == "" {
			continue
		}
		externalID := ExtractExternalID(canonical)
		if externalID == "" {
			continue
		}

		candidates = append(candidates, domain.Candidate{
			ExternalID: externalID,
			URL:        canonical,
			LastMod:    parseLastMod(entry.LastMod, discoveredAt),
		})
		if len(candidates) == limit {
			break
		}
	}
	return candidates, nil
}

// ExtractExternalID pulls the site-assigned listing identifier out of a
// detail-page URL, or returns "" when the URL is not a detail page.
func ExtractExternalID(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	match := detailURLRe.FindStringSubmatch(parsed.Path)
	if match == nil {
		return ""
	}
	return match[1]
}

// canonicalDetailURL rewrites a discovered detail URL onto the configured
// base host in canonical form, or returns "" for non-detail URLs.
func (w *Walker) canonicalDetailURL(rawURL string) string {
	absolute := w.absoluteURL(rawURL)
	parsed, err := url.Parse(absolute)
	if err != nil {
		return ""
	}
	match := detailURLRe.FindStringSubmatch(parsed.Path)
	if match == nil {
		return ""
	}

	base, err := url.Parse(w.cfg.BaseURL)
	if err != nil || base.Host == "" {
		base = parsed
	}
	return fmt.Sprintf("%s://%s/usedcar/detail/%s/index.html", base.Scheme, base.Host, match[1])
}

func (w *Walker) absoluteURL(raw string) string {
	base, err := url.Parse(w.cfg.BaseURL + "/")
	if err != nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

// parseLastMod parses sitemap lastmod timestamps, accepting RFC 3339 and
// date-only forms. Falls back to the discovery time.
func parseLastMod(value string, fallback time.Time) time.Time {
	text := strings.TrimSpace(value)
	if text == "" {
		return fallback
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed
		}
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
