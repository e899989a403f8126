package domain

import "time"

// Candidate is a detail-page URL discovered from the sitemap chain,
// eligible for selection. Candidates are transient: they live for one
// cycle and are never persisted.
type Candidate struct {
	ExternalID string
	URL        string
	LastMod    time.Time
	// Make is set when a cheap pre-read determined the vehicle make,
	// empty otherwise.
	Make string
}
