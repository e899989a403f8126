package domain

import "time"

// Scrape failure kinds. Transport failures and content failures are
// recorded distinctly so operators can tell them apart.
const (
	FailureKindHTTP        = "http_error"
	FailureKindHTTP404     = "http_404"
	FailureKindParse       = "parse_error"
	FailureKindMissingYear = "missing_year"
	FailureKindUnavailable = "listing_unavailable"
)

// ScrapeFailure is an audit row describing one target that could not be
// turned into a listing this cycle.
type ScrapeFailure struct {
	ID              int64     `db:"id"                json:"id"`
	URL             string    `db:"url"               json:"url"`
	SourceListingID string    `db:"source_listing_id" json:"source_listing_id"`
	ErrorType       string    `db:"error_type"        json:"error_type"`
	Message         string    `db:"message"           json:"message"`
	StatusCode      *int      `db:"status_code"       json:"status_code,omitempty"`
	DebugSnippet    *string   `db:"debug_snippet"     json:"debug_snippet,omitempty"`
	CreatedAt       time.Time `db:"created_at"        json:"created_at"`
}

// Unavailable reports whether the failure means the listing itself is
// gone from the source site (as opposed to a transient problem).
func (f *ScrapeFailure) Unavailable() bool {
	return f.ErrorType == FailureKindHTTP404 || f.ErrorType == FailureKindUnavailable
}
