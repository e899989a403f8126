package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/carsight/worker/internal/domain"
)

// FailureRepository records scrape failures for observability.
type FailureRepository struct {
	db        *sqlx.DB
	batchSize int
}

// NewFailureRepository creates a new failure repository.
func NewFailureRepository(db *sqlx.DB, batchSize int) *FailureRepository {
	return &FailureRepository{db: db, batchSize: batchSize}
}

// InsertBatch writes failure audit rows. Failures here must never fail the
// cycle, so callers treat errors as log-only.
func (r *FailureRepository) InsertBatch(ctx context.Context, failures []domain.ScrapeFailure) error {
	if len(failures) == 0 {
		return nil
	}

	for _, batch := range chunk(failures, r.batchSize) {
		var sb strings.Builder
		sb.WriteString(`INSERT INTO failed_scrapes
			(url, source_listing_id, error_type, message, status_code, debug_snippet, created_at) VALUES `)

		const cols = 7
		args := make([]any, 0, len(batch)*cols)
		for i, f := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := len(args)
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7)
			args = append(args, f.URL, f.SourceListingID, f.ErrorType,
				f.Message, f.StatusCode, f.DebugSnippet, f.CreatedAt)
		}

		if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("failed to insert scrape failures: %w", err)
		}
	}
	return nil
}
