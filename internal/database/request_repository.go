package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/carsight/worker/internal/domain"
)

// RequestRepository reads the scrape_requests queue. The worker's contract
// is read-only: it checks for pending rows to trigger an early cycle and
// never claims, updates or deletes them.
type RequestRepository struct {
	db *sqlx.DB
}

// NewRequestRepository creates a new request repository.
func NewRequestRepository(db *sqlx.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// CountPending returns the number of pending scrape requests for a source.
func (r *RequestRepository) CountPending(ctx context.Context, source string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM scrape_requests WHERE source = $1 AND status = $2`,
		source, domain.RequestStatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending scrape requests: %w", err)
	}
	return count, nil
}
