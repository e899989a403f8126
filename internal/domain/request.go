package domain

import "time"

// ScrapeRequest status constants. The worker only ever reads rows in
// pending state; claiming and completing requests belongs to the API.
const (
	RequestStatusPending    = "pending"
	RequestStatusProcessing = "processing"
	RequestStatusDone       = "done"
)

// ScrapeRequest is a row in the scrape_requests queue. The worker uses
// pending requests as a signal to start a cycle ahead of schedule.
type ScrapeRequest struct {
	ID          int64     `db:"id"           json:"id"`
	Source      string    `db:"source"       json:"source"`
	Status      string    `db:"status"       json:"status"`
	RequestedAt time.Time `db:"requested_at" json:"requested_at"`
}
