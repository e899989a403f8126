package domain

import "time"

// CycleReport summarizes one full ingestion cycle for logs and the
// metrics endpoint.
type CycleReport struct {
	CycleID     string         `json:"cycle_id"`
	StartedAt   time.Time      `json:"started_at"`
	Duration    time.Duration  `json:"duration"`
	Discovered  int            `json:"discovered"`
	Selected    int            `json:"selected"`
	Processed   int            `json:"processed"`
	Parsed      int            `json:"parsed"`
	FailedParse int            `json:"failed_parse"`
	Inserted    int            `json:"inserted"`
	Updated     int            `json:"updated"`
	Deactivated int            `json:"deactivated"`
	Deleted     int            `json:"deleted"`
	Selection   map[string]int `json:"selection_by_make,omitempty"`
	Err         string         `json:"error,omitempty"`
}
