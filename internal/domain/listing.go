// Package domain contains the core data types shared across the worker.
package domain

import "time"

// SourceCarsensor identifies the origin site for every listing this worker produces.
const SourceCarsensor = "carsensor"

// UnknownValue is the placeholder stored when a required text field
// could not be determined yet (e.g. placeholder rows for discovered URLs).
const UnknownValue = "Unknown"

// Listing is the canonical record for a single used-car listing.
// Identity is the pair (Source, ExternalID).
type Listing struct {
	ID         int64  `db:"id"          json:"id"`
	Source     string `db:"source"      json:"source"`
	ExternalID string `db:"external_id" json:"external_id"`
	URL        string `db:"url"         json:"url"`

	Make  string  `db:"maker" json:"make"`
	Model string  `db:"model" json:"model"`
	Grade *string `db:"grade" json:"grade,omitempty"`
	Color *string `db:"color" json:"color,omitempty"`
	Year  *int    `db:"year"  json:"year,omitempty"`

	MileageKm     *int `db:"mileage_km"      json:"mileage_km,omitempty"`
	PriceJPY      *int `db:"price_jpy"       json:"price_jpy,omitempty"`
	PriceRUB      *int `db:"price_rub"       json:"price_rub,omitempty"`
	TotalPriceJPY *int `db:"total_price_jpy" json:"total_price_jpy,omitempty"`
	TotalPriceRUB *int `db:"total_price_rub" json:"total_price_rub,omitempty"`

	Prefecture   *string `db:"prefecture"   json:"prefecture,omitempty"`
	Transmission *string `db:"transmission" json:"transmission,omitempty"`
	Fuel         *string `db:"fuel"         json:"fuel,omitempty"`

	// Liveness
	IsActive   bool       `db:"is_active"    json:"is_active"`
	LastSeenAt time.Time  `db:"last_seen_at" json:"last_seen_at"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"deleted_at,omitempty"`
	ScrapedAt  time.Time  `db:"scraped_at"   json:"scraped_at"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
}
