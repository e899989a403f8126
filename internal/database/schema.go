package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaDDL creates the tables this worker owns. The scrape_requests
// table is consumed under a read-only contract and is owned by its
// producer, so it is deliberately absent here.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS listings (
	id              bigserial PRIMARY KEY,
	source          text NOT NULL,
	external_id     text NOT NULL,
	url             text NOT NULL,
	maker           text NOT NULL DEFAULT 'Unknown',
	model           text NOT NULL DEFAULT 'Unknown',
	grade           text,
	color           text,
	year            int,
	mileage_km      int,
	price_jpy       int,
	price_rub       int,
	total_price_jpy int,
	total_price_rub int,
	prefecture      text,
	transmission    text,
	fuel            text,
	is_active       boolean NOT NULL DEFAULT TRUE,
	last_seen_at    timestamptz NOT NULL DEFAULT now(),
	deleted_at      timestamptz,
	scraped_at      timestamptz NOT NULL DEFAULT now(),
	created_at      timestamptz NOT NULL DEFAULT now(),
	UNIQUE (source, external_id)
);

CREATE INDEX IF NOT EXISTS listings_source_last_seen_idx
	ON listings (source, last_seen_at DESC);

CREATE INDEX IF NOT EXISTS listings_source_active_idx
	ON listings (source, is_active);

CREATE TABLE IF NOT EXISTS failed_scrapes (
	id                bigserial PRIMARY KEY,
	url               text NOT NULL,
	source_listing_id text,
	error_type        text NOT NULL,
	message           text NOT NULL,
	status_code       int,
	debug_snippet     text,
	created_at        timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS failed_scrapes_created_at_idx
	ON failed_scrapes (created_at DESC);
`

// EnsureSchema creates the worker's tables and indexes if they do not
// exist. Idempotent; safe to run on every start.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure database schema: %w", err)
	}
	return nil
}
