package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/carsight/worker/internal/domain"
)

// cjkPattern matches hiragana, katakana and common kanji. Rows whose
// maker/model/color still match it need another pass through the translator.
const cjkPattern = `[ぁ-んァ-ヶ一-龠]`

// listingSelectColumns lists columns for SELECT queries on listings.
const listingSelectColumns = `id, source, external_id, url, maker, model, grade, color, year,
	mileage_km, price_jpy, price_rub, total_price_jpy, total_price_rub,
	prefecture, transmission, fuel,
	is_active, last_seen_at, deleted_at, scraped_at, created_at`

// listingUpsertColumns lists columns written by UpsertBatch, in placeholder order.
var listingUpsertColumns = []string{
	"source", "external_id", "url", "maker", "model", "grade", "color", "year",
	"mileage_km", "price_jpy", "price_rub", "total_price_jpy", "total_price_rub",
	"prefecture", "transmission", "fuel",
	"scraped_at", "last_seen_at", "is_active", "deleted_at",
}

// ListingRepository handles database operations on the listings table.
type ListingRepository struct {
	db        *sqlx.DB
	batchSize int
}

// NewListingRepository creates a new listing repository. batchSize bounds
// the number of rows per statement in batched writes.
func NewListingRepository(db *sqlx.DB, batchSize int) *ListingRepository {
	return &ListingRepository{db: db, batchSize: batchSize}
}

// UpsertBatch inserts or updates listings keyed by (source, external_id)
// inside a single transaction. All mutable fields are refreshed, liveness
// is set to active and any soft-delete mark is cleared. Returns the number
// of inserted and updated rows.
func (r *ListingRepository) UpsertBatch(ctx context.Context, listings []*domain.Listing) (inserted, updated int, err error) {
	if len(listings) == 0 {
		return 0, 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := time.Now().UTC()
	for _, batch := range chunk(listings, r.batchSize) {
		batchInserted, batchTotal, upsertErr := upsertListings(ctx, tx, batch, now)
		if upsertErr != nil {
			return 0, 0, upsertErr
		}
		inserted += batchInserted
		updated += batchTotal - batchInserted
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return 0, 0, fmt.Errorf("failed to commit upsert transaction: %w", commitErr)
	}

	return inserted, updated, nil
}

// upsertListings writes one batch of rows. The RETURNING clause exposes
// xmax = 0, true only for freshly inserted rows, which splits the insert
// and update counts without a second query.
func upsertListings(ctx context.Context, tx *sqlx.Tx, batch []*domain.Listing, now time.Time) (inserted, total int, err error) {
	query, args := buildListingUpsert(batch, now)

	rows, queryErr := tx.QueryContext(ctx, query, args...)
	if queryErr != nil {
		return 0, 0, fmt.Errorf("failed to upsert listings: %w", queryErr)
	}
	defer rows.Close()

	for rows.Next() {
		var wasInsert bool
		if scanErr := rows.Scan(&wasInsert); scanErr != nil {
			return 0, 0, fmt.Errorf("failed to scan upsert result: %w", scanErr)
		}
		total++
		if wasInsert {
			inserted++
		}
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return 0, 0, fmt.Errorf("failed to read upsert results: %w", rowsErr)
	}

	return inserted, total, nil
}

func buildListingUpsert(batch []*domain.Listing, now time.Time) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO listings (")
	sb.WriteString(strings.Join(listingUpsertColumns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(batch)*len(listingUpsertColumns))
	for i, listing := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range listingUpsertColumns {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+j+1)
		}
		sb.WriteByte(')')

		args = append(args,
			listing.Source, listing.ExternalID, listing.URL,
			listing.Make, listing.Model, listing.Grade, listing.Color, listing.Year,
			listing.MileageKm, listing.PriceJPY, listing.PriceRUB,
			listing.TotalPriceJPY, listing.TotalPriceRUB,
			listing.Prefecture, listing.Transmission, listing.Fuel,
			listing.ScrapedAt, now, true, nil,
		)
	}

	sb.WriteString(`
		ON CONFLICT (source, external_id) DO UPDATE SET
			url = EXCLUDED.url,
			maker = EXCLUDED.maker,
			model = EXCLUDED.model,
			grade = EXCLUDED.grade,
			color = EXCLUDED.color,
			year = EXCLUDED.year,
			mileage_km = EXCLUDED.mileage_km,
			price_jpy = EXCLUDED.price_jpy,
			price_rub = EXCLUDED.price_rub,
			total_price_jpy = EXCLUDED.total_price_jpy,
			total_price_rub = EXCLUDED.total_price_rub,
			prefecture = EXCLUDED.prefecture,
			transmission = EXCLUDED.transmission,
			fuel = EXCLUDED.fuel,
			scraped_at = EXCLUDED.scraped_at,
			last_seen_at = EXCLUDED.last_seen_at,
			is_active = TRUE,
			deleted_at = NULL
		RETURNING (xmax = 0) AS inserted`)

	return sb.String(), args
}

// TouchDiscovered upserts a placeholder row for every discovered candidate
// so liveness is refreshed even for listings that are not selected this
// cycle. Existing rows keep their parsed fields; only url, last_seen_at
// and liveness are touched. Returns the number of previously inactive
// rows brought back.
func (r *ListingRepository) TouchDiscovered(ctx context.Context, source string, candidates []domain.Candidate) (reactivated int, err error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	for _, batch := range chunk(candidates, r.batchSize) {
		ids := make([]string, 0, len(batch))
		for _, c := range batch {
			ids = append(ids, c.ExternalID)
		}

		count, countErr := r.countInactive(ctx, source, ids)
		if countErr != nil {
			return 0, countErr
		}
		reactivated += count

		if touchErr := r.touchBatch(ctx, source, batch, now); touchErr != nil {
			return 0, touchErr
		}
	}

	return reactivated, nil
}

func (r *ListingRepository) countInactive(ctx context.Context, source string, externalIDs []string) (int, error) {
	query, args, err := sqlx.In(
		`SELECT COUNT(*) FROM listings WHERE source = ? AND external_id IN (?) AND is_active = FALSE`,
		source, externalIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to build inactive count query: %w", err)
	}

	var count int
	if getErr := r.db.GetContext(ctx, &count, r.db.Rebind(query), args...); getErr != nil {
		return 0, fmt.Errorf("failed to count inactive listings: %w", getErr)
	}
	return count, nil
}

func (r *ListingRepository) touchBatch(ctx context.Context, source string, batch []domain.Candidate, now time.Time) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO listings (source, external_id, url, maker, model, last_seen_at, is_active, deleted_at) VALUES `)

	const cols = 8
	args := make([]any, 0, len(batch)*cols)
	for i, c := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := len(args)
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args, source, c.ExternalID, c.URL,
			domain.UnknownValue, domain.UnknownValue, now, true, nil)
	}

	sb.WriteString(`
		ON CONFLICT (source, external_id) DO UPDATE SET
			url = EXCLUDED.url,
			last_seen_at = EXCLUDED.last_seen_at,
			is_active = TRUE,
			deleted_at = NULL`)

	if _, execErr := r.db.ExecContext(ctx, sb.String(), args...); execErr != nil {
		return fmt.Errorf("failed to touch discovered listings: %w", execErr)
	}
	return nil
}

// Deactivate marks the given external IDs inactive immediately. Used for
// listings whose detail page is gone (404 or an "ended" marker).
func (r *ListingRepository) Deactivate(ctx context.Context, source string, externalIDs []string) (int, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	query, args, err := sqlx.In(
		`UPDATE listings SET is_active = FALSE, deleted_at = ?, last_seen_at = ?
		 WHERE source = ? AND external_id IN (?)`,
		now, now, source, externalIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to build deactivate query: %w", err)
	}

	result, execErr := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if execErr != nil {
		return 0, fmt.Errorf("failed to deactivate listings: %w", execErr)
	}

	affected, affErr := result.RowsAffected()
	if affErr != nil {
		return 0, fmt.Errorf("failed to read deactivate row count: %w", affErr)
	}
	return int(affected), nil
}

// CleanupStale runs the staleness pass in one transaction: active rows not
// seen for inactiveAfter are deactivated, rows inactive beyond deleteAfter
// are removed permanently. Independent of whatever the cycle upserted.
func (r *ListingRepository) CleanupStale(ctx context.Context, source string, inactiveAfter, deleteAfter time.Duration) (deactivated, deleted int, err error) {
	now := time.Now().UTC()
	deactivateBefore := now.Add(-inactiveAfter)
	deleteBefore := now.Add(-deleteAfter)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin cleanup transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	deactivateResult, execErr := tx.ExecContext(ctx,
		`UPDATE listings SET is_active = FALSE, deleted_at = $1
		 WHERE source = $2 AND is_active = TRUE AND last_seen_at < $3`,
		now, source, deactivateBefore,
	)
	if execErr != nil {
		return 0, 0, fmt.Errorf("failed to deactivate stale listings: %w", execErr)
	}
	deactivatedRows, _ := deactivateResult.RowsAffected()

	deleteResult, execErr := tx.ExecContext(ctx,
		`DELETE FROM listings
		 WHERE source = $1 AND is_active = FALSE AND last_seen_at < $2`,
		source, deleteBefore,
	)
	if execErr != nil {
		return 0, 0, fmt.Errorf("failed to delete inactive listings: %w", execErr)
	}
	deletedRows, _ := deleteResult.RowsAffected()

	if commitErr := tx.Commit(); commitErr != nil {
		return 0, 0, fmt.Errorf("failed to commit cleanup transaction: %w", commitErr)
	}

	return int(deactivatedRows), int(deletedRows), nil
}

// ListUntranslated returns listings whose maker, model or color still
// contain CJK text and need another pass through the translator.
func (r *ListingRepository) ListUntranslated(ctx context.Context, source string) ([]domain.Listing, error) {
	query := `SELECT ` + listingSelectColumns + `
		FROM listings
		WHERE source = $1
		  AND (maker ~ $2 OR model ~ $2 OR COALESCE(color, '') ~ $2)`

	var listings []domain.Listing
	if selectErr := r.db.SelectContext(ctx, &listings, query, source, cjkPattern); selectErr != nil {
		return nil, fmt.Errorf("failed to list untranslated listings: %w", selectErr)
	}
	return listings, nil
}

// UpdateNames rewrites the maker/model/color of a single listing. Used by
// the retranslation sweep.
func (r *ListingRepository) UpdateNames(ctx context.Context, id int64, maker, model string, color *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE listings SET maker = $1, model = $2, color = $3 WHERE id = $4`,
		maker, model, color, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update listing names: %w", err)
	}
	return nil
}

// ListRecent returns the most recently seen listings, newest first.
func (r *ListingRepository) ListRecent(ctx context.Context, source string, limit int) ([]domain.Listing, error) {
	query := `SELECT ` + listingSelectColumns + `
		FROM listings
		WHERE source = $1
		ORDER BY last_seen_at DESC
		LIMIT $2`

	var listings []domain.Listing
	if selectErr := r.db.SelectContext(ctx, &listings, query, source, limit); selectErr != nil {
		return nil, fmt.Errorf("failed to list recent listings: %w", selectErr)
	}
	return listings, nil
}
