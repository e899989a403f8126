package database_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carsight/worker/internal/database"
	"github.com/carsight/worker/internal/domain"
)

func newListingRepo(t *testing.T, batchSize int) (*database.ListingRepository, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "postgres")
	return database.NewListingRepository(db, batchSize), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	assert.NoError(t, mock.ExpectationsWereMet())
}

// timeNear matches a time.Time argument within a minute of want.
type timeNear struct {
	want time.Time
}

func (m timeNear) Match(v driver.Value) bool {
	ts, ok := v.(time.Time)
	if !ok {
		return false
	}
	diff := ts.Sub(m.want)
	if diff < 0 {
		diff = -diff
	}
	return diff < time.Minute
}

func sampleListing(externalID string) *domain.Listing {
	year := 2020
	price := 1_500_000
	return &domain.Listing{
		Source:     domain.SourceCarsensor,
		ExternalID: externalID,
		URL:        "https://www.carsensor.net/usedcar/detail/" + externalID + "/index.html",
		Make:       "Toyota",
		Model:      "Prius",
		Year:       &year,
		PriceJPY:   &price,
		ScrapedAt:  time.Now().UTC(),
	}
}

func TestListingRepositoryUpsertBatchSplitsInsertsAndUpdates(t *testing.T) {
	repo, mock := newListingRepo(t, 10)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO listings").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).
			AddRow(true).AddRow(false).AddRow(false))
	mock.ExpectCommit()

	listings := []*domain.Listing{
		sampleListing("AU0001"), sampleListing("AU0002"), sampleListing("AU0003"),
	}
	inserted, updated, err := repo.UpsertBatch(context.Background(), listings)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.Equal(t, 2, updated)

	expectationsMet(t, mock)
}

func TestListingRepositoryUpsertBatchChunksInOneTransaction(t *testing.T) {
	repo, mock := newListingRepo(t, 2)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO listings").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).
			AddRow(true).AddRow(true))
	mock.ExpectQuery("INSERT INTO listings").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).
			AddRow(false))
	mock.ExpectCommit()

	listings := []*domain.Listing{
		sampleListing("AU0001"), sampleListing("AU0002"), sampleListing("AU0003"),
	}
	inserted, updated, err := repo.UpsertBatch(context.Background(), listings)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Equal(t, 1, updated)

	expectationsMet(t, mock)
}

func TestListingRepositoryUpsertBatchRollsBackOnError(t *testing.T) {
	repo, mock := newListingRepo(t, 10)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO listings").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, _, err := repo.UpsertBatch(context.Background(), []*domain.Listing{sampleListing("AU0001")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upsert listings")

	expectationsMet(t, mock)
}

func TestListingRepositoryUpsertBatchEmptyIsNoop(t *testing.T) {
	repo, mock := newListingRepo(t, 10)

	inserted, updated, err := repo.UpsertBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.Zero(t, updated)

	expectationsMet(t, mock)
}

func TestListingRepositoryTouchDiscovered(t *testing.T) {
	repo, mock := newListingRepo(t, 10)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(domain.SourceCarsensor, "AU0001", "AU0002").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("INSERT INTO listings").
		WillReturnResult(sqlmock.NewResult(0, 2))

	candidates := []domain.Candidate{
		{ExternalID: "AU0001", URL: "https://www.carsensor.net/usedcar/detail/AU0001/index.html"},
		{ExternalID: "AU0002", URL: "https://www.carsensor.net/usedcar/detail/AU0002/index.html"},
	}
	reactivated, err := repo.TouchDiscovered(context.Background(), domain.SourceCarsensor, candidates)
	require.NoError(t, err)
	assert.Equal(t, 1, reactivated)

	expectationsMet(t, mock)
}

func TestListingRepositoryDeactivate(t *testing.T) {
	repo, mock := newListingRepo(t, 10)

	mock.ExpectExec("UPDATE listings SET is_active = FALSE").
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := repo.Deactivate(context.Background(), domain.SourceCarsensor,
		[]string{"AU0001", "AU0002", "AU0003"})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	expectationsMet(t, mock)
}

func TestListingRepositoryCleanupStale(t *testing.T) {
	repo, mock := newListingRepo(t, 10)

	now := time.Now().UTC()
	inactiveAfter := 3 * 24 * time.Hour
	deleteAfter := 14 * 24 * time.Hour

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE listings SET is_active = FALSE").
		WithArgs(timeNear{now}, domain.SourceCarsensor, timeNear{now.Add(-inactiveAfter)}).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("DELETE FROM listings").
		WithArgs(domain.SourceCarsensor, timeNear{now.Add(-deleteAfter)}).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	deactivated, deleted, err := repo.CleanupStale(context.Background(),
		domain.SourceCarsensor, inactiveAfter, deleteAfter)
	require.NoError(t, err)
	assert.Equal(t, 4, deactivated)
	assert.Equal(t, 2, deleted)

	expectationsMet(t, mock)
}

func TestListingRepositoryCleanupStaleRollsBackOnDeleteError(t *testing.T) {
	repo, mock := newListingRepo(t, 10)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE listings SET is_active = FALSE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM listings").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, _, err := repo.CleanupStale(context.Background(),
		domain.SourceCarsensor, 24*time.Hour, 48*time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to delete inactive listings")

	expectationsMet(t, mock)
}

func TestListingRepositoryListUntranslated(t *testing.T) {
	repo, mock := newListingRepo(t, 10)

	now := time.Now().UTC()
	columns := []string{
		"id", "source", "external_id", "url", "maker", "model", "grade", "color", "year",
		"mileage_km", "price_jpy", "price_rub", "total_price_jpy", "total_price_rub",
		"prefecture", "transmission", "fuel",
		"is_active", "last_seen_at", "deleted_at", "scraped_at", "created_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM listings").
		WithArgs(domain.SourceCarsensor, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			int64(7), domain.SourceCarsensor, "AU0007",
			"https://www.carsensor.net/usedcar/detail/AU0007/index.html",
			"トヨタ", "プリウス", nil, nil, 2019,
			nil, nil, nil, nil, nil,
			nil, nil, nil,
			true, now, nil, now, now,
		))

	listings, err := repo.ListUntranslated(context.Background(), domain.SourceCarsensor)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, int64(7), listings[0].ID)
	assert.Equal(t, "トヨタ", listings[0].Make)
	assert.Equal(t, "プリウス", listings[0].Model)

	expectationsMet(t, mock)
}

func TestListingRepositoryUpdateNames(t *testing.T) {
	repo, mock := newListingRepo(t, 10)

	color := "White"
	mock.ExpectExec("UPDATE listings SET maker").
		WithArgs("Toyota", "Prius", color, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateNames(context.Background(), 7, "Toyota", "Prius", &color)
	require.NoError(t, err)

	expectationsMet(t, mock)
}
