package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carsight/worker/internal/api"
	"github.com/carsight/worker/internal/domain"
	"github.com/carsight/worker/internal/logger"
	"github.com/carsight/worker/internal/metrics"
)

type stubPinger struct {
	err error
}

func (p *stubPinger) PingContext(context.Context) error { return p.err }

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		router := api.SetupRouter(&stubPinger{}, metrics.NewCollector(), logger.NewNoOp())

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	})

	t.Run("database down", func(t *testing.T) {
		router := api.SetupRouter(&stubPinger{err: errors.New("refused")}, metrics.NewCollector(), logger.NewNoOp())

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	collector := metrics.NewCollector()
	collector.RecordCycle(domain.CycleReport{CycleID: "abc", Inserted: 12, Updated: 30})

	router := api.SetupRouter(&stubPinger{}, collector, logger.NewNoOp())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.CyclesRun)
	assert.Equal(t, 12, snap.TotalInserted)
	require.NotNil(t, snap.LastCycle)
	assert.Equal(t, "abc", snap.LastCycle.CycleID)
}
