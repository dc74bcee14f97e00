package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/slurmwatch/internal/aggregator"
	"github.com/worldland/slurmwatch/internal/clock"
	"github.com/worldland/slurmwatch/internal/domain"
	"github.com/worldland/slurmwatch/internal/ingest"
	"github.com/worldland/slurmwatch/internal/snapshot"
	"github.com/worldland/slurmwatch/internal/wire"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

// MockHistorySource for testing
type MockHistorySource struct {
	HistoryFn func(id domain.CollectorIdentity, start, end time.Time, limit int) ([]domain.Observation, error)
}

func (m *MockHistorySource) History(id domain.CollectorIdentity, start, end time.Time, limit int) ([]domain.Observation, error) {
	if m.HistoryFn != nil {
		return m.HistoryFn(id, start, end, limit)
	}
	return nil, errors.New("HistoryFn not implemented")
}

func record(util float64) *domain.TelemetryRecord {
	return &domain.TelemetryRecord{
		GPUs: []domain.GPUMetrics{{DeviceIndex: 0, UtilizationPct: util, TemperatureC: 50}},
		Jobs: []domain.JobRow{{JobID: "17", User: "alice", State: "RUNNING", NodeList: "gpu01"}},
	}
}

// newFixture builds an aggregator with gpu01 fresh, gpu02 stale and gpu03
// unreachable without data.
func newFixture(t *testing.T) (*Handler, *aggregator.Aggregator, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(t0.Add(100 * time.Second))
	agg := aggregator.New(aggregator.Options{StalenessWindow: 60 * time.Second, FailureThreshold: 2, Clock: clk})

	require.NoError(t, agg.Report("gpu01", record(10), t0.Add(80*time.Second)))
	require.NoError(t, agg.Report("gpu01", record(20), t0.Add(90*time.Second)))
	require.NoError(t, agg.Report("gpu02", record(30), t0))
	agg.RecordFailure("gpu03", errors.New("connection refused"))
	agg.RecordFailure("gpu03", errors.New("connection refused"))

	ep := ingest.NewEndpoint(agg, ingest.Options{Clock: clk})
	h := NewHandler(snapshot.NewReader(agg), agg, ingest.NewHTTPHandler(ep, 0))
	return h, agg, clk
}

func get(t *testing.T, h *Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandleCluster_Success(t *testing.T) {
	h, _, _ := newFixture(t)

	rec := get(t, h, "/api/v1/cluster")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ClusterResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	assert.Equal(t, snapshot.Summary{Fresh: 1, Stale: 1, Unreachable: 1, Total: 3}, resp.Summary)
	require.Len(t, resp.Collectors, 3)

	gpu01 := resp.Collectors[0]
	assert.Equal(t, domain.CollectorIdentity("gpu01"), gpu01.Identity)
	assert.Equal(t, aggregator.Fresh, gpu01.Health)
	assert.Equal(t, 10.0, gpu01.AgeSeconds)
	require.NotNil(t, gpu01.Payload)
	assert.Equal(t, 20.0, gpu01.Payload.GPUs[0].UtilizationPct)

	gpu03 := resp.Collectors[2]
	assert.Equal(t, aggregator.Unreachable, gpu03.Health)
	assert.False(t, gpu03.HasData)
	assert.Nil(t, gpu03.LastReportAt)
	assert.Equal(t, 2, gpu03.ConsecutiveFailures)
	assert.Equal(t, "connection refused", gpu03.LastError)
}

func TestHandleCluster_WireFormat(t *testing.T) {
	h, _, _ := newFixture(t)

	rec := get(t, h, "/api/v1/cluster?collector=gpu03")
	body := rec.Body.String()

	assert.Contains(t, body, `"health":"unreachable"`)
	assert.Contains(t, body, `"last_report_at":null`)
	assert.NotContains(t, body, "gpu01")
}

func TestHandleCluster_Filter(t *testing.T) {
	h, _, _ := newFixture(t)

	rec := get(t, h, "/api/v1/cluster?collector=gpu02&collector=gpu09")

	var resp ClusterResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Collectors, 1)
	assert.Equal(t, aggregator.Stale, resp.Collectors[0].Health)
	assert.Equal(t, 1, resp.Summary.Total)
}

func TestHandleCollector(t *testing.T) {
	h, _, _ := newFixture(t)

	rec := get(t, h, "/api/v1/collectors/gpu02")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp CollectorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 100.0, resp.AgeSeconds)

	rec = get(t, h, "/api/v1/collectors/gpu09")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "COLLECTOR_NOT_FOUND", errResp.Code)
}

func TestHandleHistory_Success(t *testing.T) {
	h, _, _ := newFixture(t)

	rec := get(t, h, "/api/v1/collectors/gpu01/history?start=2024-05-06%2010:01:25")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Observations, 1)
	assert.Equal(t, 20.0, resp.Observations[0].Record.GPUs[0].UtilizationPct)
}

func TestHandleHistory_Limit(t *testing.T) {
	h, _, _ := newFixture(t)

	rec := get(t, h, "/api/v1/collectors/gpu01/history?limit=1")

	var resp HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Observations, 1)
	assert.Equal(t, 10.0, resp.Observations[0].Record.GPUs[0].UtilizationPct, "oldest first")
}

func TestHandleHistory_EmptyIsArray(t *testing.T) {
	h, _, _ := newFixture(t)

	rec := get(t, h, "/api/v1/collectors/gpu03/history")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"observations":[]`)
}

func TestHandleHistory_BadRequests(t *testing.T) {
	h, _, _ := newFixture(t)

	tests := []struct {
		query string
		code  string
	}{
		{"start=yesterday", "INVALID_START"},
		{"end=2024-13-01", "INVALID_END"},
		{"start=2024-05-07&end=2024-05-06", "INVALID_RANGE"},
		{"limit=-1", "INVALID_LIMIT"},
		{"limit=ten", "INVALID_LIMIT"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := get(t, h, "/api/v1/collectors/gpu01/history?"+tt.query)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var errResp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
			assert.Equal(t, tt.code, errResp.Code)
		})
	}
}

func TestHandleHistory_UnknownCollector(t *testing.T) {
	h, _, _ := newFixture(t)
	rec := get(t, h, "/api/v1/collectors/gpu09/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHistory_InternalError(t *testing.T) {
	h, agg, _ := newFixture(t)
	h = NewHandler(snapshot.NewReader(agg), &MockHistorySource{}, nil)

	rec := get(t, h, "/api/v1/collectors/gpu01/history")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	h, _, _ := newFixture(t)

	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Collectors)
}

func TestRoutes_PostReport(t *testing.T) {
	h, agg, clk := newFixture(t)

	body, err := wire.Encode(wire.JSON, wire.Report{
		Identity:   "gpu04",
		ObservedAt: clk.Now(),
		Record:     record(55),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", wire.ContentTypeJSON)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req.WithContext(context.Background()))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	s, ok := agg.Get("gpu04")
	require.True(t, ok)
	assert.Equal(t, aggregator.Fresh, s.Health)
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	h, _, _ := newFixture(t)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/cluster", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRoutes_NonFiniteReportCannotEmptyClusterView(t *testing.T) {
	h, agg, clk := newFixture(t)

	bad := record(50)
	bad.GPUs[0].UtilizationPct = math.NaN()
	body, err := wire.Encode(wire.CBOR, wire.Report{Identity: "bad", ObservedAt: clk.Now(), Record: bad})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", bytes.NewReader(body))
	req.Header.Set("Content-Type", wire.ContentTypeCBOR)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	_, ok := agg.Get("bad")
	assert.False(t, ok)

	rec = get(t, h, "/api/v1/cluster")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ClusterResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Summary.Total)
	assert.Equal(t, domain.CollectorIdentity("gpu01"), resp.Collectors[0].Identity)
}

func TestWriteJSON_UnencodableValue(t *testing.T) {
	h, _, _ := newFixture(t)

	rec := httptest.NewRecorder()
	h.writeJSON(rec, http.StatusOK, map[string]float64{"util": math.Inf(1)})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "INTERNAL_ERROR", resp.Code)
}

// MockGPUTimeSource for testing
type MockGPUTimeSource struct {
	ReservedFn func(ctx context.Context, start, end time.Time) (map[string]time.Duration, error)
}

func (m *MockGPUTimeSource) ReservedGPUTime(ctx context.Context, start, end time.Time) (map[string]time.Duration, error) {
	if m.ReservedFn != nil {
		return m.ReservedFn(ctx, start, end)
	}
	return nil, errors.New("ReservedFn not implemented")
}

func TestHandleGPUHours_Success(t *testing.T) {
	h, _, _ := newFixture(t)

	var gotStart, gotEnd time.Time
	h.WithGPUTime(&MockGPUTimeSource{ReservedFn: func(ctx context.Context, start, end time.Time) (map[string]time.Duration, error) {
		gotStart, gotEnd = start, end
		return map[string]time.Duration{"alice": 90 * time.Minute, "bob": 3 * time.Hour}, nil
	}})

	rec := get(t, h, "/api/v1/gpu-hours/reserved?start=2024-05-01&end=2024-05-02%2012:00")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp GPUHoursResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, map[string]float64{"alice": 1.5, "bob": 3}, resp.Hours)
	assert.Equal(t, 4.5, resp.TotalHours)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), gotStart)
	assert.Equal(t, time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC), gotEnd)
}

func TestHandleGPUHours_Defaults(t *testing.T) {
	h, _, _ := newFixture(t)
	h.now = func() time.Time { return t0 }

	var gotStart, gotEnd time.Time
	h.WithGPUTime(&MockGPUTimeSource{ReservedFn: func(ctx context.Context, start, end time.Time) (map[string]time.Duration, error) {
		gotStart, gotEnd = start, end
		return map[string]time.Duration{}, nil
	}})

	rec := get(t, h, "/api/v1/gpu-hours/reserved")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC), gotStart)
	assert.Equal(t, t0, gotEnd)

	var resp GPUHoursResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotNil(t, resp.Hours)
	assert.Zero(t, resp.TotalHours)
}

func TestHandleGPUHours_Errors(t *testing.T) {
	h, _, _ := newFixture(t)
	h.WithGPUTime(&MockGPUTimeSource{})

	tests := []struct {
		target string
		status int
		code   string
	}{
		{"/api/v1/gpu-hours/reserved?start=yesterday", http.StatusBadRequest, "INVALID_START"},
		{"/api/v1/gpu-hours/reserved?end=2024-13-01", http.StatusBadRequest, "INVALID_END"},
		{"/api/v1/gpu-hours/reserved?start=2024-05-02&end=2024-05-01", http.StatusBadRequest, "INVALID_RANGE"},
		{"/api/v1/gpu-hours/reserved?start=2024-05-01&end=2024-05-02", http.StatusBadGateway, "ACCOUNTING_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := get(t, h, tt.target)
			assert.Equal(t, tt.status, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestHandleGPUHours_NotRoutedWithoutSource(t *testing.T) {
	h, _, _ := newFixture(t)
	rec := get(t, h, "/api/v1/gpu-hours/reserved")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
