package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/slurmwatch/internal/aggregator"
	"github.com/worldland/slurmwatch/internal/api"
	"github.com/worldland/slurmwatch/internal/domain"
	"github.com/worldland/slurmwatch/internal/snapshot"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func sampleCluster() *api.ClusterResponse {
	last := t0.Add(-12 * time.Second)
	return &api.ClusterResponse{
		TakenAt: t0,
		Summary: snapshot.Summary{Fresh: 1, Unreachable: 1, Total: 2},
		Collectors: []api.CollectorResponse{
			{
				Identity:     "gpu01",
				Health:       aggregator.Fresh,
				LastReportAt: &last,
				AgeSeconds:   12,
				HasData:      true,
				Payload: &domain.TelemetryRecord{
					GPUs: []domain.GPUMetrics{{DeviceIndex: 0, UtilizationPct: 80}, {DeviceIndex: 1, UtilizationPct: 40}},
					Jobs: []domain.JobRow{{JobID: "4211", User: "alice", State: "RUNNING", NodeList: "gpu01", Name: "train"}},
					Usage: []domain.GPUUsage{
						{DeviceIndex: 0, JobID: "4211", MemoryAllocBytes: 2 << 30},
						{DeviceIndex: 1, JobID: "4211", MemoryAllocBytes: 1 << 30},
					},
				},
			},
			{
				Identity:            "gpu02",
				Health:              aggregator.Unreachable,
				ConsecutiveFailures: 3,
				LastError:           "connection refused",
			},
		},
	}
}

func TestClient_Cluster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/cluster", r.URL.Path)
		assert.Equal(t, []string{"gpu01", "gpu02"}, r.URL.Query()["collector"])
		json.NewEncoder(w).Encode(sampleCluster())
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	resp, err := c.Cluster(context.Background(), "gpu01", "gpu02")
	require.NoError(t, err)

	require.Len(t, resp.Collectors, 2)
	assert.Equal(t, aggregator.Unreachable, resp.Collectors[1].Health)
	assert.Equal(t, 80.0, resp.Collectors[0].Payload.GPUs[0].UtilizationPct)
}

func TestClient_History(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/collectors/gpu01/history", r.URL.Path)
		assert.Equal(t, "2024-05-06", r.URL.Query().Get("start"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(api.HistoryResponse{
			Identity:     "gpu01",
			Observations: []domain.Observation{{ObservedAt: t0, Record: &domain.TelemetryRecord{}}},
		})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).History(context.Background(), "gpu01", "2024-05-06", "", 5)
	require.NoError(t, err)
	require.Len(t, resp.Observations, 1)
	assert.True(t, t0.Equal(resp.Observations[0].ObservedAt))
}

func TestClient_GPUHours(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/gpu-hours/reserved", r.URL.Path)
		assert.Equal(t, "2024-05-01", r.URL.Query().Get("start"))
		assert.False(t, r.URL.Query().Has("end"))
		json.NewEncoder(w).Encode(api.GPUHoursResponse{
			Start:      t0.Add(-24 * time.Hour),
			End:        t0,
			Hours:      map[string]float64{"alice": 1.5},
			TotalHours: 1.5,
		})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).GPUHours(context.Background(), "2024-05-01", "")
	require.NoError(t, err)
	assert.Equal(t, 1.5, resp.Hours["alice"])
	assert.Equal(t, 1.5, resp.TotalHours)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "collector not found", Code: "COLLECTOR_NOT_FOUND"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).History(context.Background(), "gpu09", "", "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "collector not found")
}

func TestRenderCluster(t *testing.T) {
	out := RenderCluster(sampleCluster())

	assert.Contains(t, out, "Cluster (2 collectors)")
	assert.Contains(t, out, "gpu01")
	assert.Contains(t, out, "fresh")
	assert.Contains(t, out, "12s")
	assert.Contains(t, out, "60%")
	assert.Contains(t, out, "unreachable")
	assert.Contains(t, out, "connection refused")
}

func TestRenderCluster_Empty(t *testing.T) {
	out := RenderCluster(&api.ClusterResponse{TakenAt: t0})
	assert.Contains(t, out, "no collectors known")
}

func TestRenderJobs(t *testing.T) {
	out := RenderJobs(sampleCluster())
	assert.Contains(t, out, "4211")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "train")
	assert.Contains(t, out, "2 gpu 3.0G")
}

func TestRenderGPUHours(t *testing.T) {
	out := RenderGPUHours(&api.GPUHoursResponse{
		Start:      t0.Add(-24 * time.Hour),
		End:        t0,
		Hours:      map[string]float64{"alice": 1.5, "bob": 3},
		TotalHours: 4.5,
	})
	assert.Contains(t, out, "4.5 total")
	assert.Less(t, strings.Index(out, "bob"), strings.Index(out, "alice"))

	assert.Contains(t, RenderGPUHours(&api.GPUHoursResponse{Hours: map[string]float64{}}), "no usage")
}

func TestFormatJobGPUs(t *testing.T) {
	usage := []domain.GPUUsage{{JobID: "7", MemoryAllocBytes: 1 << 30}, {JobID: ""}}
	assert.Equal(t, "1 gpu 1.0G", formatJobGPUs(usage, "7"))
	assert.Equal(t, "-", formatJobGPUs(usage, "8"))
}

func TestRenderHistory(t *testing.T) {
	out := RenderHistory(&api.HistoryResponse{
		Identity: "gpu01",
		Observations: []domain.Observation{
			{ObservedAt: t0, Record: &domain.TelemetryRecord{GPUs: []domain.GPUMetrics{{UtilizationPct: 30}}}},
		},
	})
	assert.Contains(t, out, "History of gpu01 (1)")
	assert.Contains(t, out, "30%")
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "42s", formatAge(42*time.Second))
	assert.Equal(t, "3m05s", formatAge(185*time.Second))
	assert.Equal(t, "2h01m", formatAge(121*time.Minute))
}
