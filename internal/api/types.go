package api

import (
	"time"

	"github.com/worldland/slurmwatch/internal/aggregator"
	"github.com/worldland/slurmwatch/internal/domain"
	"github.com/worldland/slurmwatch/internal/snapshot"
)

// ClusterResponse is the body of GET /api/v1/cluster
type ClusterResponse struct {
	TakenAt    time.Time           `json:"taken_at"`
	Summary    snapshot.Summary    `json:"summary"`
	Collectors []CollectorResponse `json:"collectors"`
}

// CollectorResponse is one collector in a cluster response
type CollectorResponse struct {
	Identity            domain.CollectorIdentity `json:"identity"`
	Health              aggregator.Health        `json:"health"`
	FirstSeenAt         time.Time                `json:"first_seen_at"`
	LastReportAt        *time.Time               `json:"last_report_at"`
	AgeSeconds          float64                  `json:"age_seconds"`
	ConsecutiveFailures int                      `json:"consecutive_failures"`
	HasData             bool                     `json:"has_data"`
	LastError           string                   `json:"last_error,omitempty"`
	Node                *domain.NodeInfo         `json:"node,omitempty"`
	Payload             *domain.TelemetryRecord  `json:"payload,omitempty"`
}

// HistoryResponse is the body of GET /api/v1/collectors/{id}/history
type HistoryResponse struct {
	Identity     domain.CollectorIdentity `json:"identity"`
	Observations []domain.Observation     `json:"observations"`
}

// GPUHoursResponse is the body of GET /api/v1/gpu-hours/reserved
type GPUHoursResponse struct {
	Start      time.Time          `json:"start"`
	End        time.Time          `json:"end"`
	Hours      map[string]float64 `json:"hours"`
	TotalHours float64            `json:"total_hours"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status     string `json:"status"`
	Collectors int    `json:"collectors"`
}

// ErrorResponse for error cases
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func newClusterResponse(v snapshot.View) ClusterResponse {
	resp := ClusterResponse{
		TakenAt:    v.TakenAt,
		Summary:    v.Summary,
		Collectors: make([]CollectorResponse, 0, len(v.Collectors)),
	}
	for _, c := range v.Collectors {
		resp.Collectors = append(resp.Collectors, newCollectorResponse(c))
	}
	return resp
}

func newCollectorResponse(c snapshot.CollectorView) CollectorResponse {
	cr := CollectorResponse{
		Identity:            c.Identity,
		Health:              c.Health,
		FirstSeenAt:         c.FirstSeenAt,
		ConsecutiveFailures: c.ConsecutiveFailures,
		HasData:             c.HasData,
		LastError:           c.LastError,
		Node:                c.Node,
		Payload:             c.LastPayload,
	}
	if c.HasData {
		last := c.LastReportAt
		cr.LastReportAt = &last
		cr.AgeSeconds = c.Age.Seconds()
	}
	return cr
}
