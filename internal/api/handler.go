// Package api serves the cluster view to operators and dashboards.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/worldland/slurmwatch/internal/aggregator"
	"github.com/worldland/slurmwatch/internal/domain"
	"github.com/worldland/slurmwatch/internal/snapshot"
)

// HistorySource returns the retained observations of a collector.
type HistorySource interface {
	History(id domain.CollectorIdentity, start, end time.Time, limit int) ([]domain.Observation, error)
}

// GPUTimeSource reports the GPU time Slurm accounted to each user.
type GPUTimeSource interface {
	ReservedGPUTime(ctx context.Context, start, end time.Time) (map[string]time.Duration, error)
}

// Handler handles HTTP requests for the cluster view
type Handler struct {
	reader  *snapshot.Reader
	history HistorySource
	ingest  http.Handler
	gpuTime GPUTimeSource
	now     func() time.Time
}

// NewHandler creates a handler. ingest may be nil when reports are not
// accepted over HTTP.
func NewHandler(reader *snapshot.Reader, history HistorySource, ingest http.Handler) *Handler {
	return &Handler{reader: reader, history: history, ingest: ingest, now: time.Now}
}

// WithGPUTime serves GET /api/v1/gpu-hours/reserved from src.
func (h *Handler) WithGPUTime(src GPUTimeSource) *Handler {
	h.gpuTime = src
	return h
}

// Routes returns the API mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /api/v1/cluster", h.HandleCluster)
	mux.HandleFunc("GET /api/v1/collectors/{id}", h.HandleCollector)
	mux.HandleFunc("GET /api/v1/collectors/{id}/history", h.HandleHistory)
	if h.ingest != nil {
		mux.Handle("/api/v1/reports", h.ingest)
	}
	if h.gpuTime != nil {
		mux.HandleFunc("GET /api/v1/gpu-hours/reserved", h.HandleGPUHours)
	}
	return mux
}

// HandleCluster handles GET /api/v1/cluster?collector=a&collector=b
func (h *Handler) HandleCluster(w http.ResponseWriter, r *http.Request) {
	var ids []domain.CollectorIdentity
	for _, c := range r.URL.Query()["collector"] {
		ids = append(ids, domain.CollectorIdentity(c))
	}

	h.writeJSON(w, http.StatusOK, newClusterResponse(h.reader.Read(ids...)))
}

// HandleCollector handles GET /api/v1/collectors/{id}
func (h *Handler) HandleCollector(w http.ResponseWriter, r *http.Request) {
	id := domain.CollectorIdentity(r.PathValue("id"))

	view := h.reader.Read(id)
	if len(view.Collectors) == 0 {
		h.writeError(w, http.StatusNotFound, "collector not found", "COLLECTOR_NOT_FOUND")
		return
	}

	h.writeJSON(w, http.StatusOK, newCollectorResponse(view.Collectors[0]))
}

// HandleHistory handles GET /api/v1/collectors/{id}/history?start=&end=&limit=
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id := domain.CollectorIdentity(r.PathValue("id"))
	q := r.URL.Query()

	start, err := ParseTime(q.Get("start"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_START")
		return
	}
	end, err := ParseTime(q.Get("end"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_END")
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		h.writeError(w, http.StatusBadRequest, "end is before start", "INVALID_RANGE")
		return
	}

	limit := 0
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "INVALID_LIMIT")
			return
		}
	}

	obs, err := h.history.History(id, start, end, limit)
	if err != nil {
		if errors.Is(err, aggregator.ErrUnknownCollector) {
			h.writeError(w, http.StatusNotFound, "collector not found", "COLLECTOR_NOT_FOUND")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	if obs == nil {
		obs = []domain.Observation{}
	}

	h.writeJSON(w, http.StatusOK, HistoryResponse{Identity: id, Observations: obs})
}

// earliestAccounting is the default start of a GPU hours query. sreport
// rejects the Unix epoch itself.
var earliestAccounting = time.Unix(0, 0).UTC().AddDate(0, 0, 1)

// HandleGPUHours handles GET /api/v1/gpu-hours/reserved?start=&end=
func (h *Handler) HandleGPUHours(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := ParseTime(q.Get("start"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_START")
		return
	}
	end, err := ParseTime(q.Get("end"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_END")
		return
	}
	if start.IsZero() {
		start = earliestAccounting
	}
	if end.IsZero() {
		end = h.now().UTC()
	}
	if !end.After(start) {
		h.writeError(w, http.StatusBadRequest, "end is not after start", "INVALID_RANGE")
		return
	}

	used, err := h.gpuTime.ReservedGPUTime(r.Context(), start, end)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, err.Error(), "ACCOUNTING_UNAVAILABLE")
		return
	}

	resp := GPUHoursResponse{Start: start, End: end, Hours: make(map[string]float64, len(used))}
	for user, d := range used {
		resp.Hours[user] = d.Hours()
		resp.TotalHours += d.Hours()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleHealth handles GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	view := h.reader.Read()
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Collectors: view.Summary.Total})
}

// writeJSON writes a JSON response, or a 500 when data cannot be encoded.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(ErrorResponse{Error: "encode response: " + err.Error(), Code: "INTERNAL_ERROR"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
