package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/worldland/slurmwatch/internal/wire"
)

// HTTPHandler accepts reports posted as JSON or CBOR.
type HTTPHandler struct {
	endpoint *Endpoint
	maxBytes int64
}

// NewHTTPHandler creates a handler feeding endpoint.
func NewHTTPHandler(endpoint *Endpoint, maxBytes int64) *HTTPHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxReportBytes
	}
	return &HTTPHandler{endpoint: endpoint, maxBytes: maxBytes}
}

// ServeHTTP handles POST /api/v1/reports
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeJSON(w, http.StatusMethodNotAllowed, wire.Ack{Status: wire.StatusInvalid, Error: "method not allowed"})
		return
	}

	format, err := wire.FormatFromContentType(r.Header.Get("Content-Type"))
	if err != nil {
		h.writeJSON(w, http.StatusUnsupportedMediaType, wire.Ack{Status: wire.StatusInvalid, Error: err.Error()})
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeJSON(w, http.StatusRequestEntityTooLarge, wire.Ack{Status: wire.StatusInvalid, Error: ErrReportTooLarge.Error()})
			return
		}
		h.writeJSON(w, http.StatusBadRequest, wire.Ack{Status: wire.StatusInvalid, Error: "invalid request body"})
		return
	}

	report, err := wire.DecodeAs(format, data)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, wire.Ack{Status: wire.StatusInvalid, Error: err.Error()})
		return
	}

	ack := Ack(h.endpoint.Submit(r.Context(), report))
	h.writeJSON(w, statusCode(ack.Status), ack)
}

func statusCode(s wire.Status) int {
	switch s {
	case wire.StatusAccepted:
		return http.StatusAccepted
	case wire.StatusStale:
		return http.StatusOK
	case wire.StatusRejected:
		return http.StatusUnprocessableEntity
	case wire.StatusOverloaded, wire.StatusUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// writeJSON writes a JSON response
func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
