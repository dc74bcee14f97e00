package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/slurmwatch/internal/wire"
)

func post(t *testing.T, h http.Handler, contentType string, body []byte) (*httptest.ResponseRecorder, wire.Ack) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var ack wire.Ack
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ack))
	return rec, ack
}

func TestHTTPHandler_StatusCodes(t *testing.T) {
	ep, agg := newAggregatorEndpoint(Options{})
	h := NewHTTPHandler(ep, 0)

	cborData, err := wire.Encode(wire.CBOR, report("gpu01", 10, 30))
	require.NoError(t, err)

	rec, ack := post(t, h, wire.ContentTypeCBOR, cborData)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, wire.StatusAccepted, ack.Status)

	rec, ack = post(t, h, wire.ContentTypeCBOR, cborData)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, wire.StatusStale, ack.Status)

	badData, err := wire.Encode(wire.JSON, report("gpu01", 20, 300))
	require.NoError(t, err)
	rec, ack = post(t, h, "", badData)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, wire.StatusRejected, ack.Status)

	rec, _ = post(t, h, wire.ContentTypeJSON, []byte("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = post(t, h, "text/csv", []byte("a,b"))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	assert.Equal(t, 1, agg.Len())
}

func TestHTTPHandler_Limits(t *testing.T) {
	ep, _ := newAggregatorEndpoint(Options{})
	h := NewHTTPHandler(ep, 16)

	data, err := wire.Encode(wire.JSON, report("gpu01", 10, 30))
	require.NoError(t, err)

	rec, ack := post(t, h, wire.ContentTypeJSON, data)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, wire.StatusInvalid, ack.Status)
}

func TestHTTPHandler_MethodNotAllowed(t *testing.T) {
	ep, _ := newAggregatorEndpoint(Options{})
	h := NewHTTPHandler(ep, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
