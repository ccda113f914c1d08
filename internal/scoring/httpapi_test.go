package scoring

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_SingleRoute(t *testing.T) {
	h := NewHandler(zerolog.Nop(), Route{Path: "/api/portfolio-optimize", Scorer: echoScorer{}, IsBatch: false})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(map[string]interface{}{"loan_id": "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/portfolio-optimize", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "x", resp["loan_id"])
	assert.Equal(t, true, resp["scored"])
}

func TestHandler_BatchRoutePreservesAlignment(t *testing.T) {
	h := NewHandler(zerolog.Nop(), Route{Path: "/api/credit-scores", Scorer: echoScorer{}, IsBatch: true})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(batchRequest{Data: []map[string]interface{}{{"loan_id": "a"}, {"loan_id": "b"}}})
	req := httptest.NewRequest(http.MethodPost, "/api/credit-scores", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "a", resp.Data[0]["loan_id"])
	assert.Equal(t, "b", resp.Data[1]["loan_id"])
}

func TestHandler_RejectsNonPost(t *testing.T) {
	h := NewHandler(zerolog.Nop(), Route{Path: "/api/portfolio-optimize", Scorer: echoScorer{}, IsBatch: false})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/portfolio-optimize", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
