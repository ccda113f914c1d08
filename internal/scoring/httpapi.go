package scoring

import (
	"encoding/json"
	"net/http"

	"github.com/kelpejol/scoring-gateway/internal/apierr"
	"github.com/kelpejol/scoring-gateway/internal/middleware"
	"github.com/rs/zerolog"
)

// batchRequest/batchResponse mirror the original routers' {"data": [...]}
// envelope (e.g. peak_voltage_router.py's PeakVoltageListRequest/Response),
// preserved verbatim as the wire shape every batch scoring endpoint uses.
type batchRequest struct {
	Data []map[string]interface{} `json:"data"`
}

type batchResponse struct {
	Data []map[string]interface{} `json:"data"`
}

// Route is one entry in the scoring route table: a path, its backend, and
// whether the body is a single item or a {"data": [...]} batch (§4.9).
type Route struct {
	Path    string
	Scorer  Scorer
	IsBatch bool
}

// Handler serves the scoring routes of §6.1/§4.9. It is registered
// separately from internal/httpapi because the set of backends is
// configuration-driven (the composition root decides which scorer answers
// which path), unlike the fixed identity/billing routes.
type Handler struct {
	routes map[string]Route
	log    zerolog.Logger
}

func NewHandler(logger zerolog.Logger, routes ...Route) *Handler {
	h := &Handler{routes: map[string]Route{}, log: logger.With().Str("component", "scoring").Logger()}
	for _, r := range routes {
		h.routes[r.Path] = r
	}
	return h
}

// RegisterRoutes mounts every configured scoring route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	for path, route := range h.routes {
		route := route
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) { h.serve(w, r, route) })
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, route Route) {
	if r.Method != http.MethodPost {
		middleware.WriteError(w, apierr.NotImplemented("method not allowed"))
		return
	}

	if route.IsBatch {
		h.serveBatch(w, r, route)
		return
	}
	h.serveSingle(w, r, route)
}

func (h *Handler) serveSingle(w http.ResponseWriter, r *http.Request, route Route) {
	var input map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		middleware.WriteError(w, apierr.Validation("invalid JSON body: %v", err))
		return
	}
	defer r.Body.Close()

	out, err := route.Scorer.Score(r.Context(), input)
	if err != nil {
		h.log.Error().Err(err).Str("path", route.Path).Msg("scoring call failed")
		middleware.WriteError(w, apierr.Internal("scoring backend failed"))
		return
	}

	writeJSON(w, out)
}

func (h *Handler) serveBatch(w http.ResponseWriter, r *http.Request, route Route) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, apierr.Validation("invalid JSON body: %v", err))
		return
	}
	defer r.Body.Close()

	results, err := BatchScore(r.Context(), route.Scorer, req.Data)
	if err != nil {
		h.log.Error().Err(err).Str("path", route.Path).Msg("batch scoring call failed")
		middleware.WriteError(w, apierr.Internal("scoring backend failed"))
		return
	}

	writeJSON(w, batchResponse{Data: results})
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}
