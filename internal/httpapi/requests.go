package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/archive"
	"github.com/manifold-mesh/manifold/internal/orchestrator"
	"github.com/manifold-mesh/manifold/internal/router"
)

// RequestsHandler accepts end-user requests and hands them to the
// orchestrator. It also serves archived batch lookups when a store is wired.
type RequestsHandler struct {
	orch    *orchestrator.Orchestrator
	archive *archive.Store
	logger  *zap.Logger
}

// NewRequestsHandler creates a new handler. archive may be nil.
func NewRequestsHandler(orch *orchestrator.Orchestrator, store *archive.Store, logger *zap.Logger) *RequestsHandler {
	return &RequestsHandler{orch: orch, archive: store, logger: logger}
}

// RegisterRoutes registers request routes on the provided mux.
func (h *RequestsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/requests", h.handleSubmit)
	if h.archive != nil {
		mux.HandleFunc("/batches/recent", h.handleRecent)
		mux.HandleFunc("/batches/archived", h.handleArchived)
	}
}

// handleSubmit decomposes and dispatches one request.
// POST /requests
func (h *RequestsHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req orchestrator.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, `{"error":"kind is required"}`, http.StatusBadRequest)
		return
	}

	// Dispatch fan-out outlives the HTTP request.
	corr, err := h.orch.Submit(context.WithoutCancel(r.Context()), req)
	if err != nil {
		if errors.Is(err, router.ErrRouterUnavailable) {
			h.logger.Warn("no route for request", zap.String("kind", req.Kind), zap.Error(err))
			http.Error(w, `{"error":"no agent available for request"}`, http.StatusServiceUnavailable)
			return
		}
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"correlation_id": corr,
		"status":         "accepted",
	})
}

// handleRecent lists recently closed batches from the archive.
// GET /batches/recent?limit=<n>
func (h *RequestsHandler) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := h.archive.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("archive query failed", zap.Error(err))
		http.Error(w, `{"error":"archive unavailable"}`, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"count": len(rows), "batches": rows})
}

// handleArchived fetches one archived batch.
// GET /batches/archived?correlation_id=<id>
func (h *RequestsHandler) handleArchived(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	corr := r.URL.Query().Get("correlation_id")
	if corr == "" {
		http.Error(w, `{"error":"correlation_id required"}`, http.StatusBadRequest)
		return
	}
	row, err := h.archive.Get(r.Context(), corr)
	if err != nil {
		http.Error(w, `{"error":"unknown batch"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(row)
}
