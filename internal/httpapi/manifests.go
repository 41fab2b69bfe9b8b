package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/collector"
	"github.com/manifold-mesh/manifold/internal/mesh"
)

// ManifestHandler accepts batch announcements from orchestrators.
type ManifestHandler struct {
	collector *collector.Collector
	logger    *zap.Logger
}

// NewManifestHandler creates a new handler.
func NewManifestHandler(col *collector.Collector, logger *zap.Logger) *ManifestHandler {
	return &ManifestHandler{collector: col, logger: logger}
}

// RegisterRoutes registers manifest routes on the provided mux.
func (h *ManifestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/manifests", h.handleManifest)
	mux.HandleFunc("/batches/status", h.handleStatus)
}

// handleManifest opens a batch.
// POST /manifests
func (h *ManifestHandler) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var m mesh.Manifest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		h.logger.Warn("manifest decode error", zap.Error(err))
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	if err := h.collector.OpenBatch(r.Context(), m); err != nil {
		if errors.Is(err, collector.ErrDuplicateBatch) {
			http.Error(w, `{"error":"duplicate batch"}`, http.StatusConflict)
			return
		}
		h.logger.Warn("manifest rejected",
			zap.String("correlation_id", m.CorrelationID),
			zap.Error(err),
		)
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"correlation_id": m.CorrelationID,
		"status":         mesh.StatusOpen.String(),
	})
}

// handleStatus reports the lifecycle state of a batch.
// GET /batches/status?correlation_id=<id>
func (h *ManifestHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	corr := r.URL.Query().Get("correlation_id")
	if corr == "" {
		http.Error(w, `{"error":"correlation_id required"}`, http.StatusBadRequest)
		return
	}
	status, ok := h.collector.Status(corr)
	if !ok {
		http.Error(w, `{"error":"unknown batch"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"correlation_id": corr,
		"status":         status.String(),
	})
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
