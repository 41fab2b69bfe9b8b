package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/collector"
	"github.com/manifold-mesh/manifold/internal/mesh"
	"github.com/manifold-mesh/manifold/internal/tracing"
)

// CallbackHandler receives async completion callbacks from workers.
type CallbackHandler struct {
	collector *collector.Collector
	logger    *zap.Logger
}

// NewCallbackHandler creates a new handler.
func NewCallbackHandler(col *collector.Collector, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{collector: col, logger: logger}
}

// RegisterRoutes registers callback routes on the provided mux.
func (h *CallbackHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/callbacks", h.handleCallback)
}

// handleCallback ingests one artifact. Always 202 for well-formed artifacts:
// the worker's duty ends at delivery, whatever the batch does with it.
// POST /callbacks
func (h *CallbackHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var art mesh.Artifact
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&art); err != nil {
		h.logger.Warn("callback decode error", zap.Error(err))
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if art.CorrelationID == "" || art.WorkerID == "" {
		http.Error(w, `{"error":"correlation_id and worker_id are required"}`, http.StatusBadRequest)
		return
	}

	_, known := h.collector.Status(art.CorrelationID)

	ctx := tracing.ContextWithTraceparent(r.Context(), r.Header.Get("traceparent"))
	status := "accepted"
	if err := h.collector.Ingest(ctx, art); err != nil {
		if !errors.Is(err, collector.ErrLateArtifact) {
			writeJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		status = "late"
	} else if !known {
		status = "buffered"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"correlation_id": art.CorrelationID,
		"task_id":        art.TaskID,
		"status":         status,
	})
}
