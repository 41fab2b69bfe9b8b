package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/registry"
)

// RegistryHandler exposes agent registration, discovery, and heartbeats.
type RegistryHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewRegistryHandler creates a new handler.
func NewRegistryHandler(reg *registry.Registry, logger *zap.Logger) *RegistryHandler {
	return &RegistryHandler{registry: reg, logger: logger}
}

// RegisterRoutes registers registry routes on the provided mux.
func (h *RegistryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/registry/register", h.handleRegister)
	mux.HandleFunc("/registry/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("/registry/agents", h.handleAgents)
	mux.HandleFunc("/registry/agent", h.handleAgent)
}

// handleRegister adds or refreshes an agent card.
// POST /registry/register
func (h *RegistryHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var card registry.AgentCard
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&card); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.registry.Register(card); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "registered", "url": card.URL})
}

// handleHeartbeat refreshes an agent's liveness.
// POST /registry/heartbeat
func (h *RegistryHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		http.Error(w, `{"error":"url is required"}`, http.StatusBadRequest)
		return
	}
	if err := h.registry.Heartbeat(body.URL); err != nil {
		if errors.Is(err, registry.ErrUnknownAgent) {
			http.Error(w, `{"error":"unknown agent"}`, http.StatusNotFound)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleAgents lists registered agents in registration order.
// GET /registry/agents
func (h *RegistryHandler) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	agents := h.registry.Agents()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"count":  len(agents),
		"agents": agents,
	})
}

// handleAgent fetches one agent card.
// GET /registry/agent?url=<agent-url>
func (h *RegistryHandler) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, `{"error":"url required"}`, http.StatusBadRequest)
		return
	}
	card, err := h.registry.Get(url)
	if err != nil {
		http.Error(w, `{"error":"unknown agent"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}
