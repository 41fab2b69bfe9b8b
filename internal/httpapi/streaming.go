package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/events"
)

// StreamingHandler serves SSE endpoints for batch lifecycle events.
type StreamingHandler struct {
	mgr    *events.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *events.Manager, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers SSE routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/events/stream", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// handleSSE streams events for a batch via Server-Sent Events.
// GET /events/stream?correlation_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	corr := r.URL.Query().Get("correlation_id")
	if corr == "" {
		http.Error(w, `{"error":"correlation_id required"}`, http.StatusBadRequest)
		return
	}
	// Optional: type filter (comma-separated)
	typeFilter := parseTypeFilter(r.URL.Query().Get("types"))

	// Optional: Last-Event-ID header or query param to replay from
	var lastID uint64
	replay := false
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
			replay = true
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && !replay {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
			replay = true
		}
	}

	// CORS (dev-friendly)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.mgr.Subscribe(corr, 256)
	defer h.mgr.Unsubscribe(corr, ch)

	// Initial comment establishes the stream
	fmt.Fprintf(w, ": connected to batch %s\n\n", corr)
	flusher.Flush()

	// Replay backlog since lastID (best-effort within ring capacity)
	if replay {
		for _, ev := range h.mgr.ReplaySince(corr, lastID) {
			if skipType(typeFilter, ev.Type) {
				continue
			}
			writeSSE(w, ev)
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("correlation_id", corr))
			return
		case evt := <-ch:
			if skipType(typeFilter, evt.Type) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-hb.C:
			// Keep connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}

func parseTypeFilter(s string) map[string]struct{} {
	filter := map[string]struct{}{}
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			filter[t] = struct{}{}
		}
	}
	return filter
}

func skipType(filter map[string]struct{}, typ string) bool {
	if len(filter) == 0 {
		return false
	}
	_, ok := filter[typ]
	return !ok
}
