package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/manifold-mesh/manifold/internal/metrics"
)

// Lifecycle event types published by the collector and orchestrator.
const (
	TypeBatchOpened        = "batch_opened"
	TypeArtifactReceived   = "artifact_received"
	TypeExtraReceived      = "extra_received"
	TypeQuorumMet          = "quorum_met"
	TypeBatchFinalizing    = "batch_finalizing"
	TypeBatchClosed        = "batch_closed"
	TypeFinalizationFailed = "finalization_failed"
	TypeOrphanDiscarded    = "orphan_discarded"
	TypeLateArtifact       = "late_artifact"
	TypeTaskDispatched     = "task_dispatched"
)

// Event is one batch lifecycle event, fanned out to subscribers and kept in a
// per-batch ring for replay.
type Event struct {
	CorrelationID string                 `json:"correlation_id"`
	Type          string                 `json:"type"`
	TaskID        string                 `json:"task_id,omitempty"`
	WorkerID      string                 `json:"worker_id,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Seq           uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub for batch lifecycle events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-correlation ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int
	mirror   *RedisMirror
}

// NewManager creates an event manager with the given ring capacity per batch.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// SetMirror attaches a Redis Streams mirror; every published event is also
// appended to the mirror's stream.
func (m *Manager) SetMirror(mirror *RedisMirror) {
	m.mu.Lock()
	m.mirror = mirror
	m.mu.Unlock()
}

// Subscribe adds a subscriber channel for a correlation id; caller must drain
// and call Unsubscribe.
func (m *Manager) Subscribe(correlationID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[correlationID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[correlationID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(correlationID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[correlationID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, correlationID)
		}
	}
}

// Publish sends an event to all subscribers of its correlation id
// (non-blocking) and records it in the replay ring.
func (m *Manager) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.mu.Lock()
	rg := m.history[evt.CorrelationID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.CorrelationID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := m.subscribers[evt.CorrelationID]
	mirror := m.mirror
	m.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(evt.Type).Inc()

	for ch := range subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}

	if mirror != nil {
		mirror.Append(evt)
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(correlationID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[correlationID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Drop releases the replay ring for a correlation id. Called after a batch is
// archived so closed batches do not accumulate forever.
func (m *Manager) Drop(correlationID string) {
	m.mu.Lock()
	delete(m.history, correlationID)
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
