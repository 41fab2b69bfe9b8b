package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/metrics"
)

var (
	// ErrUnknownAgent is returned for heartbeats or lookups of agents that
	// never registered (or were swept for missing heartbeats).
	ErrUnknownAgent = errors.New("registry: unknown agent")
)

// Skill describes one capability an agent advertises.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

// AgentCard is an agent's self-description, registered with the mesh and used
// by the router to match capabilities.
type AgentCard struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	URL          string                 `json:"url"`
	Version      string                 `json:"version"`
	Capabilities map[string]interface{} `json:"capabilities,omitempty"`
	Skills       []Skill                `json:"skills,omitempty"`
}

type entry struct {
	card     AgentCard
	lastSeen time.Time
}

// Options configures registry liveness behavior.
type Options struct {
	// HeartbeatTimeout is how long an agent may go silent before the sweep
	// removes it.
	HeartbeatTimeout time.Duration
	// CleanupInterval is how often the stale sweep runs.
	CleanupInterval time.Duration
}

// DefaultOptions mirrors the registry's historical liveness windows.
func DefaultOptions() Options {
	return Options{
		HeartbeatTimeout: 30 * time.Second,
		CleanupInterval:  10 * time.Second,
	}
}

// Registry is the in-memory agent directory. Agents register with a card,
// keep themselves alive with heartbeats, and are swept after the heartbeat
// timeout. Iteration order is registration order, which the orchestrator's
// deterministic fallback relies on.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	order  []string // registration order of URLs
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates a registry.
func New(opts Options, logger *zap.Logger) *Registry {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultOptions().HeartbeatTimeout
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultOptions().CleanupInterval
	}
	return &Registry{
		agents: make(map[string]*entry),
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Register adds or refreshes an agent. Re-registration with the same URL
// replaces the card and counts as a heartbeat.
func (r *Registry) Register(card AgentCard) error {
	if card.URL == "" {
		return errors.New("registry: agent url is required")
	}
	if card.Name == "" {
		return errors.New("registry: agent name is required")
	}

	r.mu.Lock()
	if _, exists := r.agents[card.URL]; !exists {
		r.order = append(r.order, card.URL)
	}
	r.agents[card.URL] = &entry{card: card, lastSeen: r.now()}
	metrics.RegistryAgents.Set(float64(len(r.agents)))
	r.mu.Unlock()

	r.logger.Info("Agent registered",
		zap.String("name", card.Name),
		zap.String("url", card.URL),
		zap.Int("skills", len(card.Skills)),
	)
	return nil
}

// Heartbeat refreshes an agent's liveness timestamp.
func (r *Registry) Heartbeat(url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[url]
	if !ok {
		return ErrUnknownAgent
	}
	e.lastSeen = r.now()
	metrics.HeartbeatsReceived.Inc()
	return nil
}

// Get returns the card for a registered agent URL.
func (r *Registry) Get(url string) (AgentCard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[url]
	if !ok {
		return AgentCard{}, ErrUnknownAgent
	}
	return e.card, nil
}

// Agents returns all registered agents in registration order.
func (r *Registry) Agents() []AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentCard, 0, len(r.agents))
	for _, url := range r.order {
		if e, ok := r.agents[url]; ok {
			out = append(out, e.card)
		}
	}
	return out
}

// Unregister removes an agent.
func (r *Registry) Unregister(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(url)
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Start runs the stale-agent sweep until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// sweep removes agents whose last heartbeat is older than the timeout.
func (r *Registry) sweep() {
	cutoff := r.now().Add(-r.opts.HeartbeatTimeout)

	r.mu.Lock()
	var stale []string
	for url, e := range r.agents {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, url)
		}
	}
	for _, url := range stale {
		r.remove(url)
		metrics.StaleAgentsRemoved.Inc()
	}
	r.mu.Unlock()

	for _, url := range stale {
		r.logger.Warn("Removed stale agent",
			zap.String("url", url),
			zap.Duration("heartbeat_timeout", r.opts.HeartbeatTimeout),
		)
	}
}

// remove deletes an agent from the map and the order slice. Caller holds r.mu.
func (r *Registry) remove(url string) {
	if _, ok := r.agents[url]; !ok {
		return
	}
	delete(r.agents, url)
	for i, u := range r.order {
		if u == url {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	metrics.RegistryAgents.Set(float64(len(r.agents)))
}
