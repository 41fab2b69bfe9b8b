package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/metrics"
	"github.com/manifold-mesh/manifold/internal/registry"
)

// ErrRouterUnavailable means no routing decision could be made: the LLM
// service is down or no registered agent matches the capability.
var ErrRouterUnavailable = errors.New("router: unavailable")

// Decision is the outcome of routing one capability to one agent.
type Decision struct {
	AgentName  string  `json:"agent_name"`
	AgentURL   string  `json:"agent_url"`
	Confidence float64 `json:"confidence"`
	// Source is "llm" or "fallback".
	Source string `json:"source"`
}

// Router selects an agent for a capability.
type Router interface {
	Route(ctx context.Context, capability string) (Decision, error)
}

// MatchAgents returns the registered agents whose skills match the
// capability, in registration order. A skill matches when the capability is
// a case-insensitive substring of a skill tag, skill id, skill name, or the
// agent name.
func MatchAgents(agents []registry.AgentCard, capability string) []registry.AgentCard {
	needle := strings.ToLower(capability)
	var out []registry.AgentCard
	for _, a := range agents {
		if agentMatches(a, needle) {
			out = append(out, a)
		}
	}
	return out
}

func agentMatches(a registry.AgentCard, needle string) bool {
	if strings.Contains(strings.ToLower(a.Name), needle) {
		return true
	}
	for _, s := range a.Skills {
		if strings.Contains(strings.ToLower(s.ID), needle) ||
			strings.Contains(strings.ToLower(s.Name), needle) {
			return true
		}
		for _, tag := range s.Tags {
			if strings.Contains(strings.ToLower(tag), needle) {
				return true
			}
		}
	}
	return false
}

// FallbackRouter is the deterministic skill-matching router used when the
// LLM router is unavailable or unsure. First match in registration order
// wins, with full confidence since the match is exact.
type FallbackRouter struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewFallbackRouter creates a fallback router over the agent registry.
func NewFallbackRouter(reg *registry.Registry, logger *zap.Logger) *FallbackRouter {
	return &FallbackRouter{registry: reg, logger: logger}
}

// Route picks the first registered agent matching the capability.
func (r *FallbackRouter) Route(_ context.Context, capability string) (Decision, error) {
	start := time.Now()
	matches := MatchAgents(r.registry.Agents(), capability)
	if len(matches) == 0 {
		return Decision{}, ErrRouterUnavailable
	}
	pick := matches[0]
	metrics.RecordRouterDecision("fallback", time.Since(start).Seconds())
	r.logger.Info("Fallback routing decision",
		zap.String("capability", capability),
		zap.String("agent", pick.Name),
		zap.Int("candidates", len(matches)),
	)
	return Decision{
		AgentName:  pick.Name,
		AgentURL:   pick.URL,
		Confidence: 1.0,
		Source:     "fallback",
	}, nil
}
