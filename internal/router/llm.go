package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/circuitbreaker"
	"github.com/manifold-mesh/manifold/internal/metrics"
	"github.com/manifold-mesh/manifold/internal/registry"
)

// LLMRouter asks an external LLM routing service to pick the best agent for
// a capability, given the live agent cards. Calls are breaker-guarded; any
// failure surfaces as ErrRouterUnavailable so callers take the fallback path.
type LLMRouter struct {
	baseURL  string
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	registry *registry.Registry
	logger   *zap.Logger
}

// NewLLMRouter creates an LLM-backed router. timeout bounds each request.
func NewLLMRouter(baseURL string, timeout time.Duration, reg *registry.Registry, logger *zap.Logger) *LLMRouter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LLMRouter{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		breaker:  circuitbreaker.New("llm-router", circuitbreaker.DefaultConfig(), logger),
		registry: reg,
		logger:   logger,
	}
}

type routeRequest struct {
	Capability string               `json:"capability"`
	Agents     []registry.AgentCard `json:"agents"`
}

type routeResponse struct {
	AgentName  string  `json:"agent_name"`
	Confidence float64 `json:"confidence"`
}

// Route asks the LLM service which agent should handle the capability. The
// returned confidence is the service's own estimate; the caller decides what
// to do with a low one.
func (r *LLMRouter) Route(ctx context.Context, capability string) (Decision, error) {
	agents := r.registry.Agents()
	if len(agents) == 0 {
		return Decision{}, ErrRouterUnavailable
	}

	start := time.Now()
	var out routeResponse
	err := r.breaker.Execute(ctx, func() error {
		body, err := json.Marshal(routeRequest{Capability: capability, Agents: agents})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/route", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("routing service returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		metrics.RecordRouterDecision("error", time.Since(start).Seconds())
		r.logger.Warn("LLM routing failed",
			zap.String("capability", capability),
			zap.Error(err),
		)
		return Decision{}, fmt.Errorf("%w: %v", ErrRouterUnavailable, err)
	}

	// The service answers by name; resolve back to a registered card so the
	// decision carries a dispatchable URL.
	var pick *registry.AgentCard
	for i := range agents {
		if agents[i].Name == out.AgentName {
			pick = &agents[i]
			break
		}
	}
	if pick == nil {
		metrics.RecordRouterDecision("error", time.Since(start).Seconds())
		return Decision{}, fmt.Errorf("%w: routing service chose unknown agent %q", ErrRouterUnavailable, out.AgentName)
	}

	metrics.RecordRouterDecision("llm", time.Since(start).Seconds())
	r.logger.Info("LLM routing decision",
		zap.String("capability", capability),
		zap.String("agent", pick.Name),
		zap.Float64("confidence", out.Confidence),
	)
	return Decision{
		AgentName:  pick.Name,
		AgentURL:   pick.URL,
		Confidence: out.Confidence,
		Source:     "llm",
	}, nil
}
