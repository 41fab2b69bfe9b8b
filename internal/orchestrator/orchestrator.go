package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/manifold-mesh/manifold/internal/collector"
	"github.com/manifold-mesh/manifold/internal/events"
	"github.com/manifold-mesh/manifold/internal/mesh"
	"github.com/manifold-mesh/manifold/internal/metrics"
	"github.com/manifold-mesh/manifold/internal/registry"
	"github.com/manifold-mesh/manifold/internal/router"
	"github.com/manifold-mesh/manifold/internal/tracing"
)

// Request is one incoming ask: a kind (matched against task templates) and
// an opaque payload. Quorum and timeout override the template when set.
type Request struct {
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Quorum         string          `json:"quorum,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// Options holds orchestrator tunables.
type Options struct {
	// DefaultTimeout bounds a batch when neither request nor template says.
	DefaultTimeout time.Duration
	// ConfidenceThreshold is the routing confidence below which the task is
	// also broadcast to every other matching agent.
	ConfidenceThreshold float64
	// DispatchRate and DispatchBurst bound the task fan-out rate.
	DispatchRate  rate.Limit
	DispatchBurst int
	// CallbackTarget is the collector callback URL stamped on every task.
	CallbackTarget string
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		DefaultTimeout:      60 * time.Second,
		ConfidenceThreshold: 0.5,
		DispatchRate:        rate.Limit(50),
		DispatchBurst:       10,
	}
}

// Orchestrator decomposes requests, announces the batch manifest, and fans
// the tasks out to routed agents. The manifest always reaches the collector
// before the first dispatch, so callbacks cannot race an unknown batch for
// longer than the network needs.
type Orchestrator struct {
	opts       Options
	decomposer Decomposer
	primary    router.Router
	fallback   router.Router
	registry   *registry.Registry
	collector  *collector.Collector
	dispatcher Dispatcher
	events     *events.Manager
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// New wires the orchestrator. primary may be nil; routing then goes straight
// to fallback.
func New(
	opts Options,
	decomposer Decomposer,
	primary router.Router,
	fallback router.Router,
	reg *registry.Registry,
	col *collector.Collector,
	dispatcher Dispatcher,
	ev *events.Manager,
	logger *zap.Logger,
) *Orchestrator {
	def := DefaultOptions()
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = def.DefaultTimeout
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if opts.DispatchRate <= 0 {
		opts.DispatchRate = def.DispatchRate
	}
	if opts.DispatchBurst <= 0 {
		opts.DispatchBurst = def.DispatchBurst
	}
	return &Orchestrator{
		opts:       opts,
		decomposer: decomposer,
		primary:    primary,
		fallback:   fallback,
		registry:   reg,
		collector:  col,
		dispatcher: dispatcher,
		events:     ev,
		limiter:    rate.NewLimiter(opts.DispatchRate, opts.DispatchBurst),
		logger:     logger,
	}
}

// dispatchTarget is one planned delivery: a task bound to an agent. Expected
// deliveries own a manifest slot; broadcast copies do not, so their callbacks
// land as extras.
type dispatchTarget struct {
	task     mesh.Task
	agentURL string
	expected bool
}

// Submit decomposes the request, opens the batch, and dispatches every task.
// Returns the new correlation id. Nothing is dispatched if routing or the
// manifest fails, so a returned error means no batch exists.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	if req.Kind == "" {
		return "", fmt.Errorf("request kind is required")
	}

	ctx, span := tracing.StartSpan(ctx, "orchestrator.Submit")
	defer span.End()

	plan, err := o.decomposer.Decompose(ctx, req)
	if err != nil {
		return "", fmt.Errorf("decompose request: %w", err)
	}
	if len(plan.Subtasks) == 0 {
		return "", fmt.Errorf("request %q decomposed to no subtasks", req.Kind)
	}

	correlationID := uuid.NewString()
	now := time.Now()

	targets, expectedIDs, err := o.plan(ctx, correlationID, now, plan.Subtasks)
	if err != nil {
		return "", err
	}

	quorumSpec := plan.Quorum
	if req.Quorum != "" {
		quorumSpec = req.Quorum
	}
	quorum, err := mesh.ParseQuorumPolicy(quorumSpec)
	if err != nil {
		return "", fmt.Errorf("quorum policy: %w", err)
	}

	timeout := o.opts.DefaultTimeout
	if plan.TimeoutSeconds > 0 {
		timeout = time.Duration(plan.TimeoutSeconds) * time.Second
	}
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	manifest := mesh.Manifest{
		CorrelationID:   correlationID,
		ExpectedTaskIDs: expectedIDs,
		Deadline:        now.Add(timeout),
		Assembly:        plan.Assembly,
		Quorum:          quorum,
	}
	if err := o.collector.OpenBatch(ctx, manifest); err != nil {
		return "", fmt.Errorf("open batch: %w", err)
	}

	o.logger.Info("Request accepted",
		zap.String("correlation_id", correlationID),
		zap.String("kind", req.Kind),
		zap.Int("expected", len(expectedIDs)),
		zap.Int("dispatches", len(targets)),
		zap.Duration("timeout", timeout),
	)

	o.fanOut(ctx, correlationID, targets)
	return correlationID, nil
}

// plan routes every subtask. Low-confidence decisions additionally broadcast
// the task to every other matching agent; those copies carry their own task
// ids outside the manifest, so volunteers contribute extras rather than
// filling expected slots.
func (o *Orchestrator) plan(ctx context.Context, correlationID string, now time.Time, subtasks []SubtaskSpec) ([]dispatchTarget, []string, error) {
	var targets []dispatchTarget
	var expectedIDs []string

	for _, sub := range subtasks {
		decision, err := o.route(ctx, sub.Capability)
		if err != nil {
			return nil, nil, fmt.Errorf("route capability %q: %w", sub.Capability, err)
		}

		taskID := uuid.NewString()
		expectedIDs = append(expectedIDs, taskID)
		targets = append(targets, dispatchTarget{
			task: mesh.Task{
				ID:             taskID,
				CorrelationID:  correlationID,
				Capability:     sub.Capability,
				Payload:        sub.Payload,
				CallbackTarget: o.opts.CallbackTarget,
				CreatedAt:      now,
			},
			agentURL: decision.AgentURL,
			expected: true,
		})

		if decision.Confidence >= o.opts.ConfidenceThreshold {
			continue
		}
		o.logger.Info("Low routing confidence, broadcasting",
			zap.String("correlation_id", correlationID),
			zap.String("capability", sub.Capability),
			zap.Float64("confidence", decision.Confidence),
		)
		for _, agent := range router.MatchAgents(o.registry.Agents(), sub.Capability) {
			if agent.URL == decision.AgentURL {
				continue
			}
			targets = append(targets, dispatchTarget{
				task: mesh.Task{
					ID:             uuid.NewString(),
					CorrelationID:  correlationID,
					Capability:     sub.Capability,
					Payload:        sub.Payload,
					CallbackTarget: o.opts.CallbackTarget,
					CreatedAt:      now,
				},
				agentURL: agent.URL,
			})
		}
	}
	return targets, expectedIDs, nil
}

// route tries the primary router and falls back on any failure.
func (o *Orchestrator) route(ctx context.Context, capability string) (router.Decision, error) {
	if o.primary != nil {
		if d, err := o.primary.Route(ctx, capability); err == nil {
			return d, nil
		}
	}
	if o.fallback == nil {
		return router.Decision{}, router.ErrRouterUnavailable
	}
	return o.fallback.Route(ctx, capability)
}

// fanOut delivers all targets concurrently under the rate limiter and waits
// for every dispatch attempt to finish. Failed dispatches are logged, not
// retried; the batch deadline covers tasks that never land.
func (o *Orchestrator) fanOut(ctx context.Context, correlationID string, targets []dispatchTarget) {
	var wg sync.WaitGroup
	for _, tgt := range targets {
		wg.Add(1)
		go func(tgt dispatchTarget) {
			defer wg.Done()
			if err := o.limiter.Wait(ctx); err != nil {
				metrics.TasksDispatched.WithLabelValues("error").Inc()
				return
			}
			start := time.Now()
			err := o.dispatcher.Dispatch(ctx, tgt.agentURL, tgt.task)
			metrics.DispatchDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.TasksDispatched.WithLabelValues("error").Inc()
				o.logger.Warn("Task dispatch failed",
					zap.String("correlation_id", correlationID),
					zap.String("task_id", tgt.task.ID),
					zap.String("agent_url", tgt.agentURL),
					zap.Error(err),
				)
				return
			}
			metrics.TasksDispatched.WithLabelValues("ok").Inc()
			o.events.Publish(events.Event{
				CorrelationID: correlationID,
				Type:          events.TypeTaskDispatched,
				TaskID:        tgt.task.ID,
				Payload: map[string]interface{}{
					"agent_url": tgt.agentURL,
					"expected":  tgt.expected,
				},
			})
		}(tgt)
	}
	wg.Wait()
}
