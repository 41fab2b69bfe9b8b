package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/collector"
	"github.com/manifold-mesh/manifold/internal/events"
	"github.com/manifold-mesh/manifold/internal/mesh"
	"github.com/manifold-mesh/manifold/internal/registry"
	"github.com/manifold-mesh/manifold/internal/router"
)

type noopFinalizer struct{}

func (noopFinalizer) Finalize(context.Context, *collector.FinalRecord) error { return nil }

type fakeRouter struct {
	decision router.Decision
	err      error
	calls    int
}

func (f *fakeRouter) Route(context.Context, string) (router.Decision, error) {
	f.calls++
	return f.decision, f.err
}

type dispatched struct {
	agentURL    string
	task        mesh.Task
	batchStatus mesh.BatchStatus
	batchKnown  bool
}

// fakeDispatcher records deliveries and the collector state at dispatch time.
type fakeDispatcher struct {
	mu        sync.Mutex
	collector *collector.Collector
	calls     []dispatched
	err       error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, agentURL string, task mesh.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, known := f.collector.Status(task.CorrelationID)
	f.calls = append(f.calls, dispatched{agentURL: agentURL, task: task, batchStatus: status, batchKnown: known})
	return f.err
}

func (f *fakeDispatcher) all() []dispatched {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatched, len(f.calls))
	copy(out, f.calls)
	return out
}

type fixture struct {
	orch       *Orchestrator
	collector  *collector.Collector
	dispatcher *fakeDispatcher
	registry   *registry.Registry
}

func newFixture(t *testing.T, primary, fallback router.Router, plan Plan) *fixture {
	t.Helper()
	col := collector.New(collector.Options{FinalizeBackoff: time.Millisecond}, noopFinalizer{}, nil, events.NewManager(16), zap.NewNop())
	disp := &fakeDispatcher{collector: col}
	reg := registry.New(registry.DefaultOptions(), zap.NewNop())
	require.NoError(t, reg.Register(registry.AgentCard{
		Name: "poet-a", URL: "http://a:9001",
		Skills: []registry.Skill{{ID: "poetry", Tags: []string{"poetry"}}},
	}))
	require.NoError(t, reg.Register(registry.AgentCard{
		Name: "poet-b", URL: "http://b:9001",
		Skills: []registry.Skill{{ID: "poetry", Tags: []string{"poetry"}}},
	}))

	orch := New(Options{CallbackTarget: "http://collector/callbacks"},
		planDecomposer{plan}, primary, fallback, reg, col, disp, events.NewManager(16), zap.NewNop())
	return &fixture{orch: orch, collector: col, dispatcher: disp, registry: reg}
}

type planDecomposer struct{ plan Plan }

func (d planDecomposer) Decompose(context.Context, Request) (Plan, error) { return d.plan, nil }

func TestSubmitOpensBatchBeforeDispatch(t *testing.T) {
	primary := &fakeRouter{decision: router.Decision{AgentName: "poet-a", AgentURL: "http://a:9001", Confidence: 0.9, Source: "llm"}}
	fx := newFixture(t, primary, nil, Plan{Subtasks: []SubtaskSpec{
		{Capability: "poetry"}, {Capability: "poetry"},
	}})

	corr, err := fx.orch.Submit(context.Background(), Request{Kind: "story"})
	require.NoError(t, err)
	require.NotEmpty(t, corr)

	calls := fx.dispatcher.all()
	require.Len(t, calls, 2)
	for _, c := range calls {
		// The manifest was announced before any task left the orchestrator.
		assert.True(t, c.batchKnown)
		assert.Equal(t, corr, c.task.CorrelationID)
		assert.Equal(t, "http://a:9001", c.agentURL)
		assert.Equal(t, "http://collector/callbacks", c.task.CallbackTarget)
	}
	assert.NotEqual(t, calls[0].task.ID, calls[1].task.ID)
}

func TestSubmitFallsBackWhenPrimaryFails(t *testing.T) {
	primary := &fakeRouter{err: router.ErrRouterUnavailable}
	fallback := &fakeRouter{decision: router.Decision{AgentName: "poet-b", AgentURL: "http://b:9001", Confidence: 1.0, Source: "fallback"}}
	fx := newFixture(t, primary, fallback, Plan{Subtasks: []SubtaskSpec{{Capability: "poetry"}}})

	_, err := fx.orch.Submit(context.Background(), Request{Kind: "story"})
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)

	calls := fx.dispatcher.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "http://b:9001", calls[0].agentURL)
}

func TestSubmitFailsWhenNoRouteExists(t *testing.T) {
	primary := &fakeRouter{err: router.ErrRouterUnavailable}
	fallback := &fakeRouter{err: router.ErrRouterUnavailable}
	fx := newFixture(t, primary, fallback, Plan{Subtasks: []SubtaskSpec{{Capability: "poetry"}}})

	_, err := fx.orch.Submit(context.Background(), Request{Kind: "story"})
	require.ErrorIs(t, err, router.ErrRouterUnavailable)
	// Nothing was announced or dispatched.
	assert.Empty(t, fx.dispatcher.all())
}

func TestLowConfidenceBroadcastsToMatchingAgents(t *testing.T) {
	primary := &fakeRouter{decision: router.Decision{AgentName: "poet-a", AgentURL: "http://a:9001", Confidence: 0.2, Source: "llm"}}
	fx := newFixture(t, primary, nil, Plan{Subtasks: []SubtaskSpec{{Capability: "poetry"}}})

	corr, err := fx.orch.Submit(context.Background(), Request{Kind: "story"})
	require.NoError(t, err)

	calls := fx.dispatcher.all()
	require.Len(t, calls, 2)

	byURL := map[string]mesh.Task{}
	for _, c := range calls {
		byURL[c.agentURL] = c.task
	}
	require.Contains(t, byURL, "http://a:9001")
	require.Contains(t, byURL, "http://b:9001")
	// The broadcast copy carries its own id, so a volunteer's callback lands
	// as an extra instead of claiming the routed agent's slot.
	assert.NotEqual(t, byURL["http://a:9001"].ID, byURL["http://b:9001"].ID)

	require.NoError(t, fx.collector.Ingest(context.Background(), mesh.Artifact{
		CorrelationID: corr,
		TaskID:        byURL["http://b:9001"].ID,
		WorkerID:      "poet-b",
		Content:       json.RawMessage(`"volunteer verse"`),
	}))
	status, _ := fx.collector.Status(corr)
	assert.Equal(t, mesh.StatusOpen, status)
}

func TestSubmitQuorumAndTimeoutOverrides(t *testing.T) {
	primary := &fakeRouter{decision: router.Decision{AgentURL: "http://a:9001", Confidence: 0.9}}
	fx := newFixture(t, primary, nil, Plan{
		Subtasks:       []SubtaskSpec{{Capability: "poetry"}},
		Quorum:         "fraction:0.75",
		TimeoutSeconds: 120,
	})

	_, err := fx.orch.Submit(context.Background(), Request{Kind: "story", Quorum: "bogus"})
	assert.Error(t, err)

	corr, err := fx.orch.Submit(context.Background(), Request{Kind: "story"})
	require.NoError(t, err)
	status, ok := fx.collector.Status(corr)
	require.True(t, ok)
	assert.Equal(t, mesh.StatusOpen, status)
}

func TestTemplateDecomposer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
story:
  quorum: "fraction:0.5"
  timeout_seconds: 90
  assembly:
    title: "A Story"
    gap_policy: "placeholder"
  tasks:
    - capability: poetry
      payload:
        style: haiku
    - capability: plot
`), 0o644))

	d, err := NewTemplateDecomposer(path)
	require.NoError(t, err)

	plan, err := d.Decompose(context.Background(), Request{Kind: "story", Payload: json.RawMessage(`{"theme":"sea"}`)})
	require.NoError(t, err)
	assert.Equal(t, "fraction:0.5", plan.Quorum)
	assert.Equal(t, 90, plan.TimeoutSeconds)
	require.Len(t, plan.Subtasks, 2)
	assert.Equal(t, "poetry", plan.Subtasks[0].Capability)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(plan.Subtasks[0].Payload, &payload))
	assert.Equal(t, "haiku", payload["style"])
	assert.Contains(t, payload, "request")

	var instr map[string]interface{}
	require.NoError(t, json.Unmarshal(plan.Assembly, &instr))
	assert.Equal(t, "A Story", instr["title"])

	// Unknown kinds degrade to a single task named after the kind.
	plan, err = d.Decompose(context.Background(), Request{Kind: "juggling"})
	require.NoError(t, err)
	require.Len(t, plan.Subtasks, 1)
	assert.Equal(t, "juggling", plan.Subtasks[0].Capability)
}

func TestTemplateDecomposerRejectsEmptyTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("story:\n  tasks: []\n"), 0o644))
	_, err := NewTemplateDecomposer(path)
	assert.Error(t, err)
}
