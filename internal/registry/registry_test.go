package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func card(name, url string) AgentCard {
	return AgentCard{
		Name:        name,
		Description: name + " agent",
		URL:         url,
		Version:     "1.0.0",
		Skills:      []Skill{{ID: name, Name: name, Tags: []string{name}}},
	}
}

func TestRegisterAndList(t *testing.T) {
	r := New(DefaultOptions(), zap.NewNop())

	require.NoError(t, r.Register(card("poet", "http://localhost:9001")))
	require.NoError(t, r.Register(card("plotter", "http://localhost:9002")))

	agents := r.Agents()
	require.Len(t, agents, 2)
	// Registration order is preserved for deterministic fallback selection.
	assert.Equal(t, "poet", agents[0].Name)
	assert.Equal(t, "plotter", agents[1].Name)

	got, err := r.Get("http://localhost:9001")
	require.NoError(t, err)
	assert.Equal(t, "poet", got.Name)

	_, err = r.Get("http://localhost:9999")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegisterValidation(t *testing.T) {
	r := New(DefaultOptions(), zap.NewNop())
	assert.Error(t, r.Register(AgentCard{Name: "x"}))
	assert.Error(t, r.Register(AgentCard{URL: "http://localhost:9001"}))
}

func TestReRegisterReplacesCard(t *testing.T) {
	r := New(DefaultOptions(), zap.NewNop())
	require.NoError(t, r.Register(card("poet", "http://localhost:9001")))

	updated := card("poet", "http://localhost:9001")
	updated.Description = "a better poet"
	require.NoError(t, r.Register(updated))

	assert.Equal(t, 1, r.Len())
	got, err := r.Get("http://localhost:9001")
	require.NoError(t, err)
	assert.Equal(t, "a better poet", got.Description)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	r := New(DefaultOptions(), zap.NewNop())
	assert.ErrorIs(t, r.Heartbeat("http://localhost:9001"), ErrUnknownAgent)
}

func TestSweepRemovesStaleAgents(t *testing.T) {
	r := New(Options{HeartbeatTimeout: 30 * time.Second, CleanupInterval: 10 * time.Second}, zap.NewNop())

	now := time.Now()
	r.now = func() time.Time { return now }

	require.NoError(t, r.Register(card("poet", "http://localhost:9001")))
	require.NoError(t, r.Register(card("plotter", "http://localhost:9002")))

	// Only the plotter heartbeats inside the window.
	now = now.Add(25 * time.Second)
	require.NoError(t, r.Heartbeat("http://localhost:9002"))

	now = now.Add(10 * time.Second)
	r.sweep()

	assert.Equal(t, 1, r.Len())
	_, err := r.Get("http://localhost:9001")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	_, err = r.Get("http://localhost:9002")
	assert.NoError(t, err)

	agents := r.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "plotter", agents[0].Name)
}

func TestHeartbeatKeepsAgentAlive(t *testing.T) {
	r := New(Options{HeartbeatTimeout: 30 * time.Second, CleanupInterval: 10 * time.Second}, zap.NewNop())

	now := time.Now()
	r.now = func() time.Time { return now }

	require.NoError(t, r.Register(card("poet", "http://localhost:9001")))
	for i := 0; i < 5; i++ {
		now = now.Add(20 * time.Second)
		require.NoError(t, r.Heartbeat("http://localhost:9001"))
		r.sweep()
	}
	assert.Equal(t, 1, r.Len())
}
