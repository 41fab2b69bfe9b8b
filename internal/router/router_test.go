package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New(registry.DefaultOptions(), zap.NewNop())
	require.NoError(t, r.Register(registry.AgentCard{
		Name: "poet",
		URL:  "http://localhost:9001",
		Skills: []registry.Skill{
			{ID: "write_poem", Name: "Write Poem", Tags: []string{"poetry", "creative"}},
		},
	}))
	require.NoError(t, r.Register(registry.AgentCard{
		Name: "plotter",
		URL:  "http://localhost:9002",
		Skills: []registry.Skill{
			{ID: "outline_plot", Name: "Outline Plot", Tags: []string{"plot", "structure"}},
		},
	}))
	return r
}

func TestFallbackMatchesSkillTags(t *testing.T) {
	r := NewFallbackRouter(testRegistry(t), zap.NewNop())

	d, err := r.Route(context.Background(), "poetry")
	require.NoError(t, err)
	assert.Equal(t, "poet", d.AgentName)
	assert.Equal(t, "http://localhost:9001", d.AgentURL)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, "fallback", d.Source)

	d, err = r.Route(context.Background(), "plot")
	require.NoError(t, err)
	assert.Equal(t, "plotter", d.AgentName)
}

func TestFallbackNoMatch(t *testing.T) {
	r := NewFallbackRouter(testRegistry(t), zap.NewNop())
	_, err := r.Route(context.Background(), "juggling")
	assert.ErrorIs(t, err, ErrRouterUnavailable)
}

func TestMatchAgentsPreservesRegistrationOrder(t *testing.T) {
	reg := testRegistry(t)
	// Both agents match a needle common to their names' skills via agent name.
	matches := MatchAgents(reg.Agents(), "o")
	require.Len(t, matches, 2)
	assert.Equal(t, "poet", matches[0].Name)
	assert.Equal(t, "plotter", matches[1].Name)
}

func TestLLMRouterHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/route", r.URL.Path)
		var req routeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "poetry", req.Capability)
		assert.Len(t, req.Agents, 2)
		json.NewEncoder(w).Encode(routeResponse{AgentName: "poet", Confidence: 0.92})
	}))
	defer srv.Close()

	r := NewLLMRouter(srv.URL, time.Second, testRegistry(t), zap.NewNop())
	d, err := r.Route(context.Background(), "poetry")
	require.NoError(t, err)
	assert.Equal(t, "poet", d.AgentName)
	assert.Equal(t, "http://localhost:9001", d.AgentURL)
	assert.InDelta(t, 0.92, d.Confidence, 1e-9)
	assert.Equal(t, "llm", d.Source)
}

func TestLLMRouterServiceErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewLLMRouter(srv.URL, time.Second, testRegistry(t), zap.NewNop())
	_, err := r.Route(context.Background(), "poetry")
	assert.ErrorIs(t, err, ErrRouterUnavailable)
}

func TestLLMRouterUnknownAgentIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(routeResponse{AgentName: "ghost", Confidence: 0.99})
	}))
	defer srv.Close()

	r := NewLLMRouter(srv.URL, time.Second, testRegistry(t), zap.NewNop())
	_, err := r.Route(context.Background(), "poetry")
	assert.ErrorIs(t, err, ErrRouterUnavailable)
}

func TestLLMRouterEmptyRegistry(t *testing.T) {
	reg := registry.New(registry.DefaultOptions(), zap.NewNop())
	r := NewLLMRouter("http://unused", time.Second, reg, zap.NewNop())
	_, err := r.Route(context.Background(), "poetry")
	assert.ErrorIs(t, err, ErrRouterUnavailable)
}
