package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okChecker(name string, critical bool) Checker {
	return FuncChecker{CheckName: name, Critical: critical, Fn: func(context.Context) error { return nil }}
}

func failChecker(name string, critical bool) Checker {
	return FuncChecker{CheckName: name, Critical: critical, Fn: func(context.Context) error {
		return errors.New("down")
	}}
}

func TestAggregation(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(okChecker("registry", true)))
	require.NoError(t, m.RegisterChecker(okChecker("archive", false)))

	overall := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.True(t, overall.Ready)
	assert.Len(t, overall.Components, 2)
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(okChecker("registry", true)))
	require.NoError(t, m.RegisterChecker(failChecker("archive", false)))

	overall := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
}

func TestCriticalFailureIsUnhealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(failChecker("registry", true)))

	overall := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.False(t, overall.Ready)
}

func TestDuplicateCheckerRejected(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(okChecker("registry", true)))
	assert.Error(t, m.RegisterChecker(okChecker("registry", true)))
	assert.Error(t, m.RegisterChecker(okChecker("", false)))
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(failChecker("registry", true)))

	mux := http.NewServeMux()
	NewHTTPHandler(m, zap.NewNop()).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var overall Overall
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overall))
	assert.Contains(t, overall.Components, "registry")
}
