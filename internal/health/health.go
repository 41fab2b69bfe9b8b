package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckStatus represents the result of a health check
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult contains the result of a health check
type CheckResult struct {
	Component string        `json:"component"`
	Status    CheckStatus   `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// Checker defines the interface for health checks
type Checker interface {
	// Name returns the unique name of this health check
	Name() string
	// Check performs the health check
	Check(ctx context.Context) CheckResult
	// IsCritical reports whether failure makes the whole service unhealthy
	IsCritical() bool
}

// FuncChecker adapts a plain function into a Checker.
type FuncChecker struct {
	CheckName string
	Critical  bool
	Fn        func(ctx context.Context) error
}

func (f FuncChecker) Name() string     { return f.CheckName }
func (f FuncChecker) IsCritical() bool { return f.Critical }

func (f FuncChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{
		Component: f.CheckName,
		Status:    StatusHealthy,
		Critical:  f.Critical,
		Timestamp: start,
	}
	if err := f.Fn(ctx); err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	res.Duration = time.Since(start)
	return res
}

// Manager runs registered checks and aggregates them into a service status.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewManager creates a new health manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		checkers: make(map[string]Checker),
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(c Checker) error {
	if c.Name() == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.checkers[c.Name()]; dup {
		return fmt.Errorf("checker %q already registered", c.Name())
	}
	m.checkers[c.Name()] = c
	return nil
}

// Overall aggregates all checks: a failed critical check makes the service
// unhealthy, any other failure degrades it.
type Overall struct {
	Status     CheckStatus            `json:"status"`
	Ready      bool                   `json:"ready"`
	Timestamp  time.Time              `json:"timestamp"`
	Components map[string]CheckResult `json:"components,omitempty"`
}

// Check runs every registered check and aggregates the results.
func (m *Manager) Check(ctx context.Context) Overall {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	out := Overall{
		Status:     StatusHealthy,
		Ready:      true,
		Timestamp:  time.Now(),
		Components: make(map[string]CheckResult, len(checkers)),
	}
	for _, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		res := c.Check(cctx)
		cancel()
		out.Components[c.Name()] = res

		if res.Status == StatusHealthy {
			continue
		}
		m.logger.Warn("Health check failed",
			zap.String("component", c.Name()),
			zap.String("status", res.Status.String()),
			zap.String("error", res.Error),
		)
		if c.IsCritical() {
			out.Status = StatusUnhealthy
			out.Ready = false
		} else if out.Status == StatusHealthy {
			out.Status = StatusDegraded
		}
	}
	return out
}
