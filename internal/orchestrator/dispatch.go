package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/manifold-mesh/manifold/internal/mesh"
	"github.com/manifold-mesh/manifold/internal/tracing"
)

// Dispatcher delivers one task to one agent. Delivery is fire and forget;
// results come back through the collector's callback endpoint.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentURL string, task mesh.Task) error
}

// HTTPDispatcher posts tasks to each agent's /tasks endpoint.
type HTTPDispatcher struct {
	client *http.Client
}

// NewHTTPDispatcher creates a dispatcher with the given per-request timeout.
func NewHTTPDispatcher(timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{client: &http.Client{Timeout: timeout}}
}

// Dispatch posts the task. Any 2xx counts as accepted; agents process
// asynchronously and call back later.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, agentURL string, task mesh.Task) error {
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, agentURL+"/tasks")
	defer span.End()

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch task %s to %s: %w", task.ID, agentURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent %s rejected task %s: status %d", agentURL, task.ID, resp.StatusCode)
	}
	return nil
}
