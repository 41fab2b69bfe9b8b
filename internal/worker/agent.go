package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/mesh"
	"github.com/manifold-mesh/manifold/internal/registry"
	"github.com/manifold-mesh/manifold/internal/tracing"
)

// Handler executes one capability and returns the artifact content.
type Handler func(ctx context.Context, task mesh.Task) (json.RawMessage, error)

// Options holds agent runtime tunables.
type Options struct {
	// ListenAddr is where the agent's task endpoint binds.
	ListenAddr string
	// HeartbeatInterval is how often the agent announces liveness.
	HeartbeatInterval time.Duration
	// RegisterRetries bounds registration attempts at startup.
	RegisterRetries int
	// RegisterBackoff is the base delay between registration attempts; it
	// grows linearly with the attempt number.
	RegisterBackoff time.Duration
	// TaskTimeout bounds a single task execution.
	TaskTimeout time.Duration
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 10 * time.Second,
		RegisterRetries:   3,
		RegisterBackoff:   2 * time.Second,
		TaskTimeout:       60 * time.Second,
	}
}

// Agent is one autonomous worker: it registers its card with the mesh,
// heartbeats, accepts dispatched tasks, and reports results through async
// callbacks to whatever target each task names.
type Agent struct {
	card     registry.AgentCard
	meshURL  string
	opts     Options
	handlers map[string]Handler
	client   *http.Client
	logger   *zap.Logger
}

// New creates an agent. meshURL is the orchestrator's base URL (registry and
// callback endpoints live there).
func New(card registry.AgentCard, meshURL string, opts Options, logger *zap.Logger) *Agent {
	def := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.RegisterRetries <= 0 {
		opts.RegisterRetries = def.RegisterRetries
	}
	if opts.RegisterBackoff <= 0 {
		opts.RegisterBackoff = def.RegisterBackoff
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = def.TaskTimeout
	}
	return &Agent{
		card:     card,
		meshURL:  meshURL,
		opts:     opts,
		handlers: make(map[string]Handler),
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// Handle registers the handler for a capability. A skill with a matching id
// is appended to the card if not already declared.
func (a *Agent) Handle(capability string, h Handler) {
	a.handlers[capability] = h
	for _, s := range a.card.Skills {
		if s.ID == capability {
			return
		}
	}
	a.card.Skills = append(a.card.Skills, registry.Skill{
		ID:   capability,
		Name: capability,
		Tags: []string{capability},
	})
}

// Routes returns the agent's HTTP handler: POST /tasks plus a health probe.
func (a *Agent) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", a.handleTask)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	return mux
}

// Run registers with the mesh, serves the task endpoint, and heartbeats
// until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Register(ctx); err != nil {
		return err
	}

	srv := &http.Server{Addr: a.opts.ListenAddr, Handler: a.Routes()}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go a.heartbeatLoop(ctx)

	a.logger.Info("Agent running",
		zap.String("name", a.card.Name),
		zap.String("addr", a.opts.ListenAddr),
		zap.Int("skills", len(a.card.Skills)),
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("agent server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Register announces the agent card, retrying on failure.
func (a *Agent) Register(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= a.opts.RegisterRetries; attempt++ {
		lastErr = a.postJSON(ctx, a.meshURL+"/registry/register", a.card)
		if lastErr == nil {
			a.logger.Info("Registered with mesh",
				zap.String("name", a.card.Name),
				zap.String("mesh_url", a.meshURL),
			)
			return nil
		}
		a.logger.Warn("Registration attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == a.opts.RegisterRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * a.opts.RegisterBackoff):
		}
	}
	return fmt.Errorf("register agent %s: %w", a.card.Name, lastErr)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Heartbeat(ctx); err != nil {
				a.logger.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

// Heartbeat sends one liveness ping.
func (a *Agent) Heartbeat(ctx context.Context) error {
	return a.postJSON(ctx, a.meshURL+"/registry/heartbeat", map[string]string{"url": a.card.URL})
}

// handleTask accepts a dispatched task and runs it asynchronously; the
// result goes back through the task's callback target, never this response.
func (a *Agent) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var task mesh.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, fmt.Sprintf("invalid task: %v", err), http.StatusBadRequest)
		return
	}
	if task.ID == "" || task.CorrelationID == "" || task.CallbackTarget == "" {
		http.Error(w, "task_id, correlation_id and callback_target are required", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	go a.execute(task, r.Header.Get("traceparent"))
}

func (a *Agent) execute(task mesh.Task, traceparent string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.TaskTimeout)
	defer cancel()
	// Join the dispatcher's trace so dispatch, execution, and callback show
	// up as one trace.
	ctx = tracing.ContextWithTraceparent(ctx, traceparent)
	ctx, span := tracing.StartSpan(ctx, "agent.execute")
	defer span.End()

	handler, ok := a.handlers[task.Capability]
	if !ok {
		a.logger.Warn("No handler for capability, dropping task",
			zap.String("task_id", task.ID),
			zap.String("capability", task.Capability),
		)
		return
	}

	content, err := handler(ctx, task)
	if err != nil {
		a.logger.Error("Task execution failed",
			zap.String("task_id", task.ID),
			zap.String("correlation_id", task.CorrelationID),
			zap.Error(err),
		)
		return
	}

	artifact := mesh.Artifact{
		CorrelationID: task.CorrelationID,
		TaskID:        task.ID,
		WorkerID:      a.card.Name,
		Content:       content,
	}
	if err := a.postJSON(ctx, task.CallbackTarget, artifact); err != nil {
		a.logger.Error("Callback delivery failed",
			zap.String("task_id", task.ID),
			zap.String("callback_target", task.CallbackTarget),
			zap.Error(err),
		)
		return
	}
	a.logger.Info("Task completed",
		zap.String("task_id", task.ID),
		zap.String("correlation_id", task.CorrelationID),
	)
}

func (a *Agent) postJSON(ctx context.Context, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return nil
}
