package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/events"
	"github.com/manifold-mesh/manifold/internal/mesh"
	"github.com/manifold-mesh/manifold/internal/metrics"
)

var (
	// ErrDuplicateBatch means a manifest arrived for a correlation id that is
	// already known, in any state. The original batch is unaffected.
	ErrDuplicateBatch = errors.New("collector: duplicate batch")
	// ErrLateArtifact means a callback arrived for a CLOSED batch. The
	// artifact is logged and dropped.
	ErrLateArtifact = errors.New("collector: late artifact")
	// ErrOrphanArtifact means a callback's correlation id never became known
	// within the grace window.
	ErrOrphanArtifact = errors.New("collector: orphan artifact")
	// ErrFinalizationFailed wraps the last finalize error once attempts are
	// exhausted and the batch is force-closed.
	ErrFinalizationFailed = errors.New("collector: finalization failed")
)

// Finalizer performs the one-time side-effecting merge of a finished batch
// into the shared output.
type Finalizer interface {
	Finalize(ctx context.Context, rec *FinalRecord) error
}

// Archiver persists closed batches for later inspection. Optional; failures
// are logged, never block closing.
type Archiver interface {
	ArchiveBatch(ctx context.Context, rec *FinalRecord, outcome string) error
}

// Options holds the collector's tunables. Defaults cover the unspecified
// knobs: bounded finalize retries with exponential backoff and a short
// manifest/callback race window.
type Options struct {
	// GraceWindow is how long an artifact for an unknown correlation id is
	// buffered before being discarded as an orphan.
	GraceWindow time.Duration
	// SweepInterval is how often deadlines and the grace buffer are checked.
	SweepInterval time.Duration
	// FinalizeAttempts bounds finalize retries.
	FinalizeAttempts int
	// FinalizeBackoff is the base delay between finalize attempts; it doubles
	// per attempt.
	FinalizeBackoff time.Duration
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		GraceWindow:      5 * time.Second,
		SweepInterval:    time.Second,
		FinalizeAttempts: 3,
		FinalizeBackoff:  250 * time.Millisecond,
	}
}

type bufferedArtifact struct {
	artifact mesh.Artifact
	at       time.Time
}

// Collector tracks pending batches by correlation id, ingests worker
// completions, and finalizes each batch exactly once on quorum or timeout.
type Collector struct {
	mu      sync.RWMutex
	batches map[string]*PendingBatch
	grace   map[string][]bufferedArtifact

	opts      Options
	finalizer Finalizer
	archiver  Archiver
	events    *events.Manager
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a collector. archiver may be nil.
func New(opts Options, finalizer Finalizer, archiver Archiver, ev *events.Manager, logger *zap.Logger) *Collector {
	def := DefaultOptions()
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = def.GraceWindow
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.FinalizeAttempts <= 0 {
		opts.FinalizeAttempts = def.FinalizeAttempts
	}
	if opts.FinalizeBackoff <= 0 {
		opts.FinalizeBackoff = def.FinalizeBackoff
	}
	return &Collector{
		batches:   make(map[string]*PendingBatch),
		grace:     make(map[string][]bufferedArtifact),
		opts:      opts,
		finalizer: finalizer,
		archiver:  archiver,
		events:    ev,
		logger:    logger,
		now:       time.Now,
	}
}

// Start runs the deadline/grace sweep until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweepOnce(ctx)
			}
		}
	}()
}

// OpenBatch creates a pending batch from a manifest. Buffered artifacts that
// raced ahead of the manifest are ingested immediately, so a batch can meet
// quorum (and finalize) within this call.
func (c *Collector) OpenBatch(ctx context.Context, m mesh.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	now := c.now()
	c.mu.Lock()
	if _, exists := c.batches[m.CorrelationID]; exists {
		c.mu.Unlock()
		return ErrDuplicateBatch
	}
	c.batches[m.CorrelationID] = newPendingBatch(m, now)
	buffered := c.grace[m.CorrelationID]
	delete(c.grace, m.CorrelationID)
	c.updateGraceGauge()
	c.mu.Unlock()

	metrics.BatchesOpened.Inc()
	metrics.BatchesOpen.Inc()
	c.events.Publish(events.Event{
		CorrelationID: m.CorrelationID,
		Type:          events.TypeBatchOpened,
		Payload: map[string]interface{}{
			"expected": len(m.ExpectedTaskIDs),
			"quorum":   m.Quorum.String(),
			"deadline": m.Deadline,
		},
	})
	c.logger.Info("Batch opened",
		zap.String("correlation_id", m.CorrelationID),
		zap.Int("expected", len(m.ExpectedTaskIDs)),
		zap.String("quorum", m.Quorum.String()),
		zap.Time("deadline", m.Deadline),
		zap.Int("buffered", len(buffered)),
	)

	for _, ba := range buffered {
		if err := c.Ingest(ctx, ba.artifact); err != nil {
			c.logger.Warn("Failed to ingest buffered artifact",
				zap.String("correlation_id", m.CorrelationID),
				zap.String("task_id", ba.artifact.TaskID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Ingest records one completion callback. Unknown correlation ids are
// buffered for the grace window; CLOSED batches reject with ErrLateArtifact;
// everything else lands in received or extras and may trigger finalization.
func (c *Collector) Ingest(ctx context.Context, art mesh.Artifact) error {
	if art.ReceivedAt.IsZero() {
		art.ReceivedAt = c.now()
	}

	c.mu.RLock()
	b := c.batches[art.CorrelationID]
	c.mu.RUnlock()

	if b == nil {
		c.bufferArtifact(art)
		return nil
	}

	rec, err := c.ingestInto(b, art)
	if err != nil {
		return err
	}
	if rec != nil {
		c.finalize(ctx, b, rec)
	}
	return nil
}

// ingestInto applies one artifact to a batch under the batch mutex and
// returns a finalization record when this artifact met quorum.
func (c *Collector) ingestInto(b *PendingBatch, art mesh.Artifact) (*FinalRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case mesh.StatusClosed:
		metrics.LateArtifacts.Inc()
		c.events.Publish(events.Event{
			CorrelationID: art.CorrelationID,
			Type:          events.TypeLateArtifact,
			TaskID:        art.TaskID,
			WorkerID:      art.WorkerID,
		})
		c.logger.Warn("Discarding late artifact for closed batch",
			zap.String("correlation_id", art.CorrelationID),
			zap.String("task_id", art.TaskID),
			zap.String("worker_id", art.WorkerID),
		)
		return nil, ErrLateArtifact

	case mesh.StatusFinalizing:
		// Too late to count, not yet closed: keep it with the extras for the
		// record, but the finalization snapshot is already taken.
		b.extras = append(b.extras, art)
		metrics.ArtifactsIngested.WithLabelValues("extra").Inc()
		c.events.Publish(events.Event{
			CorrelationID: art.CorrelationID,
			Type:          events.TypeExtraReceived,
			TaskID:        art.TaskID,
			WorkerID:      art.WorkerID,
			Message:       "arrived while finalizing",
		})
		return nil, nil
	}

	if art.TaskID != "" && b.manifest.Expects(art.TaskID) {
		_, dup := b.received[art.TaskID]
		// Idempotent overwrite: a duplicate callback replaces the stored
		// artifact and does not count twice toward quorum.
		b.received[art.TaskID] = art
		if dup {
			metrics.ArtifactsIngested.WithLabelValues("duplicate").Inc()
			return nil, nil
		}
		metrics.ArtifactsIngested.WithLabelValues("expected").Inc()
		c.events.Publish(events.Event{
			CorrelationID: art.CorrelationID,
			Type:          events.TypeArtifactReceived,
			TaskID:        art.TaskID,
			WorkerID:      art.WorkerID,
		})
	} else {
		b.extras = append(b.extras, art)
		metrics.ArtifactsIngested.WithLabelValues("extra").Inc()
		c.events.Publish(events.Event{
			CorrelationID: art.CorrelationID,
			Type:          events.TypeExtraReceived,
			TaskID:        art.TaskID,
			WorkerID:      art.WorkerID,
		})
		// Extras never count toward quorum; nothing further to evaluate.
		return nil, nil
	}

	if !b.manifest.Quorum.Satisfied(len(b.received), len(b.manifest.ExpectedTaskIDs)) {
		return nil, nil
	}
	c.events.Publish(events.Event{
		CorrelationID: b.manifest.CorrelationID,
		Type:          events.TypeQuorumMet,
		Payload:       map[string]interface{}{"received": len(b.received)},
	})
	return c.beginFinalizing(b), nil
}

// beginFinalizing moves an OPEN batch to FINALIZING and snapshots the record.
// Caller holds b.mu.
func (c *Collector) beginFinalizing(b *PendingBatch) *FinalRecord {
	if !b.status.CanTransition(mesh.StatusFinalizing) {
		return nil
	}
	b.status = mesh.StatusFinalizing
	rec := b.snapshot()
	c.events.Publish(events.Event{
		CorrelationID: rec.CorrelationID,
		Type:          events.TypeBatchFinalizing,
		Payload: map[string]interface{}{
			"received": len(rec.Artifacts),
			"missing":  len(rec.Missing),
		},
	})
	return rec
}

// finalize performs the side-effecting merge with bounded retries and then
// closes the batch. Runs outside the batch mutex; the FINALIZING status is
// already visible so concurrent callbacks classify correctly.
func (c *Collector) finalize(ctx context.Context, b *PendingBatch, rec *FinalRecord) {
	start := c.now()
	var err error
	for attempt := 1; attempt <= c.opts.FinalizeAttempts; attempt++ {
		if err = c.finalizer.Finalize(ctx, rec); err == nil {
			break
		}
		c.logger.Warn("Finalize attempt failed",
			zap.String("correlation_id", rec.CorrelationID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.opts.FinalizeAttempts),
			zap.Error(err),
		)
		if attempt < c.opts.FinalizeAttempts {
			metrics.FinalizeRetries.Inc()
			backoff := c.opts.FinalizeBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(backoff):
				continue
			}
			break
		}
	}

	closedAt := c.now()
	b.mu.Lock()
	b.status = mesh.StatusClosed
	b.closedAt = closedAt
	b.mu.Unlock()
	rec.ClosedAt = closedAt
	metrics.BatchesOpen.Dec()

	outcome := "full"
	if rec.Partial {
		outcome = "partial"
	}
	if err != nil {
		// Fail-safe over fail-forever: the batch closes anyway and the
		// failure is surfaced for operator visibility.
		outcome = "failed"
		err = fmt.Errorf("%w: %v", ErrFinalizationFailed, err)
		c.events.Publish(events.Event{
			CorrelationID: rec.CorrelationID,
			Type:          events.TypeFinalizationFailed,
			Message:       err.Error(),
		})
		c.logger.Error("Finalization failed; batch force-closed",
			zap.String("correlation_id", rec.CorrelationID),
			zap.Int("attempts", c.opts.FinalizeAttempts),
			zap.Error(err),
		)
	} else {
		c.events.Publish(events.Event{
			CorrelationID: rec.CorrelationID,
			Type:          events.TypeBatchClosed,
			Payload: map[string]interface{}{
				"outcome":  outcome,
				"received": len(rec.Artifacts),
				"extras":   len(rec.Extras),
				"missing":  rec.Missing,
			},
		})
		c.logger.Info("Batch closed",
			zap.String("correlation_id", rec.CorrelationID),
			zap.String("outcome", outcome),
			zap.Int("received", len(rec.Artifacts)),
			zap.Int("extras", len(rec.Extras)),
			zap.Strings("missing", rec.Missing),
		)
	}
	metrics.RecordBatchClosed(outcome, closedAt.Sub(start).Seconds())

	if c.archiver != nil {
		go func(outcome string) {
			actx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if aerr := c.archiver.ArchiveBatch(actx, rec, outcome); aerr != nil {
				c.logger.Warn("Failed to archive closed batch",
					zap.String("correlation_id", rec.CorrelationID),
					zap.Error(aerr),
				)
				return
			}
			// The archived record supersedes the replay ring.
			c.events.Drop(rec.CorrelationID)
		}(outcome)
	}
}

// bufferArtifact holds an artifact for an unknown correlation id until the
// manifest arrives or the grace window elapses.
func (c *Collector) bufferArtifact(art mesh.Artifact) {
	c.mu.Lock()
	c.grace[art.CorrelationID] = append(c.grace[art.CorrelationID], bufferedArtifact{artifact: art, at: c.now()})
	c.updateGraceGauge()
	c.mu.Unlock()

	metrics.ArtifactsIngested.WithLabelValues("buffered").Inc()
	c.logger.Info("Buffered artifact for unknown batch",
		zap.String("correlation_id", art.CorrelationID),
		zap.String("task_id", art.TaskID),
		zap.Duration("grace_window", c.opts.GraceWindow),
	)
}

// sweepOnce expires overdue batches and discards orphaned buffer entries.
func (c *Collector) sweepOnce(ctx context.Context) {
	now := c.now()

	// Orphan buffer entries past the grace window.
	cutoff := now.Add(-c.opts.GraceWindow)
	c.mu.Lock()
	for corr, entries := range c.grace {
		kept := entries[:0]
		dropped := 0
		for _, ba := range entries {
			if ba.at.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, ba)
		}
		if dropped > 0 {
			metrics.OrphanArtifacts.Add(float64(dropped))
			c.events.Publish(events.Event{
				CorrelationID: corr,
				Type:          events.TypeOrphanDiscarded,
				Message:       ErrOrphanArtifact.Error(),
				Payload:       map[string]interface{}{"count": dropped},
			})
			c.logger.Warn("Discarded orphan artifacts",
				zap.String("correlation_id", corr),
				zap.Int("count", dropped),
			)
		}
		if len(kept) == 0 {
			delete(c.grace, corr)
		} else {
			c.grace[corr] = kept
		}
	}
	c.updateGraceGauge()

	// Overdue OPEN batches.
	type expired struct {
		b   *PendingBatch
		rec *FinalRecord
	}
	var due []*PendingBatch
	for _, b := range c.batches {
		due = append(due, b)
	}
	c.mu.Unlock()

	var toFinalize []expired
	for _, b := range due {
		b.mu.Lock()
		if b.status == mesh.StatusOpen && b.manifest.Deadline.Before(now) {
			if rec := c.beginFinalizing(b); rec != nil {
				toFinalize = append(toFinalize, expired{b: b, rec: rec})
			}
		}
		b.mu.Unlock()
	}
	for _, e := range toFinalize {
		c.logger.Info("Batch deadline expired; finalizing partial batch",
			zap.String("correlation_id", e.rec.CorrelationID),
			zap.Strings("missing", e.rec.Missing),
		)
		c.finalize(ctx, e.b, e.rec)
	}
}

// Status reports the lifecycle state of a correlation id.
func (c *Collector) Status(correlationID string) (mesh.BatchStatus, bool) {
	c.mu.RLock()
	b := c.batches[correlationID]
	c.mu.RUnlock()
	if b == nil {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, true
}

// updateGraceGauge refreshes the buffered-artifact gauge. Caller holds c.mu.
func (c *Collector) updateGraceGauge() {
	n := 0
	for _, entries := range c.grace {
		n += len(entries)
	}
	metrics.GraceBufferSize.Set(float64(n))
}
