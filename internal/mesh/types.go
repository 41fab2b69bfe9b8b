package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Task is one unit of work dispatched to exactly one worker. Immutable once
// dispatched.
type Task struct {
	ID             string          `json:"task_id"`
	CorrelationID  string          `json:"correlation_id"`
	Capability     string          `json:"capability"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CallbackTarget string          `json:"callback_target"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Manifest declares the expected batch for a correlation id before any work
// completes. Created by the orchestrator, consumed exactly once by the
// collector at batch-open time.
type Manifest struct {
	CorrelationID   string          `json:"correlation_id"`
	ExpectedTaskIDs []string        `json:"expected_task_ids"`
	Deadline        time.Time       `json:"timeout_deadline"`
	Assembly        json.RawMessage `json:"assembly_instructions,omitempty"`
	Quorum          QuorumPolicy    `json:"quorum_policy"`
}

// Validate checks the manifest invariants: non-empty correlation id, a
// non-empty set of unique expected task ids, and a deadline.
func (m *Manifest) Validate() error {
	if m.CorrelationID == "" {
		return errors.New("manifest: correlation_id is required")
	}
	if len(m.ExpectedTaskIDs) == 0 {
		return errors.New("manifest: expected_task_ids must be non-empty")
	}
	seen := make(map[string]struct{}, len(m.ExpectedTaskIDs))
	for _, id := range m.ExpectedTaskIDs {
		if id == "" {
			return errors.New("manifest: empty task id")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("manifest: duplicate task id %q", id)
		}
		seen[id] = struct{}{}
	}
	if m.Deadline.IsZero() {
		return errors.New("manifest: timeout_deadline is required")
	}
	return nil
}

// Expects reports whether taskID is part of the expected set.
func (m *Manifest) Expects(taskID string) bool {
	for _, id := range m.ExpectedTaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// Artifact is a worker's result payload plus provenance. TaskID is empty for
// unexpected (broadcast/self-selected) contributions.
type Artifact struct {
	CorrelationID string          `json:"correlation_id"`
	TaskID        string          `json:"task_id,omitempty"`
	WorkerID      string          `json:"worker_id"`
	Content       json.RawMessage `json:"artifact"`
	ReceivedAt    time.Time       `json:"received_at,omitempty"`
}

// BatchStatus is the collector-side lifecycle of one correlation id.
type BatchStatus int

const (
	StatusOpen BatchStatus = iota
	StatusFinalizing
	StatusClosed
)

func (s BatchStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFinalizing:
		return "finalizing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether the status may move to next. The lifecycle is
// strictly OPEN -> FINALIZING -> CLOSED; no transition skips a state and
// CLOSED is terminal.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	switch s {
	case StatusOpen:
		return next == StatusFinalizing
	case StatusFinalizing:
		return next == StatusClosed
	default:
		return false
	}
}
