package collector

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/manifold-mesh/manifold/internal/mesh"
)

// PendingBatch is the live state of one correlation id. All mutation goes
// through the owning Collector under the batch mutex (single writer per
// correlation id).
type PendingBatch struct {
	mu sync.Mutex

	manifest mesh.Manifest
	status   mesh.BatchStatus
	openedAt time.Time
	closedAt time.Time

	// received maps expected task ids to their artifacts; keys are always a
	// subset of the manifest's expected set.
	received map[string]mesh.Artifact
	// extras holds unexpected contributions in arrival order.
	extras []mesh.Artifact
}

func newPendingBatch(m mesh.Manifest, now time.Time) *PendingBatch {
	return &PendingBatch{
		manifest: m,
		status:   mesh.StatusOpen,
		openedAt: now,
		received: make(map[string]mesh.Artifact, len(m.ExpectedTaskIDs)),
	}
}

// missing returns the expected task ids with no received artifact, in
// manifest order. Caller holds b.mu.
func (b *PendingBatch) missing() []string {
	var out []string
	for _, id := range b.manifest.ExpectedTaskIDs {
		if _, ok := b.received[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// snapshot builds the finalization record. Caller holds b.mu and has already
// moved the batch to FINALIZING.
func (b *PendingBatch) snapshot() *FinalRecord {
	rec := &FinalRecord{
		CorrelationID: b.manifest.CorrelationID,
		Assembly:      b.manifest.Assembly,
		Missing:       b.missing(),
		OpenedAt:      b.openedAt,
	}
	// Manifest order, gaps skipped; the assembly's gap policy deals with them.
	for _, id := range b.manifest.ExpectedTaskIDs {
		if art, ok := b.received[id]; ok {
			rec.Artifacts = append(rec.Artifacts, art)
		}
	}
	rec.Extras = append(rec.Extras, b.extras...)
	rec.Partial = len(rec.Missing) > 0
	return rec
}

// FinalRecord is the immutable input to finalization: everything a batch
// collected, in manifest order, plus what never arrived.
type FinalRecord struct {
	CorrelationID string          `json:"correlation_id"`
	Artifacts     []mesh.Artifact `json:"artifacts"`
	Extras        []mesh.Artifact `json:"extras,omitempty"`
	Missing       []string        `json:"missing,omitempty"`
	Assembly      json.RawMessage `json:"assembly_instructions,omitempty"`
	Partial       bool            `json:"partial"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at,omitempty"`
}
