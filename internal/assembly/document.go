package assembly

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/collector"
	"github.com/manifold-mesh/manifold/internal/mesh"
)

// Gap policies for expected contributions that never arrived.
const (
	GapOmit        = "omit"
	GapPlaceholder = "placeholder"
)

// Instructions tells the assembler how to merge a batch into the document.
// Carried opaquely through the manifest and decoded only here.
type Instructions struct {
	// Title heads the batch's section in the document.
	Title string `json:"title,omitempty"`
	// Order lists task ids in merge order; defaults to manifest order.
	Order []string `json:"order,omitempty"`
	// GapPolicy is "omit" or "placeholder" for missing contributions;
	// unset means placeholder.
	GapPolicy string `json:"gap_policy,omitempty"`
}

// Section is one batch's merged contribution to the document.
type Section struct {
	CorrelationID string    `json:"correlation_id"`
	Title         string    `json:"title,omitempty"`
	Body          []string  `json:"body"`
	Partial       bool      `json:"partial"`
	MergedAt      time.Time `json:"merged_at"`
}

// Document is the shared output all batches merge into. A single writer
// mutex serializes merges across batches, and each correlation id merges at
// most once, so retried finalizations cannot duplicate a section.
type Document struct {
	mu       sync.Mutex
	sections []Section
	merged   map[string]struct{}
	logger   *zap.Logger
	path     string
}

// NewDocument creates an in-memory document. If path is non-empty the
// document is re-rendered to that file after every merge.
func NewDocument(path string, logger *zap.Logger) *Document {
	return &Document{
		merged: make(map[string]struct{}),
		logger: logger,
		path:   path,
	}
}

// Finalize merges a closed batch into the document. Implements the
// collector's finalizer contract. Safe to call again for the same
// correlation id; repeats are no-ops.
func (d *Document) Finalize(ctx context.Context, rec *collector.FinalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var instr Instructions
	if len(rec.Assembly) > 0 {
		if err := json.Unmarshal(rec.Assembly, &instr); err != nil {
			return fmt.Errorf("decode assembly instructions: %w", err)
		}
	}
	if instr.GapPolicy == "" {
		instr.GapPolicy = GapPlaceholder
	}

	sec := Section{
		CorrelationID: rec.CorrelationID,
		Title:         instr.Title,
		Partial:       rec.Partial,
		MergedAt:      time.Now(),
	}

	byTask := make(map[string]mesh.Artifact, len(rec.Artifacts))
	var order []string
	for _, art := range rec.Artifacts {
		byTask[art.TaskID] = art
		order = append(order, art.TaskID)
	}
	if len(instr.Order) > 0 {
		order = instr.Order
	} else {
		// Without an explicit order the record only lists received task ids;
		// missing slots trail them so the gap policy still sees every gap.
		order = append(order, rec.Missing...)
	}

	for _, id := range order {
		art, ok := byTask[id]
		if !ok {
			if instr.GapPolicy == GapPlaceholder {
				sec.Body = append(sec.Body, fmt.Sprintf("[missing: %s]", id))
			}
			continue
		}
		sec.Body = append(sec.Body, renderContent(art.Content))
	}
	for _, art := range rec.Extras {
		sec.Body = append(sec.Body, renderContent(art.Content))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, done := d.merged[rec.CorrelationID]; done {
		d.logger.Info("Batch already merged, skipping",
			zap.String("correlation_id", rec.CorrelationID))
		return nil
	}
	d.sections = append(d.sections, sec)
	d.merged[rec.CorrelationID] = struct{}{}

	d.logger.Info("Merged batch into document",
		zap.String("correlation_id", rec.CorrelationID),
		zap.String("title", sec.Title),
		zap.Int("parts", len(sec.Body)),
		zap.Bool("partial", sec.Partial),
	)

	if d.path != "" {
		if err := os.WriteFile(d.path, []byte(d.renderLocked()), 0o644); err != nil {
			return fmt.Errorf("write document %s: %w", d.path, err)
		}
	}
	return nil
}

// Sections returns a copy of the merged sections in merge order.
func (d *Document) Sections() []Section {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Section, len(d.sections))
	copy(out, d.sections)
	return out
}

// Render returns the document as plain text, sections in merge order.
func (d *Document) Render() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.renderLocked()
}

func (d *Document) renderLocked() string {
	var sb strings.Builder
	for i, sec := range d.sections {
		if i > 0 {
			sb.WriteString("\n")
		}
		if sec.Title != "" {
			sb.WriteString("# " + sec.Title + "\n\n")
		}
		for _, part := range sec.Body {
			sb.WriteString(part)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// renderContent turns an artifact payload into document text. JSON strings
// are unquoted; objects keep a stable key order so renders are deterministic.
func renderContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", k, obj[k]))
		}
		return strings.Join(parts, "; ")
	}
	return string(raw)
}
