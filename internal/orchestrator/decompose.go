package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SubtaskSpec is one unit of work a request decomposes into.
type SubtaskSpec struct {
	Capability string          `json:"capability" yaml:"capability"`
	Payload    json.RawMessage `json:"payload,omitempty" yaml:"-"`
	// RawPayload carries the template payload before JSON conversion.
	RawPayload map[string]interface{} `json:"-" yaml:"payload"`
}

// Decomposer turns an incoming request into subtasks plus batch policy.
type Decomposer interface {
	Decompose(ctx context.Context, req Request) (Plan, error)
}

// Plan is the decomposition outcome: the subtasks and the batch policy that
// will govern their collection.
type Plan struct {
	Subtasks []SubtaskSpec
	Quorum   string
	// TimeoutSeconds of zero means use the orchestrator default.
	TimeoutSeconds int
	Assembly       json.RawMessage
}

type template struct {
	Tasks          []SubtaskSpec          `yaml:"tasks"`
	Quorum         string                 `yaml:"quorum"`
	TimeoutSeconds int                    `yaml:"timeout_seconds"`
	Assembly       map[string]interface{} `yaml:"assembly"`
}

// TemplateDecomposer maps request kinds to predefined task templates loaded
// from a YAML file. Unknown kinds degrade to a single task whose capability
// is the kind itself.
type TemplateDecomposer struct {
	templates map[string]template
}

// NewTemplateDecomposer loads templates from path. An empty path yields a
// decomposer that always falls back to single-task plans.
func NewTemplateDecomposer(path string) (*TemplateDecomposer, error) {
	d := &TemplateDecomposer{templates: make(map[string]template)}
	if path == "" {
		return d, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &d.templates); err != nil {
		return nil, fmt.Errorf("parse templates %s: %w", path, err)
	}
	for kind, tpl := range d.templates {
		if len(tpl.Tasks) == 0 {
			return nil, fmt.Errorf("template %q has no tasks", kind)
		}
	}
	return d, nil
}

// Decompose returns the template plan for the request kind, or a single-task
// plan when no template matches.
func (d *TemplateDecomposer) Decompose(_ context.Context, req Request) (Plan, error) {
	tpl, ok := d.templates[req.Kind]
	if !ok {
		return Plan{
			Subtasks: []SubtaskSpec{{Capability: req.Kind, Payload: req.Payload}},
		}, nil
	}

	plan := Plan{
		Quorum:         tpl.Quorum,
		TimeoutSeconds: tpl.TimeoutSeconds,
	}
	if tpl.Assembly != nil {
		raw, err := json.Marshal(tpl.Assembly)
		if err != nil {
			return Plan{}, fmt.Errorf("encode assembly for %q: %w", req.Kind, err)
		}
		plan.Assembly = raw
	}
	for _, task := range tpl.Tasks {
		sub := SubtaskSpec{Capability: task.Capability}
		payload := map[string]interface{}{}
		for k, v := range task.RawPayload {
			payload[k] = v
		}
		// The request payload rides along so workers see the original ask.
		if len(req.Payload) > 0 {
			payload["request"] = json.RawMessage(req.Payload)
		}
		if len(payload) > 0 {
			raw, err := json.Marshal(payload)
			if err != nil {
				return Plan{}, fmt.Errorf("encode payload for %q: %w", task.Capability, err)
			}
			sub.Payload = raw
		}
		plan.Subtasks = append(plan.Subtasks, sub)
	}
	return plan, nil
}
