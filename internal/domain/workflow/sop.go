package workflow

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Template is a named, versioned standard-operating-procedure definition.
// Immutable after load; shared read-only by all instantiations.
type Template struct {
	Name        string  `yaml:"name"`
	Version     int     `yaml:"version"`
	Description string  `yaml:"description,omitempty"`
	Groups      []Group `yaml:"groups"`
}

// Group is one step group. Sequential groups chain their steps; parallel
// groups run their steps as siblings. A conditional group only enters the
// DAG when its condition holds at instantiation time.
type Group struct {
	Name     string     `yaml:"name"`
	Parallel bool       `yaml:"parallel,omitempty"`
	When     *Condition `yaml:"when,omitempty"`
	Steps    []StepDef  `yaml:"steps"`
}

// StepDef is one declarative step within a group.
type StepDef struct {
	Name     string `yaml:"name"`
	Call     Call   `yaml:"call"`
	Retry    Retry  `yaml:"retry,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

// Condition is a branch predicate evaluated against the instantiation
// parameters (which include prior-step outputs supplied by the caller).
type Condition struct {
	Param     string `yaml:"param"`
	Equals    string `yaml:"equals,omitempty"`
	NotEquals string `yaml:"not_equals,omitempty"`
}

// holds reports whether the condition is satisfied by params.
func (c *Condition) holds(params map[string]string) bool {
	if c == nil {
		return true
	}
	v := params[c.Param]
	if c.NotEquals != "" {
		return v != c.NotEquals
	}
	return v == c.Equals
}

// Validate checks the template for structural correctness.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if t.Version < 1 {
		return fmt.Errorf("template %q: version must be >= 1", t.Name)
	}
	if len(t.Groups) == 0 {
		return fmt.Errorf("template %q: at least one group is required", t.Name)
	}
	for gi, g := range t.Groups {
		if g.Name == "" {
			return fmt.Errorf("template %q: group %d has no name", t.Name, gi)
		}
		if len(g.Steps) == 0 {
			return fmt.Errorf("template %q: group %q has no steps", t.Name, g.Name)
		}
		if g.When != nil && g.When.Param == "" {
			return fmt.Errorf("template %q: group %q condition has no param", t.Name, g.Name)
		}
		for si, s := range g.Steps {
			if s.Name == "" {
				return fmt.Errorf("template %q: group %q step %d has no name", t.Name, g.Name, si)
			}
			switch s.Call.Kind {
			case CallModel:
				if s.Call.Prompt == "" {
					return fmt.Errorf("template %q: step %q: model call needs a prompt", t.Name, s.Name)
				}
			case CallTool:
				if s.Call.Tool == "" {
					return fmt.Errorf("template %q: step %q: tool call needs a tool name", t.Name, s.Name)
				}
			case CallWorkflow:
				if s.Call.Workflow == "" {
					return fmt.Errorf("template %q: step %q: workflow call needs a workflow name", t.Name, s.Name)
				}
			default:
				return fmt.Errorf("template %q: step %q: unknown call kind %q", t.Name, s.Name, s.Call.Kind)
			}
			if s.Retry.MaxAttempts < 0 {
				return fmt.Errorf("template %q: step %q: max_attempts must be >= 0", t.Name, s.Name)
			}
		}
	}
	return nil
}

// Instantiate expands the template into a DAG using the given parameters.
// Sequential groups chain their steps; parallel groups fan out against the
// previous group's terminal tasks; groups whose condition is false never
// enter the DAG. Task IDs are derived deterministically from group/step
// position and name, so identical inputs produce structurally identical
// DAGs. The template is snapshotted: later template changes do not affect
// DAGs already instantiated.
func (t *Template) Instantiate(dagID string, params map[string]string) (*DAG, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}

	var tasks []Task
	var prev []string // IDs the next group's steps depend on

	for gi, g := range t.Groups {
		if !g.When.holds(params) {
			continue
		}

		var groupIDs []string
		for si, s := range g.Steps {
			id := fmt.Sprintf("%02d-%02d-%s", gi, si, s.Name)

			deps := append([]string(nil), prev...)
			if !g.Parallel && si > 0 {
				deps = []string{groupIDs[si-1]}
			}

			tasks = append(tasks, Task{
				ID:        id,
				DependsOn: deps,
				Call:      expandCall(s.Call, params),
				Retry:     s.Retry,
				Required:  !s.Optional,
				Status:    TaskPending,
			})
			groupIDs = append(groupIDs, id)
		}

		if g.Parallel {
			prev = groupIDs
		} else {
			prev = []string{groupIDs[len(groupIDs)-1]}
		}
	}

	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: template %q expanded to zero tasks", ErrInvalidGraph, t.Name)
	}
	return New(dagID, tasks)
}

// expandCall substitutes ${param} placeholders in the call's prompt and
// params using the instantiation parameters.
func expandCall(c Call, params map[string]string) Call {
	expand := func(s string) string {
		return os.Expand(s, func(key string) string {
			if v, ok := params[key]; ok {
				return v
			}
			return ""
		})
	}

	c.Prompt = expand(c.Prompt)
	if len(c.Params) > 0 {
		out := make(map[string]string, len(c.Params))
		keys := make([]string, 0, len(c.Params))
		for k := range c.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = expand(c.Params[k])
		}
		c.Params = out
	}
	return c
}

// ParseTemplate decodes and validates a YAML template definition.
func ParseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
