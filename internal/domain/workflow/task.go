// Package workflow defines the DAG and SOP template domain entities for
// multi-step orchestration.
package workflow

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of an individual task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// IsTerminal returns true if the task is in a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped:
		return true
	}
	return false
}

// CallKind is the closed set of executable unit kinds a task can carry.
type CallKind string

const (
	CallModel    CallKind = "model"
	CallTool     CallKind = "tool"
	CallWorkflow CallKind = "workflow"
)

// Call is the executable unit of a task: exactly one of a model completion,
// a tool invocation, or a nested workflow, tagged by Kind.
type Call struct {
	Kind     CallKind          `json:"kind" yaml:"kind"`
	Prompt   string            `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Model    string            `json:"model,omitempty" yaml:"model,omitempty"`
	Tool     string            `json:"tool,omitempty" yaml:"tool,omitempty"`
	Args     json.RawMessage   `json:"args,omitempty" yaml:"-"`
	Workflow string            `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	Params   map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Retry is the per-task retry policy consumed entirely inside the task's
// own execution, before the task reports a terminal status.
type Retry struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `json:"backoff" yaml:"backoff"`
}

// Task is one node in a DAG. Created at DAG instantiation and mutated only
// by the executor run that owns the DAG.
type Task struct {
	ID        string     `json:"id"`
	DependsOn []string   `json:"depends_on,omitempty"`
	Call      Call       `json:"call"`
	Retry     Retry      `json:"retry"`
	Required  bool       `json:"required"`
	Status    TaskStatus `json:"status"`
}

// Result is the terminal record of one task execution.
type Result struct {
	TaskID     string     `json:"task_id"`
	Status     TaskStatus `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	SkipReason string     `json:"skip_reason,omitempty"`
	Attempts   int        `json:"attempts"`
	Duration   time.Duration `json:"duration"`
}

// RunResult is the aggregate outcome of one DAG execution. Failed lists
// every required task that did not succeed, whether it failed outright or
// was skipped behind a failed predecessor.
type RunResult struct {
	RunID   string            `json:"run_id"`
	Failed  []string          `json:"failed,omitempty"`
	Results map[string]Result `json:"results"`
}

// Succeeded reports whether the run as a whole succeeded: every task ended
// Succeeded, or Skipped while not required.
func (r *RunResult) Succeeded() bool {
	return len(r.Failed) == 0
}
