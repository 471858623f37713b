package workflow

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidGraph indicates the edge set contains a cycle or a dangling
// predecessor reference. Construction fails before any task executes.
var ErrInvalidGraph = errors.New("invalid graph")

// DAG is a set of tasks plus their dependency edges. An instance is owned
// by exactly one executor run and is never shared across runs.
type DAG struct {
	ID    string
	Tasks map[string]*Task

	order []string            // task IDs in ascending order
	succ  map[string][]string // direct successors per task
}

// New validates the given tasks and builds a DAG. It fails with
// ErrInvalidGraph if a task ID is duplicated, a predecessor reference does
// not resolve within the same DAG, or the edge relation contains a cycle.
func New(id string, tasks []Task) (*DAG, error) {
	d := &DAG{
		ID:    id,
		Tasks: make(map[string]*Task, len(tasks)),
		succ:  make(map[string][]string, len(tasks)),
	}

	for i := range tasks {
		t := tasks[i]
		if t.ID == "" {
			return nil, fmt.Errorf("%w: task %d has empty id", ErrInvalidGraph, i)
		}
		if _, dup := d.Tasks[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate task id %q", ErrInvalidGraph, t.ID)
		}
		if t.Status == "" {
			t.Status = TaskPending
		}
		d.Tasks[t.ID] = &t
		d.order = append(d.order, t.ID)
	}
	sort.Strings(d.order)

	for _, id := range d.order {
		t := d.Tasks[id]
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return nil, fmt.Errorf("%w: task %q depends on itself", ErrInvalidGraph, t.ID)
			}
			if _, ok := d.Tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidGraph, t.ID, dep)
			}
			d.succ[dep] = append(d.succ[dep], t.ID)
		}
	}
	for _, s := range d.succ {
		sort.Strings(s)
	}

	if err := d.checkAcyclic(); err != nil {
		return nil, err
	}
	return d, nil
}

// checkAcyclic runs Kahn's algorithm over the edge set.
func (d *DAG) checkAcyclic() error {
	inDegree := make(map[string]int, len(d.Tasks))
	for _, id := range d.order {
		inDegree[id] = len(d.Tasks[id].DependsOn)
	}

	queue := make([]string, 0, len(d.Tasks))
	for _, id := range d.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range d.succ[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(d.Tasks) {
		return fmt.Errorf("%w: dependency cycle detected", ErrInvalidGraph)
	}
	return nil
}

// TaskIDs returns all task IDs in ascending order.
func (d *DAG) TaskIDs() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Successors returns the direct successors of the given task, ascending.
func (d *DAG) Successors(id string) []string {
	return d.succ[id]
}

// TransitiveSuccessors returns every task reachable from id, ascending.
func (d *DAG) TransitiveSuccessors(id string) []string {
	seen := make(map[string]bool)
	stack := append([]string(nil), d.succ[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, d.succ[n]...)
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ReadyTasks returns, in ascending ID order, the pending tasks whose
// predecessors have all succeeded.
func (d *DAG) ReadyTasks() []string {
	var ready []string
	for _, id := range d.order {
		t := d.Tasks[id]
		if t.Status != TaskPending {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if d.Tasks[dep].Status != TaskSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// AllTerminal returns true if every task is in a terminal state.
func (d *DAG) AllTerminal() bool {
	for _, id := range d.order {
		if !d.Tasks[id].Status.IsTerminal() {
			return false
		}
	}
	return true
}
