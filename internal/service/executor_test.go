package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/relaymind/relaymind/internal/domain/provider"
	"github.com/relaymind/relaymind/internal/domain/workflow"
	"github.com/relaymind/relaymind/internal/port/observer"
)

// scriptRunner returns canned outcomes per tool name and records the order
// in which calls start.
type scriptRunner struct {
	mu    sync.Mutex
	order []string
	fail  map[string]error // tool name -> error to return
	// failUntil makes a tool fail the first n attempts, then succeed.
	failUntil map[string]int
	seen      map[string]int
	block     chan struct{} // when set, calls wait here after recording
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{
		fail:      make(map[string]error),
		failUntil: make(map[string]int),
		seen:      make(map[string]int),
	}
}

func (s *scriptRunner) RunCall(ctx context.Context, call workflow.Call) (string, error) {
	s.mu.Lock()
	s.order = append(s.order, call.Tool)
	s.seen[call.Tool]++
	n := s.seen[call.Tool]
	failErr := s.fail[call.Tool]
	until := s.failUntil[call.Tool]
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failErr != nil {
		return "", failErr
	}
	if n <= until {
		return "", &provider.Error{Provider: "p", Kind: provider.FailTimeout, Message: "transient"}
	}
	return "out:" + call.Tool, nil
}

func (s *scriptRunner) startOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *scriptRunner) calls(tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[tool]
}

// recordObserver captures every task transition per task ID.
type recordObserver struct {
	observer.Nop
	mu          sync.Mutex
	transitions map[string][]workflow.TaskStatus
}

func newRecordObserver() *recordObserver {
	return &recordObserver{transitions: make(map[string][]workflow.TaskStatus)}
}

func (o *recordObserver) TaskTransition(_ context.Context, _ string, taskID string, status workflow.TaskStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions[taskID] = append(o.transitions[taskID], status)
}

func (o *recordObserver) statuses(taskID string) []workflow.TaskStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]workflow.TaskStatus(nil), o.transitions[taskID]...)
}

func toolTask(id string, deps ...string) workflow.Task {
	return workflow.Task{
		ID:        id,
		DependsOn: deps,
		Call:      workflow.Call{Kind: workflow.CallTool, Tool: id},
		Required:  true,
	}
}

func testExecutor(r CallRunner, parallelism int) *Executor {
	return NewExecutor(r, ExecutorConfig{
		Parallelism: parallelism,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}, nil, quietLogger())
}

func TestRunLinearChain(t *testing.T) {
	d, err := workflow.New("run-1", []workflow.Task{
		toolTask("a"),
		toolTask("b", "a"),
		toolTask("c", "b"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := newScriptRunner()
	res, err := testExecutor(r, 4).Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("run failed: %v", res.Failed)
	}
	if got, want := r.startOrder(), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if res.Results["b"].Output != "out:b" {
		t.Fatalf("b output = %q", res.Results["b"].Output)
	}
}

func TestRunDispatchesSiblingsInIDOrder(t *testing.T) {
	// Diamond with parallelism 1: siblings must start in ascending ID order.
	d, err := workflow.New("run-1", []workflow.Task{
		toolTask("a"),
		toolTask("b", "a"),
		toolTask("c", "a"),
		toolTask("d", "b", "c"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := newScriptRunner()
	res, err := testExecutor(r, 1).Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("run failed: %v", res.Failed)
	}
	if got, want := r.startOrder(), []string{"a", "b", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestRunFailureSkipsTransitiveSuccessors(t *testing.T) {
	d, err := workflow.New("run-1", []workflow.Task{
		toolTask("a"),
		toolTask("b", "a"),
		toolTask("c", "b"),
		toolTask("x"), // independent branch keeps running
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := newScriptRunner()
	r.fail["b"] = fmt.Errorf("boom")
	res, err := testExecutor(r, 4).Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Succeeded() {
		t.Fatal("run must fail")
	}
	if got, want := res.Failed, []string{"b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Failed = %v, want %v", got, want)
	}
	if res.Results["c"].Status != workflow.TaskSkipped {
		t.Fatalf("c status = %s, want skipped", res.Results["c"].Status)
	}
	if res.Results["c"].SkipReason == "" {
		t.Fatal("skipped task needs a reason")
	}
	if res.Results["x"].Status != workflow.TaskSucceeded {
		t.Fatalf("independent branch status = %s, want succeeded", res.Results["x"].Status)
	}
}

func TestRunOptionalFailureDoesNotFailRun(t *testing.T) {
	opt := toolTask("b", "a")
	opt.Required = false
	d, err := workflow.New("run-1", []workflow.Task{toolTask("a"), opt})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := newScriptRunner()
	r.fail["b"] = fmt.Errorf("boom")
	res, err := testExecutor(r, 4).Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("optional failure must not fail the run: %v", res.Failed)
	}
	if res.Results["b"].Status != workflow.TaskFailed {
		t.Fatalf("b status = %s", res.Results["b"].Status)
	}
}

func TestRunRequiredTaskSkippedBehindOptionalFailure(t *testing.T) {
	opt := toolTask("a")
	opt.Required = false
	d, err := workflow.New("run-1", []workflow.Task{opt, toolTask("b", "a")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := newScriptRunner()
	r.fail["a"] = fmt.Errorf("boom")
	res, err := testExecutor(r, 4).Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Results["b"].Status != workflow.TaskSkipped {
		t.Fatalf("b status = %s, want skipped", res.Results["b"].Status)
	}
	if got, want := res.Failed, []string{"b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Failed = %v, want %v", got, want)
	}
	if res.Succeeded() {
		t.Fatal("run with a required task left unrun must fail")
	}
}

func TestRunFailedTaskSuccessorNeverStarts(t *testing.T) {
	// a blocks in flight and then fails while the scheduler is free to
	// dispatch more work. Its successor must never be started.
	d, err := workflow.New("run-1", []workflow.Task{
		toolTask("a"),
		toolTask("b", "a"),
		toolTask("x"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := newScriptRunner()
	r.fail["a"] = fmt.Errorf("boom")
	r.block = make(chan struct{})
	rec := newRecordObserver()
	ex := NewExecutor(r, ExecutorConfig{
		Parallelism: 2,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}, rec, quietLogger())

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(r.block)
	}()
	res, err := ex.Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := r.calls("b"); n != 0 {
		t.Fatalf("successor ran %d times, want 0", n)
	}
	for _, st := range rec.statuses("b") {
		if st == workflow.TaskRunning {
			t.Fatal("successor of a failed task transitioned to running")
		}
	}
	if res.Results["b"].Status != workflow.TaskSkipped {
		t.Fatalf("b status = %s, want skipped", res.Results["b"].Status)
	}
	if res.Results["x"].Status != workflow.TaskSucceeded {
		t.Fatalf("x status = %s, want succeeded", res.Results["x"].Status)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	d, err := workflow.New("run-1", []workflow.Task{
		{
			ID:       "a",
			Call:     workflow.Call{Kind: workflow.CallTool, Tool: "a"},
			Retry:    workflow.Retry{MaxAttempts: 3, Backoff: time.Millisecond},
			Required: true,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := newScriptRunner()
	r.failUntil["a"] = 2
	res, err := testExecutor(r, 1).Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("run failed: %v", res.Results["a"].Error)
	}
	if res.Results["a"].Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Results["a"].Attempts)
	}
}

func TestRunDoesNotRetryNonTransientFailures(t *testing.T) {
	d, err := workflow.New("run-1", []workflow.Task{
		{
			ID:       "a",
			Call:     workflow.Call{Kind: workflow.CallTool, Tool: "a"},
			Retry:    workflow.Retry{MaxAttempts: 5, Backoff: time.Millisecond},
			Required: true,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := newScriptRunner()
	r.fail["a"] = &provider.Error{Provider: "p", Kind: provider.FailInvalid, Message: "bad"}
	res, err := testExecutor(r, 1).Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Results["a"].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.Results["a"].Attempts)
	}
	if res.Succeeded() {
		t.Fatal("run must fail")
	}
}

func TestRunCancellation(t *testing.T) {
	d, err := workflow.New("run-1", []workflow.Task{
		toolTask("a"),
		toolTask("b", "a"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := newScriptRunner()
	r.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Let task a start, then cancel while it is blocked.
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := testExecutor(r, 1).Run(ctx, d)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Results["b"].Status != workflow.TaskSkipped {
		t.Fatalf("b status = %s, want skipped", res.Results["b"].Status)
	}
}
