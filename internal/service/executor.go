package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/relaymind/relaymind/internal/adapter/otel"
	"github.com/relaymind/relaymind/internal/domain/provider"
	"github.com/relaymind/relaymind/internal/domain/workflow"
	"github.com/relaymind/relaymind/internal/port/observer"
)

// CallRunner executes one task call and returns its textual output. The
// executor stays agnostic of call kinds; the runner dispatches model calls
// to the gateway, tool calls to the tool registry, and workflow calls to
// the SOP engine.
type CallRunner interface {
	RunCall(ctx context.Context, call workflow.Call) (string, error)
}

// ExecutorConfig carries the scheduling and retry parameters for DAG runs.
type ExecutorConfig struct {
	Parallelism int           // max concurrently running tasks
	BackoffBase time.Duration // first retry delay when a task declares none
	BackoffMax  time.Duration // ceiling for the exponential backoff
}

// Executor runs one DAG at a time per Run call. Tasks are dispatched when
// every predecessor has succeeded, in ascending task ID order, bounded by
// the parallelism limit.
type Executor struct {
	runner CallRunner
	cfg    ExecutorConfig
	obs    observer.Observer
	logger *slog.Logger
}

// NewExecutor creates an executor over the given call runner.
func NewExecutor(runner CallRunner, cfg ExecutorConfig, obs observer.Observer, logger *slog.Logger) *Executor {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if obs == nil {
		obs = observer.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{runner: runner, cfg: cfg, obs: obs, logger: logger}
}

type completion struct {
	id     string
	result workflow.Result
}

// Run executes the DAG to quiescence: every task ends succeeded, failed,
// or skipped. A failed task's transitive successors are skipped without
// running. On context cancellation in-flight tasks are awaited, the
// remaining pending tasks are skipped, and the partial result is returned
// alongside the context error.
func (e *Executor) Run(ctx context.Context, d *workflow.DAG) (*workflow.RunResult, error) {
	res := &workflow.RunResult{
		RunID:   d.ID,
		Results: make(map[string]workflow.Result, len(d.Tasks)),
	}

	sem := semaphore.NewWeighted(int64(e.cfg.Parallelism))
	done := make(chan completion, len(d.Tasks))
	inflight := 0

	for !d.AllTerminal() {
		canceled := false
		for _, id := range d.ReadyTasks() {
			if err := sem.Acquire(ctx, 1); err != nil {
				canceled = true
				break
			}
			t := d.Tasks[id]
			e.setStatus(ctx, d.ID, t, workflow.TaskRunning)
			inflight++
			go func(t *workflow.Task) {
				r := e.runTask(ctx, t)
				sem.Release(1)
				done <- completion{id: t.ID, result: r}
			}(t)
		}

		if canceled || ctx.Err() != nil {
			break
		}
		if inflight == 0 {
			// Nothing ready and nothing running: the remaining pending
			// tasks are unreachable. Skip propagation should have covered
			// them already, so this is a safety stop.
			break
		}

		c := <-done
		inflight--
		e.apply(ctx, d, res, c)
	}

	// Drain in-flight tasks after cancellation or quiescence.
	for inflight > 0 {
		c := <-done
		inflight--
		e.apply(ctx, d, res, c)
	}

	if err := ctx.Err(); err != nil {
		e.skipRemaining(ctx, d, res, "run canceled")
		sort.Strings(res.Failed)
		return res, err
	}

	sort.Strings(res.Failed)
	return res, nil
}

// runTask performs one task's call with its retry policy. Retries apply
// only to transient failures; normalized non-transient provider errors and
// context cancellation fail the attempt loop immediately.
func (e *Executor) runTask(ctx context.Context, t *workflow.Task) workflow.Result {
	attempts := t.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := t.Retry.Backoff
	if backoff <= 0 {
		backoff = e.cfg.BackoffBase
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, span := otel.StartTaskSpan(ctx, t.ID, attempt)
		out, err := e.runner.RunCall(attemptCtx, t.Call)
		span.End()
		if err == nil {
			return workflow.Result{
				TaskID:   t.ID,
				Status:   workflow.TaskSucceeded,
				Output:   out,
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}
		lastErr = err

		if !retryable(err) || attempt == attempts {
			return workflow.Result{
				TaskID:   t.ID,
				Status:   workflow.TaskFailed,
				Error:    err.Error(),
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		e.logger.Debug("task attempt failed, backing off",
			"task", t.ID, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return workflow.Result{
				TaskID:   t.ID,
				Status:   workflow.TaskFailed,
				Error:    ctx.Err().Error(),
				Attempts: attempt,
				Duration: time.Since(start),
			}
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > e.cfg.BackoffMax {
			backoff = e.cfg.BackoffMax
		}
	}

	return workflow.Result{
		TaskID:   t.ID,
		Status:   workflow.TaskFailed,
		Error:    lastErr.Error(),
		Attempts: attempts,
		Duration: time.Since(start),
	}
}

// retryable reports whether a task attempt failure may be retried.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Kind.Transient()
	}
	return true
}

// apply records one task completion and propagates skips from failures.
func (e *Executor) apply(ctx context.Context, d *workflow.DAG, res *workflow.RunResult, c completion) {
	t := d.Tasks[c.id]
	t.Status = c.result.Status
	res.Results[c.id] = c.result
	e.obs.TaskTransition(ctx, d.ID, c.id, c.result.Status)

	if c.result.Status != workflow.TaskFailed {
		return
	}
	if t.Required {
		res.Failed = append(res.Failed, c.id)
	}
	for _, sid := range d.TransitiveSuccessors(c.id) {
		st := d.Tasks[sid]
		if st.Status != workflow.TaskPending {
			continue
		}
		st.Status = workflow.TaskSkipped
		res.Results[sid] = workflow.Result{
			TaskID:     sid,
			Status:     workflow.TaskSkipped,
			SkipReason: "predecessor " + c.id + " failed",
		}
		// A required task that never ran still fails the run.
		if st.Required {
			res.Failed = append(res.Failed, sid)
		}
		e.obs.TaskTransition(ctx, d.ID, sid, workflow.TaskSkipped)
	}
}

// skipRemaining marks every still-pending task skipped with the reason.
func (e *Executor) skipRemaining(ctx context.Context, d *workflow.DAG, res *workflow.RunResult, reason string) {
	for _, id := range d.TaskIDs() {
		t := d.Tasks[id]
		if t.Status != workflow.TaskPending {
			continue
		}
		t.Status = workflow.TaskSkipped
		res.Results[id] = workflow.Result{TaskID: id, Status: workflow.TaskSkipped, SkipReason: reason}
		if t.Required {
			res.Failed = append(res.Failed, id)
		}
		e.obs.TaskTransition(ctx, d.ID, id, workflow.TaskSkipped)
	}
}

// setStatus transitions a task and emits the observer event.
func (e *Executor) setStatus(ctx context.Context, runID string, t *workflow.Task, s workflow.TaskStatus) {
	t.Status = s
	e.obs.TaskTransition(ctx, runID, t.ID, s)
}
