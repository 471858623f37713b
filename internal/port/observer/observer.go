// Package observer defines the port for run progress notifications.
// Implementations must be non-blocking: callers fire and forget on the
// hot path of the controller and executor.
package observer

import (
	"context"

	"github.com/relaymind/relaymind/internal/domain/session"
	"github.com/relaymind/relaymind/internal/domain/workflow"
)

// Observer receives progress events from the controller, executor, and
// resilience layer. Implementations must not block and must tolerate
// being called concurrently.
type Observer interface {
	// StepCompleted fires after a ReAct step is durably recorded.
	StepCompleted(ctx context.Context, sessionID string, step session.Step)
	// SessionFinished fires once when a session reaches a terminal status.
	SessionFinished(ctx context.Context, sessionID string, status session.Status)
	// TaskTransition fires on every task status change during a workflow run.
	TaskTransition(ctx context.Context, runID string, taskID string, status workflow.TaskStatus)
	// BreakerTransition fires when a provider circuit changes state.
	BreakerTransition(ctx context.Context, providerID string, from, to string)
}

// Nop is an Observer that discards all events.
type Nop struct{}

func (Nop) StepCompleted(context.Context, string, session.Step)                 {}
func (Nop) SessionFinished(context.Context, string, session.Status)             {}
func (Nop) TaskTransition(context.Context, string, string, workflow.TaskStatus) {}
func (Nop) BreakerTransition(context.Context, string, string, string)           {}

// Multi fans each event out to every wrapped observer in order.
type Multi []Observer

func (m Multi) StepCompleted(ctx context.Context, sessionID string, step session.Step) {
	for _, o := range m {
		o.StepCompleted(ctx, sessionID, step)
	}
}

func (m Multi) SessionFinished(ctx context.Context, sessionID string, status session.Status) {
	for _, o := range m {
		o.SessionFinished(ctx, sessionID, status)
	}
}

func (m Multi) TaskTransition(ctx context.Context, runID, taskID string, status workflow.TaskStatus) {
	for _, o := range m {
		o.TaskTransition(ctx, runID, taskID, status)
	}
}

func (m Multi) BreakerTransition(ctx context.Context, providerID, from, to string) {
	for _, o := range m {
		o.BreakerTransition(ctx, providerID, from, to)
	}
}
