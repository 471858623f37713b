package ws

import (
	"context"
	"encoding/json"

	"github.com/relaymind/relaymind/internal/domain/session"
	"github.com/relaymind/relaymind/internal/domain/workflow"
)

// Event type constants for WebSocket messages.
const (
	EventSessionStep     = "session.step"
	EventSessionFinished = "session.finished"
	EventTaskStatus      = "run.task_status"
	EventBreakerStatus   = "provider.breaker"
)

// SessionStepEvent is broadcast after every durably recorded ReAct step.
type SessionStepEvent struct {
	SessionID string       `json:"session_id"`
	Step      session.Step `json:"step"`
}

// SessionFinishedEvent is broadcast once per session on termination.
type SessionFinishedEvent struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// TaskStatusEvent is broadcast on every workflow task transition.
type TaskStatusEvent struct {
	RunID  string `json:"run_id"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// BreakerEvent is broadcast when a provider circuit changes state.
type BreakerEvent struct {
	ProviderID string `json:"provider_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// broadcastEvent marshals a typed payload into the message envelope.
func (h *Hub) broadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}
	h.Broadcast(ctx, Message{Type: eventType, Payload: data})
}

// Observer adapts the hub to the observer port.
type Observer struct {
	hub *Hub
}

// NewObserver creates an observer broadcasting through the hub.
func NewObserver(hub *Hub) *Observer {
	return &Observer{hub: hub}
}

func (o *Observer) StepCompleted(ctx context.Context, sessionID string, step session.Step) {
	o.hub.broadcastEvent(ctx, EventSessionStep, SessionStepEvent{SessionID: sessionID, Step: step})
}

func (o *Observer) SessionFinished(ctx context.Context, sessionID string, status session.Status) {
	o.hub.broadcastEvent(ctx, EventSessionFinished, SessionFinishedEvent{SessionID: sessionID, Status: string(status)})
}

func (o *Observer) TaskTransition(ctx context.Context, runID, taskID string, status workflow.TaskStatus) {
	o.hub.broadcastEvent(ctx, EventTaskStatus, TaskStatusEvent{RunID: runID, TaskID: taskID, Status: string(status)})
}

func (o *Observer) BreakerTransition(ctx context.Context, providerID, from, to string) {
	o.hub.broadcastEvent(ctx, EventBreakerStatus, BreakerEvent{ProviderID: providerID, From: from, To: to})
}
