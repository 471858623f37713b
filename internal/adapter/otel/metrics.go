package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/relaymind/relaymind/internal/domain/session"
	"github.com/relaymind/relaymind/internal/domain/workflow"
)

const meterName = "relaymind"

// Metrics holds all metric instruments.
type Metrics struct {
	StepsRecorded      metric.Int64Counter
	SessionsFinished   metric.Int64Counter
	TaskTransitions    metric.Int64Counter
	BreakerTransitions metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.StepsRecorded, err = meter.Int64Counter("relaymind.session.steps",
		metric.WithDescription("Reasoning steps durably recorded"))
	if err != nil {
		return nil, err
	}

	m.SessionsFinished, err = meter.Int64Counter("relaymind.sessions.finished",
		metric.WithDescription("Sessions reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	m.TaskTransitions, err = meter.Int64Counter("relaymind.run.task_transitions",
		metric.WithDescription("Workflow task status transitions"))
	if err != nil {
		return nil, err
	}

	m.BreakerTransitions, err = meter.Int64Counter("relaymind.provider.breaker_transitions",
		metric.WithDescription("Provider circuit breaker state changes"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Observer adapts the metric instruments to the observer port.
type Observer struct {
	m *Metrics
}

// NewObserver creates an observer recording the given instruments.
func NewObserver(m *Metrics) *Observer {
	return &Observer{m: m}
}

func (o *Observer) StepCompleted(ctx context.Context, _ string, step session.Step) {
	o.m.StepsRecorded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(step.Kind))))
}

func (o *Observer) SessionFinished(ctx context.Context, _ string, status session.Status) {
	o.m.SessionsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status))))
}

func (o *Observer) TaskTransition(ctx context.Context, _ string, _ string, status workflow.TaskStatus) {
	o.m.TaskTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status))))
}

func (o *Observer) BreakerTransition(ctx context.Context, providerID, _, to string) {
	o.m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", providerID),
		attribute.String("to", to)))
}
