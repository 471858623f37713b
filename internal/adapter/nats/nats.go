// Package nats publishes run progress events to NATS JetStream so other
// systems can follow sessions and workflow runs without polling the API.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/relaymind/relaymind/internal/domain/session"
	"github.com/relaymind/relaymind/internal/domain/workflow"
)

const streamName = "RELAYMIND"

// Conn owns the NATS connection and the JetStream handle.
type Conn struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect establishes the connection and ensures the event stream exists.
func Connect(ctx context.Context, url string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"sessions.>", "runs.>", "providers.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	logger.Info("nats connected", "url", url, "stream", streamName)
	return &Conn{nc: nc, js: js, logger: logger}, nil
}

// JetStream exposes the JetStream handle for KV bucket creation.
func (c *Conn) JetStream() jetstream.JetStream {
	return c.js
}

// Close shuts down the connection.
func (c *Conn) Close() {
	c.nc.Close()
}

// Observer implements the observer port by publishing one JSON message
// per event. Publish failures are logged and dropped; event delivery must
// never stall a run.
type Observer struct {
	conn *Conn
}

// NewObserver creates an observer publishing through the connection.
func NewObserver(conn *Conn) *Observer {
	return &Observer{conn: conn}
}

// publish marshals and sends one event. Async publish keeps the hot path
// from blocking on broker acks.
func (o *Observer) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		o.conn.logger.Error("marshal event failed", "subject", subject, "error", err)
		return
	}
	if _, err := o.conn.js.PublishAsync(subject, data); err != nil {
		o.conn.logger.Warn("publish event failed", "subject", subject, "error", err)
	}
}

func (o *Observer) StepCompleted(_ context.Context, sessionID string, step session.Step) {
	o.publish("sessions."+sessionID+".steps", map[string]any{
		"session_id": sessionID,
		"step":       step,
		"at":         time.Now().UTC(),
	})
}

func (o *Observer) SessionFinished(_ context.Context, sessionID string, status session.Status) {
	o.publish("sessions."+sessionID+".finished", map[string]any{
		"session_id": sessionID,
		"status":     status,
		"at":         time.Now().UTC(),
	})
}

func (o *Observer) TaskTransition(_ context.Context, runID, taskID string, status workflow.TaskStatus) {
	o.publish("runs."+runID+".tasks", map[string]any{
		"run_id":  runID,
		"task_id": taskID,
		"status":  status,
		"at":      time.Now().UTC(),
	})
}

func (o *Observer) BreakerTransition(_ context.Context, providerID, from, to string) {
	o.publish("providers."+providerID+".breaker", map[string]any{
		"provider_id": providerID,
		"from":        from,
		"to":          to,
		"at":          time.Now().UTC(),
	})
}
