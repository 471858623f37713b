package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaymind/relaymind/internal/adapter/otel"
	"github.com/relaymind/relaymind/internal/domain"
	"github.com/relaymind/relaymind/internal/domain/provider"
	"github.com/relaymind/relaymind/internal/domain/workflow"
	"github.com/relaymind/relaymind/internal/port/llm"
	"github.com/relaymind/relaymind/internal/port/tool"
)

// TaskRunner dispatches task calls to the gateway, the tool registry, or
// the SOP engine by kind. It implements CallRunner.
type TaskRunner struct {
	gateway *Gateway
	tools   *tool.Registry
	engine  *SOPEngine // bound after construction to break the cycle with the executor

	modelTimeout time.Duration
	toolTimeout  time.Duration
}

// NewTaskRunner creates a runner over the gateway and tool registry. Bind
// the SOP engine afterwards to enable nested workflow calls.
func NewTaskRunner(gateway *Gateway, tools *tool.Registry, modelTimeout, toolTimeout time.Duration) *TaskRunner {
	if modelTimeout <= 0 {
		modelTimeout = 60 * time.Second
	}
	if toolTimeout <= 0 {
		toolTimeout = 30 * time.Second
	}
	return &TaskRunner{
		gateway:      gateway,
		tools:        tools,
		modelTimeout: modelTimeout,
		toolTimeout:  toolTimeout,
	}
}

// BindEngine wires the SOP engine for nested workflow calls. Must be
// called before the first workflow-kind task runs.
func (r *TaskRunner) BindEngine(engine *SOPEngine) {
	r.engine = engine
}

// RunCall executes one task call and returns its textual output.
func (r *TaskRunner) RunCall(ctx context.Context, call workflow.Call) (string, error) {
	switch call.Kind {
	case workflow.CallModel:
		return r.runModel(ctx, call)
	case workflow.CallTool:
		return r.runTool(ctx, call)
	case workflow.CallWorkflow:
		return r.runWorkflow(ctx, call)
	}
	return "", fmt.Errorf("%w: unknown call kind %q", domain.ErrValidation, call.Kind)
}

func (r *TaskRunner) runModel(ctx context.Context, call workflow.Call) (string, error) {
	req := llm.CompletionRequest{
		Model:    call.Model,
		Messages: []llm.Message{{Role: "user", Content: call.Prompt}},
		Timeout:  r.modelTimeout,
	}
	out, _, err := r.gateway.Complete(ctx, req, provider.RequestProfile{})
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

func (r *TaskRunner) runTool(ctx context.Context, call workflow.Call) (string, error) {
	t, ok := r.tools.Lookup(call.Tool)
	if !ok {
		return "", fmt.Errorf("tool %q: %w", call.Tool, domain.ErrNotFound)
	}

	args := call.Args
	if args == nil && len(call.Params) > 0 {
		data, err := json.Marshal(call.Params)
		if err != nil {
			return "", fmt.Errorf("marshal tool params: %w", err)
		}
		args = data
	}

	ctx, span := otel.StartToolCallSpan(ctx, call.Tool)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.toolTimeout)
	defer cancel()
	return t.Invoke(ctx, args)
}

func (r *TaskRunner) runWorkflow(ctx context.Context, call workflow.Call) (string, error) {
	if r.engine == nil {
		return "", fmt.Errorf("workflow %q: no engine bound", call.Workflow)
	}
	res, err := r.engine.Execute(ctx, call.Workflow, call.Params)
	if err != nil {
		return "", fmt.Errorf("nested workflow %q: %w", call.Workflow, err)
	}
	if !res.Succeeded() {
		return "", fmt.Errorf("nested workflow %q failed: tasks %v", call.Workflow, res.Failed)
	}
	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("marshal nested run result: %w", err)
	}
	return string(data), nil
}
