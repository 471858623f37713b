package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaymind/relaymind/internal/adapter/otel"
	"github.com/relaymind/relaymind/internal/domain/provider"
	"github.com/relaymind/relaymind/internal/domain/session"
	"github.com/relaymind/relaymind/internal/port/llm"
	"github.com/relaymind/relaymind/internal/port/observer"
	"github.com/relaymind/relaymind/internal/port/statestore"
	"github.com/relaymind/relaymind/internal/port/tool"
)

// ControllerConfig bounds one reasoning run.
type ControllerConfig struct {
	Budget       session.Budget
	MaxReparse   int           // corrective re-prompts for malformed model turns
	ModelTimeout time.Duration // per model call
	Profile      provider.RequestProfile
}

// Controller drives the reason-act loop: it prompts the model, parses the
// reply, executes requested tools, and feeds observations back until the
// model produces a final answer or the budget runs out. Every step is
// durably recorded before the loop proceeds, so a crash never loses
// acknowledged progress.
type Controller struct {
	gateway *Gateway
	tools   *tool.Registry
	engine  *SOPEngine // nil until bound; enables workflow actions
	store   statestore.Store
	obs     observer.Observer
	cfg     ControllerConfig
	logger  *slog.Logger

	now func() time.Time
}

// NewController creates a controller over the gateway and tool registry.
func NewController(gateway *Gateway, tools *tool.Registry, store statestore.Store, obs observer.Observer, cfg ControllerConfig, logger *slog.Logger) *Controller {
	if cfg.MaxReparse < 0 {
		cfg.MaxReparse = 0
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 60 * time.Second
	}
	if obs == nil {
		obs = observer.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		gateway: gateway,
		tools:   tools,
		store:   store,
		obs:     obs,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// BindEngine lets reasoning actions name declared workflow templates in
// addition to tools.
func (c *Controller) BindEngine(e *SOPEngine) { c.engine = e }

// Run executes one goal to completion. It always returns an outcome; the
// error is non-nil only for infrastructure failures (persistence, context
// cancellation) where the outcome may be partial.
func (c *Controller) Run(ctx context.Context, goal string) (*session.Outcome, error) {
	sess := &session.Session{
		ID:        uuid.NewString(),
		Goal:      goal,
		Status:    session.StatusActive,
		CreatedAt: c.now(),
		UpdatedAt: c.now(),
	}
	if err := c.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return c.Resume(ctx, sess)
}

// Resume continues a loaded session from its recorded history. A fresh
// session starts at iteration zero; a recovered one picks up where the
// last durable step left off.
func (c *Controller) Resume(ctx context.Context, sess *session.Session) (*session.Outcome, error) {
	ctx, span := otel.StartSessionSpan(ctx, sess.ID, sess.Goal)
	defer span.End()

	log := c.logger.With("session", sess.ID)
	iterations := countIterations(sess.Steps)

	for {
		if err := ctx.Err(); err != nil {
			return c.finish(ctx, sess, session.StatusFailed, &session.Outcome{
				Kind: session.OutcomeFailure, Reason: "canceled: " + err.Error(),
			}), err
		}

		if c.cfg.Budget.StepsExceeded(iterations) {
			log.Info("step budget reached", "iterations", iterations)
			return c.finish(ctx, sess, session.StatusBudgetExceeded, &session.Outcome{
				Kind: session.OutcomeBudgetExceeded, Reason: "step budget reached",
			}), nil
		}

		rep, err := c.modelTurn(ctx, sess)
		if err != nil {
			return c.finish(ctx, sess, session.StatusFailed, &session.Outcome{
				Kind: session.OutcomeFailure, Reason: err.Error(),
			}), nil
		}
		iterations++

		if rep.isFinal {
			if err := c.appendStep(ctx, sess, session.Step{
				Kind: session.StepFinalAnswer, Content: rep.final, Timestamp: c.now(),
			}); err != nil {
				return nil, err
			}
			log.Info("final answer produced", "iterations", iterations)
			return c.finish(ctx, sess, session.StatusCompleted, &session.Outcome{
				Kind: session.OutcomeFinalAnswer, Answer: rep.final,
			}), nil
		}

		if err := c.appendStep(ctx, sess, session.Step{
			Kind: session.StepThought, Content: rep.thought, Timestamp: c.now(),
		}); err != nil {
			return nil, err
		}
		// A thought without an action still counts as an iteration; the
		// next prompt nudges the model to act or finish.
		if rep.action != "" {
			if err := c.appendStep(ctx, sess, session.Step{
				Kind: session.StepAction, Content: rep.action, Tool: rep.action, Args: rep.args, Timestamp: c.now(),
			}); err != nil {
				return nil, err
			}

			obsText := c.dispatchAction(ctx, rep.action, rep.args)
			if err := c.appendStep(ctx, sess, session.Step{
				Kind: session.StepObservation, Content: obsText, Timestamp: c.now(),
			}); err != nil {
				return nil, err
			}
		}

		if c.cfg.Budget.TokensExceeded(sess.Usage) {
			log.Info("token budget reached", "total_tokens", sess.Usage.TotalTokens, "cost_usd", sess.Usage.CostUSD)
			return c.finish(ctx, sess, session.StatusBudgetExceeded, &session.Outcome{
				Kind: session.OutcomeBudgetExceeded, Reason: "token budget reached",
			}), nil
		}
	}
}

// modelTurn performs one model call and parses the reply, re-prompting
// with a corrective instruction on malformed turns up to the configured
// reparse limit.
func (c *Controller) modelTurn(ctx context.Context, sess *session.Session) (*reply, error) {
	base := transcript(sess.Goal, sess.Steps)
	if n := len(sess.Steps); n > 0 && sess.Steps[n-1].Kind == session.StepThought {
		// The previous turn was a bare thought. Nudge the model forward.
		base += "\nTake an action or provide your FINAL ANSWER.\n"
	}
	userContent := base

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxReparse; attempt++ {
		req := llm.CompletionRequest{
			Messages: []llm.Message{
				{Role: "system", Content: c.catalogPrompt()},
				{Role: "user", Content: userContent},
			},
			Timeout: c.cfg.ModelTimeout,
		}
		out, providerID, err := c.gateway.Complete(ctx, req, c.cfg.Profile)
		if err != nil {
			return nil, fmt.Errorf("model call failed: %w", err)
		}
		sess.Usage.Add(out.PromptTokens, out.CompletionTokens, out.CostUSD)
		c.logger.Debug("model turn", "session", sess.ID, "provider", providerID,
			"prompt_tokens", out.PromptTokens, "completion_tokens", out.CompletionTokens)

		rep, perr := parseReply(out.Content)
		if perr == nil {
			return rep, nil
		}
		lastErr = perr
		userContent = base + fmt.Sprintf(
			"\nYour previous reply could not be parsed (%v). Reply again using only the required markers.\n", perr)
	}
	return nil, fmt.Errorf("model reply unparseable after %d attempts: %w", c.cfg.MaxReparse+1, lastErr)
}

// catalogPrompt builds the system prompt over whatever the controller can
// dispatch to: tools always, workflows when an engine is bound.
func (c *Controller) catalogPrompt() string {
	if c.engine == nil {
		return systemPrompt(c.tools, nil)
	}
	return systemPrompt(c.tools, c.engine.List())
}

// dispatchAction resolves the action name against the tool registry
// first, then against the declared workflow templates. Failures become
// observations, not run failures, so the model can adjust course.
func (c *Controller) dispatchAction(ctx context.Context, name string, args []byte) string {
	if t, ok := c.tools.Lookup(name); ok {
		out, err := t.Invoke(ctx, args)
		if err != nil {
			return fmt.Sprintf("error: tool %q failed: %v", name, err)
		}
		return out
	}
	if c.engine != nil {
		if _, err := c.engine.Lookup(name); err == nil {
			return c.runWorkflow(ctx, name, args)
		}
	}
	return fmt.Sprintf("error: unknown tool or workflow %q", name)
}

// runWorkflow executes a declared template and renders its result as an
// observation.
func (c *Controller) runWorkflow(ctx context.Context, name string, args []byte) string {
	params := map[string]string{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return fmt.Sprintf("error: workflow %q args must be a JSON object of strings: %v", name, err)
		}
	}
	res, err := c.engine.Execute(ctx, name, params)
	if err != nil {
		return fmt.Sprintf("error: workflow %q failed: %v", name, err)
	}
	if !res.Succeeded() {
		return fmt.Sprintf("error: workflow %q run %s failed tasks: %v", name, res.RunID, res.Failed)
	}
	body, err := json.Marshal(res.Results)
	if err != nil {
		return fmt.Sprintf("workflow %q run %s succeeded", name, res.RunID)
	}
	return fmt.Sprintf("workflow %q run %s succeeded: %s", name, res.RunID, body)
}

// appendStep durably records one step before the loop proceeds.
func (c *Controller) appendStep(ctx context.Context, sess *session.Session, st session.Step) error {
	st.Index = sess.NextIndex()
	if err := c.store.AppendStep(ctx, sess.ID, st, sess.Usage); err != nil {
		return fmt.Errorf("append step %d: %w", st.Index, err)
	}
	sess.Append(st)
	c.obs.StepCompleted(ctx, sess.ID, st)
	return nil
}

// finish moves the session to its terminal status and fills the outcome's
// accounting fields. Persistence errors here are logged, not returned: the
// outcome is already decided.
func (c *Controller) finish(ctx context.Context, sess *session.Session, status session.Status, out *session.Outcome) *session.Outcome {
	sess.Status = status
	if err := c.store.UpdateSessionStatus(ctx, sess.ID, status); err != nil {
		c.logger.Error("update session status failed", "session", sess.ID, "status", string(status), "error", err)
	}
	c.obs.SessionFinished(ctx, sess.ID, status)

	out.Session = sess.ID
	out.Steps = len(sess.Steps)
	out.Usage = sess.Usage
	return out
}

// countIterations counts completed model turns in a recorded history: one
// per thought and one for a final answer.
func countIterations(steps []session.Step) int {
	n := 0
	for _, st := range steps {
		if st.Kind == session.StepThought || st.Kind == session.StepFinalAnswer {
			n++
		}
	}
	return n
}
