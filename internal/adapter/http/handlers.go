package http

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/relaymind/relaymind/internal/adapter/llmproxy"
	"github.com/relaymind/relaymind/internal/domain/provider"
	"github.com/relaymind/relaymind/internal/domain/session"
	"github.com/relaymind/relaymind/internal/port/cache"
	"github.com/relaymind/relaymind/internal/port/statestore"
	"github.com/relaymind/relaymind/internal/port/tool"
	"github.com/relaymind/relaymind/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Controller *service.Controller
	Engine     *service.SOPEngine
	Registry   *service.ProviderRegistry
	Store      statestore.Store
	Tools      *tool.Registry

	// GoalCache short-circuits repeated identical goals with the prior
	// final answer. Nil disables it. Only final answers are cached.
	GoalCache cache.Cache
	GoalTTL   time.Duration
}

// ---------------------------------------------------------------------------
// Goals and sessions
// ---------------------------------------------------------------------------

type runGoalRequest struct {
	Goal string `json:"goal"`
}

// RunGoal starts a reason-act session for the given goal and blocks until it
// finishes or the budget runs out. The outcome carries the session ID, so
// long-running callers can also follow progress over the WebSocket feed.
func (h *Handlers) RunGoal(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[runGoalRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Goal, "goal") {
		return
	}

	key := goalCacheKey(req.Goal)
	if h.GoalCache != nil {
		if data, ok, err := h.GoalCache.Get(r.Context(), key); err == nil && ok {
			var cached session.Outcome
			if json.Unmarshal(data, &cached) == nil {
				writeJSON(w, http.StatusOK, cached)
				return
			}
		}
	}

	out, err := h.Controller.Run(r.Context(), req.Goal)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	if h.GoalCache != nil && out.Kind == session.OutcomeFinalAnswer {
		if data, err := json.Marshal(out); err == nil {
			_ = h.GoalCache.Set(r.Context(), key, data, h.GoalTTL)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func goalCacheKey(goal string) string {
	sum := sha256.Sum256([]byte(goal))
	return "goal:" + hex.EncodeToString(sum[:])
}

// ListSessions returns recent sessions, newest first.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := h.Store.ListSessions(r.Context(), limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession returns one session with its full step history.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	sess, err := h.Store.LoadSession(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ResumeSession continues an interrupted session from its recorded history.
func (h *Handlers) ResumeSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	sess, err := h.Store.LoadSession(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	out, err := h.Controller.Resume(r.Context(), sess)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

type providerStatus struct {
	provider.Record
	State     string `json:"breaker_state"`
	LatencyMS int64  `json:"latency_ms"`
}

// ListProviders returns every registered provider with its breaker state and
// observed latency.
func (h *Handlers) ListProviders(w http.ResponseWriter, _ *http.Request) {
	candidates := h.Registry.Candidates()
	out := make([]providerStatus, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, providerStatus{
			Record:    c.Record,
			State:     c.State.String(),
			LatencyMS: c.Latency.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// RegisterProvider adds a provider to the registry at runtime.
func (h *Handlers) RegisterProvider(w http.ResponseWriter, r *http.Request) {
	rec, ok := readJSON[provider.Record](w, r)
	if !ok {
		return
	}
	if !requireField(w, rec.ID, "id") || !requireField(w, rec.BaseURL, "base_url") {
		return
	}

	if err := h.Registry.Register(rec, llmproxy.NewClient(rec)); err != nil {
		writeDomainError(w, err, "provider not found")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// DeregisterProvider removes a provider from the registry.
func (h *Handlers) DeregisterProvider(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Registry.Deregister(id); err != nil {
		writeDomainError(w, err, "provider not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Workflows
// ---------------------------------------------------------------------------

type workflowSummary struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description,omitempty"`
}

// ListWorkflows returns the registered workflow templates.
func (h *Handlers) ListWorkflows(w http.ResponseWriter, _ *http.Request) {
	templates := h.Engine.List()
	out := make([]workflowSummary, 0, len(templates))
	for _, t := range templates {
		out = append(out, workflowSummary{Name: t.Name, Version: t.Version, Description: t.Description})
	}
	writeJSON(w, http.StatusOK, out)
}

type runWorkflowRequest struct {
	Params map[string]string `json:"params"`
}

// RunWorkflow instantiates a template and executes the resulting task graph.
func (h *Handlers) RunWorkflow(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")
	req, ok := readJSON[runWorkflowRequest](w, r)
	if !ok {
		return
	}

	res, err := h.Engine.Execute(r.Context(), name, req.Params)
	if err != nil {
		writeDomainError(w, err, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetRun returns a stored workflow run result.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	res, err := h.Store.LoadRunResult(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
