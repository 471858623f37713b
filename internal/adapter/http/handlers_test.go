package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	relayhttp "github.com/relaymind/relaymind/internal/adapter/http"
	"github.com/relaymind/relaymind/internal/domain"
	"github.com/relaymind/relaymind/internal/domain/provider"
	"github.com/relaymind/relaymind/internal/domain/session"
	"github.com/relaymind/relaymind/internal/domain/workflow"
	"github.com/relaymind/relaymind/internal/port/llm"
	"github.com/relaymind/relaymind/internal/port/tool"
	"github.com/relaymind/relaymind/internal/service"
)

// scriptedClient serves canned completions in order, repeating the last one.
type scriptedClient struct {
	replies []string
	served  int
}

func (c *scriptedClient) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.Completion, error) {
	i := c.served
	if i >= len(c.replies) {
		i = len(c.replies) - 1
	}
	c.served++
	return &llm.Completion{Content: c.replies[i], PromptTokens: 10, CompletionTokens: 10}, nil
}

// memStore is an in-memory statestore for handler tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	runs     map[string]*workflow.RunResult
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*session.Session),
		runs:     make(map[string]*workflow.RunResult),
	}
}

func (s *memStore) CreateSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) LoadSession(_ context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *sess
	cp.Steps = append([]session.Step(nil), sess.Steps...)
	return &cp, nil
}

func (s *memStore) AppendStep(_ context.Context, sessionID string, st session.Step, usage session.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	sess.Steps = append(sess.Steps, st)
	sess.Usage = usage
	return nil
}

func (s *memStore) UpdateSessionStatus(_ context.Context, sessionID string, status session.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	sess.Status = status
	return nil
}

func (s *memStore) ListSessions(_ context.Context, _ int) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) SaveRunResult(_ context.Context, res *workflow.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[res.RunID] = res
	return nil
}

func (s *memStore) LoadRunResult(_ context.Context, runID string) (*workflow.RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.runs[runID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return res, nil
}

const echoTemplate = `
name: echo
version: 1
description: repeat a message
groups:
  - name: say
    steps:
      - name: hello
        call: {kind: tool, tool: echo, params: {text: "${text}"}}
`

// echoTool repeats the text argument back as its observation.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "repeat the given text" }

func (echoTool) Invoke(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	return in.Text, nil
}

func newToolRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	reg.Register(echoTool{})
	return reg
}

func newTestRouter(t *testing.T, client llm.Client) (chi.Router, *memStore) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	registry := service.NewProviderRegistry(service.RegistryConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
	}, nil, logger)
	rec := provider.Record{
		ID:      "test-model",
		Model:   "test-model",
		BaseURL: "http://localhost:1",
		Profile: provider.Profile{QualityTier: 3, CostTier: 2, Capabilities: []string{"chat"}},
	}
	if err := registry.Register(rec, client); err != nil {
		t.Fatal(err)
	}

	selector := service.NewSelector(registry, service.SelectorConfig{
		CapabilityWeight: 0.5,
		LatencyWeight:    0.3,
		CostWeight:       0.2,
	})
	gateway := service.NewGateway(registry, selector, nil, 0, logger)

	tools := newToolRegistry(t)
	store := newMemStore()

	runner := service.NewTaskRunner(gateway, tools, time.Second, time.Second)
	executor := service.NewExecutor(runner, service.ExecutorConfig{Parallelism: 2}, nil, logger)
	engine := service.NewSOPEngine(executor, store, logger)
	runner.BindEngine(engine)

	tpl, err := workflow.ParseTemplate([]byte(echoTemplate))
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Register(tpl); err != nil {
		t.Fatal(err)
	}

	controller := service.NewController(gateway, tools, store, nil, service.ControllerConfig{
		Budget:     session.Budget{MaxSteps: 5, MaxTokens: 10000},
		MaxReparse: 1,
	}, logger)
	controller.BindEngine(engine)

	h := &relayhttp.Handlers{
		Controller: controller,
		Engine:     engine,
		Registry:   registry,
		Store:      store,
		Tools:      tools,
		GoalCache:  newMemCache(),
		GoalTTL:    time.Minute,
	}

	r := chi.NewRouter()
	relayhttp.MountRoutes(r, h, "http://localhost:8080")
	return r, store
}

func doJSON(t *testing.T, r chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestVersionEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedClient{replies: []string{"FINAL ANSWER: hi"}})
	w := doJSON(t, r, "GET", "/api/v1/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRunGoalReturnsOutcome(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedClient{replies: []string{"FINAL ANSWER: 42"}})

	w := doJSON(t, r, "POST", "/api/v1/goals", map[string]string{"goal": "answer everything"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var out session.Outcome
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Kind != session.OutcomeFinalAnswer {
		t.Fatalf("expected final_answer outcome, got %q", out.Kind)
	}
	if out.Answer != "42" {
		t.Fatalf("expected answer 42, got %q", out.Answer)
	}
	if out.Session == "" {
		t.Fatal("expected a session ID on the outcome")
	}
}

func TestRunGoalMissingGoal(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedClient{replies: []string{"FINAL ANSWER: hi"}})
	w := doJSON(t, r, "POST", "/api/v1/goals", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetSessionAfterRun(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedClient{replies: []string{"FINAL ANSWER: done"}})

	w := doJSON(t, r, "POST", "/api/v1/goals", map[string]string{"goal": "do it"})
	var out session.Outcome
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}

	w = doJSON(t, r, "GET", "/api/v1/sessions/"+out.Session, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var sess session.Session
	if err := json.NewDecoder(w.Body).Decode(&sess); err != nil {
		t.Fatal(err)
	}
	if sess.Status != session.StatusCompleted {
		t.Fatalf("expected completed session, got %q", sess.Status)
	}
	if len(sess.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(sess.Steps))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedClient{replies: []string{"FINAL ANSWER: hi"}})
	w := doJSON(t, r, "GET", "/api/v1/sessions/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestProviderLifecycle(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedClient{replies: []string{"FINAL ANSWER: hi"}})

	w := doJSON(t, r, "GET", "/api/v1/providers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var listed []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(listed))
	}
	if listed[0]["breaker_state"] != "closed" {
		t.Fatalf("expected closed breaker, got %v", listed[0]["breaker_state"])
	}

	rec := provider.Record{
		ID:      "extra",
		Model:   "extra-model",
		BaseURL: "http://localhost:2",
		Profile: provider.Profile{QualityTier: 2, CostTier: 1},
	}
	w = doJSON(t, r, "POST", "/api/v1/providers", rec)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, "DELETE", "/api/v1/providers/extra", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	w = doJSON(t, r, "DELETE", "/api/v1/providers/extra", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", w.Code)
	}
}

func TestRegisterProviderMissingBaseURL(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedClient{replies: []string{"FINAL ANSWER: hi"}})
	w := doJSON(t, r, "POST", "/api/v1/providers", provider.Record{ID: "incomplete"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestListWorkflows(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedClient{replies: []string{"FINAL ANSWER: hi"}})

	w := doJSON(t, r, "GET", "/api/v1/workflows", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var workflows []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&workflows); err != nil {
		t.Fatal(err)
	}
	if len(workflows) != 1 || workflows[0]["name"] != "echo" {
		t.Fatalf("expected the echo workflow, got %v", workflows)
	}
}

func TestRunWorkflowAndFetchResult(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedClient{replies: []string{"FINAL ANSWER: hi"}})

	w := doJSON(t, r, "POST", "/api/v1/workflows/echo/runs", map[string]any{
		"params": map[string]string{"text": "ping"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res workflow.RunResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.Succeeded() {
		t.Fatalf("expected run to succeed: %+v", res)
	}

	w = doJSON(t, r, "GET", "/api/v1/runs/"+res.RunID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRunWorkflowUnknownTemplate(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedClient{replies: []string{"FINAL ANSWER: hi"}})
	w := doJSON(t, r, "POST", "/api/v1/workflows/nope/runs", map[string]any{})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// memCache is a map-backed cache.Cache for goal caching tests.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]byte)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func TestRepeatedGoalServedFromCache(t *testing.T) {
	client := &scriptedClient{replies: []string{"FINAL ANSWER: cached answer"}}
	r, _ := newTestRouter(t, client)

	for i := 0; i < 2; i++ {
		w := doJSON(t, r, "POST", "/api/v1/goals", map[string]string{"goal": "same goal"})
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
		var out session.Outcome
		if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		if out.Answer != "cached answer" {
			t.Fatalf("request %d: answer = %q", i, out.Answer)
		}
	}

	if client.served != 1 {
		t.Fatalf("model served %d turns, want 1 (second goal should hit the cache)", client.served)
	}
}

func TestAgentCard(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedClient{replies: []string{"FINAL ANSWER: hi"}})

	w := doJSON(t, r, "GET", "/.well-known/agent.json", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var card relayhttp.AgentCard
	if err := json.NewDecoder(w.Body).Decode(&card); err != nil {
		t.Fatal(err)
	}
	if card.Name != "RelayMind" {
		t.Fatalf("unexpected card name %q", card.Name)
	}
	ids := make(map[string]bool)
	for _, s := range card.Skills {
		ids[s.ID] = true
	}
	for _, want := range []string{"goal", "tool.echo", "workflow.echo"} {
		if !ids[want] {
			t.Fatalf("agent card missing skill %q: %v", want, card.Skills)
		}
	}
}
