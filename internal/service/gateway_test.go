package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaymind/relaymind/internal/domain/provider"
	"github.com/relaymind/relaymind/internal/port/llm"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func newGateway(r *ProviderRegistry) *Gateway {
	return NewGateway(r, NewSelector(r, testSelectorConfig()), nil, 0, quietLogger())
}

func TestCompleteUsesBestProvider(t *testing.T) {
	r := NewProviderRegistry(testRegistryConfig(), nil, quietLogger())
	good := &fakeClient{out: &llm.Completion{Content: "answer"}}
	weak := &fakeClient{out: &llm.Completion{Content: "weak"}}
	if err := r.Register(record("strong", 5, 2, "chat"), good); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(record("weak", 2, 2, "chat"), weak); err != nil {
		t.Fatal(err)
	}

	out, id, err := newGateway(r).Complete(context.Background(), llm.CompletionRequest{}, provider.RequestProfile{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if id != "strong" || out.Content != "answer" {
		t.Fatalf("got %q from %q, want answer from strong", out.Content, id)
	}
	if weak.calls != 0 {
		t.Fatalf("weak provider called %d times", weak.calls)
	}
}

func TestCompleteFailsOverOnTransientError(t *testing.T) {
	r := NewProviderRegistry(testRegistryConfig(), nil, quietLogger())
	failing := &fakeClient{err: &provider.Error{Provider: "strong", Kind: provider.FailUnavailable, Message: "down"}}
	backup := &fakeClient{out: &llm.Completion{Content: "backup answer"}}
	if err := r.Register(record("strong", 5, 2, "chat"), failing); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(record("backup", 3, 2, "chat"), backup); err != nil {
		t.Fatal(err)
	}

	out, id, err := newGateway(r).Complete(context.Background(), llm.CompletionRequest{}, provider.RequestProfile{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if id != "backup" || out.Content != "backup answer" {
		t.Fatalf("got %q from %q", out.Content, id)
	}
	if failing.calls != 1 {
		t.Fatalf("failing provider called %d times, want 1", failing.calls)
	}
}

func TestCompleteStopsOnNonTransientError(t *testing.T) {
	r := NewProviderRegistry(testRegistryConfig(), nil, quietLogger())
	bad := &fakeClient{err: &provider.Error{Provider: "strong", Kind: provider.FailInvalid, Message: "bad request"}}
	backup := &fakeClient{out: &llm.Completion{Content: "unused"}}
	if err := r.Register(record("strong", 5, 2, "chat"), bad); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(record("backup", 3, 2, "chat"), backup); err != nil {
		t.Fatal(err)
	}

	_, _, err := newGateway(r).Complete(context.Background(), llm.CompletionRequest{}, provider.RequestProfile{})
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Kind != provider.FailInvalid {
		t.Fatalf("err = %v, want invalid_request provider error", err)
	}
	if backup.calls != 0 {
		t.Fatal("failover must not happen on non-transient errors")
	}
}

func TestCompleteAllProvidersExhausted(t *testing.T) {
	r := NewProviderRegistry(testRegistryConfig(), nil, quietLogger())
	down := &fakeClient{err: &provider.Error{Provider: "only", Kind: provider.FailTimeout, Message: "slow"}}
	if err := r.Register(record("only", 3, 2, "chat"), down); err != nil {
		t.Fatal(err)
	}

	_, _, err := newGateway(r).Complete(context.Background(), llm.CompletionRequest{}, provider.RequestProfile{})
	if !errors.Is(err, ErrAllProvidersUnavailable) {
		t.Fatalf("err = %v, want ErrAllProvidersUnavailable", err)
	}
}

func TestCompleteFailuresFeedBreaker(t *testing.T) {
	r := NewProviderRegistry(testRegistryConfig(), nil, quietLogger())
	down := &fakeClient{err: &provider.Error{Provider: "only", Kind: provider.FailUnavailable, Message: "down"}}
	if err := r.Register(record("only", 3, 2, "chat"), down); err != nil {
		t.Fatal(err)
	}

	g := newGateway(r)
	for i := 0; i < 3; i++ {
		_, _, _ = g.Complete(context.Background(), llm.CompletionRequest{}, provider.RequestProfile{})
	}
	// Threshold reached: the provider is now excluded at ranking time.
	_, _, err := g.Complete(context.Background(), llm.CompletionRequest{}, provider.RequestProfile{})
	if !errors.Is(err, ErrAllProvidersUnavailable) {
		t.Fatalf("err = %v, want ErrAllProvidersUnavailable", err)
	}
	if down.calls != 3 {
		t.Fatalf("provider called %d times, want 3", down.calls)
	}
}

func TestCompleteCacheHitSkipsProviders(t *testing.T) {
	r := NewProviderRegistry(testRegistryConfig(), nil, quietLogger())
	c := &fakeClient{out: &llm.Completion{Content: "fresh"}}
	if err := r.Register(record("a", 3, 2, "chat"), c); err != nil {
		t.Fatal(err)
	}

	g := NewGateway(r, NewSelector(r, testSelectorConfig()), newMemCache(), time.Minute, quietLogger())
	req := llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}}

	if _, _, err := g.Complete(context.Background(), req, provider.RequestProfile{}); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	out, id, err := g.Complete(context.Background(), req, provider.RequestProfile{})
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if out.Content != "fresh" || id != "" {
		t.Fatalf("cache hit: content %q, id %q", out.Content, id)
	}
	if c.calls != 1 {
		t.Fatalf("provider called %d times, want 1", c.calls)
	}
}
