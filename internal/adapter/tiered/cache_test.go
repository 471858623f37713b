package tiered

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestGetL1Hit(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	l1.data["k"] = []byte("v1")
	l2.data["k"] = []byte("v2")

	c := New(l1, l2, time.Minute, quiet())
	got, ok, err := c.Get(context.Background(), "k")
	if err != nil || !ok {
		t.Fatalf("Get: %v ok=%v", err, ok)
	}
	if string(got) != "v1" {
		t.Fatalf("got %q, want L1 value", got)
	}
}

func TestGetL2HitBackfillsL1(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	l2.data["k"] = []byte("v2")

	c := New(l1, l2, time.Minute, quiet())
	got, ok, err := c.Get(context.Background(), "k")
	if err != nil || !ok || string(got) != "v2" {
		t.Fatalf("Get: %v ok=%v got=%q", err, ok, got)
	}
	if string(l1.data["k"]) != "v2" {
		t.Fatal("L1 not backfilled")
	}
}

func TestGetL2ErrorIsMiss(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	l2.err = fmt.Errorf("nats down")

	c := New(l1, l2, time.Minute, quiet())
	_, ok, err := c.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("L2 error must not surface: %v", err)
	}
	if ok {
		t.Fatal("ok = true on L2 failure")
	}
}

func TestSetWritesBothLevels(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	c := New(l1, l2, time.Minute, quiet())

	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if string(l1.data["k"]) != "v" || string(l2.data["k"]) != "v" {
		t.Fatal("value missing from a level")
	}
}

func TestSetToleratesL2Failure(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	l2.err = fmt.Errorf("nats down")
	c := New(l1, l2, time.Minute, quiet())

	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set must tolerate L2 failure: %v", err)
	}
	if string(l1.data["k"]) != "v" {
		t.Fatal("L1 write lost")
	}
}
