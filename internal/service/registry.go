package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/relaymind/relaymind/internal/domain"
	"github.com/relaymind/relaymind/internal/domain/provider"
	"github.com/relaymind/relaymind/internal/port/llm"
	"github.com/relaymind/relaymind/internal/port/observer"
	"github.com/relaymind/relaymind/internal/resilience"
)

// RegistryConfig carries the per-provider resilience and latency-tracking
// parameters.
type RegistryConfig struct {
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
	LatencyAlpha     float64 // EWMA smoothing factor, 0 < alpha <= 1
}

type providerEntry struct {
	record  provider.Record
	client  llm.Client
	breaker *resilience.Breaker

	mu      sync.Mutex
	latency time.Duration // EWMA over reported call latencies
	samples int
}

// ProviderRegistry is the process-wide provider pool. Each registered
// provider owns an independent circuit breaker and a latency EWMA; both
// change only through ReportOutcome.
type ProviderRegistry struct {
	mu      sync.RWMutex
	entries map[string]*providerEntry

	cfg    RegistryConfig
	obs    observer.Observer
	logger *slog.Logger
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry(cfg RegistryConfig, obs observer.Observer, logger *slog.Logger) *ProviderRegistry {
	if obs == nil {
		obs = observer.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = 0.3
	}
	return &ProviderRegistry{
		entries: make(map[string]*providerEntry),
		cfg:     cfg,
		obs:     obs,
		logger:  logger,
	}
}

// Register adds a provider with its client. The provider starts with a
// closed breaker and no latency history.
func (r *ProviderRegistry) Register(rec provider.Record, client llm.Client) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: provider id is required", domain.ErrValidation)
	}
	if client == nil {
		return fmt.Errorf("%w: provider %q has no client", domain.ErrValidation, rec.ID)
	}

	b := resilience.NewBreaker(r.cfg.FailureThreshold, r.cfg.FailureWindow, r.cfg.Cooldown)
	id := rec.ID
	b.OnTransition(func(from, to resilience.State) {
		r.logger.Warn("provider breaker transition",
			"provider", id, "from", from.String(), "to", to.String())
		r.obs.BreakerTransition(context.Background(), id, from.String(), to.String())
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("%w: provider %q already registered", domain.ErrValidation, id)
	}
	r.entries[id] = &providerEntry{record: rec, client: client, breaker: b}
	return nil
}

// Deregister removes a provider. In-flight calls against it complete but
// can no longer report outcomes.
func (r *ProviderRegistry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("provider %q: %w", id, domain.ErrNotFound)
	}
	delete(r.entries, id)
	return nil
}

// Get returns the record for one provider.
func (r *ProviderRegistry) Get(id string) (provider.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return provider.Record{}, fmt.Errorf("provider %q: %w", id, domain.ErrNotFound)
	}
	return e.record, nil
}

// Candidate is a point-in-time view of one provider used for selection.
type Candidate struct {
	Record  provider.Record
	State   resilience.State
	Latency time.Duration // EWMA, zero until the first outcome is reported
}

// Candidates returns a snapshot of every registered provider, sorted by ID
// for deterministic iteration.
func (r *ProviderRegistry) Candidates() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Candidate, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		lat := e.latency
		e.mu.Unlock()
		out = append(out, Candidate{Record: e.record, State: e.breaker.State(), Latency: lat})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.ID < out[j].Record.ID })
	return out
}

// Allow consults the provider's breaker before a call. It returns
// resilience.ErrCircuitOpen while the circuit rejects calls.
func (r *ProviderRegistry) Allow(id string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	return e.breaker.Allow()
}

// Client returns the provider's LLM client.
func (r *ProviderRegistry) Client(id string) (llm.Client, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	return e.client, nil
}

// ReportOutcome records one call result. This is the only path that moves
// breaker state or latency statistics. Failures with a non-transient kind
// count as breaker successes: the provider answered, the request was bad.
func (r *ProviderRegistry) ReportOutcome(id string, out provider.Outcome) {
	e, err := r.entry(id)
	if err != nil {
		return
	}

	if out.Success || !out.Kind.Transient() {
		e.breaker.ReportSuccess()
	} else {
		e.breaker.ReportFailure()
	}

	if out.Success && out.Latency > 0 {
		e.mu.Lock()
		if e.samples == 0 {
			e.latency = out.Latency
		} else {
			alpha := r.cfg.LatencyAlpha
			e.latency = time.Duration(alpha*float64(out.Latency) + (1-alpha)*float64(e.latency))
		}
		e.samples++
		e.mu.Unlock()
	}
}

func (r *ProviderRegistry) entry(id string) (*providerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", id, domain.ErrNotFound)
	}
	return e, nil
}
