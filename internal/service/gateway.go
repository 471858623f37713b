package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaymind/relaymind/internal/adapter/otel"
	"github.com/relaymind/relaymind/internal/domain/provider"
	"github.com/relaymind/relaymind/internal/port/cache"
	"github.com/relaymind/relaymind/internal/port/llm"
	"github.com/relaymind/relaymind/internal/resilience"
)

// Gateway places model calls: it ranks providers, gates each attempt on
// the provider's breaker, reports every outcome back to the registry, and
// fails over to the next ranked provider on transient failures.
type Gateway struct {
	registry *ProviderRegistry
	selector *Selector
	cache    cache.Cache // nil disables completion caching
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewGateway creates a gateway. Pass a nil cache to disable completion
// memoization.
func NewGateway(registry *ProviderRegistry, selector *Selector, c cache.Cache, cacheTTL time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry: registry,
		selector: selector,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Complete selects a provider for the request profile and performs the
// completion. On a transient failure it reports the outcome and moves to
// the next ranked provider. Non-transient failures and context
// cancellation return immediately. The returned provider ID names the
// provider that produced the completion.
func (g *Gateway) Complete(ctx context.Context, req llm.CompletionRequest, prof provider.RequestProfile) (*llm.Completion, string, error) {
	if g.cache != nil {
		if out, ok := g.cacheGet(ctx, req); ok {
			return out, "", nil
		}
	}

	ranked, err := g.selector.Rank(prof)
	if err != nil {
		return nil, "", err
	}

	var lastErr error
	for _, c := range ranked {
		id := c.Record.ID

		if err := g.registry.Allow(id); err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				lastErr = err
				continue
			}
			return nil, "", err
		}

		client, err := g.registry.Client(id)
		if err != nil {
			lastErr = err
			continue
		}

		attemptCtx, span := otel.StartCompletionSpan(ctx, id, c.Record.Model)
		start := time.Now()
		out, callErr := client.Complete(attemptCtx, req)
		latency := time.Since(start)
		span.End()

		if callErr == nil {
			g.registry.ReportOutcome(id, provider.Outcome{Success: true, Latency: latency})
			if g.cache != nil {
				g.cacheSet(ctx, req, out)
			}
			return out, id, nil
		}

		kind := failureKind(callErr)
		g.registry.ReportOutcome(id, provider.Outcome{Success: false, Latency: latency, Kind: kind})
		g.logger.Warn("provider call failed",
			"provider", id, "kind", string(kind), "error", callErr)

		if kind == provider.FailCanceled || !kind.Transient() {
			return nil, "", callErr
		}
		lastErr = callErr
	}

	if lastErr == nil {
		lastErr = ErrAllProvidersUnavailable
	}
	return nil, "", fmt.Errorf("%w: %v", ErrAllProvidersUnavailable, lastErr)
}

// failureKind extracts the normalized kind from a provider error. Errors
// that escaped normalization count as unknown.
func failureKind(err error) provider.FailureKind {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return provider.FailCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.FailTimeout
	}
	return provider.FailUnknown
}

// cacheKey hashes the request's model, messages, and sampling parameters.
// Timeouts are excluded so identical prompts hit regardless of deadline.
func cacheKey(req llm.CompletionRequest) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(struct {
		Model       string        `json:"model"`
		Messages    []llm.Message `json:"messages"`
		Temperature float64       `json:"temperature"`
		MaxTokens   int           `json:"max_tokens"`
	}{req.Model, req.Messages, req.Temperature, req.MaxTokens})
	return "completion:" + hex.EncodeToString(h.Sum(nil))
}

func (g *Gateway) cacheGet(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, bool) {
	data, ok, err := g.cache.Get(ctx, cacheKey(req))
	if err != nil || !ok {
		return nil, false
	}
	var out llm.Completion
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	return &out, true
}

func (g *Gateway) cacheSet(ctx context.Context, req llm.CompletionRequest, out *llm.Completion) {
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, cacheKey(req), data, g.cacheTTL); err != nil {
		g.logger.Debug("completion cache set failed", "error", err)
	}
}
