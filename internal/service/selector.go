package service

import (
	"errors"
	"sort"
	"time"

	"github.com/relaymind/relaymind/internal/domain/provider"
	"github.com/relaymind/relaymind/internal/resilience"
)

// ErrAllProvidersUnavailable is returned when no registered provider is
// both eligible for the request profile and admitted by its breaker.
var ErrAllProvidersUnavailable = errors.New("all providers unavailable")

// SelectorConfig carries the scoring weights and the latency normalization
// target. Weights should sum to 1.
type SelectorConfig struct {
	CapabilityWeight float64
	LatencyWeight    float64
	CostWeight       float64
	TargetLatency    time.Duration // latency at or above this scores zero
}

// Selector ranks eligible providers for a request by a weighted score of
// capability fit, recent latency, and cost tier.
type Selector struct {
	registry *ProviderRegistry
	cfg      SelectorConfig
}

// NewSelector creates a selector over the given registry.
func NewSelector(registry *ProviderRegistry, cfg SelectorConfig) *Selector {
	if cfg.TargetLatency <= 0 {
		cfg.TargetLatency = 2 * time.Second
	}
	return &Selector{registry: registry, cfg: cfg}
}

// Rank returns the eligible providers for the request, best first. Open
// breakers are excluded; half-open providers remain eligible so their
// trial call can be placed. Scores tie-break on provider ID so selection
// is deterministic for a fixed registry state.
func (s *Selector) Rank(req provider.RequestProfile) ([]Candidate, error) {
	var ranked []Candidate
	scores := make(map[string]float64)

	for _, c := range s.registry.Candidates() {
		if c.State == resilience.StateOpen {
			continue
		}
		if !eligible(c.Record.Profile, req) {
			continue
		}
		ranked = append(ranked, c)
		scores[c.Record.ID] = s.score(c, req)
	}

	if len(ranked) == 0 {
		return nil, ErrAllProvidersUnavailable
	}

	sort.Slice(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].Record.ID], scores[ranked[j].Record.ID]
		if si != sj {
			return si > sj
		}
		return ranked[i].Record.ID < ranked[j].Record.ID
	})
	return ranked, nil
}

// eligible applies the hard constraints: every requested capability must
// be declared, quality must meet the floor, cost must not exceed the cap.
func eligible(p provider.Profile, req provider.RequestProfile) bool {
	for _, cap := range req.Capabilities {
		if !p.HasCapability(cap) {
			return false
		}
	}
	if req.MinQuality > 0 && p.QualityTier < req.MinQuality {
		return false
	}
	if req.MaxCostTier > 0 && p.CostTier > req.MaxCostTier {
		return false
	}
	return true
}

// score computes the weighted score in [0, 1].
func (s *Selector) score(c Candidate, req provider.RequestProfile) float64 {
	capScore := capabilityScore(c.Record.Profile)

	// Providers with no latency history score neutral so new providers
	// are neither favored nor starved.
	latScore := 0.5
	if c.Latency > 0 {
		latScore = 1 - float64(c.Latency)/float64(s.cfg.TargetLatency)
		if latScore < 0 {
			latScore = 0
		}
	}

	costScore := 1 - float64(c.Record.Profile.CostTier-1)/4

	return s.cfg.CapabilityWeight*capScore +
		s.cfg.LatencyWeight*latScore +
		s.cfg.CostWeight*costScore
}

// capabilityScore rewards quality headroom once the hard constraints pass.
func capabilityScore(p provider.Profile) float64 {
	return float64(p.QualityTier) / 5
}
