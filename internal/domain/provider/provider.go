// Package provider defines LLM provider records, capability profiles, and
// the normalized failure taxonomy used across the model gateway.
package provider

import (
	"fmt"
	"time"
)

// Profile declares a provider's capability and cost/latency/quality tiers.
// Tiers run 1..5: cost 1 is cheapest, latency 1 is fastest, quality 5 is
// strongest.
type Profile struct {
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	CostTier     int      `json:"cost_tier" yaml:"cost_tier"`
	LatencyTier  int      `json:"latency_tier" yaml:"latency_tier"`
	QualityTier  int      `json:"quality_tier" yaml:"quality_tier"`
}

// HasCapability reports whether the profile declares the given capability.
func (p Profile) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Record is the long-lived, process-wide configuration of one provider.
// Health state (breaker, latency stats) is attached by the registry and
// mutated only through outcome reports.
type Record struct {
	ID      string  `json:"id" yaml:"id"`
	Model   string  `json:"model" yaml:"model"`
	BaseURL string  `json:"base_url" yaml:"base_url"`
	APIKey  string  `json:"-" yaml:"api_key"`
	Profile Profile `json:"profile" yaml:"profile"`
}

// RequestProfile describes what a caller needs from a provider for one
// request. The selector scores eligible providers against it.
type RequestProfile struct {
	Capabilities []string `json:"capabilities,omitempty"`
	MinQuality   int      `json:"min_quality,omitempty"`
	MaxCostTier  int      `json:"max_cost_tier,omitempty"`
}

// FailureKind is the small, closed failure taxonomy that provider errors
// are normalized to before crossing the selector boundary. Raw provider
// errors never leak past the gateway.
type FailureKind string

const (
	FailTimeout     FailureKind = "timeout"
	FailRateLimited FailureKind = "rate_limited"
	FailUnavailable FailureKind = "unavailable"
	FailInvalid     FailureKind = "invalid_request"
	FailCanceled    FailureKind = "canceled"
	FailUnknown     FailureKind = "unknown"
)

// Transient reports whether the failure may succeed on another provider or
// a later attempt.
func (k FailureKind) Transient() bool {
	switch k {
	case FailTimeout, FailRateLimited, FailUnavailable, FailUnknown:
		return true
	}
	return false
}

// Error is a normalized provider failure.
type Error struct {
	Provider string
	Kind     FailureKind
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Outcome is one call result reported back to the registry. Reporting is
// the sole path by which breaker state and latency stats change.
type Outcome struct {
	Success bool
	Latency time.Duration
	Kind    FailureKind // set when Success is false
}
