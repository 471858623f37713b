// Package session defines the Session domain entity: one conversation with
// its ordered reasoning history and resource budget.
package session

import "time"

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusActive         Status = "active"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusBudgetExceeded Status = "budget_exceeded"
)

// IsTerminal returns true if the session has finished.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBudgetExceeded:
		return true
	}
	return false
}

// Session identifies one conversation. It holds the ordered history of
// reasoning steps and the cumulative resource usage. A session is owned
// exclusively by the controller run processing it; two steps of the same
// session are never appended concurrently.
type Session struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Status    Status    `json:"status"`
	Steps     []Step    `json:"steps"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NextIndex returns the index the next appended step will occupy.
func (s *Session) NextIndex() int {
	return len(s.Steps)
}

// Append adds a completed step to the session history.
// Steps are immutable once appended.
func (s *Session) Append(st Step) {
	st.Index = len(s.Steps)
	s.Steps = append(s.Steps, st)
	s.UpdatedAt = st.Timestamp
}

// Usage tracks cumulative token and cost consumption for a session.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Add accumulates token and cost usage from one model or tool call.
func (u *Usage) Add(prompt, completion int64, costUSD float64) {
	u.PromptTokens += prompt
	u.CompletionTokens += completion
	u.TotalTokens += prompt + completion
	u.CostUSD += costUSD
}

// Budget is the resource ceiling bounding one controller run.
// A zero field means that dimension is unlimited.
type Budget struct {
	MaxSteps   int     `json:"max_steps"`
	MaxTokens  int64   `json:"max_tokens"`
	MaxCostUSD float64 `json:"max_cost_usd"`
}

// TokensExceeded reports whether cumulative usage has reached the token
// or cost ceiling.
func (b Budget) TokensExceeded(u Usage) bool {
	if b.MaxTokens > 0 && u.TotalTokens >= b.MaxTokens {
		return true
	}
	if b.MaxCostUSD > 0 && u.CostUSD >= b.MaxCostUSD {
		return true
	}
	return false
}

// StepsExceeded reports whether the given completed-step count has reached
// the step ceiling.
func (b Budget) StepsExceeded(steps int) bool {
	return b.MaxSteps > 0 && steps >= b.MaxSteps
}
