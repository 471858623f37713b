package session

import (
	"encoding/json"
	"time"
)

// StepKind classifies one entry in the reasoning history.
type StepKind string

const (
	StepThought     StepKind = "thought"
	StepAction      StepKind = "action"
	StepObservation StepKind = "observation"
	StepFinalAnswer StepKind = "final_answer"
)

// Step is one thought/action/observation entry. Immutable once appended
// to the session history.
type Step struct {
	Index     int             `json:"index"`
	Kind      StepKind        `json:"kind"`
	Content   string          `json:"content"`
	Tool      string          `json:"tool,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Outcome is the user-visible result of one controller run.
// Exactly one of the three shapes is produced: a final answer, a budget
// exhaustion marker, or a failure with reason.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Answer  string      `json:"answer,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Steps   int         `json:"steps"`
	Usage   Usage       `json:"usage"`
	Session string      `json:"session_id"`
}

// OutcomeKind is the closed set of run outcomes.
type OutcomeKind string

const (
	OutcomeFinalAnswer    OutcomeKind = "final_answer"
	OutcomeBudgetExceeded OutcomeKind = "budget_exceeded"
	OutcomeFailure        OutcomeKind = "failure"
)
