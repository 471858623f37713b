// Package statestore defines the persistence port for sessions, steps,
// and workflow run results.
package statestore

import (
	"context"

	"github.com/relaymind/relaymind/internal/domain/session"
	"github.com/relaymind/relaymind/internal/domain/workflow"
)

// Store is the persistence interface the controller and executor write
// through. Implementations return domain.ErrNotFound for missing rows.
type Store interface {
	// CreateSession persists a new session row.
	CreateSession(ctx context.Context, s *session.Session) error
	// LoadSession returns the session and its steps in index order.
	LoadSession(ctx context.Context, id string) (*session.Session, error)
	// AppendStep durably records one step. The session's usage and
	// updated_at are written in the same transaction.
	AppendStep(ctx context.Context, sessionID string, step session.Step, usage session.Usage) error
	// UpdateSessionStatus moves a session to a terminal or intermediate status.
	UpdateSessionStatus(ctx context.Context, sessionID string, status session.Status) error
	// ListSessions returns recent sessions, newest first.
	ListSessions(ctx context.Context, limit int) ([]*session.Session, error)

	// SaveRunResult persists the outcome of one workflow run.
	SaveRunResult(ctx context.Context, res *workflow.RunResult) error
	// LoadRunResult returns a stored workflow run result.
	LoadRunResult(ctx context.Context, runID string) (*workflow.RunResult, error)
}
