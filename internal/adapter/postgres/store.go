package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaymind/relaymind/internal/domain"
	"github.com/relaymind/relaymind/internal/domain/session"
	"github.com/relaymind/relaymind/internal/domain/workflow"
)

// Store implements statestore.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store over the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, goal, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sess.ID, sess.Goal, string(sess.Status), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, goal, status, prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at, updated_at
		 FROM sessions WHERE id = $1`, id)

	var sess session.Session
	var status string
	err := row.Scan(&sess.ID, &sess.Goal, &status,
		&sess.Usage.PromptTokens, &sess.Usage.CompletionTokens, &sess.Usage.TotalTokens, &sess.Usage.CostUSD,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("load session %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	sess.Status = session.Status(status)

	rows, err := s.pool.Query(ctx,
		`SELECT idx, kind, content, COALESCE(tool, ''), args, created_at
		 FROM session_steps WHERE session_id = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("load steps for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var st session.Step
		var kind string
		var args []byte
		if err := rows.Scan(&st.Index, &kind, &st.Content, &st.Tool, &args, &st.Timestamp); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Kind = session.StepKind(kind)
		if len(args) > 0 {
			st.Args = json.RawMessage(args)
		}
		sess.Steps = append(sess.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return &sess, nil
}

// AppendStep writes the step and the session's usage counters in one
// transaction, so a recorded step and its accounting never diverge.
func (s *Store) AppendStep(ctx context.Context, sessionID string, step session.Step, usage session.Usage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var args any
	if len(step.Args) > 0 {
		args = []byte(step.Args)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO session_steps (session_id, idx, kind, content, tool, args, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		sessionID, step.Index, string(step.Kind), step.Content, step.Tool, args, step.Timestamp)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET prompt_tokens = $2, completion_tokens = $3, total_tokens = $4, cost_usd = $5, updated_at = $6
		 WHERE id = $1`,
		sessionID, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, usage.CostUSD, step.Timestamp)
	if err != nil {
		return fmt.Errorf("update session usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("append step to %s: %w", sessionID, domain.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status session.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $2, updated_at = now() WHERE id = $1`,
		sessionID, string(status))
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update session %s: %w", sessionID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, goal, status, prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		var sess session.Session
		var status string
		if err := rows.Scan(&sess.ID, &sess.Goal, &status,
			&sess.Usage.PromptTokens, &sess.Usage.CompletionTokens, &sess.Usage.TotalTokens, &sess.Usage.CostUSD,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = session.Status(status)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *Store) SaveRunResult(ctx context.Context, res *workflow.RunResult) error {
	failed, err := json.Marshal(res.Failed)
	if err != nil {
		return fmt.Errorf("marshal failed list: %w", err)
	}
	results, err := json.Marshal(res.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_runs (run_id, failed, results) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id) DO UPDATE SET failed = EXCLUDED.failed, results = EXCLUDED.results`,
		res.RunID, failed, results)
	if err != nil {
		return fmt.Errorf("save run result: %w", err)
	}
	return nil
}

func (s *Store) LoadRunResult(ctx context.Context, runID string) (*workflow.RunResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT failed, results FROM workflow_runs WHERE run_id = $1`, runID)

	var failed, results []byte
	if err := row.Scan(&failed, &results); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("load run %s: %w", runID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	res := &workflow.RunResult{RunID: runID}
	if err := json.Unmarshal(failed, &res.Failed); err != nil {
		return nil, fmt.Errorf("unmarshal failed list: %w", err)
	}
	if err := json.Unmarshal(results, &res.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	return res, nil
}
