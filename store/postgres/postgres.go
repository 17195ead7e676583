// Package postgres implements nanoclaw.Store using PostgreSQL, for
// deployments where several hosts share one durable record.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nanoclaw/nanoclaw"
)

// Store implements nanoclaw.Store backed by PostgreSQL. Run transitions
// rely on single-statement conditional UPDATEs, so the default
// read-committed isolation is sufficient for single-writer semantics.
type Store struct {
	pool *pgxpool.Pool
}

var _ nanoclaw.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			ingest_seq BIGSERIAL PRIMARY KEY,
			group_folder TEXT NOT NULL,
			chat_jid TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			received_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_group_seq
			ON messages(group_folder, ingest_seq)`,
		`CREATE TABLE IF NOT EXISTS group_cursors (
			group_folder TEXT PRIMARY KEY,
			last_ingest_seq BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worker_runs (
			run_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			target_group TEXT NOT NULL,
			task_type TEXT NOT NULL,
			context_intent TEXT NOT NULL,
			input TEXT NOT NULL,
			repo TEXT NOT NULL,
			branch TEXT NOT NULL,
			base_branch TEXT NOT NULL DEFAULT '',
			parent_run_id TEXT NOT NULL DEFAULT '',
			acceptance_tests JSONB NOT NULL DEFAULT '[]',
			required_fields JSONB NOT NULL DEFAULT '[]',
			browser_evidence BOOLEAN NOT NULL DEFAULT FALSE,
			failure_reason TEXT NOT NULL DEFAULT '',
			contract_predicate TEXT NOT NULL DEFAULT '',
			completion JSONB,
			dispatch_session_id TEXT NOT NULL DEFAULT '',
			selected_session_id TEXT NOT NULL DEFAULT '',
			effective_session_id TEXT NOT NULL DEFAULT '',
			session_selection_source TEXT NOT NULL DEFAULT '',
			session_resume_status TEXT NOT NULL DEFAULT '',
			session_resume_error TEXT NOT NULL DEFAULT '',
			last_progress_summary TEXT NOT NULL DEFAULT '',
			last_progress_at BIGINT NOT NULL DEFAULT 0,
			steer_count INT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_group_state
			ON worker_runs(target_group, state)`,
		`CREATE TABLE IF NOT EXISTS worker_steering_events (
			steer_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			from_group TEXT NOT NULL,
			message TEXT NOT NULL,
			sent_at BIGINT NOT NULL,
			acked_at BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			first_seq BIGINT NOT NULL,
			last_seq BIGINT NOT NULL,
			body TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			prompt TEXT NOT NULL,
			next_run_at BIGINT NOT NULL,
			last_run_at BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error { return nil }

// InsertMessage stores m and returns its allocated ingest_seq.
func (s *Store) InsertMessage(ctx context.Context, m nanoclaw.Message) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (group_folder, chat_jid, sender, body, received_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING ingest_seq`,
		m.GroupFolder, m.ChatJID, m.Sender, m.Body, m.ReceivedAt).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return seq, nil
}

// MessagesAfter returns up to limit messages with ingest_seq > afterSeq.
func (s *Store) MessagesAfter(ctx context.Context, group string, afterSeq int64, limit int) ([]nanoclaw.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ingest_seq, group_folder, chat_jid, sender, body, received_at
		 FROM messages WHERE group_folder = $1 AND ingest_seq > $2
		 ORDER BY ingest_seq ASC LIMIT $3`,
		group, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("messages after: %w", err)
	}
	defer rows.Close()

	var out []nanoclaw.Message
	for rows.Next() {
		var m nanoclaw.Message
		if err := rows.Scan(&m.IngestSeq, &m.GroupFolder, &m.ChatJID, &m.Sender, &m.Body, &m.ReceivedAt); err != nil {
			return nil, fmt.Errorf("messages after: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cursor returns the group's last advanced ingest_seq, 0 if none.
func (s *Store) Cursor(ctx context.Context, group string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_ingest_seq FROM group_cursors WHERE group_folder = $1`, group).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cursor: %w", err)
	}
	return seq, nil
}

// AdvanceCursor moves the group cursor to seq, never backward.
func (s *Store) AdvanceCursor(ctx context.Context, group string, seq int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO group_cursors (group_folder, last_ingest_seq) VALUES ($1, $2)
		 ON CONFLICT (group_folder) DO UPDATE SET
		   last_ingest_seq = GREATEST(group_cursors.last_ingest_seq, EXCLUDED.last_ingest_seq)`,
		group, seq)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// CreateRun inserts a queued run for d, or re-queues a retryable one.
func (s *Store) CreateRun(ctx context.Context, d nanoclaw.Dispatch, now int64) (nanoclaw.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nanoclaw.Run{}, fmt.Errorf("create run: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var state string
	err = tx.QueryRow(ctx,
		`SELECT state FROM worker_runs WHERE run_id = $1 FOR UPDATE`, d.RunID).Scan(&state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx,
			`INSERT INTO worker_runs (run_id, state, retry_count, target_group, task_type,
			   context_intent, input, repo, branch, base_branch, parent_run_id,
			   acceptance_tests, required_fields, browser_evidence,
			   dispatch_session_id, created_at, updated_at)
			 VALUES ($1, $2, 0, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			d.RunID, nanoclaw.RunQueued, d.TargetGroup, d.TaskType,
			d.ContextIntent, d.Input, d.Repo, d.Branch, d.BaseBranch, d.ParentRunID,
			mustJSON(d.AcceptanceTests), mustJSON(d.OutputContract.RequiredFields),
			d.BrowserEvidenceRequired, d.SessionID, now, now)
		if err != nil {
			return nanoclaw.Run{}, fmt.Errorf("create run: insert: %w", err)
		}
	case err != nil:
		return nanoclaw.Run{}, fmt.Errorf("create run: lookup: %w", err)
	default:
		if !nanoclaw.RunState(state).Retryable() {
			return nanoclaw.Run{}, &nanoclaw.DuplicateRunError{RunID: d.RunID, State: nanoclaw.RunState(state)}
		}
		_, err = tx.Exec(ctx,
			`UPDATE worker_runs SET state = $1, retry_count = retry_count + 1,
			   failure_reason = '', contract_predicate = '', completion = NULL,
			   dispatch_session_id = $2, session_resume_status = '', session_resume_error = '',
			   updated_at = $3
			 WHERE run_id = $4`,
			nanoclaw.RunQueued, d.SessionID, now, d.RunID)
		if err != nil {
			return nanoclaw.Run{}, fmt.Errorf("create run: requeue: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nanoclaw.Run{}, fmt.Errorf("create run: commit: %w", err)
	}
	return s.GetRun(ctx, d.RunID)
}

const runColumns = `run_id, state, retry_count, target_group, task_type, context_intent,
	input, repo, branch, base_branch, parent_run_id, acceptance_tests,
	required_fields, browser_evidence, failure_reason, contract_predicate,
	completion, dispatch_session_id, selected_session_id, effective_session_id,
	session_selection_source, session_resume_status, session_resume_error,
	last_progress_summary, last_progress_at, steer_count, created_at, updated_at`

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (nanoclaw.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM worker_runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRun(row rowScanner) (nanoclaw.Run, error) {
	var r nanoclaw.Run
	var state string
	var tests, fields []byte
	var completion []byte
	err := row.Scan(&r.RunID, &state, &r.RetryCount, &r.TargetGroup, &r.TaskType,
		&r.ContextIntent, &r.Input, &r.Repo, &r.Branch, &r.BaseBranch, &r.ParentRunID,
		&tests, &fields, &r.BrowserEvidence, &r.FailureReason, &r.ContractPredicate,
		&completion, &r.DispatchSessionID, &r.SelectedSessionID, &r.EffectiveSessionID,
		&r.SessionSelectionSource, &r.SessionResumeStatus, &r.SessionResumeError,
		&r.LastProgressSummary, &r.LastProgressAt, &r.SteerCount, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nanoclaw.Run{}, fmt.Errorf("run not found")
	}
	if err != nil {
		return nanoclaw.Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.State = nanoclaw.RunState(state)
	json.Unmarshal(tests, &r.AcceptanceTests)
	json.Unmarshal(fields, &r.RequiredFields)
	if len(completion) > 0 {
		var c nanoclaw.Completion
		if err := json.Unmarshal(completion, &c); err == nil {
			r.Completion = &c
		}
	}
	return r, nil
}

// TransitionRun applies tr iff the run's state is one of from.
func (s *Store) TransitionRun(ctx context.Context, runID string, from []nanoclaw.RunState, tr nanoclaw.Transition) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition run: empty precondition")
	}
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	var completion any
	if tr.Completion != nil {
		completion = mustJSON(tr.Completion)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE worker_runs SET state = $1, failure_reason = $2, contract_predicate = $3,
		   completion = COALESCE($4, completion), updated_at = $5
		 WHERE run_id = $6 AND state = ANY($7)`,
		string(tr.To), tr.FailureReason, tr.ContractPredicate, completion,
		time.Now().Unix(), runID, states)
	if err != nil {
		return false, fmt.Errorf("transition run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RunsInState lists a group's runs in one state.
func (s *Store) RunsInState(ctx context.Context, group string, state nanoclaw.RunState) ([]nanoclaw.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM worker_runs
		 WHERE target_group = $1 AND state = $2 ORDER BY created_at ASC`,
		group, string(state))
	if err != nil {
		return nil, fmt.Errorf("runs in state: %w", err)
	}
	defer rows.Close()

	var out []nanoclaw.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordSession stores session telemetry reported by a frame.
func (s *Store) RecordSession(ctx context.Context, runID string, rec nanoclaw.SessionRecord) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE worker_runs SET effective_session_id = $1, selected_session_id = $1,
		   session_selection_source = $2, session_resume_status = $3, session_resume_error = $4,
		   updated_at = $5
		 WHERE run_id = $6`,
		rec.EffectiveSessionID, rec.SelectionSource, rec.ResumeStatus, rec.ResumeError,
		time.Now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// RecordProgress mirrors the latest progress summary onto the run row.
func (s *Store) RecordProgress(ctx context.Context, runID, summary string, ts int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE worker_runs SET last_progress_summary = $1, last_progress_at = $2 WHERE run_id = $3`,
		summary, ts, runID)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return nil
}

// RecordSteer stores a pending steer and bumps the run's steer_count.
func (s *Store) RecordSteer(ctx context.Context, ev nanoclaw.SteerEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("record steer: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx,
		`INSERT INTO worker_steering_events (steer_id, run_id, from_group, message, sent_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.SteerID, ev.RunID, ev.FromGroup, ev.Message, ev.SentAt, nanoclaw.SteerPending); err != nil {
		return fmt.Errorf("record steer: insert: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE worker_runs SET steer_count = steer_count + 1 WHERE run_id = $1`, ev.RunID); err != nil {
		return fmt.Errorf("record steer: count: %w", err)
	}
	return tx.Commit(ctx)
}

// AckSteer marks a pending steer acked; at-most-once via the status guard.
func (s *Store) AckSteer(ctx context.Context, steerID string, ts int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE worker_steering_events SET status = $1, acked_at = $2
		 WHERE steer_id = $3 AND status = $4`,
		nanoclaw.SteerAcked, ts, steerID, nanoclaw.SteerPending)
	if err != nil {
		return false, fmt.Errorf("ack steer: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExpireSteers marks pending steers sent before cutoff as expired.
func (s *Store) ExpireSteers(ctx context.Context, cutoff int64) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE worker_steering_events SET status = $1 WHERE status = $2 AND sent_at < $3`,
		nanoclaw.SteerExpired, nanoclaw.SteerPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire steers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertDeadLetter stores an exhausted batch for operator inspection.
func (s *Store) InsertDeadLetter(ctx context.Context, dl nanoclaw.DeadLetter) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, group_folder, first_seq, last_seq, body, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		dl.ID, dl.GroupFolder, dl.FirstSeq, dl.LastSeq, dl.Body, dl.Reason, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// DeadLetters lists a group's dead letters, newest first.
func (s *Store) DeadLetters(ctx context.Context, group string, limit int) ([]nanoclaw.DeadLetter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, group_folder, first_seq, last_seq, body, reason, created_at
		 FROM dead_letters WHERE group_folder = $1 ORDER BY created_at DESC LIMIT $2`,
		group, limit)
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	defer rows.Close()
	var out []nanoclaw.DeadLetter
	for rows.Next() {
		var dl nanoclaw.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.GroupFolder, &dl.FirstSeq, &dl.LastSeq, &dl.Body, &dl.Reason, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("dead letters: scan: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// InsertScheduledTask stores t.
func (s *Store) InsertScheduledTask(ctx context.Context, t nanoclaw.ScheduledTask) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_tasks (id, group_folder, prompt, next_run_at, last_run_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.GroupFolder, t.Prompt, t.NextRunAt, t.LastRunAt)
	if err != nil {
		return fmt.Errorf("insert scheduled task: %w", err)
	}
	return nil
}

// DueScheduledTasks returns tasks due at or before now.
func (s *Store) DueScheduledTasks(ctx context.Context, now int64) ([]nanoclaw.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, group_folder, prompt, next_run_at, last_run_at
		 FROM scheduled_tasks WHERE next_run_at <= $1 ORDER BY next_run_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("due scheduled tasks: %w", err)
	}
	defer rows.Close()
	var out []nanoclaw.ScheduledTask
	for rows.Next() {
		var t nanoclaw.ScheduledTask
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.Prompt, &t.NextRunAt, &t.LastRunAt); err != nil {
			return nil, fmt.Errorf("due scheduled tasks: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkScheduledTaskRun records a task execution; nextRunAt == 0 deletes
// one-shot tasks.
func (s *Store) MarkScheduledTaskRun(ctx context.Context, id string, ranAt, nextRunAt int64) error {
	if nextRunAt == 0 {
		_, err := s.pool.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete scheduled task: %w", err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE scheduled_tasks SET last_run_at = $1, next_run_at = $2 WHERE id = $3`,
		ranAt, nextRunAt, id)
	if err != nil {
		return fmt.Errorf("mark scheduled task: %w", err)
	}
	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("postgres: marshal: %v", err))
	}
	return string(b)
}
