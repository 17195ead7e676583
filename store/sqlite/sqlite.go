// Package sqlite implements nanoclaw.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements nanoclaw.Store backed by a local SQLite file.
// Slice-valued columns (acceptance tests, contract fields, completion
// artifacts) are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ nanoclaw.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
// This is also what makes every run transition single-writer serializable.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		// AUTOINCREMENT keeps ingest_seq strictly increasing across
		// deletes and restarts; the cursor contract depends on it.
		`CREATE TABLE IF NOT EXISTS messages (
			ingest_seq INTEGER PRIMARY KEY AUTOINCREMENT,
			group_folder TEXT NOT NULL,
			chat_jid TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			received_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_group_seq
			ON messages(group_folder, ingest_seq)`,
		`CREATE TABLE IF NOT EXISTS group_cursors (
			group_folder TEXT PRIMARY KEY,
			last_ingest_seq INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worker_runs (
			run_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			target_group TEXT NOT NULL,
			task_type TEXT NOT NULL,
			context_intent TEXT NOT NULL,
			input TEXT NOT NULL,
			repo TEXT NOT NULL,
			branch TEXT NOT NULL,
			base_branch TEXT NOT NULL DEFAULT '',
			parent_run_id TEXT NOT NULL DEFAULT '',
			acceptance_tests TEXT NOT NULL DEFAULT '[]',
			required_fields TEXT NOT NULL DEFAULT '[]',
			browser_evidence INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			contract_predicate TEXT NOT NULL DEFAULT '',
			completion TEXT,
			dispatch_session_id TEXT NOT NULL DEFAULT '',
			selected_session_id TEXT NOT NULL DEFAULT '',
			effective_session_id TEXT NOT NULL DEFAULT '',
			session_selection_source TEXT NOT NULL DEFAULT '',
			session_resume_status TEXT NOT NULL DEFAULT '',
			session_resume_error TEXT NOT NULL DEFAULT '',
			last_progress_summary TEXT NOT NULL DEFAULT '',
			last_progress_at INTEGER NOT NULL DEFAULT 0,
			steer_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_group_state
			ON worker_runs(target_group, state)`,
		`CREATE TABLE IF NOT EXISTS worker_steering_events (
			steer_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			from_group TEXT NOT NULL,
			message TEXT NOT NULL,
			sent_at INTEGER NOT NULL,
			acked_at INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			first_seq INTEGER NOT NULL,
			last_seq INTEGER NOT NULL,
			body TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			prompt TEXT NOT NULL,
			next_run_at INTEGER NOT NULL,
			last_run_at INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: init done", "elapsed", time.Since(start))
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// InsertMessage stores m and returns its allocated ingest_seq.
func (s *Store) InsertMessage(ctx context.Context, m nanoclaw.Message) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (group_folder, chat_jid, sender, body, received_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.GroupFolder, m.ChatJID, m.Sender, m.Body, m.ReceivedAt)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert message: last id: %w", err)
	}
	s.logger.Debug("sqlite: message ingested", "group", m.GroupFolder, "seq", seq)
	return seq, nil
}

// MessagesAfter returns up to limit messages with ingest_seq > afterSeq.
func (s *Store) MessagesAfter(ctx context.Context, group string, afterSeq int64, limit int) ([]nanoclaw.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ingest_seq, group_folder, chat_jid, sender, body, received_at
		 FROM messages WHERE group_folder = ? AND ingest_seq > ?
		 ORDER BY ingest_seq ASC LIMIT ?`,
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
	err := s.db.QueryRowContext(ctx,
		`SELECT last_ingest_seq FROM group_cursors WHERE group_folder = ?`, group).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cursor: %w", err)
	}
	return seq, nil
}

// AdvanceCursor moves the group cursor to seq. MAX() in the upsert keeps
// the cursor monotonic even if a stale caller races a newer one.
func (s *Store) AdvanceCursor(ctx context.Context, group string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_cursors (group_folder, last_ingest_seq) VALUES (?, ?)
		 ON CONFLICT(group_folder) DO UPDATE SET
		   last_ingest_seq = MAX(last_ingest_seq, excluded.last_ingest_seq)`,
		group, seq)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	s.logger.Debug("sqlite: cursor advanced", "group", group, "seq", seq)
	return nil
}

// CreateRun inserts a queued run for d, or re-queues a retryable one.
func (s *Store) CreateRun(ctx context.Context, d nanoclaw.Dispatch, now int64) (nanoclaw.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nanoclaw.Run{}, fmt.Errorf("create run: begin: %w", err)
	}
	defer tx.Rollback()

	var state string
	var retries int
	err = tx.QueryRowContext(ctx,
		`SELECT state, retry_count FROM worker_runs WHERE run_id = ?`, d.RunID).Scan(&state, &retries)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO worker_runs (run_id, state, retry_count, target_group, task_type,
			   context_intent, input, repo, branch, base_branch, parent_run_id,
			   acceptance_tests, required_fields, browser_evidence,
			   dispatch_session_id, created_at, updated_at)
			 VALUES (?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.RunID, nanoclaw.RunQueued, d.TargetGroup, d.TaskType,
			d.ContextIntent, d.Input, d.Repo, d.Branch, d.BaseBranch, d.ParentRunID,
			mustJSON(d.AcceptanceTests), mustJSON(d.OutputContract.RequiredFields),
			boolInt(d.BrowserEvidenceRequired), d.SessionID, now, now)
		if err != nil {
			return nanoclaw.Run{}, fmt.Errorf("create run: insert: %w", err)
		}
	case err != nil:
		return nanoclaw.Run{}, fmt.Errorf("create run: lookup: %w", err)
	default:
		if !nanoclaw.RunState(state).Retryable() {
			return nanoclaw.Run{}, &nanoclaw.DuplicateRunError{RunID: d.RunID, State: nanoclaw.RunState(state)}
		}
		// Re-dispatch: same run_id, one more attempt. Terminal detail
		// from the failed attempt is cleared; dispatch fields stand.
		_, err = tx.ExecContext(ctx,
			`UPDATE worker_runs SET state = ?, retry_count = retry_count + 1,
			   failure_reason = '', contract_predicate = '', completion = NULL,
			   dispatch_session_id = ?, session_resume_status = '', session_resume_error = '',
			   updated_at = ?
			 WHERE run_id = ?`,
			nanoclaw.RunQueued, d.SessionID, now, d.RunID)
		if err != nil {
			return nanoclaw.Run{}, fmt.Errorf("create run: requeue: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM worker_runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRun(row rowScanner) (nanoclaw.Run, error) {
	var r nanoclaw.Run
	var state, tests, fields string
	var browser int
	var completion sql.NullString
	err := row.Scan(&r.RunID, &state, &r.RetryCount, &r.TargetGroup, &r.TaskType,
		&r.ContextIntent, &r.Input, &r.Repo, &r.Branch, &r.BaseBranch, &r.ParentRunID,
		&tests, &fields, &browser, &r.FailureReason, &r.ContractPredicate,
		&completion, &r.DispatchSessionID, &r.SelectedSessionID, &r.EffectiveSessionID,
		&r.SessionSelectionSource, &r.SessionResumeStatus, &r.SessionResumeError,
		&r.LastProgressSummary, &r.LastProgressAt, &r.SteerCount, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nanoclaw.Run{}, fmt.Errorf("run not found")
	}
	if err != nil {
		return nanoclaw.Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.State = nanoclaw.RunState(state)
	r.BrowserEvidence = browser != 0
	json.Unmarshal([]byte(tests), &r.AcceptanceTests)
	json.Unmarshal([]byte(fields), &r.RequiredFields)
	if completion.Valid && completion.String != "" {
		var c nanoclaw.Completion
		if err := json.Unmarshal([]byte(completion.String), &c); err == nil {
			r.Completion = &c
		}
	}
	return r, nil
}

// TransitionRun applies tr iff the run's state is one of from. The state
// move and its terminal detail commit in a single statement, so a
// concurrent duplicate observes either the old or the new state, never a
// half-applied row.
func (s *Store) TransitionRun(ctx context.Context, runID string, from []nanoclaw.RunState, tr nanoclaw.Transition) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition run: empty precondition")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")

	args := []any{string(tr.To), tr.FailureReason, tr.ContractPredicate}
	var completion any
	if tr.Completion != nil {
		completion = mustJSON(tr.Completion)
	}
	args = append(args, completion, time.Now().Unix(), runID)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE worker_runs SET state = ?, failure_reason = ?, contract_predicate = ?,
		   completion = COALESCE(?, completion), updated_at = ?
		 WHERE run_id = ? AND state IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transition run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition run: rows: %w", err)
	}
	applied := n > 0
	s.logger.Debug("sqlite: run transition", "run_id", runID, "to", tr.To, "applied", applied)
	return applied, nil
}

// RunsInState lists a group's runs in one state.
func (s *Store) RunsInState(ctx context.Context, group string, state nanoclaw.RunState) ([]nanoclaw.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM worker_runs
		 WHERE target_group = ? AND state = ? ORDER BY created_at ASC`,
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
	_, err := s.db.ExecContext(ctx,
		`UPDATE worker_runs SET effective_session_id = ?, selected_session_id = ?,
		   session_selection_source = ?, session_resume_status = ?, session_resume_error = ?,
		   updated_at = ?
		 WHERE run_id = ?`,
		rec.EffectiveSessionID, rec.EffectiveSessionID, rec.SelectionSource,
		rec.ResumeStatus, rec.ResumeError, time.Now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// RecordProgress mirrors the latest progress summary onto the run row.
func (s *Store) RecordProgress(ctx context.Context, runID, summary string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE worker_runs SET last_progress_summary = ?, last_progress_at = ? WHERE run_id = ?`,
		summary, ts, runID)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return nil
}

// RecordSteer stores a pending steer and bumps the run's steer_count.
func (s *Store) RecordSteer(ctx context.Context, ev nanoclaw.SteerEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record steer: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO worker_steering_events (steer_id, run_id, from_group, message, sent_at, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SteerID, ev.RunID, ev.FromGroup, ev.Message, ev.SentAt, nanoclaw.SteerPending); err != nil {
		return fmt.Errorf("record steer: insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE worker_runs SET steer_count = steer_count + 1 WHERE run_id = ?`, ev.RunID); err != nil {
		return fmt.Errorf("record steer: count: %w", err)
	}
	return tx.Commit()
}

// AckSteer marks a pending steer acked. The status guard makes the ack
// idempotent: a replayed ack reports false instead of re-acking.
func (s *Store) AckSteer(ctx context.Context, steerID string, ts int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worker_steering_events SET status = ?, acked_at = ? WHERE steer_id = ? AND status = ?`,
		nanoclaw.SteerAcked, ts, steerID, nanoclaw.SteerPending)
	if err != nil {
		return false, fmt.Errorf("ack steer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ack steer: rows: %w", err)
	}
	return n > 0, nil
}

// ExpireSteers marks pending steers sent before cutoff as expired.
func (s *Store) ExpireSteers(ctx context.Context, cutoff int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worker_steering_events SET status = ? WHERE status = ? AND sent_at < ?`,
		nanoclaw.SteerExpired, nanoclaw.SteerPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire steers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire steers: rows: %w", err)
	}
	return int(n), nil
}

// InsertDeadLetter stores an exhausted batch for operator inspection.
func (s *Store) InsertDeadLetter(ctx context.Context, dl nanoclaw.DeadLetter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, group_folder, first_seq, last_seq, body, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.GroupFolder, dl.FirstSeq, dl.LastSeq, dl.Body, dl.Reason, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// DeadLetters lists a group's dead letters, newest first.
func (s *Store) DeadLetters(ctx context.Context, group string, limit int) ([]nanoclaw.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_folder, first_seq, last_seq, body, reason, created_at
		 FROM dead_letters WHERE group_folder = ? ORDER BY created_at DESC LIMIT ?`,
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (id, group_folder, prompt, next_run_at, last_run_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.Prompt, t.NextRunAt, t.LastRunAt)
	if err != nil {
		return fmt.Errorf("insert scheduled task: %w", err)
	}
	return nil
}

// DueScheduledTasks returns tasks due at or before now.
func (s *Store) DueScheduledTasks(ctx context.Context, now int64) ([]nanoclaw.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_folder, prompt, next_run_at, last_run_at
		 FROM scheduled_tasks WHERE next_run_at <= ? ORDER BY next_run_at ASC`, now)
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
		_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete scheduled task: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		ranAt, nextRunAt, id)
	if err != nil {
		return fmt.Errorf("mark scheduled task: %w", err)
	}
	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("sqlite: marshal: %v", err))
	}
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
