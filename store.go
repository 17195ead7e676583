package nanoclaw

import "context"

// Transition describes one run state change. Terminal detail rides along
// so the state move and its artifacts commit in a single transaction.
type Transition struct {
	To                RunState
	FailureReason     string
	ContractPredicate string
	Completion        *Completion
}

// SessionRecord carries the session telemetry a frame reports back.
type SessionRecord struct {
	EffectiveSessionID string
	SelectionSource    string
	ResumeStatus       string // resumed | fallback_new | new
	ResumeError        string
}

// Store is the single durable surface shared by every host task. All run
// transitions are single-writer serializable; TransitionRun reports
// applied vs rejected so callers detect races structurally instead of
// parsing errors.
type Store interface {
	// Init creates tables and indexes. Idempotent.
	Init(ctx context.Context) error
	Close() error

	// InsertMessage allocates the next ingest_seq and stores m under it.
	// The returned seq is strictly increasing across the deployment.
	InsertMessage(ctx context.Context, m Message) (int64, error)
	// MessagesAfter returns up to limit messages for group with
	// ingest_seq > afterSeq, in seq order.
	MessagesAfter(ctx context.Context, group string, afterSeq int64, limit int) ([]Message, error)
	// Cursor returns the group's last advanced ingest_seq (0 if none).
	Cursor(ctx context.Context, group string) (int64, error)
	// AdvanceCursor moves the group's cursor to seq. Never moves backward.
	AdvanceCursor(ctx context.Context, group string, seq int64) error

	// CreateRun inserts a queued run for d, or applies retry semantics
	// when the run_id already exists: retryable states re-queue with
	// retry_count+1, anything else returns *DuplicateRunError.
	CreateRun(ctx context.Context, d Dispatch, now int64) (Run, error)
	GetRun(ctx context.Context, runID string) (Run, error)
	// TransitionRun applies tr iff the run's current state is in from.
	// Returns (false, nil) when the precondition does not hold.
	TransitionRun(ctx context.Context, runID string, from []RunState, tr Transition) (bool, error)
	// RunsInState lists a group's runs in the given state, for
	// reconciliation sweeps.
	RunsInState(ctx context.Context, group string, state RunState) ([]Run, error)
	// RecordSession stores session telemetry reported by a frame.
	RecordSession(ctx context.Context, runID string, rec SessionRecord) error
	// RecordProgress mirrors the latest progress summary onto the run.
	RecordProgress(ctx context.Context, runID, summary string, ts int64) error

	// RecordSteer stores a pending steering event and bumps the run's
	// steer_count.
	RecordSteer(ctx context.Context, ev SteerEvent) error
	// AckSteer marks a steer acked. Returns false if it was not pending.
	AckSteer(ctx context.Context, steerID string, ts int64) (bool, error)
	// ExpireSteers marks steers sent before cutoff as expired and
	// returns how many.
	ExpireSteers(ctx context.Context, cutoff int64) (int, error)

	InsertDeadLetter(ctx context.Context, dl DeadLetter) error
	DeadLetters(ctx context.Context, group string, limit int) ([]DeadLetter, error)

	InsertScheduledTask(ctx context.Context, t ScheduledTask) error
	// DueScheduledTasks returns tasks with next_run_at <= now.
	DueScheduledTasks(ctx context.Context, now int64) ([]ScheduledTask, error)
	// MarkScheduledTaskRun records a task execution and its next due time
	// (nextRunAt == 0 deletes one-shot tasks).
	MarkScheduledTaskRun(ctx context.Context, id string, ranAt, nextRunAt int64) error
}
