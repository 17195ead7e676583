package nanoclaw

import "strings"

// Lane classifies a group's container configuration and delegation
// authority. The lane governs which image and secret scope a group runs
// with and whether it may dispatch work to other groups.
type Lane string

const (
	// LaneMain is the owner-facing lane; it may dispatch to any group.
	LaneMain Lane = "main"
	// LaneObserver is a read-only controller lane; it may not dispatch.
	LaneObserver Lane = "controller-observer"
	// LaneDeveloper is the controller lane that emits worker dispatches.
	LaneDeveloper Lane = "controller-developer"
	// LaneWorker executes dispatched runs under the completion contract.
	LaneWorker Lane = "worker"
)

// Group is a registered execution lane, identified by its folder name.
type Group struct {
	Folder  string
	Lane    Lane
	ChatJID string
	Image   string
	// Mounts are host:container bind specs passed to the engine verbatim.
	Mounts []string
	// SecretScope names the secret env vars injected into this group's
	// containers (and scrubbed from shell subprocesses by the agent).
	SecretScope []string
}

// LaneForFolder derives the lane class from a group folder name.
// Folder naming is the routing contract: "main" is the owner lane,
// "observer-*" and "developer-*" are the controller tiers, everything
// else is a self-scoped worker.
func LaneForFolder(folder string) Lane {
	switch {
	case folder == "main":
		return LaneMain
	case strings.HasPrefix(folder, "observer-"):
		return LaneObserver
	case strings.HasPrefix(folder, "developer-"):
		return LaneDeveloper
	default:
		return LaneWorker
	}
}

// Message is one ingested chat message. IngestSeq is allocated by the
// Store, strictly increasing within a host deployment and durable across
// restarts; the per-group cursor advances only by IngestSeq.
type Message struct {
	IngestSeq   int64
	ChatJID     string
	GroupFolder string
	Sender      string
	Body        string
	ReceivedAt  int64
}

// ScheduledTask is a stored task that, when due, enqueues a synthetic
// message into its group's queue.
type ScheduledTask struct {
	ID          string
	GroupFolder string
	Prompt      string
	NextRunAt   int64
	LastRunAt   int64
}

// DeadLetter records a message batch whose delivery exhausted retries.
// Dead letters are never silently dropped; operators drain them by hand.
type DeadLetter struct {
	ID          string
	GroupFolder string
	FirstSeq    int64
	LastSeq     int64
	Body        string
	Reason      string
	CreatedAt   int64
}

// RunState is the worker run state machine:
//
//	queued → running → {review_requested | failed_contract | failed}
//
// review_requested, done, failed_contract and failed are terminal;
// only failed and failed_contract accept a re-dispatch.
type RunState string

const (
	RunQueued          RunState = "queued"
	RunRunning         RunState = "running"
	RunReviewRequested RunState = "review_requested"
	RunFailedContract  RunState = "failed_contract"
	RunFailed          RunState = "failed"
	RunDone            RunState = "done"
)

// Terminal reports whether no further transition may leave s.
// A re-dispatch of a retryable terminal state creates a new attempt of
// the same run_id rather than transitioning the old row.
func (s RunState) Terminal() bool {
	switch s {
	case RunReviewRequested, RunDone, RunFailedContract, RunFailed:
		return true
	}
	return false
}

// Retryable reports whether a duplicate dispatch of this run_id is a
// legal retry (increments retry_count, resets to queued).
func (s RunState) Retryable() bool {
	return s == RunFailed || s == RunFailedContract
}

// Session resume outcomes recorded on the run row.
const (
	SessionResumed     = "resumed"
	SessionFallbackNew = "fallback_new"
	SessionNew         = "new"
)

// Run is one logical worker execution keyed by RunID, potentially retried.
type Run struct {
	RunID      string
	State      RunState
	RetryCount int

	// Dispatch inputs (immutable across retries).
	TargetGroup     string
	TaskType        string
	ContextIntent   string
	Input           string
	Repo            string
	Branch          string
	BaseBranch      string
	ParentRunID     string
	AcceptanceTests []string
	RequiredFields  []string
	BrowserEvidence bool

	// Terminal detail.
	FailureReason     string
	ContractPredicate string
	Completion        *Completion

	// Session telemetry.
	DispatchSessionID      string
	SelectedSessionID      string
	EffectiveSessionID     string
	SessionSelectionSource string
	SessionResumeStatus    string
	SessionResumeError     string

	// Progress mirrors.
	LastProgressSummary string
	LastProgressAt      int64
	SteerCount          int

	CreatedAt int64
	UpdatedAt int64
}

// SteerEvent is an out-of-band message injected into an in-flight run.
type SteerEvent struct {
	SteerID   string
	RunID     string
	FromGroup string
	Message   string
	SentAt    int64
	AckedAt   int64
	Status    string // pending | acked | expired
}

const (
	SteerPending = "pending"
	SteerAcked   = "acked"
	SteerExpired = "expired"
)

// ProgressEvent mirrors one progress file emitted by the in-container
// agent. Best-effort: losing one never fails the run.
type ProgressEvent struct {
	RunID   string
	Seq     int64
	Phase   string // "using <tool>" or "thinking"
	Summary string
	At      int64
}
