package nanoclaw

import "fmt"

// Failure reasons recorded on a run's terminal transition. Exactly one of
// these resolves each run; the container runner guarantees the timer
// reasons are mutually exclusive with natural exit.
const (
	ReasonSpawnFailed      = "container_spawn_failed_before_running"
	ReasonNoOutputTimeout  = "no_output_timeout"
	ReasonIdleHardCap      = "idle_hard_cap"
	ReasonHardTimeout      = "hard_timeout"
	ReasonContainerCrash   = "container_crash"
	ReasonCompletionAbsent = "completion_missing"
	ReasonHostRestart      = "host_restart"
	ReasonRetryExhausted   = "queue_retry_exhausted"
)

// DispatchError rejects a dispatch payload before any run row exists.
type DispatchError struct {
	Field string
	Msg   string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch invalid: %s: %s", e.Field, e.Msg)
}

// PolicyError rejects a dispatch whose source lane is not authorized to
// target the destination group. Distinct from DispatchError: the payload
// may be perfectly well formed.
type PolicyError struct {
	FromGroup   string
	FromLane    Lane
	TargetGroup string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy-blocked dispatch: %s (%s) -> %s", e.FromGroup, e.FromLane, e.TargetGroup)
}

// DuplicateRunError rejects a re-dispatch of a run_id whose current state
// does not accept retries.
type DuplicateRunError struct {
	RunID string
	State RunState
}

func (e *DuplicateRunError) Error() string {
	return fmt.Sprintf("duplicate_blocked: run %s is %s", e.RunID, e.State)
}

// ContractError records the first completion-contract predicate a run's
// output violated. Predicate is a stable machine-readable name
// ("branch_mismatch", "missing_field:test_result", ...).
type ContractError struct {
	RunID     string
	Predicate string
	Msg       string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("completion contract violated for %s: %s: %s", e.RunID, e.Predicate, e.Msg)
}
