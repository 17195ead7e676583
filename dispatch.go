package nanoclaw

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// TaskTypes is the closed set of dispatchable task kinds.
var TaskTypes = map[string]bool{
	"analyze": true, "implement": true, "fix": true, "refactor": true,
	"test": true, "release": true, "research": true, "code": true,
}

// Context intents. Fresh forbids a session_id; continue requires the
// completion to echo one back.
const (
	IntentFresh    = "fresh"
	IntentContinue = "continue"
)

// MinCompletionFields is the minimum set output_contract.required_fields
// must cover. "pr_url" is satisfied by either pr_url or pr_skipped_reason
// at completion time.
var MinCompletionFields = []string{"run_id", "branch", "commit_sha", "files_changed", "test_result", "risk", "pr_url"}

var (
	repoRe   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*/[A-Za-z0-9][A-Za-z0-9._-]*$`)
	branchRe = regexp.MustCompile(`^jarvis-[A-Za-z0-9][A-Za-z0-9._/-]*$`)
)

// OutputContract declares which completion fields the dispatcher will
// hold the worker to.
type OutputContract struct {
	RequiredFields []string `json:"required_fields"`
}

// Dispatch is the JSON payload a controller lane emits to start a worker
// run. The wire shape is the boundary; everything is re-validated here
// regardless of who produced it.
type Dispatch struct {
	RunID                   string         `json:"run_id"`
	TargetGroup             string         `json:"target_group"`
	TaskType                string         `json:"task_type"`
	ContextIntent           string         `json:"context_intent"`
	Input                   string         `json:"input"`
	Repo                    string         `json:"repo"`
	Branch                  string         `json:"branch"`
	BaseBranch              string         `json:"base_branch,omitempty"`
	AcceptanceTests         []string       `json:"acceptance_tests"`
	OutputContract          OutputContract `json:"output_contract"`
	ParentRunID             string         `json:"parent_run_id,omitempty"`
	SessionID               string         `json:"session_id,omitempty"`
	BrowserEvidenceRequired bool           `json:"browser_evidence_required,omitempty"`
}

// ExtractDispatch scans controller output for a JSON object that looks
// like a dispatch (has run_id and target_group). It tolerates surrounding
// prose by trying every top-level '{' span. Returns nil when the text
// contains no dispatch.
func ExtractDispatch(text string) *Dispatch {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchBrace(text, i)
		if end < 0 {
			continue
		}
		var d Dispatch
		if err := json.Unmarshal([]byte(text[i:end+1]), &d); err != nil {
			continue
		}
		if d.RunID != "" && d.TargetGroup != "" {
			return &d
		}
		i = end
	}
	return nil
}

// matchBrace returns the index of the brace closing the one at open, or
// -1. String-aware so braces inside JSON strings do not confuse it.
func matchBrace(s string, open int) int {
	depth := 0
	inStr := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch c {
			case '\\':
				i++
			case '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Validate checks every rule of the dispatch table. It returns the first
// violation as a *DispatchError so callers can surface the exact field.
func (d *Dispatch) Validate() error {
	if d.RunID == "" {
		return &DispatchError{Field: "run_id", Msg: "required"}
	}
	if len(d.RunID) > 64 {
		return &DispatchError{Field: "run_id", Msg: "exceeds 64 chars"}
	}
	if strings.IndexFunc(d.RunID, unicode.IsSpace) >= 0 {
		return &DispatchError{Field: "run_id", Msg: "contains whitespace"}
	}
	if !TaskTypes[d.TaskType] {
		return &DispatchError{Field: "task_type", Msg: fmt.Sprintf("unknown task type %q", d.TaskType)}
	}
	switch d.ContextIntent {
	case IntentFresh:
		if d.SessionID != "" {
			return &DispatchError{Field: "session_id", Msg: "forbidden when context_intent is fresh"}
		}
	case IntentContinue:
	default:
		return &DispatchError{Field: "context_intent", Msg: "must be fresh or continue"}
	}
	if strings.TrimSpace(d.Input) == "" {
		return &DispatchError{Field: "input", Msg: "required"}
	}
	if !repoRe.MatchString(d.Repo) {
		return &DispatchError{Field: "repo", Msg: "must be owner/repo"}
	}
	if !branchRe.MatchString(d.Branch) {
		return &DispatchError{Field: "branch", Msg: "must match jarvis-<feature>"}
	}
	if len(d.AcceptanceTests) == 0 {
		return &DispatchError{Field: "acceptance_tests", Msg: "required non-empty"}
	}
	for _, t := range d.AcceptanceTests {
		if strings.TrimSpace(t) == "" {
			return &DispatchError{Field: "acceptance_tests", Msg: "contains empty entry"}
		}
	}
	if len(d.OutputContract.RequiredFields) == 0 {
		return &DispatchError{Field: "output_contract.required_fields", Msg: "required non-empty"}
	}
	have := map[string]bool{}
	for _, f := range d.OutputContract.RequiredFields {
		have[f] = true
	}
	for _, f := range MinCompletionFields {
		if !have[f] {
			return &DispatchError{Field: "output_contract.required_fields", Msg: "missing minimum field " + f}
		}
	}
	if mentionsScreenshot(d.Input) {
		return &DispatchError{Field: "input", Msg: "screenshot capture/analysis is not dispatchable"}
	}
	for _, t := range d.AcceptanceTests {
		if mentionsScreenshot(t) {
			return &DispatchError{Field: "acceptance_tests", Msg: "screenshot capture/analysis is not dispatchable"}
		}
	}
	return nil
}

// mentionsScreenshot guards against dispatching visual-capture work that
// headless workers cannot honestly perform.
func mentionsScreenshot(s string) bool {
	return strings.Contains(strings.ToLower(s), "screenshot")
}
