package nanoclaw

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	completionOpen  = "<completion>"
	completionClose = "</completion>"
)

var commitShaRe = regexp.MustCompile(`^[0-9a-f]{6,40}$`)

// noCodePrefixes enumerate run_id prefixes for runs that legitimately
// produce no commit; only these may carry a commit_sha placeholder.
var noCodePrefixes = []string{"ping-", "smoke-", "health-", "sync-"}

// BrowserEvidence proves a worker exercised a locally served tool surface
// rather than describing one. Screenshots are explicitly not evidence.
type BrowserEvidence struct {
	BaseURL             string   `json:"base_url"`
	ToolsListed         []string `json:"tools_listed"`
	ExecuteToolEvidence []string `json:"execute_tool_evidence"`
}

// Completion is the JSON object inside a <completion> block in the
// worker's output. It finalizes a run.
type Completion struct {
	RunID           string           `json:"run_id"`
	Branch          string           `json:"branch"`
	CommitSHA       string           `json:"commit_sha"`
	FilesChanged    []string         `json:"files_changed"`
	TestResult      string           `json:"test_result"`
	Risk            string           `json:"risk"`
	PRURL           string           `json:"pr_url,omitempty"`
	PRSkippedReason string           `json:"pr_skipped_reason,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	BrowserEvidence *BrowserEvidence `json:"browser_evidence,omitempty"`
}

// ExtractCompletion finds the first <completion>…</completion> block in
// text and parses its JSON body. A missing block returns (nil, false);
// a present but unparseable block returns an error so callers can
// distinguish completion_missing from completion_malformed.
func ExtractCompletion(text string) (*Completion, bool, error) {
	start := strings.Index(text, completionOpen)
	if start < 0 {
		return nil, false, nil
	}
	rest := text[start+len(completionOpen):]
	end := strings.Index(rest, completionClose)
	if end < 0 {
		return nil, true, fmt.Errorf("completion block not terminated")
	}
	var c Completion
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &c); err != nil {
		return nil, true, fmt.Errorf("completion block: %w", err)
	}
	return &c, true, nil
}

// fieldValue maps a required-field name to its completion value for
// presence checking. pr_url is satisfied by either side of the
// pr_url/pr_skipped_reason pair; the exactly-one rule is checked
// separately.
func (c *Completion) fieldValue(name string) (string, bool) {
	switch name {
	case "run_id":
		return c.RunID, true
	case "branch":
		return c.Branch, true
	case "commit_sha":
		return c.CommitSHA, true
	case "files_changed":
		if len(c.FilesChanged) == 0 {
			return "", true
		}
		return c.FilesChanged[0], true
	case "test_result":
		return c.TestResult, true
	case "risk":
		return c.Risk, true
	case "pr_url":
		if c.PRURL != "" {
			return c.PRURL, true
		}
		return c.PRSkippedReason, true
	case "session_id":
		return c.SessionID, true
	}
	return "", false
}

// HasNoCodePrefix reports whether runID belongs to the closed set of
// no-code run families allowed to use commit_sha placeholders.
func HasNoCodePrefix(runID string) bool {
	for _, p := range noCodePrefixes {
		if strings.HasPrefix(runID, p) {
			return true
		}
	}
	return false
}

// CheckContract enforces the completion contract of run r against c.
// The first violated predicate is returned as a *ContractError; nil
// means the run may transition to review_requested.
func CheckContract(r *Run, c *Completion) error {
	fail := func(predicate, format string, args ...any) error {
		return &ContractError{RunID: r.RunID, Predicate: predicate, Msg: fmt.Sprintf(format, args...)}
	}
	if c.RunID != r.RunID {
		return fail("run_id_mismatch", "completion run_id %q != dispatch %q", c.RunID, r.RunID)
	}
	if c.Branch != r.Branch {
		return fail("branch_mismatch", "completion branch %q != dispatch %q", c.Branch, r.Branch)
	}
	for _, f := range r.RequiredFields {
		v, known := c.fieldValue(f)
		if !known {
			return fail("unknown_field:"+f, "contract names field %q the completion schema lacks", f)
		}
		if strings.TrimSpace(v) == "" {
			return fail("missing_field:"+f, "required field %q empty", f)
		}
	}
	if (c.PRURL == "") == (c.PRSkippedReason == "") {
		return fail("pr_url_exclusivity", "exactly one of pr_url and pr_skipped_reason must be set")
	}
	if !commitShaRe.MatchString(c.CommitSHA) {
		placeholder := c.CommitSHA == "n/a" || c.CommitSHA == "none"
		if !placeholder || !HasNoCodePrefix(r.RunID) {
			return fail("commit_sha_invalid", "commit_sha %q is not 6-40 hex", c.CommitSHA)
		}
	}
	if r.BrowserEvidence {
		if err := checkBrowserEvidence(r, c); err != nil {
			return err
		}
	}
	if r.ContextIntent == IntentContinue && strings.TrimSpace(c.SessionID) == "" {
		return fail("session_id_missing", "context_intent continue requires a session_id")
	}
	return nil
}

func checkBrowserEvidence(r *Run, c *Completion) error {
	fail := func(predicate, msg string) error {
		return &ContractError{RunID: r.RunID, Predicate: predicate, Msg: msg}
	}
	be := c.BrowserEvidence
	if be == nil {
		return fail("browser_evidence_missing", "browser_evidence required by dispatch")
	}
	if !strings.Contains(be.BaseURL, "127.0.0.1") {
		return fail("browser_evidence_base_url", "base_url must target 127.0.0.1")
	}
	if len(be.ToolsListed) == 0 {
		return fail("browser_evidence_tools", "tools_listed empty")
	}
	if len(be.ExecuteToolEvidence) == 0 {
		return fail("browser_evidence_execution", "execute_tool_evidence empty")
	}
	for _, ev := range append(append([]string{}, be.ToolsListed...), be.ExecuteToolEvidence...) {
		if mentionsScreenshot(ev) {
			return fail("browser_evidence_screenshot", "screenshot references are not evidence")
		}
	}
	return nil
}
