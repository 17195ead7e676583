package nanoclaw

import (
	"errors"
	"strings"
	"testing"
)

func validDispatch() Dispatch {
	return Dispatch{
		RunID:           "task-1",
		TargetGroup:     "worker-alpha",
		TaskType:        "implement",
		ContextIntent:   IntentFresh,
		Input:           "add the retry flag",
		Repo:            "acme/widgets",
		Branch:          "jarvis-retry-flag",
		AcceptanceTests: []string{"go test ./..."},
		OutputContract:  OutputContract{RequiredFields: MinCompletionFields},
	}
}

func wantField(t *testing.T, err error, field string) {
	t.Helper()
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DispatchError", err)
	}
	if de.Field != field {
		t.Fatalf("field = %q, want %q (err %v)", de.Field, field, err)
	}
}

func TestDispatchValidateAccepts(t *testing.T) {
	d := validDispatch()
	if err := d.Validate(); err != nil {
		t.Fatalf("valid dispatch rejected: %v", err)
	}

	cont := validDispatch()
	cont.ContextIntent = IntentContinue
	cont.SessionID = "sess-1"
	if err := cont.Validate(); err != nil {
		t.Fatalf("continue dispatch rejected: %v", err)
	}
}

func TestDispatchValidateTable(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*Dispatch)
		field string
	}{
		{"missing run_id", func(d *Dispatch) { d.RunID = "" }, "run_id"},
		{"run_id too long", func(d *Dispatch) { d.RunID = strings.Repeat("x", 65) }, "run_id"},
		{"run_id whitespace", func(d *Dispatch) { d.RunID = "task 1" }, "run_id"},
		{"unknown task type", func(d *Dispatch) { d.TaskType = "deploy" }, "task_type"},
		{"bad intent", func(d *Dispatch) { d.ContextIntent = "resume" }, "context_intent"},
		{"fresh with session", func(d *Dispatch) { d.SessionID = "sess-1" }, "session_id"},
		{"blank input", func(d *Dispatch) { d.Input = "   " }, "input"},
		{"bad repo", func(d *Dispatch) { d.Repo = "widgets" }, "repo"},
		{"bad branch prefix", func(d *Dispatch) { d.Branch = "feature/retry" }, "branch"},
		{"no acceptance tests", func(d *Dispatch) { d.AcceptanceTests = nil }, "acceptance_tests"},
		{"blank acceptance test", func(d *Dispatch) { d.AcceptanceTests = []string{" "} }, "acceptance_tests"},
		{"empty contract", func(d *Dispatch) { d.OutputContract.RequiredFields = nil }, "output_contract.required_fields"},
		{"contract below minimum", func(d *Dispatch) {
			d.OutputContract.RequiredFields = []string{"run_id", "branch"}
		}, "output_contract.required_fields"},
		{"screenshot input", func(d *Dispatch) { d.Input = "take a screenshot of the page" }, "input"},
		{"screenshot acceptance", func(d *Dispatch) {
			d.AcceptanceTests = append(d.AcceptanceTests, "verify the Screenshot matches")
		}, "acceptance_tests"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDispatch()
			tc.mut(&d)
			wantField(t, d.Validate(), tc.field)
		})
	}
}

func TestDispatchContractMayExceedMinimum(t *testing.T) {
	d := validDispatch()
	d.OutputContract.RequiredFields = append(append([]string(nil), MinCompletionFields...), "session_id")
	if err := d.Validate(); err != nil {
		t.Fatalf("superset contract rejected: %v", err)
	}
}

func TestExtractDispatchFromProse(t *testing.T) {
	text := `Okay, dispatching now.

{"run_id":"task-7","target_group":"worker-alpha","task_type":"fix","context_intent":"fresh","input":"x","repo":"a/b","branch":"jarvis-x","acceptance_tests":["t"],"output_contract":{"required_fields":["run_id"]}}

I'll report back when it's done.`
	d := ExtractDispatch(text)
	if d == nil {
		t.Fatal("dispatch not found")
	}
	if d.RunID != "task-7" || d.TargetGroup != "worker-alpha" || d.TaskType != "fix" {
		t.Fatalf("dispatch = %+v", d)
	}
}

func TestExtractDispatchSkipsNonDispatchObjects(t *testing.T) {
	text := `{"note":"just chatting"} and also {"run_id":"task-8","target_group":"worker-beta"}`
	d := ExtractDispatch(text)
	if d == nil || d.RunID != "task-8" {
		t.Fatalf("dispatch = %+v", d)
	}
}

func TestExtractDispatchNone(t *testing.T) {
	for _, text := range []string{
		"no json here",
		"{unbalanced",
		`{"run_id":"only-half"}`,
		`braces in strings: {"x":"}{","y":1}`,
	} {
		if d := ExtractDispatch(text); d != nil {
			t.Errorf("ExtractDispatch(%q) = %+v", text, d)
		}
	}
}

func TestExtractDispatchBraceInString(t *testing.T) {
	text := `{"run_id":"task-9","target_group":"worker-alpha","input":"use {curly} braces"}`
	d := ExtractDispatch(text)
	if d == nil || d.Input != "use {curly} braces" {
		t.Fatalf("dispatch = %+v", d)
	}
}
