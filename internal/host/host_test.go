package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw"
	"github.com/nanoclaw/nanoclaw/container"
	"github.com/nanoclaw/nanoclaw/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// fakeStore is an in-memory Store honoring the transition semantics the
// host depends on.
type fakeStore struct {
	nanoclaw.Store

	mu      sync.Mutex
	nextSeq int64
	msgs    []nanoclaw.Message
	cursors map[string]int64
	runs    map[string]*nanoclaw.Run
	steers  map[string]*nanoclaw.SteerEvent
	tasks   map[string]*nanoclaw.ScheduledTask
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cursors: make(map[string]int64),
		runs:    make(map[string]*nanoclaw.Run),
		steers:  make(map[string]*nanoclaw.SteerEvent),
		tasks:   make(map[string]*nanoclaw.ScheduledTask),
	}
}

func (s *fakeStore) InsertMessage(ctx context.Context, m nanoclaw.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	m.IngestSeq = s.nextSeq
	s.msgs = append(s.msgs, m)
	return m.IngestSeq, nil
}

func (s *fakeStore) MessagesAfter(ctx context.Context, group string, afterSeq int64, limit int) ([]nanoclaw.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []nanoclaw.Message
	for _, m := range s.msgs {
		if m.GroupFolder == group && m.IngestSeq > afterSeq {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) Cursor(ctx context.Context, group string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[group], nil
}

func (s *fakeStore) AdvanceCursor(ctx context.Context, group string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursors[group] {
		s.cursors[group] = seq
	}
	return nil
}

func (s *fakeStore) CreateRun(ctx context.Context, d nanoclaw.Dispatch, now int64) (nanoclaw.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[d.RunID]; ok {
		if !existing.State.Retryable() {
			return nanoclaw.Run{}, &nanoclaw.DuplicateRunError{RunID: d.RunID, State: existing.State}
		}
		existing.State = nanoclaw.RunQueued
		existing.RetryCount++
		existing.FailureReason = ""
		existing.ContractPredicate = ""
		return *existing, nil
	}
	r := &nanoclaw.Run{
		RunID:             d.RunID,
		State:             nanoclaw.RunQueued,
		TargetGroup:       d.TargetGroup,
		TaskType:          d.TaskType,
		ContextIntent:     d.ContextIntent,
		Input:             d.Input,
		Repo:              d.Repo,
		Branch:            d.Branch,
		BaseBranch:        d.BaseBranch,
		ParentRunID:       d.ParentRunID,
		AcceptanceTests:   d.AcceptanceTests,
		RequiredFields:    d.OutputContract.RequiredFields,
		BrowserEvidence:   d.BrowserEvidenceRequired,
		DispatchSessionID: d.SessionID,
		CreatedAt:         now,
	}
	s.runs[d.RunID] = r
	return *r, nil
}

func (s *fakeStore) GetRun(ctx context.Context, runID string) (nanoclaw.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nanoclaw.Run{}, fmt.Errorf("run %s not found", runID)
	}
	return *r, nil
}

func (s *fakeStore) TransitionRun(ctx context.Context, runID string, from []nanoclaw.RunState, tr nanoclaw.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s not found", runID)
	}
	legal := false
	for _, f := range from {
		if r.State == f {
			legal = true
			break
		}
	}
	if !legal {
		return false, nil
	}
	r.State = tr.To
	r.FailureReason = tr.FailureReason
	r.ContractPredicate = tr.ContractPredicate
	if tr.Completion != nil {
		r.Completion = tr.Completion
	}
	return true, nil
}

func (s *fakeStore) RunsInState(ctx context.Context, group string, state nanoclaw.RunState) ([]nanoclaw.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []nanoclaw.Run
	for _, r := range s.runs {
		if r.TargetGroup == group && r.State == state {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) RecordSession(ctx context.Context, runID string, rec nanoclaw.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		r.EffectiveSessionID = rec.EffectiveSessionID
		r.SessionResumeStatus = rec.ResumeStatus
		r.SessionResumeError = rec.ResumeError
	}
	return nil
}

func (s *fakeStore) RecordProgress(ctx context.Context, runID, summary string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		r.LastProgressSummary = summary
		r.LastProgressAt = ts
	}
	return nil
}

func (s *fakeStore) RecordSteer(ctx context.Context, ev nanoclaw.SteerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := ev
	s.steers[ev.SteerID] = &e
	if r, ok := s.runs[ev.RunID]; ok {
		r.SteerCount++
	}
	return nil
}

func (s *fakeStore) AckSteer(ctx context.Context, steerID string, ts int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.steers[steerID]
	if !ok || ev.Status != nanoclaw.SteerPending {
		return false, nil
	}
	ev.Status = nanoclaw.SteerAcked
	ev.AckedAt = ts
	return true, nil
}

func (s *fakeStore) ExpireSteers(ctx context.Context, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.steers {
		if ev.Status == nanoclaw.SteerPending && ev.SentAt < cutoff {
			ev.Status = nanoclaw.SteerExpired
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) DueScheduledTasks(ctx context.Context, now int64) ([]nanoclaw.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []nanoclaw.ScheduledTask
	for _, t := range s.tasks {
		if t.NextRunAt <= now {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkScheduledTaskRun(ctx context.Context, id string, ranAt, nextRunAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nextRunAt == 0 {
		delete(s.tasks, id)
		return nil
	}
	if t, ok := s.tasks[id]; ok {
		t.LastRunAt = ranAt
		t.NextRunAt = nextRunAt
	}
	return nil
}

func (s *fakeStore) run(t *testing.T, runID string) nanoclaw.Run {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		t.Fatalf("run %s not in store", runID)
	}
	return *r
}

func (s *fakeStore) messagesFor(group string) []nanoclaw.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []nanoclaw.Message
	for _, m := range s.msgs {
		if m.GroupFolder == group {
			out = append(out, m)
		}
	}
	return out
}

// fakeChannel records outbound sends.
type fakeChannel struct {
	mu    sync.Mutex
	sent  []string
	inbox chan nanoclaw.IncomingMessage
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbox: make(chan nanoclaw.IncomingMessage, 16)}
}

func (c *fakeChannel) Poll(ctx context.Context) (<-chan nanoclaw.IncomingMessage, error) {
	return c.inbox, nil
}

func (c *fakeChannel) Send(ctx context.Context, chatJID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, chatJID+": "+text)
	return nil
}

func (c *fakeChannel) sends() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// scriptEngine hands out processes that emit scripted stdout after
// stdin closes, then exit.
type scriptEngine struct {
	mu      sync.Mutex
	scripts []script
	stdins  [][]byte
}

type script struct {
	stdout []string
	exit   int64
}

func (e *scriptEngine) push(sc script) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts = append(e.scripts, sc)
}

func (e *scriptEngine) lastStdin(t *testing.T) []byte {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.stdins) == 0 {
		t.Fatal("no container was spawned")
	}
	return e.stdins[len(e.stdins)-1]
}

func (e *scriptEngine) Spawn(ctx context.Context, spec container.SpawnSpec) (container.Process, error) {
	e.mu.Lock()
	var sc script
	if len(e.scripts) > 0 {
		sc = e.scripts[0]
		e.scripts = e.scripts[1:]
	}
	e.mu.Unlock()

	p := newScriptProc()
	go func() {
		<-p.stdinClosed
		e.mu.Lock()
		e.stdins = append(e.stdins, p.stdinBytes())
		e.mu.Unlock()
		for _, line := range sc.stdout {
			fmt.Fprintln(p.outW, line)
		}
		p.exit(sc.exit)
	}()
	return p, nil
}

type scriptProc struct {
	mu          sync.Mutex
	stdin       []byte
	stdinClosed chan struct{}
	closeOnce   sync.Once

	outR *io.PipeReader
	outW *io.PipeWriter
	errR *io.PipeReader
	errW *io.PipeWriter

	exitOnce sync.Once
	exitCh   chan int64
}

func newScriptProc() *scriptProc {
	p := &scriptProc{stdinClosed: make(chan struct{}), exitCh: make(chan int64, 1)}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *scriptProc) exit(code int64) {
	p.exitOnce.Do(func() {
		p.exitCh <- code
		p.outW.Close()
		p.errW.Close()
	})
}

func (p *scriptProc) stdinBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.stdin...)
}

type scriptStdin struct{ p *scriptProc }

func (s scriptStdin) Write(b []byte) (int, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.stdin = append(s.p.stdin, b...)
	return len(b), nil
}

func (s scriptStdin) Close() error {
	s.p.closeOnce.Do(func() { close(s.p.stdinClosed) })
	return nil
}

func (p *scriptProc) Stdin() io.WriteCloser { return scriptStdin{p} }
func (p *scriptProc) Stdout() io.Reader     { return p.outR }
func (p *scriptProc) Stderr() io.Reader     { return p.errR }

func (p *scriptProc) Wait(ctx context.Context) (int64, error) {
	select {
	case code := <-p.exitCh:
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *scriptProc) Stop(ctx context.Context, grace time.Duration) error { return nil }
func (p *scriptProc) Kill(ctx context.Context) error                     { p.exit(137); return nil }
func (p *scriptProc) Remove(ctx context.Context) error                   { p.exit(137); return nil }

// frameLines renders a success frame's three stdout lines.
func frameLines(t *testing.T, result string) []string {
	t.Helper()
	f := container.Frame{Status: "success", Result: &result}
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	return []string{container.FrameStart, string(data), container.FrameEnd}
}

func testHost(t *testing.T) (*Host, *fakeStore, *fakeChannel, *scriptEngine) {
	t.Helper()
	store := newFakeStore()
	ch := newFakeChannel()
	engine := &scriptEngine{}
	runner := container.NewRunner(engine, container.NewSemaphore(2), container.Config{})

	cfg := config.Default()
	cfg.Host.WorkspacePath = t.TempDir()
	h := New(store, ch, runner, cfg)
	h.Register(nanoclaw.Group{Folder: "main", ChatJID: "main@g.us"})
	h.Register(nanoclaw.Group{Folder: "developer-jarvis", ChatJID: "dev@g.us"})
	h.Register(nanoclaw.Group{Folder: "worker-alpha", ChatJID: "alpha@g.us"})
	// The queue is deliberately left unstarted: turns run directly so the
	// scripted engine is consumed deterministically.
	return h, store, ch, engine
}

func validDispatch(runID string) string {
	return fmt.Sprintf(`{"run_id":%q,"target_group":"worker-alpha","task_type":"implement",
"context_intent":"fresh","input":"do X","repo":"o/r","branch":"jarvis-x",
"acceptance_tests":["t"],"output_contract":{"required_fields":
["run_id","branch","commit_sha","files_changed","test_result","risk","pr_url"]}}`, runID)
}

func validCompletion(runID string) string {
	return fmt.Sprintf(`done. <completion>{"run_id":%q,"branch":"jarvis-x","commit_sha":"abc1234",
"files_changed":["main.go"],"test_result":"pass","risk":"low",
"pr_url":"https://example.com/pr/1"}</completion>`, runID)
}

func devGroup(h *Host) nanoclaw.Group {
	g, _ := h.Group("developer-jarvis")
	return g
}

func workerGroup(h *Host) nanoclaw.Group {
	g, _ := h.Group("worker-alpha")
	return g
}

func TestDispatchCreatesRunAndEnqueuesWorker(t *testing.T) {
	h, store, _, engine := testHost(t)
	engine.push(script{stdout: frameLines(t, "dispatching now "+validDispatch("task-1")), exit: 0})

	delivered, err := h.RunTurn(context.Background(), devGroup(h),
		[]nanoclaw.Message{{IngestSeq: 1, GroupFolder: "developer-jarvis", Body: "go"}})
	if err != nil || !delivered {
		t.Fatalf("RunTurn = (%v, %v)", delivered, err)
	}

	r := store.run(t, "task-1")
	if r.State != nanoclaw.RunQueued {
		t.Errorf("state = %s", r.State)
	}
	if r.TargetGroup != "worker-alpha" || r.Branch != "jarvis-x" {
		t.Errorf("run = %+v", r)
	}
	worker := store.messagesFor("worker-alpha")
	if len(worker) != 1 {
		t.Fatalf("worker messages = %+v", worker)
	}
	if worker[0].Sender != "developer-jarvis" {
		t.Errorf("sender = %s", worker[0].Sender)
	}
}

func TestDispatchSelfTargetPolicyBlocked(t *testing.T) {
	h, store, _, engine := testHost(t)
	self := `{"run_id":"task-leak","target_group":"developer-jarvis","task_type":"implement",
"context_intent":"fresh","input":"x","repo":"o/r","branch":"jarvis-x",
"acceptance_tests":["t"],"output_contract":{"required_fields":
["run_id","branch","commit_sha","files_changed","test_result","risk","pr_url"]}}`
	engine.push(script{stdout: frameLines(t, self), exit: 0})

	if _, err := h.RunTurn(context.Background(), devGroup(h),
		[]nanoclaw.Message{{IngestSeq: 1, Body: "go"}}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.runs) != 0 {
		t.Fatalf("policy-blocked dispatch created a run: %+v", store.runs)
	}
}

func TestDispatchObserverBlocked(t *testing.T) {
	h, store, _, engine := testHost(t)
	h.Register(nanoclaw.Group{Folder: "observer-audit", ChatJID: "obs@g.us"})
	engine.push(script{stdout: frameLines(t, validDispatch("task-obs")), exit: 0})

	g, _ := h.Group("observer-audit")
	if _, err := h.RunTurn(context.Background(), g,
		[]nanoclaw.Message{{IngestSeq: 1, Body: "go"}}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.runs) != 0 {
		t.Fatal("observer dispatch created a run")
	}
}

func TestDispatchInvalidRejectedWithNotice(t *testing.T) {
	h, store, ch, engine := testHost(t)
	bad := `{"run_id":"task-2","target_group":"worker-alpha","task_type":"implement",
"context_intent":"fresh","input":"x","repo":"o/r","branch":"feature-x",
"acceptance_tests":["t"],"output_contract":{"required_fields":
["run_id","branch","commit_sha","files_changed","test_result","risk","pr_url"]}}`
	engine.push(script{stdout: frameLines(t, bad), exit: 0})

	if _, err := h.RunTurn(context.Background(), devGroup(h),
		[]nanoclaw.Message{{IngestSeq: 1, Body: "go"}}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	store.mu.Lock()
	n := len(store.runs)
	store.mu.Unlock()
	if n != 0 {
		t.Fatal("invalid dispatch created a run")
	}
	found := false
	for _, s := range ch.sends() {
		if s == "dev@g.us: dispatch task-2 rejected: dispatch invalid: branch: must match jarvis-<feature>" {
			found = true
		}
	}
	if !found {
		t.Errorf("no rejection notice in %v", ch.sends())
	}
}

func runWorkerTurn(t *testing.T, h *Host, store *fakeStore, engine *scriptEngine, runID string, sc script) nanoclaw.Run {
	t.Helper()
	engine.push(script{stdout: frameLines(t, validDispatch(runID)), exit: 0})
	if _, err := h.RunTurn(context.Background(), devGroup(h),
		[]nanoclaw.Message{{IngestSeq: 1, Body: "go"}}); err != nil {
		t.Fatalf("dispatch turn: %v", err)
	}
	engine.push(sc)
	msgs := store.messagesFor("worker-alpha")
	if _, err := h.RunTurn(context.Background(), workerGroup(h), msgs); err != nil {
		t.Fatalf("worker turn: %v", err)
	}
	return store.run(t, runID)
}

func TestWorkerRunHappyPath(t *testing.T) {
	h, store, _, engine := testHost(t)
	r := runWorkerTurn(t, h, store, engine, "task-1",
		script{stdout: frameLines(t, validCompletion("task-1")), exit: 0})

	if r.State != nanoclaw.RunReviewRequested {
		t.Fatalf("state = %s (reason %s, predicate %s)", r.State, r.FailureReason, r.ContractPredicate)
	}
	if r.Completion == nil || r.Completion.CommitSHA != "abc1234" {
		t.Errorf("completion = %+v", r.Completion)
	}
	if r.RetryCount != 0 {
		t.Errorf("retry_count = %d", r.RetryCount)
	}
}

func TestWorkerRunBranchMismatch(t *testing.T) {
	h, store, _, engine := testHost(t)
	mismatched := `<completion>{"run_id":"task-1","branch":"other","commit_sha":"abc1234",
"files_changed":["x"],"test_result":"pass","risk":"low","pr_url":"https://e/1"}</completion>`
	r := runWorkerTurn(t, h, store, engine, "task-1",
		script{stdout: frameLines(t, mismatched), exit: 0})

	if r.State != nanoclaw.RunFailedContract {
		t.Fatalf("state = %s", r.State)
	}
	if r.ContractPredicate != "branch_mismatch" {
		t.Errorf("predicate = %s", r.ContractPredicate)
	}
}

func TestWorkerRunCompletionMissing(t *testing.T) {
	h, store, _, engine := testHost(t)
	r := runWorkerTurn(t, h, store, engine, "task-1",
		script{stdout: frameLines(t, "did stuff, forgot to report"), exit: 0})

	if r.State != nanoclaw.RunFailedContract {
		t.Fatalf("state = %s", r.State)
	}
	if r.ContractPredicate != nanoclaw.ReasonCompletionAbsent {
		t.Errorf("predicate = %s", r.ContractPredicate)
	}
}

func TestWorkerRunContainerCrash(t *testing.T) {
	h, store, _, engine := testHost(t)
	r := runWorkerTurn(t, h, store, engine, "task-1",
		script{stdout: frameLines(t, "partial work"), exit: 1})

	if r.State != nanoclaw.RunFailed {
		t.Fatalf("state = %s", r.State)
	}
	if r.FailureReason != nanoclaw.ReasonContainerCrash {
		t.Errorf("reason = %s", r.FailureReason)
	}
}

func TestWorkerRunSpawnFailedBeforeOutput(t *testing.T) {
	h, store, _, engine := testHost(t)
	r := runWorkerTurn(t, h, store, engine, "task-1",
		script{stdout: nil, exit: 1}) // exits without a byte of output

	if r.State != nanoclaw.RunFailed {
		t.Fatalf("state = %s", r.State)
	}
	if r.FailureReason != nanoclaw.ReasonSpawnFailed {
		t.Errorf("reason = %s", r.FailureReason)
	}
}

func TestWorkerContinuePassesSessionID(t *testing.T) {
	h, store, _, engine := testHost(t)
	cont := `{"run_id":"task-c","target_group":"worker-alpha","task_type":"implement",
"context_intent":"continue","session_id":"sess-42","input":"keep going","repo":"o/r","branch":"jarvis-x",
"acceptance_tests":["t"],"output_contract":{"required_fields":
["run_id","branch","commit_sha","files_changed","test_result","risk","pr_url"]}}`
	engine.push(script{stdout: frameLines(t, cont), exit: 0})
	if _, err := h.RunTurn(context.Background(), devGroup(h),
		[]nanoclaw.Message{{IngestSeq: 1, Body: "go"}}); err != nil {
		t.Fatal(err)
	}

	comp := `<completion>{"run_id":"task-c","branch":"jarvis-x","commit_sha":"abc1234",
"files_changed":["x"],"test_result":"pass","risk":"low","pr_url":"https://e/1",
"session_id":"sess-42"}</completion>`
	engine.push(script{stdout: frameLines(t, comp), exit: 0})
	if _, err := h.RunTurn(context.Background(), workerGroup(h), store.messagesFor("worker-alpha")); err != nil {
		t.Fatal(err)
	}

	var payload stdinPayload
	if err := json.Unmarshal(engine.lastStdin(t), &payload); err != nil {
		t.Fatalf("stdin payload: %v", err)
	}
	if payload.SessionID != "sess-42" {
		t.Errorf("sessionId = %q", payload.SessionID)
	}
	if r := store.run(t, "task-c"); r.State != nanoclaw.RunReviewRequested {
		t.Errorf("state = %s (predicate %s)", r.State, r.ContractPredicate)
	}
}

func TestDuplicateDispatchBlocked(t *testing.T) {
	h, store, ch, engine := testHost(t)
	runWorkerTurn(t, h, store, engine, "task-1",
		script{stdout: frameLines(t, validCompletion("task-1")), exit: 0})

	// Re-dispatch while review_requested: refused, row unchanged.
	engine.push(script{stdout: frameLines(t, validDispatch("task-1")), exit: 0})
	if _, err := h.RunTurn(context.Background(), devGroup(h),
		[]nanoclaw.Message{{IngestSeq: 9, Body: "again"}}); err != nil {
		t.Fatal(err)
	}
	r := store.run(t, "task-1")
	if r.State != nanoclaw.RunReviewRequested || r.RetryCount != 0 {
		t.Fatalf("duplicate mutated run: %+v", r)
	}
	found := false
	for _, s := range ch.sends() {
		if s == "dev@g.us: dispatch refused: duplicate_blocked: run task-1 is review_requested" {
			found = true
		}
	}
	if !found {
		t.Errorf("no duplicate notice in %v", ch.sends())
	}
}

func TestRetryDispatchAfterFailure(t *testing.T) {
	h, store, _, engine := testHost(t)
	runWorkerTurn(t, h, store, engine, "task-1",
		script{stdout: frameLines(t, "no completion here"), exit: 0})
	if r := store.run(t, "task-1"); r.State != nanoclaw.RunFailedContract {
		t.Fatalf("setup state = %s", r.State)
	}

	engine.push(script{stdout: frameLines(t, validDispatch("task-1")), exit: 0})
	if _, err := h.RunTurn(context.Background(), devGroup(h),
		[]nanoclaw.Message{{IngestSeq: 9, Body: "retry"}}); err != nil {
		t.Fatal(err)
	}
	r := store.run(t, "task-1")
	if r.State != nanoclaw.RunQueued || r.RetryCount != 1 {
		t.Fatalf("retry not applied: %+v", r)
	}
}

func TestWorkerBatchCutAtSecondRunPrompt(t *testing.T) {
	h, store, _, engine := testHost(t)
	engine.push(script{stdout: frameLines(t, validDispatch("task-a")), exit: 0})
	if _, err := h.RunTurn(context.Background(), devGroup(h),
		[]nanoclaw.Message{{IngestSeq: 1, Body: "go"}}); err != nil {
		t.Fatal(err)
	}
	engine.push(script{stdout: frameLines(t, validDispatch("task-b")), exit: 0})
	if _, err := h.RunTurn(context.Background(), devGroup(h),
		[]nanoclaw.Message{{IngestSeq: 2, Body: "go again"}}); err != nil {
		t.Fatal(err)
	}

	msgs := store.messagesFor("worker-alpha")
	if len(msgs) != 2 {
		t.Fatalf("worker messages = %+v", msgs)
	}
	cut := h.LimitBatch(workerGroup(h), msgs)
	if len(cut) != 1 || !strings.Contains(cut[0].Body, "run_id: task-a") {
		t.Fatalf("cut = %+v", cut)
	}

	// First worker turn resolves task-a only; task-b keeps its prompt.
	engine.push(script{stdout: frameLines(t, validCompletion("task-a")), exit: 0})
	if _, err := h.RunTurn(context.Background(), workerGroup(h), cut); err != nil {
		t.Fatal(err)
	}
	if r := store.run(t, "task-a"); r.State != nanoclaw.RunReviewRequested {
		t.Fatalf("task-a = %s (predicate %s)", r.State, r.ContractPredicate)
	}
	if r := store.run(t, "task-b"); r.State != nanoclaw.RunQueued {
		t.Fatalf("task-b = %s", r.State)
	}

	// The remainder feeds the next turn, which binds task-b.
	engine.push(script{stdout: frameLines(t, validCompletion("task-b")), exit: 0})
	if _, err := h.RunTurn(context.Background(), workerGroup(h), msgs[len(cut):]); err != nil {
		t.Fatal(err)
	}
	if r := store.run(t, "task-b"); r.State != nanoclaw.RunReviewRequested {
		t.Fatalf("task-b = %s (predicate %s)", r.State, r.ContractPredicate)
	}
}

func TestLimitBatchControllerLanesUncut(t *testing.T) {
	h, _, _, _ := testHost(t)
	msgs := []nanoclaw.Message{
		{IngestSeq: 1, Body: "run_id: task-a\n..."},
		{IngestSeq: 2, Body: "run_id: task-b\n..."},
	}
	if got := h.LimitBatch(devGroup(h), msgs); len(got) != 2 {
		t.Fatalf("controller batch cut: %+v", got)
	}
	// A chat message between prompts rides with the first run's turn.
	mixed := []nanoclaw.Message{
		{IngestSeq: 1, Body: "hey"},
		{IngestSeq: 2, Body: "run_id: task-a\n..."},
		{IngestSeq: 3, Body: "focus on tests"},
		{IngestSeq: 4, Body: "run_id: task-b\n..."},
	}
	got := h.LimitBatch(workerGroup(h), mixed)
	if len(got) != 3 || got[2].IngestSeq != 3 {
		t.Fatalf("mixed batch = %+v", got)
	}
}

func ingestOne(t *testing.T, h *Host, ch *fakeChannel, m nanoclaw.IncomingMessage) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.ingest(context.Background())
		close(done)
	}()
	ch.inbox <- m
	close(ch.inbox)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ingest never drained")
	}
}

func TestIngestMidTurnRoutesInputFile(t *testing.T) {
	h, store, ch, _ := testHost(t)
	h.beginTurn("main")
	defer h.endTurn("main")

	ingestOne(t, h, ch, nanoclaw.IncomingMessage{ChatJID: "main@g.us", Sender: "robn", Text: "follow-up", ReceivedAt: 1})

	msgs, err := h.surface("main").NextInputs()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Text != "robn: follow-up" {
		t.Fatalf("input files = %+v", msgs)
	}
	stored := store.messagesFor("main")
	if len(stored) != 1 {
		t.Fatalf("stored = %+v", stored)
	}
	cur, _ := store.Cursor(context.Background(), "main")
	if cur != stored[0].IngestSeq {
		t.Errorf("cursor = %d, want %d", cur, stored[0].IngestSeq)
	}
}

func TestIngestMidTurnRefusesWhenBacklogPending(t *testing.T) {
	h, store, ch, _ := testHost(t)
	h.beginTurn("main")
	defer h.endTurn("main")

	// An older undelivered message must reach the model first; the live
	// path would jump the line.
	if _, err := store.InsertMessage(context.Background(),
		nanoclaw.Message{ChatJID: "main@g.us", GroupFolder: "main", Body: "earlier"}); err != nil {
		t.Fatal(err)
	}
	ingestOne(t, h, ch, nanoclaw.IncomingMessage{ChatJID: "main@g.us", Sender: "robn", Text: "late", ReceivedAt: 2})

	if msgs, _ := h.surface("main").NextInputs(); len(msgs) != 0 {
		t.Fatalf("out-of-order live injection: %+v", msgs)
	}
	if cur, _ := store.Cursor(context.Background(), "main"); cur != 0 {
		t.Errorf("cursor = %d", cur)
	}
}

func TestIngestWithoutTurnTakesQueuePath(t *testing.T) {
	h, store, ch, _ := testHost(t)

	ingestOne(t, h, ch, nanoclaw.IncomingMessage{ChatJID: "main@g.us", Sender: "robn", Text: "hello", ReceivedAt: 1})

	if msgs, _ := h.surface("main").NextInputs(); len(msgs) != 0 {
		t.Fatalf("idle group got an input file: %+v", msgs)
	}
	if got := store.messagesFor("main"); len(got) != 1 || got[0].Body != "hello" {
		t.Fatalf("stored = %+v", got)
	}
	if cur, _ := store.Cursor(context.Background(), "main"); cur != 0 {
		t.Errorf("cursor = %d", cur)
	}
}

func TestReconcileDemotesOrphanedRunning(t *testing.T) {
	h, store, _, _ := testHost(t)
	store.runs["task-orphan"] = &nanoclaw.Run{
		RunID: "task-orphan", State: nanoclaw.RunRunning, TargetGroup: "worker-alpha",
	}
	if err := h.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	r := store.run(t, "task-orphan")
	if r.State != nanoclaw.RunFailed || r.FailureReason != nanoclaw.ReasonHostRestart {
		t.Fatalf("run = %+v", r)
	}
}

func TestSchedulerTickEnqueuesSyntheticMessage(t *testing.T) {
	h, store, _, _ := testHost(t)
	store.tasks["st-1"] = &nanoclaw.ScheduledTask{
		ID: "st-1", GroupFolder: "worker-alpha", Prompt: "nightly sweep", NextRunAt: 1,
	}
	h.schedulerTick(context.Background())

	msgs := store.messagesFor("worker-alpha")
	if len(msgs) != 1 || msgs[0].Sender != senderScheduler || msgs[0].Body != "nightly sweep" {
		t.Fatalf("messages = %+v", msgs)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.tasks) != 0 {
		t.Fatal("one-shot task not deleted")
	}
}

func TestSteerRequiresRunningRun(t *testing.T) {
	h, store, _, _ := testHost(t)
	store.runs["task-1"] = &nanoclaw.Run{RunID: "task-1", State: nanoclaw.RunQueued, TargetGroup: "worker-alpha"}

	if err := h.Steer(context.Background(), "developer-jarvis", "task-1", "focus"); err == nil {
		t.Fatal("steer accepted for non-running run")
	}
	if err := h.Steer(context.Background(), "worker-beta", "task-1", "focus"); err == nil {
		t.Fatal("worker lane allowed to steer")
	}

	store.runs["task-1"].State = nanoclaw.RunRunning
	if err := h.Steer(context.Background(), "developer-jarvis", "task-1", "focus"); err != nil {
		t.Fatalf("Steer: %v", err)
	}
	got, err := h.surface("worker-alpha").PollSteer("task-1")
	if err != nil || got == nil {
		t.Fatalf("steer file = (%+v, %v)", got, err)
	}
	if got.Message != "focus" {
		t.Errorf("steer = %+v", got)
	}
	if r := store.run(t, "task-1"); r.SteerCount != 1 {
		t.Errorf("steer_count = %d", r.SteerCount)
	}
}

func TestInstructionsReloadFlag(t *testing.T) {
	h, _, _, _ := testHost(t)
	g := workerGroup(h)

	dir := filepath.Join(h.cfg.Host.WorkspacePath, g.Folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "instructions.md"), "v1")
	if got := h.instructionsFor(g); got != "v1" {
		t.Fatalf("instructions = %q", got)
	}

	// Without the reload flag the cache wins.
	writeFile(t, filepath.Join(dir, "instructions.md"), "v2")
	if got := h.instructionsFor(g); got != "v1" {
		t.Fatalf("cache bypassed: %q", got)
	}

	h.cfg.Host.ReloadInstructionsNonMain = true
	if got := h.instructionsFor(g); got != "v2" {
		t.Fatalf("reload flag ignored: %q", got)
	}
}
