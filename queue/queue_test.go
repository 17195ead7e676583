package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw"
)

// memStore implements the slice of the Store interface the queue uses.
// Unused methods panic via the embedded nil interface.
type memStore struct {
	nanoclaw.Store

	mu       sync.Mutex
	msgs     map[string][]nanoclaw.Message
	cursors  map[string]int64
	deadLets []nanoclaw.DeadLetter
}

func newMemStore() *memStore {
	return &memStore{
		msgs:    make(map[string][]nanoclaw.Message),
		cursors: make(map[string]int64),
	}
}

func (s *memStore) add(group string, seq int64, sender, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[group] = append(s.msgs[group], nanoclaw.Message{
		IngestSeq: seq, GroupFolder: group, Sender: sender, Body: body,
	})
}

func (s *memStore) Cursor(ctx context.Context, group string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[group], nil
}

func (s *memStore) AdvanceCursor(ctx context.Context, group string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursors[group] {
		s.cursors[group] = seq
	}
	return nil
}

func (s *memStore) MessagesAfter(ctx context.Context, group string, afterSeq int64, limit int) ([]nanoclaw.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []nanoclaw.Message
	for _, m := range s.msgs[group] {
		if m.IngestSeq > afterSeq {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) InsertDeadLetter(ctx context.Context, dl nanoclaw.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLets = append(s.deadLets, dl)
	return nil
}

func (s *memStore) deadLetters() []nanoclaw.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]nanoclaw.DeadLetter(nil), s.deadLets...)
}

type turn struct {
	group string
	msgs  []nanoclaw.Message
}

// scriptRunner returns the scripted outcomes in order; extra calls
// succeed.
type scriptRunner struct {
	mu      sync.Mutex
	turns   []turn
	fails   int // first N calls fail undelivered
	closes  []string
	turnsCh chan struct{}
}

func newScriptRunner(fails int) *scriptRunner {
	return &scriptRunner{fails: fails, turnsCh: make(chan struct{}, 64)}
}

func (r *scriptRunner) RunTurn(ctx context.Context, group nanoclaw.Group, msgs []nanoclaw.Message) (bool, error) {
	r.mu.Lock()
	r.turns = append(r.turns, turn{group: group.Folder, msgs: msgs})
	failing := len(r.turns) <= r.fails
	r.mu.Unlock()
	r.turnsCh <- struct{}{}
	if failing {
		return false, errors.New("container crashed before output")
	}
	return true, nil
}

func (r *scriptRunner) RequestClose(group nanoclaw.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, group.Folder)
	return nil
}

func (r *scriptRunner) recorded() []turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]turn(nil), r.turns...)
}

func waitTurns(t *testing.T, r *scriptRunner, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.turnsCh:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for turn %d of %d", i+1, n)
		}
	}
}

func waitCursor(t *testing.T, s *memStore, group string, want int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		cur, _ := s.Cursor(context.Background(), group)
		if cur == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("cursor = %d, want %d", cur, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

var alpha = nanoclaw.Group{Folder: "worker-alpha", Lane: nanoclaw.LaneWorker}

func TestQueueDeliversInOrder(t *testing.T) {
	store := newMemStore()
	store.add("worker-alpha", 1, "u", "first")
	store.add("worker-alpha", 2, "u", "second")
	runner := newScriptRunner(0)

	q := New(store, runner, WithBaseDelay(time.Millisecond))
	q.Start(context.Background())
	defer q.Close()

	q.Notify(alpha)
	waitTurns(t, runner, 1)
	waitCursor(t, store, "worker-alpha", 2)

	turns := runner.recorded()
	if len(turns) != 1 {
		t.Fatalf("turns = %d", len(turns))
	}
	got := turns[0].msgs
	if len(got) != 2 || got[0].Body != "first" || got[1].Body != "second" {
		t.Fatalf("batch = %+v", got)
	}
}

func TestQueueRetriesThenSucceeds(t *testing.T) {
	store := newMemStore()
	store.add("worker-alpha", 1, "u", "flaky")
	runner := newScriptRunner(2)

	q := New(store, runner, WithBaseDelay(time.Millisecond), WithMaxRetries(3))
	q.Start(context.Background())
	defer q.Close()

	q.Notify(alpha)
	waitTurns(t, runner, 3)
	waitCursor(t, store, "worker-alpha", 1)

	if dls := store.deadLetters(); len(dls) != 0 {
		t.Fatalf("dead letters = %+v", dls)
	}
	// Every retry carried the same batch.
	for i, tr := range runner.recorded() {
		if len(tr.msgs) != 1 || tr.msgs[0].IngestSeq != 1 {
			t.Errorf("attempt %d batch = %+v", i, tr.msgs)
		}
	}
}

func TestQueueDeadLettersExhaustedBatch(t *testing.T) {
	store := newMemStore()
	store.add("worker-alpha", 1, "u", "doomed")
	store.add("worker-alpha", 2, "u", "also doomed")
	runner := newScriptRunner(100)

	q := New(store, runner, WithBaseDelay(time.Millisecond), WithMaxRetries(2))
	q.Start(context.Background())
	defer q.Close()

	q.Notify(alpha)
	waitTurns(t, runner, 2)
	waitCursor(t, store, "worker-alpha", 2)

	dls := store.deadLetters()
	if len(dls) != 1 {
		t.Fatalf("dead letters = %+v", dls)
	}
	dl := dls[0]
	if dl.GroupFolder != "worker-alpha" || dl.FirstSeq != 1 || dl.LastSeq != 2 {
		t.Errorf("dead letter = %+v", dl)
	}
	if dl.Body != "u: doomed\nu: also doomed" {
		t.Errorf("body = %q", dl.Body)
	}
	if dl.Reason == "" {
		t.Error("reason missing")
	}
}

func TestQueueDrainsBacklogAcrossBatches(t *testing.T) {
	store := newMemStore()
	for i := int64(1); i <= 5; i++ {
		store.add("worker-alpha", i, "u", "m")
	}
	runner := newScriptRunner(0)

	q := New(store, runner, WithBatchSize(2), WithBaseDelay(time.Millisecond))
	q.Start(context.Background())
	defer q.Close()

	q.Notify(alpha)
	waitTurns(t, runner, 3) // 2 + 2 + 1
	waitCursor(t, store, "worker-alpha", 5)
}

// limitRunner cuts every batch to its first message.
type limitRunner struct{ *scriptRunner }

func (r limitRunner) LimitBatch(group nanoclaw.Group, msgs []nanoclaw.Message) []nanoclaw.Message {
	return msgs[:1]
}

func TestQueueHonorsBatchLimiter(t *testing.T) {
	store := newMemStore()
	store.add("worker-alpha", 1, "u", "one")
	store.add("worker-alpha", 2, "u", "two")
	runner := limitRunner{newScriptRunner(0)}

	q := New(store, runner, WithBaseDelay(time.Millisecond))
	q.Start(context.Background())
	defer q.Close()

	q.Notify(alpha)
	waitTurns(t, runner.scriptRunner, 2)
	waitCursor(t, store, "worker-alpha", 2)

	turns := runner.recorded()
	if len(turns) != 2 {
		t.Fatalf("turns = %+v", turns)
	}
	if len(turns[0].msgs) != 1 || turns[0].msgs[0].Body != "one" {
		t.Fatalf("first batch = %+v", turns[0].msgs)
	}
	if len(turns[1].msgs) != 1 || turns[1].msgs[0].Body != "two" {
		t.Fatalf("second batch = %+v", turns[1].msgs)
	}
}

func TestQueueRetryAndDeadLetterHooks(t *testing.T) {
	store := newMemStore()
	store.add("worker-alpha", 1, "u", "doomed")
	runner := newScriptRunner(100)

	var retries, deads atomic.Int32
	q := New(store, runner, WithBaseDelay(time.Millisecond), WithMaxRetries(3),
		WithOnRetry(func(nanoclaw.Group) { retries.Add(1) }),
		WithOnDeadLetter(func(nanoclaw.Group) { deads.Add(1) }))
	q.Start(context.Background())
	defer q.Close()

	q.Notify(alpha)
	waitTurns(t, runner, 3)
	waitCursor(t, store, "worker-alpha", 1)

	if got := retries.Load(); got != 2 {
		t.Errorf("retry hook fired %d times, want 2", got)
	}
	if got := deads.Load(); got != 1 {
		t.Errorf("dead-letter hook fired %d times, want 1", got)
	}
}

func TestQueueGroupsIndependent(t *testing.T) {
	store := newMemStore()
	store.add("worker-alpha", 1, "u", "a")
	store.add("worker-beta", 2, "u", "b")
	runner := newScriptRunner(0)

	q := New(store, runner, WithBaseDelay(time.Millisecond))
	q.Start(context.Background())
	defer q.Close()

	q.Notify(alpha)
	q.Notify(nanoclaw.Group{Folder: "worker-beta", Lane: nanoclaw.LaneWorker})
	waitTurns(t, runner, 2)
	waitCursor(t, store, "worker-alpha", 1)
	waitCursor(t, store, "worker-beta", 2)

	groups := map[string]bool{}
	for _, tr := range runner.recorded() {
		groups[tr.group] = true
	}
	if !groups["worker-alpha"] || !groups["worker-beta"] {
		t.Fatalf("turns = %+v", runner.recorded())
	}
}

func TestQueueCancelDrainsAndRequestsClose(t *testing.T) {
	store := newMemStore()
	store.add("worker-alpha", 1, "u", "pending")
	store.add("worker-alpha", 2, "u", "also pending")
	runner := newScriptRunner(0)

	q := New(store, runner)
	q.Start(context.Background())
	defer q.Close()

	// Cancel without ever waking the worker: backlog is skipped, not run.
	if err := q.Cancel(context.Background(), alpha); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitCursor(t, store, "worker-alpha", 2)
	if len(runner.recorded()) != 0 {
		t.Fatalf("cancelled batch still ran: %+v", runner.recorded())
	}
	if len(runner.closes) != 1 || runner.closes[0] != "worker-alpha" {
		t.Fatalf("closes = %v", runner.closes)
	}

	// A fresh message after cancel flows normally.
	store.add("worker-alpha", 3, "u", "new work")
	q.Notify(alpha)
	waitTurns(t, runner, 1)
	waitCursor(t, store, "worker-alpha", 3)
}

func TestQueueNotifyBeforeStartIsNoop(t *testing.T) {
	store := newMemStore()
	store.add("worker-alpha", 1, "u", "early")
	runner := newScriptRunner(0)

	q := New(store, runner)
	q.Notify(alpha) // not started; must not panic or spawn workers

	q.Start(context.Background())
	defer q.Close()
	q.Notify(alpha)
	waitTurns(t, runner, 1)
}

func TestCoalesceBatch(t *testing.T) {
	got := CoalesceBatch([]nanoclaw.Message{
		{Sender: "alice", Body: "hello"},
		{Sender: "", Body: "system note"},
		{Sender: "bob", Body: "bye"},
	})
	want := "alice: hello\nsystem note\nbob: bye"
	if got != want {
		t.Fatalf("coalesced = %q, want %q", got, want)
	}
}
