// Package queue drives per-group message delivery: one worker goroutine
// per group folder reads batches past the durable cursor, hands them to
// a container turn, and advances the cursor only after frames were
// actually delivered. Failed turns retry with exponential backoff;
// exhausted batches land in dead-letter rows, never on the floor.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw"
)

// TurnRunner executes container turns on behalf of the queue. The queue
// owns ordering and retries; the runner owns everything inside the
// container boundary.
type TurnRunner interface {
	// RunTurn runs one container turn for group over msgs (coalesced into
	// a single prompt by the implementation). delivered reports whether at
	// least one output frame arrived; a false return rolls the turn back
	// and the same batch is retried.
	RunTurn(ctx context.Context, group nanoclaw.Group, msgs []nanoclaw.Message) (delivered bool, err error)
	// RequestClose asks the group's running container (if any) to drain
	// and exit gracefully.
	RequestClose(group nanoclaw.Group) error
}

// BatchLimiter is implemented by runners that need delivery batches cut
// at domain boundaries before a turn starts. The queue delivers the
// returned prefix; the remainder stays past the cursor for the next
// turn.
type BatchLimiter interface {
	LimitBatch(group nanoclaw.Group, msgs []nanoclaw.Message) []nanoclaw.Message
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMaxRetries sets how many delivery attempts a batch gets before it
// is dead-lettered (default: 3).
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithBaseDelay sets the initial backoff delay before the second
// attempt (default: 2s). Each subsequent delay doubles, plus jitter.
func WithBaseDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.baseDelay = d
		}
	}
}

// WithBatchSize caps how many messages coalesce into one turn
// (default: 50).
func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// WithOnRetry registers a callback fired after each failed delivery
// attempt that will be retried.
func WithOnRetry(fn func(group nanoclaw.Group)) Option {
	return func(q *Queue) { q.onRetry = fn }
}

// WithOnDeadLetter registers a callback fired when an exhausted batch
// is dead-lettered.
func WithOnDeadLetter(fn func(group nanoclaw.Group)) Option {
	return func(q *Queue) { q.onDeadLetter = fn }
}

// Queue multiplexes group workers. Groups run in parallel; within a
// group turns are strictly serial, so a group's messages can never
// reach the model out of ingest order.
type Queue struct {
	store        nanoclaw.Store
	runner       TurnRunner
	logger       *slog.Logger
	maxRetries   int
	baseDelay    time.Duration
	batchSize    int
	onRetry      func(nanoclaw.Group)
	onDeadLetter func(nanoclaw.Group)

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[string]*groupWorker
	wg      sync.WaitGroup
}

type groupWorker struct {
	group nanoclaw.Group
	wake  chan struct{}
}

// New creates a Queue over store and runner. Call Start before Notify.
func New(store nanoclaw.Store, runner TurnRunner, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		runner:     runner,
		logger:     slog.Default(),
		maxRetries: 3,
		baseDelay:  2 * time.Second,
		batchSize:  50,
		workers:    make(map[string]*groupWorker),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Start arms the queue. Workers are spawned lazily on the first Notify
// for each group and all stop when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Close stops all workers and waits for in-flight turns to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Notify wakes group's worker, creating it on first use. Safe to call
// from any goroutine; redundant wakes collapse.
func (q *Queue) Notify(group nanoclaw.Group) {
	q.mu.Lock()
	if q.ctx == nil || q.ctx.Err() != nil {
		q.mu.Unlock()
		return
	}
	w, ok := q.workers[group.Folder]
	if !ok {
		w = &groupWorker{group: group, wake: make(chan struct{}, 1)}
		q.workers[group.Folder] = w
		q.wg.Add(1)
		go q.runWorker(q.ctx, w)
	}
	q.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Cancel drains group's pending backlog (the cursor skips past it) and
// asks any running container to close. The in-flight turn is allowed to
// finish or time out on its own.
func (q *Queue) Cancel(ctx context.Context, group nanoclaw.Group) error {
	cur, err := q.store.Cursor(ctx, group.Folder)
	if err != nil {
		return fmt.Errorf("queue: cancel %s: %w", group.Folder, err)
	}
	for {
		msgs, err := q.store.MessagesAfter(ctx, group.Folder, cur, q.batchSize)
		if err != nil {
			return fmt.Errorf("queue: cancel %s: %w", group.Folder, err)
		}
		if len(msgs) == 0 {
			break
		}
		cur = msgs[len(msgs)-1].IngestSeq
	}
	if err := q.store.AdvanceCursor(ctx, group.Folder, cur); err != nil {
		return fmt.Errorf("queue: cancel %s: %w", group.Folder, err)
	}
	if err := q.runner.RequestClose(group); err != nil {
		q.logger.Warn("queue: close request failed", "group", group.Folder, "err", err)
	}
	q.logger.Info("queue: group cancelled", "group", group.Folder, "cursor", cur)
	return nil
}

func (q *Queue) runWorker(ctx context.Context, w *groupWorker) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
		q.drain(ctx, w)
	}
}

// drain processes batches until the group's backlog is empty or ctx is
// done.
func (q *Queue) drain(ctx context.Context, w *groupWorker) {
	for ctx.Err() == nil {
		cur, err := q.store.Cursor(ctx, w.group.Folder)
		if err != nil {
			q.logger.Error("queue: cursor read failed", "group", w.group.Folder, "err", err)
			return
		}
		msgs, err := q.store.MessagesAfter(ctx, w.group.Folder, cur, q.batchSize)
		if err != nil {
			q.logger.Error("queue: backlog read failed", "group", w.group.Folder, "err", err)
			return
		}
		if len(msgs) == 0 {
			return
		}
		q.deliver(ctx, w.group, msgs)
	}
}

// deliver attempts one batch with bounded retries. The cursor advances
// on success and on dead-letter; it never advances past undelivered
// messages otherwise.
func (q *Queue) deliver(ctx context.Context, group nanoclaw.Group, msgs []nanoclaw.Message) {
	if bl, ok := q.runner.(BatchLimiter); ok {
		if cut := bl.LimitBatch(group, msgs); len(cut) > 0 {
			msgs = cut
		}
	}
	lastSeq := msgs[len(msgs)-1].IngestSeq
	var lastErr error

	for attempt := 0; attempt < q.maxRetries; attempt++ {
		delivered, err := q.runner.RunTurn(ctx, group, msgs)
		if delivered {
			if err != nil {
				// Frames made it out before the failure; the work is done
				// from the queue's point of view.
				q.logger.Warn("queue: turn ended with error after delivery",
					"group", group.Folder, "err", err)
			}
			if aerr := q.store.AdvanceCursor(ctx, group.Folder, lastSeq); aerr != nil {
				q.logger.Error("queue: cursor advance failed", "group", group.Folder, "err", aerr)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		q.logger.Warn("queue: turn failed, will retry",
			"group", group.Folder,
			"first_seq", msgs[0].IngestSeq,
			"last_seq", lastSeq,
			"attempt", attempt+1,
			"max_retries", q.maxRetries,
			"err", err)
		if attempt < q.maxRetries-1 {
			if q.onRetry != nil {
				q.onRetry(group)
			}
			timer := time.NewTimer(backoff(q.baseDelay, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	q.deadLetter(ctx, group, msgs, lastErr)
}

// deadLetter records the exhausted batch and moves the cursor past it
// so the group goes idle instead of spinning.
func (q *Queue) deadLetter(ctx context.Context, group nanoclaw.Group, msgs []nanoclaw.Message, cause error) {
	reason := "retries_exhausted"
	if cause != nil {
		reason = fmt.Sprintf("retries_exhausted: %v", cause)
	}
	dl := nanoclaw.DeadLetter{
		ID:          nanoclaw.NewID(),
		GroupFolder: group.Folder,
		FirstSeq:    msgs[0].IngestSeq,
		LastSeq:     msgs[len(msgs)-1].IngestSeq,
		Body:        CoalesceBatch(msgs),
		Reason:      reason,
		CreatedAt:   nanoclaw.NowUnix(),
	}
	if err := q.store.InsertDeadLetter(ctx, dl); err != nil {
		q.logger.Error("queue: dead-letter insert failed", "group", group.Folder, "err", err)
		// Do not advance: losing the batch silently is worse than a stall.
		return
	}
	if q.onDeadLetter != nil {
		q.onDeadLetter(group)
	}
	if err := q.store.AdvanceCursor(ctx, group.Folder, dl.LastSeq); err != nil {
		q.logger.Error("queue: cursor advance after dead-letter failed", "group", group.Folder, "err", err)
		return
	}
	q.logger.Error("queue: batch dead-lettered",
		"group", group.Folder,
		"dead_letter_id", dl.ID,
		"first_seq", dl.FirstSeq,
		"last_seq", dl.LastSeq)
}

// CoalesceBatch flattens a batch into one prompt body, one sender-tagged
// line per message, preserving ingest order.
func CoalesceBatch(msgs []nanoclaw.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		if m.Sender != "" {
			b.WriteString(m.Sender)
			b.WriteString(": ")
		}
		b.WriteString(m.Body)
	}
	return b.String()
}

// backoff returns the delay before retry attempt i (0-indexed):
// base * 2^i plus up to 50% random jitter.
func backoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
