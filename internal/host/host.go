// Package host wires the orchestration substrate together: message
// ingest, lane routing, dispatch validation, per-group queues, container
// turns, completion enforcement, progress forwarding, and steering. It
// owns no durable state of its own; everything long-lived goes through
// the Store.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nanoclaw/nanoclaw"
	"github.com/nanoclaw/nanoclaw/container"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/ipc"
	"github.com/nanoclaw/nanoclaw/observer"
	"github.com/nanoclaw/nanoclaw/queue"
)

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithInstruments attaches OTEL instruments. Nil (the default) disables
// metrics without any conditional call sites.
func WithInstruments(inst *observer.Instruments) Option {
	return func(h *Host) { h.inst = inst }
}

// activeRun is the in-memory view of a run between dispatch acceptance
// and terminal transition: which group executes it and which chat gets
// its progress lines.
type activeRun struct {
	group      nanoclaw.Group
	originChat string
}

// Host is the long-running orchestrator process.
type Host struct {
	store   nanoclaw.Store
	channel nanoclaw.Channel
	runner  *container.Runner
	queue   *queue.Queue
	cfg     config.Config
	logger  *slog.Logger
	inst    *observer.Instruments

	groups map[string]nanoclaw.Group // by folder
	byChat map[string]nanoclaw.Group // by chat JID

	mu           sync.Mutex
	surfaces     map[string]*ipc.Surface
	instructions map[string]string // per-group cache
	active       map[string]activeRun
	turns        map[string]bool // groups with a container turn in flight
}

// New builds a Host over its collaborators. Groups come from cfg; the
// lane class is derived from the folder name, never configured.
func New(store nanoclaw.Store, channel nanoclaw.Channel, runner *container.Runner, cfg config.Config, opts ...Option) *Host {
	h := &Host{
		store:        store,
		channel:      channel,
		runner:       runner,
		cfg:          cfg,
		logger:       slog.Default(),
		groups:       make(map[string]nanoclaw.Group),
		byChat:       make(map[string]nanoclaw.Group),
		surfaces:     make(map[string]*ipc.Surface),
		instructions: make(map[string]string),
		active:       make(map[string]activeRun),
		turns:        make(map[string]bool),
	}
	for _, o := range opts {
		o(h)
	}
	h.queue = queue.New(store, h,
		queue.WithLogger(h.logger),
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
		queue.WithBatchSize(cfg.Queue.BatchSize),
		queue.WithOnRetry(func(g nanoclaw.Group) {
			if h.inst != nil {
				h.count(context.Background(), h.inst.QueueRetries, observer.AttrGroup.String(g.Folder))
			}
		}),
		queue.WithOnDeadLetter(func(g nanoclaw.Group) {
			if h.inst != nil {
				h.count(context.Background(), h.inst.DeadLetters, observer.AttrGroup.String(g.Folder))
			}
		}))
	for _, gc := range cfg.Groups {
		h.Register(nanoclaw.Group{
			Folder:      gc.Folder,
			Lane:        nanoclaw.LaneForFolder(gc.Folder),
			ChatJID:     gc.ChatJID,
			Image:       gc.Image,
			Mounts:      gc.Mounts,
			SecretScope: gc.SecretScope,
		})
	}
	return h
}

// Register adds a group to the routing tables. Groups registered while
// running pick up work on their next message.
func (h *Host) Register(g nanoclaw.Group) {
	if g.Lane == "" {
		g.Lane = nanoclaw.LaneForFolder(g.Folder)
	}
	if g.Image == "" {
		g.Image = h.cfg.Container.Image
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups[g.Folder] = g
	if g.ChatJID != "" {
		h.byChat[g.ChatJID] = g
	}
}

// Group looks up a registered group by folder.
func (h *Host) Group(folder string) (nanoclaw.Group, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[folder]
	return g, ok
}

// Start runs the host until ctx is cancelled: reconciles state left by a
// previous process, then serves ingest, progress, steering, and
// scheduling loops.
func (h *Host) Start(ctx context.Context) error {
	if err := h.reconcile(ctx); err != nil {
		return fmt.Errorf("host: reconcile: %w", err)
	}
	h.queue.Start(ctx)

	go h.ingest(ctx)
	go h.forwardProgress(ctx)
	go h.sweepSteers(ctx)
	go h.runScheduler(ctx)

	// Wake every group so backlog surviving a restart drains immediately.
	for _, g := range h.snapshotGroups() {
		h.queue.Notify(g)
	}

	<-ctx.Done()
	h.queue.Close()
	return nil
}

// Queue exposes the group queue for administrative operations (cancel).
func (h *Host) Queue() *queue.Queue { return h.queue }

// reconcile demotes runs stuck in running from a previous host process.
// No container survives the host, so running without a live process
// handle is a contradiction to repair before accepting new work.
func (h *Host) reconcile(ctx context.Context) error {
	for _, g := range h.snapshotGroups() {
		runs, err := h.store.RunsInState(ctx, g.Folder, nanoclaw.RunRunning)
		if err != nil {
			return err
		}
		for _, r := range runs {
			applied, err := h.store.TransitionRun(ctx, r.RunID,
				[]nanoclaw.RunState{nanoclaw.RunRunning},
				nanoclaw.Transition{To: nanoclaw.RunFailed, FailureReason: nanoclaw.ReasonHostRestart})
			if err != nil {
				return err
			}
			if applied {
				h.logger.Warn("host: demoted orphaned run", "run_id", r.RunID, "group", g.Folder)
			}
		}
	}
	return nil
}

// ingest pumps the chat channel into the store and wakes group workers.
func (h *Host) ingest(ctx context.Context) {
	msgs, err := h.channel.Poll(ctx)
	if err != nil {
		h.logger.Error("host: channel poll failed", "err", err)
		return
	}
	for m := range msgs {
		g, ok := h.groupForMessage(m)
		if !ok {
			h.logger.Warn("host: message for unknown group",
				"chat_jid", m.ChatJID, "group_folder", m.GroupFolder)
			continue
		}
		seq, err := h.store.InsertMessage(ctx, nanoclaw.Message{
			ChatJID:     g.ChatJID,
			GroupFolder: g.Folder,
			Sender:      m.Sender,
			Body:        m.Text,
			ReceivedAt:  m.ReceivedAt,
		})
		if err != nil {
			h.logger.Error("host: ingest failed", "group", g.Folder, "err", err)
			continue
		}
		h.logger.Debug("host: message ingested", "group", g.Folder, "ingest_seq", seq)
		if h.injectLive(ctx, g, nanoclaw.Message{
			IngestSeq: seq, GroupFolder: g.Folder, Sender: m.Sender, Body: m.Text,
		}) {
			continue
		}
		h.queue.Notify(g)
	}
}

// injectLive routes a just-ingested message into the group's in-flight
// container turn through the input surface. Only the oldest undelivered
// message is eligible, so injection can never reorder the backlog.
// Returns false when the message should take the queue path instead. If
// the turn ends between the check and the write, the file waits on disk
// and the next turn consumes it; the cursor advance keeps the queue from
// delivering the same message again.
func (h *Host) injectLive(ctx context.Context, g nanoclaw.Group, m nanoclaw.Message) bool {
	if !h.turnActive(g.Folder) {
		return false
	}
	cur, err := h.store.Cursor(ctx, g.Folder)
	if err != nil {
		return false
	}
	pending, err := h.store.MessagesAfter(ctx, g.Folder, cur, 1)
	if err != nil || len(pending) == 0 || pending[0].IngestSeq != m.IngestSeq {
		return false
	}
	line := m.Body
	if m.Sender != "" {
		line = m.Sender + ": " + m.Body
	}
	if err := h.surface(g.Folder).WriteInput(line); err != nil {
		h.logger.Warn("host: live input write failed", "group", g.Folder, "err", err)
		return false
	}
	if err := h.store.AdvanceCursor(ctx, g.Folder, m.IngestSeq); err != nil {
		h.logger.Error("host: cursor advance after live input failed", "group", g.Folder, "err", err)
	}
	h.logger.Debug("host: live input injected", "group", g.Folder, "ingest_seq", m.IngestSeq)
	return true
}

func (h *Host) beginTurn(folder string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns[folder] = true
}

func (h *Host) endTurn(folder string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.turns, folder)
}

func (h *Host) turnActive(folder string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turns[folder]
}

func (h *Host) groupForMessage(m nanoclaw.IncomingMessage) (nanoclaw.Group, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.GroupFolder != "" {
		g, ok := h.groups[m.GroupFolder]
		return g, ok
	}
	g, ok := h.byChat[m.ChatJID]
	return g, ok
}

func (h *Host) snapshotGroups() []nanoclaw.Group {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]nanoclaw.Group, 0, len(h.groups))
	for _, g := range h.groups {
		out = append(out, g)
	}
	return out
}

// surface returns (creating if needed) the IPC surface for a group.
func (h *Host) surface(folder string) *ipc.Surface {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.surfaces[folder]
	if !ok {
		s = ipc.NewSurface(filepath.Join(h.cfg.Host.WorkspacePath, "ipc"), folder)
		h.surfaces[folder] = s
	}
	return s
}

// instructionsFor returns the group's instruction file content. Main
// reads once per process; other lanes re-read each turn when the reload
// flag is set.
func (h *Host) instructionsFor(g nanoclaw.Group) string {
	reload := g.Lane != nanoclaw.LaneMain && h.cfg.Host.ReloadInstructionsNonMain
	h.mu.Lock()
	cached, ok := h.instructions[g.Folder]
	h.mu.Unlock()
	if ok && !reload {
		return cached
	}
	data, err := os.ReadFile(filepath.Join(h.cfg.Host.WorkspacePath, g.Folder, "instructions.md"))
	if err != nil {
		data = nil
	}
	h.mu.Lock()
	h.instructions[g.Folder] = string(data)
	h.mu.Unlock()
	return string(data)
}

// trackRun registers an accepted run so progress and steer sweeps can
// find its group and origin chat.
func (h *Host) trackRun(runID string, group nanoclaw.Group, originChat string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[runID] = activeRun{group: group, originChat: originChat}
}

func (h *Host) untrackRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, runID)
}

func (h *Host) snapshotActive() map[string]activeRun {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]activeRun, len(h.active))
	for k, v := range h.active {
		out[k] = v
	}
	return out
}

// originChatFor resolves where a run's progress and outcome lines go:
// the dispatching chat if known, else the developer lane, else main.
func (h *Host) originChatFor(runID string) string {
	h.mu.Lock()
	if ar, ok := h.active[runID]; ok && ar.originChat != "" {
		h.mu.Unlock()
		return ar.originChat
	}
	h.mu.Unlock()
	var mainChat string
	for _, g := range h.snapshotGroups() {
		switch g.Lane {
		case nanoclaw.LaneDeveloper:
			return g.ChatJID
		case nanoclaw.LaneMain:
			mainChat = g.ChatJID
		}
	}
	return mainChat
}

func (h *Host) count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if h.inst == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
