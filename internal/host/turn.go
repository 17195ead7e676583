package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/nanoclaw/nanoclaw"
	"github.com/nanoclaw/nanoclaw/container"
	"github.com/nanoclaw/nanoclaw/observer"
	"github.com/nanoclaw/nanoclaw/queue"
)

// stdinPayload is the JSON object written to a container's stdin,
// terminated by EOF.
type stdinPayload struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId,omitempty"`
	RunID           string            `json:"runId,omitempty"`
	GroupFolder     string            `json:"groupFolder"`
	ChatJID         string            `json:"chatJid"`
	IsMain          bool              `json:"isMain"`
	IsScheduledTask bool              `json:"isScheduledTask,omitempty"`
	AssistantName   string            `json:"assistantName,omitempty"`
	Secrets         map[string]string `json:"secrets"`
}

// senderScheduler marks synthetic messages enqueued by the scheduler.
const senderScheduler = "scheduler"

var _ queue.TurnRunner = (*Host)(nil)
var _ queue.BatchLimiter = (*Host)(nil)

// LimitBatch cuts a worker batch before its second run prompt so one
// turn never consumes two runs' instructions. The queue delivers the
// remainder in the next turn.
func (h *Host) LimitBatch(group nanoclaw.Group, msgs []nanoclaw.Message) []nanoclaw.Message {
	if group.Lane != nanoclaw.LaneWorker {
		return msgs
	}
	seen := false
	for i, m := range msgs {
		if !isRunPrompt(m.Body) {
			continue
		}
		if seen {
			return msgs[:i]
		}
		seen = true
	}
	return msgs
}

// RunTurn executes one container turn for group over msgs. Worker groups
// additionally bind the turn to the run named in the batch (falling back
// to the oldest queued run) and enforce the completion contract on the
// output.
func (h *Host) RunTurn(ctx context.Context, group nanoclaw.Group, msgs []nanoclaw.Message) (bool, error) {
	h.beginTurn(group.Folder)
	defer h.endTurn(group.Folder)

	var run *nanoclaw.Run
	if group.Lane == nanoclaw.LaneWorker {
		queued, err := h.store.RunsInState(ctx, group.Folder, nanoclaw.RunQueued)
		if err != nil {
			return false, fmt.Errorf("host: queued runs for %s: %w", group.Folder, err)
		}
		if len(queued) > 0 {
			sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt < queued[j].CreatedAt })
			run = &queued[0]
			if id := batchRunID(msgs); id != "" {
				for i := range queued {
					if queued[i].RunID == id {
						run = &queued[i]
						break
					}
				}
			}
		}
	}

	payload := h.buildPayload(group, run, msgs)
	surface := h.surface(group.Folder)
	// The group's IPC tree is bind-mounted so the in-container runner
	// sees the same input/progress/steer files the host writes.
	mounts := append(append([]string(nil), group.Mounts...),
		surface.Root()+":/workspace/ipc/"+group.Folder)
	spec := container.SpawnSpec{
		Name:   fmt.Sprintf("nanoclaw-%s-%s", group.Folder, nanoclaw.NewID()[:8]),
		Image:  group.Image,
		Mounts: mounts,
		Env:    []string{"NANOCLAW_GROUP=" + group.Folder},
		Pull:   h.cfg.Container.PullImage,
	}

	var results []string
	hooks := container.Hooks{
		OnSpawnConfirmed: func() {
			if run == nil {
				return
			}
			applied, err := h.store.TransitionRun(ctx, run.RunID,
				[]nanoclaw.RunState{nanoclaw.RunQueued},
				nanoclaw.Transition{To: nanoclaw.RunRunning})
			if err != nil || !applied {
				h.logger.Warn("host: queued->running not applied",
					"run_id", run.RunID, "applied", applied, "err", err)
				return
			}
			h.logger.Info("host: run running", "run_id", run.RunID, "group", group.Folder)
		},
		OnFrame: func(f container.Frame) {
			h.handleFrame(ctx, group, run, f, &results)
		},
	}

	if h.inst != nil {
		h.inst.ContainersActive.Add(ctx, 1, metric.WithAttributes(observer.AttrGroup.String(group.Folder)))
		defer h.inst.ContainersActive.Add(ctx, -1, metric.WithAttributes(observer.AttrGroup.String(group.Folder)))
	}
	started := time.Now()
	res, err := h.runner.Run(ctx, spec, payload, surface, hooks)
	if h.inst != nil {
		h.inst.TurnDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
			metric.WithAttributes(observer.AttrGroup.String(group.Folder)))
		if res.Reason != container.ReasonNaturalExit && res.Reason != "" {
			h.count(ctx, h.inst.ContainerKills, observer.AttrKillCause.String(res.Reason))
		}
	}

	if run != nil {
		h.finalizeRun(ctx, group, run, res, strings.Join(results, "\n"))
	}
	return len(res.Frames) > 0, err
}

// RequestClose asks the group's running container to drain via the IPC
// close sentinel.
func (h *Host) RequestClose(group nanoclaw.Group) error {
	return h.surface(group.Folder).WriteClose()
}

func (h *Host) buildPayload(group nanoclaw.Group, run *nanoclaw.Run, msgs []nanoclaw.Message) stdinPayload {
	prompt := queue.CoalesceBatch(msgs)
	if ins := h.instructionsFor(group); ins != "" {
		prompt = ins + "\n\n" + prompt
	}
	scheduled := false
	for _, m := range msgs {
		if m.Sender == senderScheduler {
			scheduled = true
			break
		}
	}
	p := stdinPayload{
		Prompt:          prompt,
		GroupFolder:     group.Folder,
		ChatJID:         group.ChatJID,
		IsMain:          group.Lane == nanoclaw.LaneMain,
		IsScheduledTask: scheduled,
		AssistantName:   h.cfg.Host.AssistantName,
		Secrets:         secretsFor(group),
	}
	if run != nil {
		p.RunID = run.RunID
		if run.ContextIntent == nanoclaw.IntentContinue {
			p.SessionID = run.DispatchSessionID
		}
	}
	return p
}

// secretsFor resolves a group's secret scope from the host environment.
func secretsFor(group nanoclaw.Group) map[string]string {
	secrets := make(map[string]string, len(group.SecretScope))
	for _, name := range group.SecretScope {
		if v := os.Getenv(name); v != "" {
			secrets[name] = v
		}
	}
	return secrets
}

// handleFrame processes one stdout frame in emission order: session
// telemetry, outbound chat, and dispatch extraction for controller
// lanes.
func (h *Host) handleFrame(ctx context.Context, group nanoclaw.Group, run *nanoclaw.Run, f container.Frame, results *[]string) {
	if run != nil && f.NewSessionID != "" {
		status := f.SessionResumeStatus
		if status == "" {
			status = nanoclaw.SessionNew
		}
		if err := h.store.RecordSession(ctx, run.RunID, nanoclaw.SessionRecord{
			EffectiveSessionID: f.NewSessionID,
			SelectionSource:    "frame",
			ResumeStatus:       status,
			ResumeError:        f.SessionResumeError,
		}); err != nil {
			h.logger.Warn("host: session record failed", "run_id", run.RunID, "err", err)
		}
	}
	if f.Result == nil {
		if f.Error != "" {
			h.logger.Warn("host: error frame", "group", group.Folder, "error", f.Error)
		}
		return
	}
	text := *f.Result
	*results = append(*results, text)

	if group.ChatJID != "" {
		if err := h.channel.Send(ctx, group.ChatJID, text); err != nil {
			h.logger.Warn("host: outbound send failed", "chat_jid", group.ChatJID, "err", err)
		}
	}

	switch group.Lane {
	case nanoclaw.LaneMain, nanoclaw.LaneDeveloper, nanoclaw.LaneObserver:
		h.handleDispatch(ctx, group, text)
	}
}

// handleDispatch validates and records a dispatch found in controller
// output. Policy violations and invalid payloads never create a run row.
func (h *Host) handleDispatch(ctx context.Context, from nanoclaw.Group, text string) {
	d := nanoclaw.ExtractDispatch(text)
	if d == nil {
		return
	}
	if err := nanoclaw.AuthorizeDispatch(from.Folder, from.Lane, d.TargetGroup); err != nil {
		h.logger.Warn("host: policy_blocked", "from", from.Folder, "target", d.TargetGroup, "err", err)
		return
	}
	if err := d.Validate(); err != nil {
		h.logger.Warn("host: dispatch_invalid", "from", from.Folder, "run_id", d.RunID, "err", err)
		h.notify(ctx, from.ChatJID, fmt.Sprintf("dispatch %s rejected: %v", d.RunID, err))
		return
	}
	target, ok := h.Group(d.TargetGroup)
	if !ok {
		h.logger.Warn("host: dispatch to unregistered group", "target", d.TargetGroup, "run_id", d.RunID)
		h.notify(ctx, from.ChatJID, fmt.Sprintf("dispatch %s rejected: unknown group %s", d.RunID, d.TargetGroup))
		return
	}
	if d.ParentRunID != "" {
		if _, err := h.store.GetRun(ctx, d.ParentRunID); err != nil {
			h.logger.Warn("host: dispatch parent missing", "run_id", d.RunID, "parent", d.ParentRunID)
			h.notify(ctx, from.ChatJID, fmt.Sprintf("dispatch %s rejected: parent_run_id %s not found", d.RunID, d.ParentRunID))
			return
		}
	}

	run, err := h.store.CreateRun(ctx, *d, nanoclaw.NowUnix())
	if err != nil {
		h.logger.Warn("host: dispatch refused", "run_id", d.RunID, "err", err)
		h.notify(ctx, from.ChatJID, fmt.Sprintf("dispatch refused: %v", err))
		return
	}
	if h.inst != nil {
		h.count(ctx, h.inst.RunsCreated, observer.AttrTaskType.String(d.TaskType))
	}
	h.trackRun(run.RunID, target, from.ChatJID)

	if _, err := h.store.InsertMessage(ctx, nanoclaw.Message{
		ChatJID:     target.ChatJID,
		GroupFolder: target.Folder,
		Sender:      from.Folder,
		Body:        workerPrompt(run),
		ReceivedAt:  nanoclaw.NowUnix(),
	}); err != nil {
		h.logger.Error("host: dispatch enqueue failed", "run_id", run.RunID, "err", err)
		return
	}
	h.queue.Notify(target)
	h.logger.Info("host: run dispatched",
		"run_id", run.RunID, "target", target.Folder, "retry_count", run.RetryCount)
}

// workerPrompt renders the dispatch into the worker's initial prompt.
func workerPrompt(r nanoclaw.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run_id: %s\ntask_type: %s\nrepo: %s\nbranch: %s\n", r.RunID, r.TaskType, r.Repo, r.Branch)
	if r.BaseBranch != "" {
		fmt.Fprintf(&b, "base_branch: %s\n", r.BaseBranch)
	}
	fmt.Fprintf(&b, "\n%s\n\nacceptance tests:\n", r.Input)
	for _, t := range r.AcceptanceTests {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	fmt.Fprintf(&b, "\nreport completion in a <completion> block with fields: %s\n",
		strings.Join(r.RequiredFields, ", "))
	return b.String()
}

// isRunPrompt reports whether a message body is a rendered run prompt.
func isRunPrompt(body string) bool { return strings.HasPrefix(body, "run_id: ") }

// batchRunID extracts the run_id from the first run prompt in a batch.
func batchRunID(msgs []nanoclaw.Message) string {
	for _, m := range msgs {
		if !isRunPrompt(m.Body) {
			continue
		}
		line, _, _ := strings.Cut(m.Body, "\n")
		return strings.TrimSpace(strings.TrimPrefix(line, "run_id:"))
	}
	return ""
}

// finalizeRun maps a finished container turn onto the run state machine.
func (h *Host) finalizeRun(ctx context.Context, group nanoclaw.Group, run *nanoclaw.Run, res container.Result, output string) {
	defer h.untrackRun(run.RunID)

	if !res.Confirmed {
		h.terminate(ctx, run, []nanoclaw.RunState{nanoclaw.RunQueued},
			nanoclaw.Transition{To: nanoclaw.RunFailed, FailureReason: nanoclaw.ReasonSpawnFailed})
		return
	}

	c, found, err := nanoclaw.ExtractCompletion(output)
	switch {
	case found && err == nil:
		if cerr := nanoclaw.CheckContract(run, c); cerr != nil {
			predicate := "contract_violation"
			var ce *nanoclaw.ContractError
			if errors.As(cerr, &ce) {
				predicate = ce.Predicate
			}
			h.terminate(ctx, run, []nanoclaw.RunState{nanoclaw.RunRunning},
				nanoclaw.Transition{To: nanoclaw.RunFailedContract, ContractPredicate: predicate})
			h.notify(ctx, h.originChatFor(run.RunID),
				fmt.Sprintf("[%s] failed_contract: %v", run.RunID, cerr))
			return
		}
		h.terminate(ctx, run, []nanoclaw.RunState{nanoclaw.RunRunning},
			nanoclaw.Transition{To: nanoclaw.RunReviewRequested, Completion: c})
		h.notify(ctx, h.originChatFor(run.RunID),
			fmt.Sprintf("[%s] review_requested: branch %s, commit %s", run.RunID, c.Branch, c.CommitSHA))

	case found:
		h.terminate(ctx, run, []nanoclaw.RunState{nanoclaw.RunRunning},
			nanoclaw.Transition{To: nanoclaw.RunFailedContract, ContractPredicate: "completion_malformed"})
		h.notify(ctx, h.originChatFor(run.RunID),
			fmt.Sprintf("[%s] failed_contract: completion_malformed", run.RunID))

	default:
		// No completion at all: crashes and timer kills are failures, a
		// clean exit that just never reported is a contract violation.
		if res.Reason != container.ReasonNaturalExit {
			h.terminate(ctx, run, []nanoclaw.RunState{nanoclaw.RunRunning},
				nanoclaw.Transition{To: nanoclaw.RunFailed, FailureReason: res.Reason})
			h.notify(ctx, h.originChatFor(run.RunID),
				fmt.Sprintf("[%s] failed: %s", run.RunID, res.Reason))
			return
		}
		if res.ExitCode != 0 {
			h.terminate(ctx, run, []nanoclaw.RunState{nanoclaw.RunRunning},
				nanoclaw.Transition{To: nanoclaw.RunFailed, FailureReason: nanoclaw.ReasonContainerCrash})
			h.notify(ctx, h.originChatFor(run.RunID),
				fmt.Sprintf("[%s] failed: %s (exit %d)", run.RunID, nanoclaw.ReasonContainerCrash, res.ExitCode))
			return
		}
		h.terminate(ctx, run, []nanoclaw.RunState{nanoclaw.RunRunning},
			nanoclaw.Transition{To: nanoclaw.RunFailedContract, ContractPredicate: nanoclaw.ReasonCompletionAbsent})
		h.notify(ctx, h.originChatFor(run.RunID),
			fmt.Sprintf("[%s] failed_contract: %s", run.RunID, nanoclaw.ReasonCompletionAbsent))
	}
}

// terminate applies a terminal transition and records the outcome metric.
func (h *Host) terminate(ctx context.Context, run *nanoclaw.Run, from []nanoclaw.RunState, tr nanoclaw.Transition) {
	applied, err := h.store.TransitionRun(ctx, run.RunID, from, tr)
	if err != nil {
		h.logger.Error("host: terminal transition failed", "run_id", run.RunID, "to", tr.To, "err", err)
		return
	}
	if !applied {
		h.logger.Warn("host: terminal transition rejected", "run_id", run.RunID, "to", tr.To)
		return
	}
	if h.inst != nil {
		h.count(ctx, h.inst.RunsCompleted, observer.AttrRunState.String(string(tr.To)))
	}
	h.logger.Info("host: run resolved",
		"run_id", run.RunID,
		"state", tr.To,
		"reason", tr.FailureReason,
		"predicate", tr.ContractPredicate)
}

// notify sends a structured line to a chat, dropping silently when the
// chat is unknown.
func (h *Host) notify(ctx context.Context, chatJID, text string) {
	if chatJID == "" {
		return
	}
	if err := h.channel.Send(ctx, chatJID, text); err != nil {
		h.logger.Warn("host: notify failed", "chat_jid", chatJID, "err", err)
	}
}
