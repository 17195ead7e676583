// Package agent is the in-container side of a turn: it decodes the
// stdin payload, drives one model session, polls the filesystem surface
// for follow-up inputs and steers, and emits marker-framed results on
// stdout for the host to collect.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw"
	"github.com/nanoclaw/nanoclaw/container"
	"github.com/nanoclaw/nanoclaw/ipc"
)

// Config tunes the turn loop. Zero values take defaults.
type Config struct {
	// InputPoll is the interval between input-directory scans.
	InputPoll time.Duration
	// SteerPoll is the interval between steer-file scans.
	SteerPoll time.Duration
	// ProgressEvery throttles progress records per run.
	ProgressEvery time.Duration
	// HeartbeatEvery is the stderr liveness interval.
	HeartbeatEvery time.Duration

	// AuthFallback enables switching to FallbackEnv when the primary
	// credential lane is rate limited. Worker turns never fall back.
	AuthFallback bool
	FallbackEnv  map[string]string

	// ArchiveDir receives pre-compaction transcript archives.
	ArchiveDir string
}

func (c Config) withDefaults() Config {
	if c.InputPoll <= 0 {
		c.InputPoll = 500 * time.Millisecond
	}
	if c.SteerPoll <= 0 {
		c.SteerPoll = 500 * time.Millisecond
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 5 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = time.Minute
	}
	return c
}

// Runner owns one container turn end to end.
type Runner struct {
	sdk     SDK
	surface *ipc.Surface
	cfg     Config
	out     io.Writer // framed stdout
	errw    io.Writer // stderr: heartbeats and lifted logs
}

func NewRunner(sdk SDK, surface *ipc.Surface, cfg Config, out, errw io.Writer) *Runner {
	return &Runner{sdk: sdk, surface: surface, cfg: cfg.withDefaults(), out: out, errw: errw}
}

// logf writes a prefixed stderr line. The host lifts these into its own
// structured log.
func (r *Runner) logf(format string, args ...any) {
	fmt.Fprintf(r.errw, "[agent-runner] "+format+"\n", args...)
}

// Run executes one turn: read the payload from stdin, open (or resume)
// the session, then pump events until the host requests close or the
// session ends.
func (r *Runner) Run(ctx context.Context, stdin io.Reader) error {
	payload, err := ReadPayload(stdin)
	if err != nil {
		container.WriteFrame(r.out, container.Frame{Status: "error", Error: err.Error()})
		return err
	}

	env := make(map[string]string, len(payload.Secrets))
	secretNames := make([]string, 0, len(payload.Secrets))
	for k, v := range payload.Secrets {
		env[k] = v
		secretNames = append(secretNames, k)
	}

	opts := SessionOptions{
		SessionID:  payload.SessionID,
		Env:        env,
		PreTool:    scrubHook(secretNames),
		PreCompact: r.archiveTranscript,
	}

	sess, resumeStatus, resumeErr, err := r.openSession(ctx, opts)
	if err != nil {
		container.WriteFrame(r.out, container.Frame{Status: "error", Error: err.Error()})
		return err
	}
	// sess may be swapped by the credential-lane fallback; close
	// whatever is current on exit.
	defer func() { sess.Close() }()

	lastPrompt := payload.Prompt
	if err := sess.Push(ctx, payload.Prompt); err != nil {
		container.WriteFrame(r.out, container.Frame{Status: "error", Error: err.Error()})
		return fmt.Errorf("agent: push prompt: %w", err)
	}

	inputTick := time.NewTicker(r.cfg.InputPoll)
	defer inputTick.Stop()
	steerTick := time.NewTicker(r.cfg.SteerPoll)
	defer steerTick.Stop()
	heartbeat := time.NewTicker(r.cfg.HeartbeatEvery)
	defer heartbeat.Stop()

	prog := newProgressEmitter(r.surface, payload.RunID, r.cfg.ProgressEvery)

	var (
		sessionID = payload.SessionID
		events    = sess.Events()
		closing   bool
		fellBack  bool
	)
	fallbackAllowed := r.cfg.AuthFallback &&
		nanoclaw.LaneForFolder(payload.GroupFolder) != nanoclaw.LaneWorker

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				// Stream drained after close; the turn is over.
				return nil
			}
			switch ev.Kind {
			case EventSessionID:
				sessionID = ev.SessionID

			case EventToolUse:
				prog.emit("using "+ev.Tool, ev.Text)

			case EventAssistant:
				prog.emit("thinking", ev.Text)

			case EventResult:
				if rateLimited(ev.Text) && fallbackAllowed && !fellBack {
					fellBack = true
					sess, events, sessionID, err = r.fallback(ctx, opts, lastPrompt)
					if err != nil {
						container.WriteFrame(r.out, container.Frame{Status: "error", Error: err.Error()})
						return err
					}
					resumeStatus, resumeErr = nanoclaw.SessionNew, ""
					continue
				}
				text := ev.Text
				f := container.Frame{
					Status:              "success",
					Result:              &text,
					NewSessionID:        sessionID,
					SessionResumeStatus: resumeStatus,
					SessionResumeError:  resumeErr,
				}
				if err := container.WriteFrame(r.out, f); err != nil {
					return err
				}

			case EventError:
				if ev.Err != nil && rateLimited(ev.Err.Error()) && fallbackAllowed && !fellBack {
					fellBack = true
					sess, events, sessionID, err = r.fallback(ctx, opts, lastPrompt)
					if err != nil {
						container.WriteFrame(r.out, container.Frame{Status: "error", Error: err.Error()})
						return err
					}
					resumeStatus, resumeErr = nanoclaw.SessionNew, ""
					continue
				}
				container.WriteFrame(r.out, container.Frame{Status: "error", Error: ev.Err.Error()})
				return ev.Err
			}

		case <-inputTick.C:
			if !closing && r.surface.CloseRequested() {
				closing = true
				r.logf("close requested, draining session")
				sess.Close()
				continue
			}
			if closing {
				// Late inputs stay on disk for the next turn to consume.
				continue
			}
			msgs, err := r.surface.NextInputs()
			if err != nil {
				r.logf("input poll: %v", err)
				continue
			}
			for _, m := range msgs {
				lastPrompt = m.Text
				if err := sess.Push(ctx, m.Text); err != nil {
					r.logf("push input: %v", err)
				}
			}

		case <-steerTick.C:
			if closing {
				continue
			}
			msg, err := r.surface.PollAnySteer()
			if err != nil {
				r.logf("steer poll: %v", err)
				continue
			}
			if msg == nil {
				continue
			}
			// Inject first, then ack: an unacked steer is re-injected
			// on the next poll, which beats losing it.
			if err := sess.Push(ctx, msg.Message); err != nil {
				r.logf("push steer: %v", err)
				continue
			}
			if err := r.surface.AckSteer(msg.RunID, ipc.SteerAck{
				SteerID: msg.SteerID,
				AckedAt: nanoclaw.NowUnix(),
			}); err != nil {
				r.logf("ack steer %s: %v", msg.SteerID, err)
				continue
			}
			r.logf("steer %s injected", msg.SteerID)

		case <-heartbeat.C:
			fmt.Fprintln(r.errw, "[agent-runner] heartbeat")
		}
	}
}

// openSession opens the session, falling back to a fresh one exactly
// once when a requested resume is unknown to the SDK.
func (r *Runner) openSession(ctx context.Context, opts SessionOptions) (Session, string, string, error) {
	if opts.SessionID == "" {
		sess, err := r.sdk.Open(ctx, opts)
		return sess, nanoclaw.SessionNew, "", err
	}

	sess, err := r.sdk.Open(ctx, opts)
	if err == nil {
		return sess, nanoclaw.SessionResumed, "", nil
	}
	if !errors.Is(err, ErrUnknownSession) {
		return nil, "", "", fmt.Errorf("agent: open session: %w", err)
	}

	r.logf("session %s not resumable, starting fresh: %v", opts.SessionID, err)
	resumeErr := err.Error()
	opts.SessionID = ""
	sess, err = r.sdk.Open(ctx, opts)
	if err != nil {
		return nil, "", "", fmt.Errorf("agent: open fallback session: %w", err)
	}
	return sess, nanoclaw.SessionFallbackNew, resumeErr, nil
}

// fallback discards the current session and reopens on the alternate
// credential lane, replaying the last prompt.
func (r *Runner) fallback(ctx context.Context, opts SessionOptions, lastPrompt string) (Session, <-chan Event, string, error) {
	r.logf("rate limited, switching credential lane")

	env := make(map[string]string, len(opts.Env)+len(r.cfg.FallbackEnv))
	for k, v := range opts.Env {
		env[k] = v
	}
	for k, v := range r.cfg.FallbackEnv {
		env[k] = v
	}
	opts.Env = env
	opts.SessionID = ""

	sess, err := r.sdk.Open(ctx, opts)
	if err != nil {
		return nil, nil, "", fmt.Errorf("agent: fallback session: %w", err)
	}
	if err := sess.Push(ctx, lastPrompt); err != nil {
		sess.Close()
		return nil, nil, "", fmt.Errorf("agent: replay prompt: %w", err)
	}
	return sess, sess.Events(), "", nil
}

// rateLimitPatterns are matched case-insensitively against assistant
// and error text.
var rateLimitPatterns = []string{
	"rate limit",
	"rate-limited",
	"too many requests",
	"quota exceeded",
	"usage limit reached",
	"overloaded",
}

func rateLimited(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range rateLimitPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
