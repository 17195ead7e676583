package container

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanoclaw/nanoclaw"
	"github.com/nanoclaw/nanoclaw/ipc"
)

// HeartbeatToken on a stderr line resets the no-output deadline. The
// agent emits it every 60 s so silent model compute is distinguishable
// from a wedged process.
const HeartbeatToken = "heartbeat"

// agentLogPrefix marks stderr lines the agent wants lifted into
// structured host logs.
const agentLogPrefix = "[agent-runner]"

// Exit reasons. Exactly one resolves each run.
const (
	ReasonNaturalExit = "natural_exit"
)

// Config holds the runner's timer model.
type Config struct {
	// NoOutputTimeout is armed at spawn and cancelled on the first valid
	// frame. Firing kills the container; no durable side effects are
	// assumed, so the caller rolls its cursor back.
	NoOutputTimeout time.Duration
	// IdleTimeout re-arms after each frame. Firing requests a graceful
	// drain (close sentinel + stdin EOF); DrainGrace later the kill path
	// runs with reason idle_hard_cap.
	IdleTimeout time.Duration
	// HardTimeout is the safety ceiling over the whole run.
	HardTimeout time.Duration
	// DrainGrace is how long an idle container gets to exit on its own.
	DrainGrace time.Duration
	// StopGrace is the graceful-stop window during cleanup.
	StopGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.NoOutputTimeout <= 0 {
		c.NoOutputTimeout = 12 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.HardTimeout < 30*time.Minute {
		c.HardTimeout = 30 * time.Minute
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 2 * time.Minute
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	return c
}

// Hooks let the caller observe the run without sharing any state with
// the runner.
type Hooks struct {
	// OnSpawnConfirmed fires once, on the first observable container
	// output. This is what promotes a worker run from queued to running.
	OnSpawnConfirmed func()
	// OnFrame fires for every well-formed stdout frame, in emission
	// order.
	OnFrame func(Frame)
	// OnAgentLog fires for stderr lines carrying the agent-runner
	// prefix, already stripped.
	OnAgentLog func(line string)
}

// Result is the outcome of one container run.
type Result struct {
	Frames    []Frame
	Reason    string // natural_exit or a timer/spawn reason
	ExitCode  int64
	Confirmed bool
	// Success means exit 0 with at least one status:"success" frame.
	Success bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets a structured logger for the runner.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// Runner spawns and supervises agent containers. The global semaphore is
// held for the entire container lifetime; acquisition is fair FIFO.
type Runner struct {
	engine Engine
	sem    *Semaphore
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a Runner over engine gated by sem.
func NewRunner(engine Engine, sem *Semaphore, cfg Config, opts ...RunnerOption) *Runner {
	r := &Runner{engine: engine, sem: sem, cfg: cfg.withDefaults(), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes one container turn: spawn, write the stdin payload,
// stream frames, enforce timers, and tear everything down. Timer
// expiries are reported in Result.Reason, not as errors; the returned
// error covers only failures to get a container running at all.
func (r *Runner) Run(ctx context.Context, spec SpawnSpec, payload any, surface *ipc.Surface, hooks Hooks) (Result, error) {
	if err := r.sem.Acquire(ctx); err != nil {
		return Result{}, fmt.Errorf("container: semaphore: %w", err)
	}
	defer r.sem.Release()

	// A sentinel left over from a prior run must not kill this one.
	if err := surface.RemoveStaleClose(); err != nil {
		r.logger.Warn("container: stale close purge failed", "group", spec.Name, "err", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("container: marshal payload: %w", err)
	}

	proc, err := r.engine.Spawn(ctx, spec)
	if err != nil {
		return Result{Reason: nanoclaw.ReasonSpawnFailed}, fmt.Errorf("container: spawn: %w", err)
	}
	defer r.cleanup(proc, surface, spec.Name)

	stdin := proc.Stdin()
	if _, err := stdin.Write(data); err != nil {
		return Result{Reason: nanoclaw.ReasonSpawnFailed}, fmt.Errorf("container: write stdin: %w", err)
	}
	// EOF terminates the payload; the agent reads stdin to completion
	// before its first model call.
	stdin.Close()

	return r.supervise(ctx, proc, surface, hooks), nil
}

type waitOutcome struct {
	code int64
	err  error
}

func (r *Runner) supervise(ctx context.Context, proc Process, surface *ipc.Surface, hooks Hooks) Result {
	frames := make(chan Frame, 64)
	heartbeat := make(chan struct{}, 1)
	confirmed := make(chan struct{})
	scanDone := make(chan struct{})
	errDone := make(chan struct{})

	// The flag is authoritative for confirmation; the channel only feeds
	// the select loop, and a fast exit can win the race against it.
	var confirmedFlag atomic.Bool
	var confirmOnce sync.Once
	confirm := func() {
		confirmOnce.Do(func() {
			confirmedFlag.Store(true)
			close(confirmed)
		})
	}

	go func() {
		defer close(scanDone)
		err := ScanFrames(proc.Stdout(),
			func(f Frame) {
				confirm()
				frames <- f
			},
			func(line string) {
				confirm()
				if strings.TrimSpace(line) != "" {
					r.logger.Debug("container: stdout discard", "line", line)
				}
			})
		if err != nil {
			r.logger.Debug("container: stdout closed", "err", err)
		}
	}()

	go func() {
		defer close(errDone)
		sc := bufio.NewScanner(proc.Stderr())
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			confirm()
			if strings.Contains(line, HeartbeatToken) {
				select {
				case heartbeat <- struct{}{}:
				default:
				}
			}
			if strings.HasPrefix(line, agentLogPrefix) {
				lifted := strings.TrimSpace(strings.TrimPrefix(line, agentLogPrefix))
				r.logger.Info("agent-runner", "line", lifted)
				if hooks.OnAgentLog != nil {
					hooks.OnAgentLog(lifted)
				}
				continue
			}
			r.logger.Debug("container: stderr", "line", line)
		}
	}()

	waitCh := make(chan waitOutcome, 1)
	go func() {
		code, err := proc.Wait(context.WithoutCancel(ctx))
		waitCh <- waitOutcome{code: code, err: err}
	}()

	noOut := time.NewTimer(r.cfg.NoOutputTimeout)
	defer noOut.Stop()
	hard := time.NewTimer(r.cfg.HardTimeout)
	defer hard.Stop()
	idle := time.NewTimer(r.cfg.HardTimeout)
	idle.Stop() // armed after the first frame
	defer idle.Stop()

	var drainC <-chan time.Time
	var res Result
	gotFrame := false

	kill := func(reason string) {
		res.Reason = reason
		r.logger.Warn("container: kill", "reason", reason)
		if err := proc.Kill(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("container: kill failed", "err", err)
		}
	}

	for res.Reason == "" {
		select {
		case f := <-frames:
			if !gotFrame {
				gotFrame = true
				noOut.Stop()
			}
			idle.Reset(r.cfg.IdleTimeout)
			res.Frames = append(res.Frames, f)
			if hooks.OnFrame != nil {
				hooks.OnFrame(f)
			}

		case <-heartbeat:
			if !gotFrame {
				noOut.Reset(r.cfg.NoOutputTimeout)
			}

		case <-confirmed:
			confirmed = nil
			res.Confirmed = true
			if hooks.OnSpawnConfirmed != nil {
				hooks.OnSpawnConfirmed()
			}

		case <-noOut.C:
			kill(nanoclaw.ReasonNoOutputTimeout)

		case <-idle.C:
			// Cooperative path first: sentinel plus the already-closed
			// stdin ask the agent to drain and exit.
			r.logger.Info("container: idle, requesting drain")
			if err := surface.WriteClose(); err != nil {
				r.logger.Warn("container: close sentinel write failed", "err", err)
			}
			drain := time.NewTimer(r.cfg.DrainGrace)
			defer drain.Stop()
			drainC = drain.C

		case <-drainC:
			kill(nanoclaw.ReasonIdleHardCap)

		case <-hard.C:
			kill(nanoclaw.ReasonHardTimeout)

		case w := <-waitCh:
			res.ExitCode = w.code
			if w.err != nil {
				r.logger.Warn("container: wait", "err", w.err)
			}
			res.Reason = ReasonNaturalExit
		}
	}

	if res.Reason != ReasonNaturalExit {
		// The kill path still owes the caller an exit code, but a wedged
		// process must not hold the semaphore slot forever; cleanup
		// force-removes it.
		select {
		case w := <-waitCh:
			res.ExitCode = w.code
		case <-time.After(r.cfg.StopGrace):
			r.logger.Warn("container: no exit after kill, forcing removal")
			res.ExitCode = -1
		}
	}

	// Straggler drain: the scanners may still hold output observed just
	// before exit.
	deadline := time.After(2 * time.Second)
	for _, done := range []chan struct{}{scanDone, errDone} {
		select {
		case <-done:
		case <-deadline:
		}
	}
	if confirmedFlag.Load() && !res.Confirmed {
		res.Confirmed = true
		if hooks.OnSpawnConfirmed != nil {
			hooks.OnSpawnConfirmed()
		}
	}
	for {
		select {
		case f := <-frames:
			res.Frames = append(res.Frames, f)
			if hooks.OnFrame != nil {
				hooks.OnFrame(f)
			}
			continue
		default:
		}
		break
	}

	if res.Reason == ReasonNaturalExit && !res.Confirmed {
		// Exited before any observable output: never promoted to running.
		res.Reason = nanoclaw.ReasonSpawnFailed
	}
	if res.Reason == ReasonNaturalExit && res.ExitCode == 0 {
		for _, f := range res.Frames {
			if f.Success() {
				res.Success = true
				break
			}
		}
	}
	return res
}

// cleanup runs on every exit path: stdin EOF, bounded graceful stop,
// force kill via remove, sentinel purge, reader close.
func (r *Runner) cleanup(proc Process, surface *ipc.Surface, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	proc.Stdin().Close()
	if err := proc.Stop(ctx, r.cfg.StopGrace); err != nil {
		r.logger.Debug("container: stop during cleanup", "name", name, "err", err)
	}
	if err := proc.Remove(ctx); err != nil {
		r.logger.Warn("container: remove failed", "name", name, "err", err)
	}
	if err := surface.RemoveStaleClose(); err != nil {
		r.logger.Debug("container: sentinel purge", "name", name, "err", err)
	}
}
