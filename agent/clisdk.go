package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CLISDK runs the model CLI as one subprocess per session, speaking
// line-delimited JSON on its stdin/stdout. The protocol:
//
//	cli → sdk  {"type":"ready","sessionId":"..."}          handshake
//	cli → sdk  {"type":"error","error":"unknown_session"}  failed resume
//	sdk → cli  {"type":"user","text":"..."}                pushed prompt
//	cli → sdk  {"type":"assistant"|"result","text":"..."}
//	cli → sdk  {"type":"session_id","sessionId":"..."}
//	cli → sdk  {"type":"tool_use","id":"...","tool":"...","input":"..."}
//	sdk → cli  {"type":"tool_input","id":"...","input":"..."}
//	cli → sdk  {"type":"pre_compact","entries":[{"role":..,"text":..}]}
//
// Every tool_use waits for the tool_input reply, which carries the
// (possibly rewritten) input back.
type CLISDK struct {
	// Command is the CLI argv. A --resume <id> flag is appended when a
	// session is being resumed.
	Command []string
}

var _ SDK = (*CLISDK)(nil)

type cliLine struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	Text      string            `json:"text,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Tool      string            `json:"tool,omitempty"`
	Input     string            `json:"input,omitempty"`
	Error     string            `json:"error,omitempty"`
	Entries   []TranscriptEntry `json:"entries,omitempty"`
}

func (c *CLISDK) Open(ctx context.Context, opts SessionOptions) (Session, error) {
	if len(c.Command) == 0 {
		return nil, errors.New("agent: no cli command configured")
	}
	args := append([]string(nil), c.Command[1:]...)
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}

	cmd := exec.Command(c.Command[0], args...)
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: cli stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: cli stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent: cli start: %w", err)
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	first, err := readLine(sc)
	if err != nil {
		stdin.Close()
		cmd.Wait()
		return nil, fmt.Errorf("agent: cli handshake: %w", err)
	}
	switch first.Type {
	case "ready":
	case "error":
		stdin.Close()
		cmd.Wait()
		if strings.Contains(first.Error, "unknown") {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSession, opts.SessionID)
		}
		return nil, fmt.Errorf("agent: cli: %s", first.Error)
	default:
		stdin.Close()
		cmd.Wait()
		return nil, fmt.Errorf("agent: cli handshake: unexpected %q", first.Type)
	}

	s := &cliSession{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
		opts:   opts,
	}
	if first.SessionID != "" {
		s.events <- Event{Kind: EventSessionID, SessionID: first.SessionID}
	}
	go s.pump(sc)
	return s, nil
}

func readLine(sc *bufio.Scanner) (cliLine, error) {
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var l cliLine
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return cliLine{}, fmt.Errorf("malformed line %q: %w", raw, err)
		}
		return l, nil
	}
	if err := sc.Err(); err != nil {
		return cliLine{}, err
	}
	return cliLine{}, io.EOF
}

type cliSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	done   chan struct{}
	quit   chan struct{}
	opts   SessionOptions

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ Session = (*cliSession)(nil)

func (s *cliSession) Push(ctx context.Context, text string) error {
	return s.writeLine(cliLine{Type: "user", Text: text})
}

func (s *cliSession) Events() <-chan Event { return s.events }

// Close half-closes stdin so the CLI finishes its turn, escalating to a
// kill if it lingers.
func (s *cliSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.stdin.Close()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			s.cmd.Process.Kill()
			<-s.done
		}
		s.cmd.Wait()
	})
	return nil
}

func (s *cliSession) writeLine(l cliLine) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("agent: marshal cli line: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("agent: write cli line: %w", err)
	}
	return nil
}

// pump translates CLI lines into events until EOF. Sends bail out on
// quit so a closing session never wedges behind a full event channel.
func (s *cliSession) pump(sc *bufio.Scanner) {
	defer close(s.events)
	defer close(s.done)

	send := func(ev Event) bool {
		select {
		case s.events <- ev:
			return true
		case <-s.quit:
			return false
		}
	}

	for {
		l, err := readLine(sc)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				send(Event{Kind: EventError, Err: err})
			}
			return
		}
		switch l.Type {
		case "assistant":
			if !send(Event{Kind: EventAssistant, Text: l.Text}) {
				return
			}
		case "result":
			if !send(Event{Kind: EventResult, Text: l.Text}) {
				return
			}
		case "session_id":
			if !send(Event{Kind: EventSessionID, SessionID: l.SessionID}) {
				return
			}
		case "tool_use":
			input := l.Input
			if s.opts.PreTool != nil {
				input = s.opts.PreTool(l.Tool, input)
			}
			if err := s.writeLine(cliLine{Type: "tool_input", ID: l.ID, Input: input}); err != nil {
				send(Event{Kind: EventError, Err: err})
				return
			}
			if !send(Event{Kind: EventToolUse, Tool: l.Tool, Text: input}) {
				return
			}
		case "pre_compact":
			if s.opts.PreCompact != nil {
				s.opts.PreCompact(l.Entries)
			}
		case "error":
			send(Event{Kind: EventError, Err: fmt.Errorf("agent: cli: %s", l.Error)})
			return
		}
	}
}
