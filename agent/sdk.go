package agent

import (
	"context"
	"errors"
)

// ErrUnknownSession is returned by SDK.Open when the requested session
// cannot be resumed (expired, pruned, or never existed).
var ErrUnknownSession = errors.New("agent: unknown session")

// EventKind classifies SDK session events.
type EventKind int

const (
	// EventAssistant is a chunk of assistant text.
	EventAssistant EventKind = iota
	// EventToolUse announces a tool invocation; Tool carries the name
	// and Text a short rendering of the input.
	EventToolUse
	// EventResult is the completed answer for one pushed prompt.
	EventResult
	// EventSessionID reports the session identifier in effect, which
	// may differ from the one requested.
	EventSessionID
	// EventError is a fatal session error; the stream ends after it.
	EventError
)

// Event is one item on a session's event stream.
type Event struct {
	Kind      EventKind
	Text      string
	Tool      string
	SessionID string
	Err       error
}

// TranscriptEntry is one message of session history, handed to the
// pre-compaction hook before the SDK discards it.
type TranscriptEntry struct {
	Role string // user | assistant
	Text string
}

// SessionOptions configures SDK.Open.
type SessionOptions struct {
	// SessionID resumes an existing session when non-empty.
	SessionID string
	// Env is the credential and configuration environment for the
	// model backend.
	Env map[string]string
	// PreTool, when set, may rewrite a tool's input before execution.
	PreTool func(tool, input string) string
	// PreCompact, when set, receives the transcript about to be
	// compacted away.
	PreCompact func(entries []TranscriptEntry)
}

// Session is one live model conversation. Events is closed after Close
// once all buffered events are drained, or after an EventError.
type Session interface {
	Push(ctx context.Context, text string) error
	Events() <-chan Event
	Close() error
}

// SDK opens model sessions. The concrete implementation wraps the
// vendor client; tests script one.
type SDK interface {
	Open(ctx context.Context, opts SessionOptions) (Session, error)
}
