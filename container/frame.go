// Package container runs one agent container per group turn against a
// Docker engine: it writes the stdin payload, scans marker-framed JSON
// from stdout, lifts structured stderr, enforces the three-timer model,
// and guarantees teardown on every exit path.
package container

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Stdout framing markers. Everything outside a marker pair is noise and
// is discarded (log only).
const (
	FrameStart = "---NANOCLAW_OUTPUT_START---"
	FrameEnd   = "---NANOCLAW_OUTPUT_END---"
)

// maxFrameLine bounds a single frame's JSON line (4 MiB). A result
// larger than this is a protocol violation, not a bigger buffer.
const maxFrameLine = 4 * 1024 * 1024

// Frame is one START/END-delimited JSON object on the container's
// stdout.
type Frame struct {
	Status              string  `json:"status"` // success | error
	Result              *string `json:"result"`
	NewSessionID        string  `json:"newSessionId,omitempty"`
	SessionResumeStatus string  `json:"sessionResumeStatus,omitempty"`
	SessionResumeError  string  `json:"sessionResumeError,omitempty"`
	Error               string  `json:"error,omitempty"`
}

// Success reports whether this frame carries a successful result.
func (f Frame) Success() bool { return f.Status == "success" }

// WriteFrame emits f with framing markers. Used by the in-container
// agent; the host only reads.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("frame: marshal: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n%s\n%s\n", FrameStart, data, FrameEnd); err != nil {
		return fmt.Errorf("frame: write: %w", err)
	}
	return nil
}

// ScanFrames reads r line by line until EOF, invoking onFrame for each
// well-formed frame and onDiscard for every line outside markers (and
// for malformed frame bodies). The scan itself never fails a run; only
// a read error is returned.
func ScanFrames(r io.Reader, onFrame func(Frame), onDiscard func(line string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameLine)

	inFrame := false
	var body strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.TrimSpace(line) == FrameStart:
			inFrame = true
			body.Reset()
		case strings.TrimSpace(line) == FrameEnd:
			if !inFrame {
				onDiscard(line)
				continue
			}
			inFrame = false
			var f Frame
			if err := json.Unmarshal([]byte(body.String()), &f); err != nil {
				onDiscard(body.String())
				continue
			}
			onFrame(f)
		case inFrame:
			body.WriteString(line)
		default:
			onDiscard(line)
		}
	}
	return sc.Err()
}
