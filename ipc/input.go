package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// InputMessage is one host → agent message file.
type InputMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// WriteInput appends a message to the group's input queue.
func (s *Surface) WriteInput(text string) error {
	data, err := json.Marshal(InputMessage{Type: "message", Text: text})
	if err != nil {
		return fmt.Errorf("ipc: marshal input: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.inputDir(), s.nextName()), data)
}

// WriteClose drops the close sentinel into the input dir, asking the
// agent to drain the current turn and exit.
func (s *Surface) WriteClose() error {
	return writeFileAtomic(filepath.Join(s.inputDir(), CloseSentinel), nil)
}

// RemoveStaleClose unconditionally removes a leftover close sentinel.
// Called at container start so a sentinel from a prior run cannot kill
// the new turn immediately.
func (s *Surface) RemoveStaleClose() error {
	err := os.Remove(filepath.Join(s.inputDir(), CloseSentinel))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove stale close: %w", err)
	}
	return nil
}

// CloseRequested reports whether the close sentinel is present and, when
// it is, consumes it.
func (s *Surface) CloseRequested() bool {
	err := os.Remove(filepath.Join(s.inputDir(), CloseSentinel))
	return err == nil
}

// NextInputs consumes all pending input messages in lexicographic
// filename order (submission order). Each file is unlinked after a
// successful read, giving at-most-once injection. An unreadable file is
// skipped and left in place for the next poll.
func (s *Surface) NextInputs() ([]InputMessage, error) {
	entries, err := os.ReadDir(s.inputDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ipc: list input: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var out []InputMessage
	for _, name := range names {
		path := filepath.Join(s.inputDir(), name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var m InputMessage
		if err := json.Unmarshal(data, &m); err != nil {
			// Malformed input is dropped, not retried forever.
			os.Remove(path)
			continue
		}
		if err := os.Remove(path); err != nil {
			// Could not claim the file; do not deliver it twice.
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
