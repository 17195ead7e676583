package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SteerMessage is one host → agent steering file, keyed by SteerID.
type SteerMessage struct {
	SteerID string `json:"steer_id"`
	RunID   string `json:"run_id"`
	Message string `json:"message"`
	SentAt  int64  `json:"sent_at"`
}

// SteerAck is the agent → host ack sentinel. The ack file is the
// idempotency key: once present, the same steer_id is never re-injected.
type SteerAck struct {
	SteerID string `json:"steer_id"`
	AckedAt int64  `json:"acked_at"`
}

// WriteSteer places a steer file for runID. At most one steer is in
// flight per run; a second write before the first is consumed replaces
// it.
func (s *Surface) WriteSteer(msg SteerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: marshal steer: %w", err)
	}
	return writeFileAtomic(s.steerPath(msg.RunID), data)
}

// PollSteer returns the pending steer for runID, if any. The file is left
// in place; the agent removes it via AckSteer after injecting the
// message, so the ack always exists before the source disappears.
func (s *Surface) PollSteer(runID string) (*SteerMessage, error) {
	data, err := os.ReadFile(s.steerPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ipc: read steer: %w", err)
	}
	var msg SteerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("ipc: steer %s: %w", runID, err)
	}
	return &msg, nil
}

// PollAnySteer returns any pending steer on the surface. The agent side
// uses this: a group runs one turn at a time, so at most one steer file
// is ever pending, and the agent learns its run_id from the file itself.
func (s *Surface) PollAnySteer() (*SteerMessage, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "steer"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ipc: list steer: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".acked.json") || strings.HasPrefix(name, ".") {
			continue
		}
		return s.PollSteer(strings.TrimSuffix(name, ".json"))
	}
	return nil, nil
}

// AckSteer writes the ack sentinel and then unlinks the source steer
// file — in that order, so a crash between the two leaves both files and
// the ack still wins.
func (s *Surface) AckSteer(runID string, ack SteerAck) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("ipc: marshal ack: %w", err)
	}
	if err := writeFileAtomic(s.steerAckPath(runID), data); err != nil {
		return err
	}
	if err := os.Remove(s.steerPath(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove steer: %w", err)
	}
	return nil
}

// TakeSteerAck consumes the ack sentinel for runID, if present.
func (s *Surface) TakeSteerAck(runID string) (*SteerAck, error) {
	path := s.steerAckPath(runID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ipc: read ack: %w", err)
	}
	var ack SteerAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("ipc: ack %s: %w", runID, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ipc: remove ack: %w", err)
	}
	return &ack, nil
}
