package agent

import (
	"encoding/json"
	"fmt"
	"io"
)

// Payload is the turn description the host writes to the container's
// stdin, terminated by EOF.
type Payload struct {
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

// ReadPayload reads r to EOF and decodes the turn payload.
func ReadPayload(r io.Reader) (Payload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Payload{}, fmt.Errorf("agent: read payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("agent: decode payload: %w", err)
	}
	if p.Prompt == "" {
		return Payload{}, fmt.Errorf("agent: payload has no prompt")
	}
	if p.GroupFolder == "" {
		return Payload{}, fmt.Errorf("agent: payload has no group folder")
	}
	return p, nil
}
