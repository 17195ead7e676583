package nanoclaw

import "context"

// IncomingMessage is one message received from the chat channel before
// ingest sequencing.
type IncomingMessage struct {
	ChatJID     string
	GroupFolder string
	Sender      string
	Text        string
	ReceivedAt  int64
}

// Channel abstracts the chat transport (WhatsApp, Telegram, a test
// harness). The driver itself lives outside this repo; the host consumes
// only this surface.
type Channel interface {
	// Poll returns a channel of incoming messages. Blocks until ctx is
	// cancelled.
	Poll(ctx context.Context) (<-chan IncomingMessage, error)
	// Send delivers text to a chat. The driver owns retry/outbox
	// behavior; an error here is terminal for the one message only.
	Send(ctx context.Context, chatJID string, text string) error
}
