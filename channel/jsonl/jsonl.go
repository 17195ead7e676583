// Package jsonl is a line-delimited JSON chat driver, used for
// development and harness runs: one incoming message per line on the
// reader, one outgoing message per line on the writer. Production chat
// transports implement the same Channel surface out of tree.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nanoclaw/nanoclaw"
)

type incoming struct {
	ChatJID     string `json:"chat_jid"`
	GroupFolder string `json:"group_folder,omitempty"`
	Sender      string `json:"sender"`
	Text        string `json:"text"`
	ReceivedAt  int64  `json:"received_at,omitempty"`
}

type outgoing struct {
	ChatJID string `json:"chat_jid"`
	Text    string `json:"text"`
	SentAt  int64  `json:"sent_at"`
}

// Channel reads incoming chat from r and writes outgoing chat to w.
type Channel struct {
	r      io.Reader
	w      io.Writer
	mu     sync.Mutex // serializes Send lines
	logger *slog.Logger
}

var _ nanoclaw.Channel = (*Channel)(nil)

// Option configures a Channel.
type Option func(*Channel)

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

func New(r io.Reader, w io.Writer, opts ...Option) *Channel {
	c := &Channel{r: r, w: w, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Poll streams decoded messages until the reader hits EOF or ctx is
// cancelled. Malformed lines are logged and skipped.
func (c *Channel) Poll(ctx context.Context) (<-chan nanoclaw.IncomingMessage, error) {
	out := make(chan nanoclaw.IncomingMessage, 16)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(c.r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var in incoming
			if err := json.Unmarshal(line, &in); err != nil {
				c.logger.Warn("jsonl: malformed incoming line", "err", err)
				continue
			}
			if in.ReceivedAt == 0 {
				in.ReceivedAt = nanoclaw.NowUnix()
			}
			msg := nanoclaw.IncomingMessage{
				ChatJID:     in.ChatJID,
				GroupFolder: in.GroupFolder,
				Sender:      in.Sender,
				Text:        in.Text,
				ReceivedAt:  in.ReceivedAt,
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			c.logger.Error("jsonl: read failed", "err", err)
		}
	}()
	return out, nil
}

// Send writes one outgoing line. Safe for concurrent use.
func (c *Channel) Send(ctx context.Context, chatJID string, text string) error {
	data, err := json.Marshal(outgoing{ChatJID: chatJID, Text: text, SentAt: nanoclaw.NowUnix()})
	if err != nil {
		return fmt.Errorf("jsonl: marshal outgoing: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("jsonl: send: %w", err)
	}
	return nil
}
