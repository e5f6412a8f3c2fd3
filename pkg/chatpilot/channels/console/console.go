// Package console implements a terminal deliverer for local testing and the
// interactive chat command.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/ravelino/chatpilot/pkg/chatpilot/channels"
)

// Console implements channels.Deliverer by printing to a writer.
type Console struct {
	mu  sync.Mutex
	out io.Writer

	// Sent records every delivered message, newest last. Useful in tests.
	Sent []string
}

// New creates a Console writing to w (stdout if nil).
func New(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{out: w}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Send prints the message and returns a generated ID.
func (c *Console) Send(_ context.Context, to, text string) (string, error) {
	if text == "" {
		return "", channels.ErrEmptyMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s] %s\n", to, text)
	c.Sent = append(c.Sent, text)
	return uuid.NewString(), nil
}

// SendActions prints the message followed by its quick-reply options.
func (c *Console) SendActions(ctx context.Context, to, text string, actions []channels.Action) (string, error) {
	id, err := c.Send(ctx, to, text)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, a := range actions {
		fmt.Fprintf(c.out, "[%s]   (%d) %s\n", to, i+1, a.Label)
	}
	return id, nil
}
