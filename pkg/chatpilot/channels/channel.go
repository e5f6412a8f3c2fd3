// Package channels defines the delivery interfaces for outbound messages.
// Each platform adapter (WhatsApp, Discord, console) implements Deliverer so
// the engine can dispatch reply chunks without knowing the transport.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Deliverer sends outbound text to a recipient on one platform.
type Deliverer interface {
	// Name returns the channel identifier (e.g. "whatsapp", "discord").
	Name() string

	// Send delivers one text message and returns the platform message ID.
	// Failures carry a *DeliveryError when the platform gave a reason.
	Send(ctx context.Context, to, text string) (string, error)
}

// Action is a quick-reply option attached to an outbound message. A
// selection arrives back as a plain inbound message carrying the action
// label, so the rest of the pipeline never handles platform components.
type Action struct {
	// ID identifies the option in the platform payload.
	ID string

	// Label is the text shown to the contact and echoed back on selection.
	Label string
}

// ActionSender is implemented by adapters that can attach quick-reply
// actions to a message. Callers fall back to plain Send when the adapter
// lacks the capability or the action list is empty.
type ActionSender interface {
	SendActions(ctx context.Context, to, text string, actions []Action) (string, error)
}

// Connector is implemented by adapters that hold a live platform session.
type Connector interface {
	Deliverer

	// Connect establishes the platform session.
	Connect(ctx context.Context) error

	// Disconnect closes the session.
	Disconnect() error

	// IsConnected reports whether the session is live.
	IsConnected() bool
}

// Receiver is implemented by adapters that also consume inbound messages.
type Receiver interface {
	// Receive returns a Go channel emitting inbound messages.
	Receive() <-chan *IncomingMessage
}

// IncomingMessage is one inbound message from any platform.
type IncomingMessage struct {
	// ID is the platform message identifier.
	ID string

	// Channel identifies the source platform.
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name, when available.
	FromName string

	// Text is the message body.
	Text string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// DeliveryError is a send failure with a machine-readable reason, so
// follow-up retry handling can distinguish transient from permanent failures.
type DeliveryError struct {
	Channel   string
	Reason    string
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failed (%s): %v", e.Channel, e.Reason, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrEmptyMessage        = fmt.Errorf("empty message")
)
