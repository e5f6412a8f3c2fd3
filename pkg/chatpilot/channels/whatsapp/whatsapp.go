// Package whatsapp implements the WhatsApp adapter on top of whatsmeow.
// Pairing state lives in a dedicated SQLite database, separate from the
// application store.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/ravelino/chatpilot/pkg/chatpilot/channels"
)

// Config holds WhatsApp adapter configuration.
type Config struct {
	// SessionPath is the SQLite file holding the whatsmeow device state.
	SessionPath string `yaml:"session_path"`

	// AllowedNumbers restricts which sender numbers are forwarded inbound.
	// Empty means all senders.
	AllowedNumbers []string `yaml:"allowed_numbers"`
}

// WhatsApp implements channels.Connector and channels.Receiver.
type WhatsApp struct {
	cfg    Config
	logger *slog.Logger

	client    *whatsmeow.Client
	container *sqlstore.Container

	messages  chan *channels.IncomingMessage
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp adapter.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionPath == "" {
		cfg.SessionPath = "whatsapp-session.db"
	}
	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect opens the session, pairing via QR code on first run.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", w.cfg.SessionPath)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: opening session store: %w", err)
	}
	w.container = container

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: loading device: %w", err)
	}

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)

	if w.client.Store.ID == nil {
		return w.pairAndConnect(ctx)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("whatsapp connected", "jid", w.client.Store.ID.String())
	return nil
}

// pairAndConnect runs the QR pairing flow for a fresh device.
func (w *WhatsApp) pairAndConnect(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: qr channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connecting for pairing: %w", err)
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			fmt.Println("\nScan this QR code with WhatsApp (Linked Devices):")
			fmt.Println(evt.Code)
		case "success":
			w.connected.Store(true)
			w.logger.Info("whatsapp paired")
			return nil
		case "timeout":
			return fmt.Errorf("whatsapp: qr pairing timed out")
		}
	}
	return fmt.Errorf("whatsapp: pairing channel closed")
}

// Disconnect closes the session.
func (w *WhatsApp) Disconnect() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.container != nil {
		w.container.Close()
	}
	w.connected.Store(false)
	w.logger.Info("whatsapp disconnected")
	return nil
}

// IsConnected reports whether the session is live.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load() && w.client != nil && w.client.IsConnected()
}

// Send delivers one text message. The recipient is a phone number or JID.
func (w *WhatsApp) Send(ctx context.Context, to, text string) (string, error) {
	if text == "" {
		return "", channels.ErrEmptyMessage
	}
	if !w.IsConnected() {
		return "", channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return "", &channels.DeliveryError{
			Channel: "whatsapp", Reason: "invalid_recipient", Permanent: true, Err: err,
		}
	}

	resp, err := w.client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", &channels.DeliveryError{
			Channel: "whatsapp", Reason: "send_failed", Err: err,
		}
	}
	return resp.ID, nil
}

// Receive returns the inbound message channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

func (w *WhatsApp) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Message:
		w.handleMessage(e)
	case *events.Connected:
		w.connected.Store(true)
	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("whatsapp gateway disconnected")
	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Warn("whatsapp logged out, re-pairing required")
	}
}

func (w *WhatsApp) handleMessage(e *events.Message) {
	// Outbound echoes and group chats are out of scope for the inbound feed.
	if e.Info.IsFromMe || e.Info.IsGroup {
		return
	}

	text := extractText(e.Message)
	if text == "" {
		return
	}

	sender := e.Info.Sender.User
	if !w.senderAllowed(sender) {
		return
	}

	msg := &channels.IncomingMessage{
		ID:        e.Info.ID,
		Channel:   "whatsapp",
		From:      sender,
		FromName:  e.Info.PushName,
		Text:      text,
		Timestamp: e.Info.Timestamp,
	}

	select {
	case w.messages <- msg:
	case <-time.After(5 * time.Second):
		w.logger.Warn("inbound queue full, dropping message", "from", sender)
	}
}

func (w *WhatsApp) senderAllowed(sender string) bool {
	if len(w.cfg.AllowedNumbers) == 0 {
		return true
	}
	for _, n := range w.cfg.AllowedNumbers {
		if strings.TrimPrefix(n, "+") == strings.TrimPrefix(sender, "+") {
			return true
		}
	}
	return false
}

// extractText pulls the text body out of the protobuf message variants.
func extractText(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// parseJID accepts a full JID or a bare phone number.
func parseJID(to string) (types.JID, error) {
	if strings.ContainsRune(to, '@') {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("parse JID %q: %w", to, err)
		}
		return jid, nil
	}
	number := strings.TrimPrefix(strings.TrimSpace(to), "+")
	if number == "" {
		return types.EmptyJID, fmt.Errorf("empty recipient")
	}
	return types.NewJID(number, types.DefaultUserServer), nil
}
