// Package discord implements the Discord adapter using discordgo. It is
// send-and-receive for direct messages and allowlisted channels.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/ravelino/chatpilot/pkg/chatpilot/channels"
)

// messageLimit is Discord's hard cap per message.
const messageLimit = 2000

// buttonLimit is Discord's cap on buttons per action row.
const buttonLimit = 5

// Config holds Discord adapter configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedChannels restricts which channel IDs inbound messages are
	// accepted from. Empty means direct messages only.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// Discord implements channels.Connector and channels.Receiver.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages  chan *channels.IncomingMessage
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Discord adapter.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onInteractionCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.session = session
	d.connected.Store(true)
	d.logger.Info("discord connected", "bot", session.State.User.Username)
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	d.logger.Info("discord disconnected")
	return nil
}

// IsConnected reports whether the gateway session is live.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Send delivers one text message to a channel or DM. Messages over the
// platform limit are refused; splitting happens upstream.
func (d *Discord) Send(ctx context.Context, to, text string) (string, error) {
	if text == "" {
		return "", channels.ErrEmptyMessage
	}
	if d.session == nil || !d.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}
	if len(text) > messageLimit {
		return "", &channels.DeliveryError{
			Channel: "discord", Reason: "message_too_long", Permanent: true,
			Err: fmt.Errorf("%d chars exceeds limit %d", len(text), messageLimit),
		}
	}

	msg, err := d.session.ChannelMessageSend(to, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", &channels.DeliveryError{Channel: "discord", Reason: "send_failed", Err: err}
	}
	return msg.ID, nil
}

// SendActions delivers a text message with quick-reply buttons attached.
// Discord caps a row at five buttons; extra actions are dropped.
func (d *Discord) SendActions(ctx context.Context, to, text string, actions []channels.Action) (string, error) {
	if len(actions) == 0 {
		return d.Send(ctx, to, text)
	}
	if text == "" {
		return "", channels.ErrEmptyMessage
	}
	if d.session == nil || !d.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}
	if len(text) > messageLimit {
		return "", &channels.DeliveryError{
			Channel: "discord", Reason: "message_too_long", Permanent: true,
			Err: fmt.Errorf("%d chars exceeds limit %d", len(text), messageLimit),
		}
	}

	if len(actions) > buttonLimit {
		actions = actions[:buttonLimit]
	}
	row := discordgo.ActionsRow{}
	for _, a := range actions {
		row.Components = append(row.Components, discordgo.Button{
			Label:    a.Label,
			Style:    discordgo.SecondaryButton,
			CustomID: a.ID,
		})
	}

	msg, err := d.session.ChannelMessageSendComplex(to, &discordgo.MessageSend{
		Content:    text,
		Components: []discordgo.MessageComponent{row},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", &channels.DeliveryError{Channel: "discord", Reason: "send_failed", Err: err}
	}
	return msg.ID, nil
}

// Receive returns the inbound message channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}
	if m.GuildID != "" && !d.channelAllowed(m.ChannelID) {
		return
	}

	msg := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.ChannelID,
		FromName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: m.Timestamp,
	}

	select {
	case d.messages <- msg:
	case <-time.After(5 * time.Second):
		d.logger.Warn("inbound queue full, dropping message", "channel_id", m.ChannelID)
	}
}

// onInteractionCreate turns a quick-reply button press into an inbound
// message carrying the button label. The interaction itself is acknowledged
// with a no-op update so Discord stops showing the loading state.
func (d *Discord) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	user := i.User
	if user == nil && i.Member != nil {
		user = i.Member.User
	}
	if user == nil || user.Bot {
		return
	}

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		d.logger.Warn("failed to acknowledge interaction", "error", err)
	}

	data := i.MessageComponentData()
	text := buttonLabel(i.Message, data.CustomID)
	if text == "" {
		text = data.CustomID
	}

	msg := &channels.IncomingMessage{
		ID:        i.ID,
		Channel:   "discord",
		From:      i.ChannelID,
		FromName:  user.Username,
		Text:      text,
		Timestamp: time.Now(),
	}

	select {
	case d.messages <- msg:
	case <-time.After(5 * time.Second):
		d.logger.Warn("inbound queue full, dropping interaction", "channel_id", i.ChannelID)
	}
}

// buttonLabel resolves a custom ID back to the label of the button that was
// pressed, reading the component rows of the message it was attached to.
func buttonLabel(msg *discordgo.Message, customID string) string {
	if msg == nil {
		return ""
	}
	for _, c := range msg.Components {
		row, ok := c.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rc := range row.Components {
			if btn, ok := rc.(*discordgo.Button); ok && btn.CustomID == customID {
				return btn.Label
			}
		}
	}
	return ""
}

func (d *Discord) channelAllowed(channelID string) bool {
	for _, id := range d.cfg.AllowedChannels {
		if id == channelID {
			return true
		}
	}
	return false
}
