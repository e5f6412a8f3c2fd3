// Package engine orchestrates the full message lifecycle: inbound intake,
// signal extraction, labeling, goal evaluation, gated reply generation, and
// follow-up delivery. Every autonomous send passes through the safety gate;
// any denial is silence, never an error surfaced to the contact.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ravelino/chatpilot/pkg/chatpilot/channels"
	"github.com/ravelino/chatpilot/pkg/chatpilot/followup"
	"github.com/ravelino/chatpilot/pkg/chatpilot/gate"
	"github.com/ravelino/chatpilot/pkg/chatpilot/goals"
	"github.com/ravelino/chatpilot/pkg/chatpilot/labels"
	"github.com/ravelino/chatpilot/pkg/chatpilot/llm"
	"github.com/ravelino/chatpilot/pkg/chatpilot/signals"
	"github.com/ravelino/chatpilot/pkg/chatpilot/store"
)

// Completer generates reply text. Satisfied by *llm.Client.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// ErrNoDeliverer is returned when a conversation's channel has no adapter.
var ErrNoDeliverer = errors.New("no deliverer for channel")

// Engine wires the policy components together.
type Engine struct {
	store      *store.Store
	extractor  *signals.Extractor
	classifier *labels.Classifier
	gate       *gate.Manager
	tracker    *goals.Tracker
	scheduler  *followup.Scheduler
	completer  Completer
	deliverers map[string]channels.Deliverer
	logger     *slog.Logger

	accountID string
	persona   string

	// sleep is swapped out in tests to skip real inter-chunk delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Engine.
func New(st *store.Store, completer Completer, scheduler *followup.Scheduler,
	accountID, persona string, logger *slog.Logger) *Engine {

	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("component", "engine")
	return &Engine{
		store:      st,
		extractor:  signals.New(logger),
		classifier: labels.NewClassifier(st, logger),
		gate:       gate.NewManager(st, logger),
		tracker:    goals.NewTracker(st, logger),
		scheduler:  scheduler,
		completer:  completer,
		deliverers: make(map[string]channels.Deliverer),
		logger:     l,
		accountID:  accountID,
		persona:    persona,
		sleep:      sleepCtx,
	}
}

// RegisterDeliverer adds a delivery adapter for its channel name.
func (e *Engine) RegisterDeliverer(d channels.Deliverer) {
	e.deliverers[d.Name()] = d
}

// Gate exposes the takeover manager for the admin surface.
func (e *Engine) Gate() *gate.Manager { return e.gate }

// Tracker exposes the goal tracker for the admin surface.
func (e *Engine) Tracker() *goals.Tracker { return e.tracker }

// Scheduler exposes the follow-up scheduler for the admin surface.
func (e *Engine) Scheduler() *followup.Scheduler { return e.scheduler }

// Classifier exposes the label classifier for the admin surface.
func (e *Engine) Classifier() *labels.Classifier { return e.classifier }

// Resolve finds the conversation for a platform contact, creating it on
// first contact.
func (e *Engine) Resolve(ctx context.Context, channel, contactID string) (*store.Conversation, error) {
	conv, err := e.store.GetConversationByContact(ctx, e.accountID, channel, contactID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrConversationNotFound) {
		return nil, err
	}

	conv = &store.Conversation{
		ID:           uuid.NewString(),
		AccountID:    e.accountID,
		ContactID:    contactID,
		Channel:      channel,
		AgentEnabled: true,
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	e.logger.Info("conversation created",
		"conversation_id", conv.ID, "channel", channel, "contact_id", contactID)
	return conv, nil
}

// InboundResult summarizes what one inbound message changed.
type InboundResult struct {
	Conversation *store.Conversation
	Signals      []signals.Signal
	Label        labels.Label
	OptedOut     bool
	Goal         *goals.Evaluation
}

// HandleInbound runs the intake pipeline for one inbound message: persist it,
// record engagement, match opt-out phrases, extract signals, classify the
// label, re-evaluate the active goal, and re-anchor the intuition cadence.
func (e *Engine) HandleInbound(ctx context.Context, in *channels.IncomingMessage) (*InboundResult, error) {
	conv, err := e.Resolve(ctx, in.Channel, in.From)
	if err != nil {
		return nil, err
	}

	at := in.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	if err := e.store.InsertMessage(ctx, &store.Message{
		ID:             in.ID,
		ConversationID: conv.ID,
		Direction:      store.DirectionInbound,
		Text:           in.Text,
		CreatedAt:      at,
	}); err != nil {
		return nil, err
	}
	if err := e.recordEngagement(ctx, conv, at); err != nil {
		e.logger.Warn("failed to record engagement", "conversation_id", conv.ID, "error", err)
	}
	if err := e.store.TouchLastInbound(ctx, conv.ID, at); err != nil {
		return nil, err
	}
	conv.LastInboundAt = &at

	res := &InboundResult{Conversation: conv}

	if e.matchesOptOut(ctx, in.Text) {
		if err := e.applyOptOut(ctx, conv, in.Text); err != nil {
			return nil, err
		}
		res.OptedOut = true
		return res, nil
	}

	history, err := e.store.RecentMessages(ctx, conv.ID, 30)
	if err != nil {
		return nil, err
	}
	res.Signals = e.extractor.Extract(toSignalMessages(history), time.Now())

	label, err := e.classifier.ClassifyAndApply(ctx, conv.ID, in.Text)
	if err != nil {
		return nil, err
	}
	res.Label = label

	ev, err := e.tracker.Evaluate(ctx, conv.ID)
	switch {
	case err == nil:
		res.Goal = &ev
	case errors.Is(err, store.ErrGoalNotFound):
		// No active goal: nothing to evaluate.
	default:
		e.logger.Warn("goal evaluation failed", "conversation_id", conv.ID, "error", err)
	}

	// A fresh inbound message restarts the cadence from its timestamp.
	if label == "" || !labels.Lookup(label).CancelsFollowUps {
		if _, err := e.scheduler.TriggerIntuition(ctx, conv.ID, "inbound cadence anchor"); err != nil {
			e.logger.Warn("failed to schedule intuition follow-up",
				"conversation_id", conv.ID, "error", err)
		}
	}

	return res, nil
}

// recordEngagement appends the engagement observation for one inbound
// message. Latency is measured from the last agent message when present.
func (e *Engine) recordEngagement(ctx context.Context, conv *store.Conversation, at time.Time) error {
	latency := 0.0
	if conv.LastAgentMessageAt != nil && at.After(*conv.LastAgentMessageAt) {
		latency = at.Sub(*conv.LastAgentMessageAt).Seconds()
	}
	local := at.Local()
	return e.store.InsertEngagement(ctx, &store.EngagementRecord{
		AccountID:      conv.AccountID,
		ConversationID: conv.ID,
		Direction:      store.DirectionInbound,
		DayOfWeek:      int(local.Weekday()),
		HourOfDay:      local.Hour(),
		LatencySeconds: latency,
		Score:          1.0,
		CreatedAt:      at,
	})
}

// matchesOptOut checks the inbound text against the stored opt-out phrases.
func (e *Engine) matchesOptOut(ctx context.Context, text string) bool {
	phrases, err := e.store.ListOptOutPhrases(ctx)
	if err != nil {
		e.logger.Warn("failed to load opt-out phrases", "error", err)
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, p := range phrases {
		if p.IsPattern {
			re, err := regexp.Compile("(?i)" + p.Phrase)
			if err != nil {
				e.logger.Warn("invalid opt-out pattern", "pattern", p.Phrase, "error", err)
				continue
			}
			if re.MatchString(text) {
				return true
			}
		} else if strings.Contains(lower, strings.ToLower(p.Phrase)) {
			return true
		}
	}
	return false
}

// applyOptOut flips the opt-out flag, cancels every pending follow-up, and
// audits the event. Opt-out is permanent until an operator reverses it.
func (e *Engine) applyOptOut(ctx context.Context, conv *store.Conversation, text string) error {
	if err := e.store.SetOptedOut(ctx, conv.ID, true); err != nil {
		return err
	}
	cancelled, err := e.store.CancelPendingFollowUps(ctx, conv.ID)
	if err != nil {
		return err
	}
	if err := e.store.AppendAction(ctx, conv.ID, "opted_out", "contact", text); err != nil {
		e.logger.Warn("failed to append opt-out action", "conversation_id", conv.ID, "error", err)
	}
	e.logger.Info("contact opted out",
		"conversation_id", conv.ID, "cancelled_follow_ups", cancelled)
	return nil
}

func toSignalMessages(msgs []*store.Message) []signals.Message {
	out := make([]signals.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, signals.Message{
			Direction: m.Direction,
			Text:      m.Text,
			At:        m.CreatedAt,
		})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func gateSnapshot(conv *store.Conversation) gate.Snapshot {
	return gate.Snapshot{
		AgentEnabled:      conv.AgentEnabled,
		OptedOut:          conv.OptedOut,
		Label:             labels.Label(conv.Label),
		HumanTakeover:     conv.HumanTakeover,
		TakeoverExpiresAt: conv.TakeoverExpiresAt,
		CooldownUntil:     conv.CooldownUntil,
		Confidence:        conv.Confidence,
	}
}

func gateSettings(st store.AccountSettings) gate.Settings {
	return gate.Settings{
		MinConfidence: st.MinConfidence,
		AutoTakeover:  st.AutoTakeover,
	}
}
