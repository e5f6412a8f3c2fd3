package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ravelino/chatpilot/pkg/chatpilot/channels"
	"github.com/ravelino/chatpilot/pkg/chatpilot/followup"
	"github.com/ravelino/chatpilot/pkg/chatpilot/gate"
	"github.com/ravelino/chatpilot/pkg/chatpilot/goals"
	"github.com/ravelino/chatpilot/pkg/chatpilot/llm"
	"github.com/ravelino/chatpilot/pkg/chatpilot/splitter"
	"github.com/ravelino/chatpilot/pkg/chatpilot/store"
)

// ReplyResult reports the outcome of one reply cycle. A denied gate produces
// Sent == nil with the denying decision attached.
type ReplyResult struct {
	Decision gate.Decision
	Sent     []string
	Strategy splitter.Strategy
	// Confidence is the post-generation score of the draft.
	Confidence float64
}

// Reply runs one gated reply cycle: evaluate the gate, generate a draft
// shaped by the active goal, score its confidence, split it, re-check the
// gate, and dispatch the chunks in order with the configured pacing delay.
func (e *Engine) Reply(ctx context.Context, conversationID string) (*ReplyResult, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	// Settings are read once per cycle; the whole decision runs against this
	// snapshot even if an operator saves new settings mid-flight.
	settings, err := e.store.GetSettings(ctx, conv.AccountID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	decision := gate.Evaluate(gateSnapshot(conv), gateSettings(settings), now)
	if !decision.Allow {
		e.logger.Info("reply suppressed",
			"conversation_id", conv.ID, "reason", decision.Reason,
			"settings_version", settings.Version)
		return &ReplyResult{Decision: decision}, nil
	}

	draft, err := e.generate(ctx, conv, settings)
	if err != nil {
		return nil, err
	}

	score, err := e.gate.UpdateConfidence(ctx, conv.ID, draft, gateSettings(settings))
	if err != nil {
		return nil, err
	}

	count, err := e.store.CountMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	split := splitter.Split(draft, splitter.Context{
		PriorMessages: count,
		Threshold:     settings.SplitThreshold,
	})

	// Re-check before dispatch: the confidence update may have triggered
	// takeover, or an operator may have intervened since the first check.
	conv, err = e.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	recheck := gate.Evaluate(gateSnapshot(conv), gateSettings(settings), time.Now())
	if !recheck.Allow {
		e.logger.Info("reply suppressed before dispatch",
			"conversation_id", conv.ID, "reason", recheck.Reason)
		return &ReplyResult{Decision: recheck, Confidence: score}, nil
	}

	sent, err := e.dispatch(ctx, conv, split.Chunks, settings.InterChunkDelayMs, nil)
	if err != nil {
		return nil, err
	}
	e.armCooldown(ctx, conv.ID, settings)

	return &ReplyResult{
		Decision:   recheck,
		Sent:       sent,
		Strategy:   split.Strategy,
		Confidence: score,
	}, nil
}

// generate builds the role-tagged prompt and calls the completion provider.
func (e *Engine) generate(ctx context.Context, conv *store.Conversation, settings store.AccountSettings) (string, error) {
	system := e.persona
	if system == "" {
		system = "You are a helpful business assistant replying to customers over chat."
	}

	if conv.ActiveGoalID != "" {
		if g, err := e.store.GetActiveGoal(ctx, conv.ID); err == nil {
			system = goals.ShapePrompt(system, g, g.Progress)
		} else if !errors.Is(err, store.ErrGoalNotFound) {
			return "", err
		}
	}

	messages, err := e.historyMessages(ctx, conv.ID, system, settings.MessageCountCap)
	if err != nil {
		return "", err
	}
	return e.completer.Complete(ctx, messages)
}

// historyMessages builds the role-tagged message list: the system prompt
// followed by the capped recent history.
func (e *Engine) historyMessages(ctx context.Context, conversationID, system string, limit int) ([]llm.Message, error) {
	history, err := e.store.RecentMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		role := llm.RoleUser
		if m.Direction == store.DirectionOutbound {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Text})
	}
	return messages, nil
}

// dispatch sends the chunks in order, persisting each as an outbound message
// and pausing between chunks. Quick-reply actions attach to the final chunk
// when the adapter supports them. A mid-sequence failure stops the remainder;
// the already-sent chunks stay recorded.
func (e *Engine) dispatch(ctx context.Context, conv *store.Conversation, chunks []string, delayMs int, actions []channels.Action) ([]string, error) {
	deliverer, ok := e.deliverers[conv.Channel]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDeliverer, conv.Channel)
	}
	delay := time.Duration(delayMs) * time.Millisecond

	var sent []string
	for i, chunk := range chunks {
		if i > 0 && delay > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				return sent, err
			}
		}

		var chunkActions []channels.Action
		if i == len(chunks)-1 {
			chunkActions = actions
		}
		msgID, err := send(ctx, deliverer, conv.ContactID, chunk, chunkActions)
		if err != nil {
			return sent, fmt.Errorf("dispatch chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if msgID == "" {
			msgID = uuid.NewString()
		}

		now := time.Now()
		if err := e.store.InsertMessage(ctx, &store.Message{
			ID:             msgID,
			ConversationID: conv.ID,
			Direction:      store.DirectionOutbound,
			Text:           chunk,
			CreatedAt:      now,
		}); err != nil {
			return sent, err
		}
		if err := e.store.TouchLastAgentMessage(ctx, conv.ID, now); err != nil {
			return sent, err
		}
		sent = append(sent, chunk)
	}

	e.logger.Info("reply dispatched",
		"conversation_id", conv.ID, "chunks", len(sent), "channel", conv.Channel)
	return sent, nil
}

// armCooldown opens the post-send cooldown window when the account sets one.
// The message already went out, so a write failure is logged, not returned.
func (e *Engine) armCooldown(ctx context.Context, conversationID string, settings store.AccountSettings) {
	if settings.CooldownHours <= 0 {
		return
	}
	until := time.Now().Add(time.Duration(settings.CooldownHours) * time.Hour)
	if err := e.store.SetCooldownUntil(ctx, conversationID, &until); err != nil {
		e.logger.Warn("failed to set cooldown",
			"conversation_id", conversationID, "error", err)
	}
}

// send routes through the adapter's quick-reply capability when actions are
// present, falling back to plain text delivery otherwise.
func send(ctx context.Context, d channels.Deliverer, to, text string, actions []channels.Action) (string, error) {
	if len(actions) > 0 {
		if as, ok := d.(channels.ActionSender); ok {
			return as.SendActions(ctx, to, text, actions)
		}
	}
	return d.Send(ctx, to, text)
}

// availabilityActions are the quick replies offered when asking whether now
// is a good moment to talk. A selection comes back as a normal inbound
// message carrying the label text.
var availabilityActions = []channels.Action{
	{ID: "availability_now", Label: "Pode falar agora"},
	{ID: "availability_later", Label: "Mais tarde, por favor"},
}

// ProcessFollowUp is the poller handler: it re-evaluates the gate at delivery
// time and generates the outreach message. FAQ-only mode suppresses proactive
// sends, so it skips here even though reactive replies would still pass.
func (e *Engine) ProcessFollowUp(ctx context.Context, f *store.FollowUp) (followup.Outcome, error) {
	conv, err := e.store.GetConversation(ctx, f.ConversationID)
	if err != nil {
		return followup.OutcomeSkipped, err
	}
	settings, err := e.store.GetSettings(ctx, conv.AccountID)
	if err != nil {
		return followup.OutcomeSkipped, err
	}

	decision := gate.Evaluate(gateSnapshot(conv), gateSettings(settings), time.Now())
	if !decision.Allow || decision.FAQOnly {
		e.logger.Info("follow-up suppressed",
			"follow_up_id", f.ID, "conversation_id", conv.ID,
			"reason", decision.Reason, "faq_only", decision.FAQOnly)
		return followup.OutcomeSkipped, nil
	}

	draft, err := e.generateFollowUp(ctx, conv, f, settings)
	if err != nil {
		return followup.OutcomeSkipped, err
	}

	// Re-check on a fresh snapshot before dispatch: generation takes long
	// enough for an operator or an auto-takeover to intervene mid-flight.
	conv, err = e.store.GetConversation(ctx, f.ConversationID)
	if err != nil {
		return followup.OutcomeSkipped, err
	}
	recheck := gate.Evaluate(gateSnapshot(conv), gateSettings(settings), time.Now())
	if !recheck.Allow || recheck.FAQOnly {
		e.logger.Info("follow-up suppressed before dispatch",
			"follow_up_id", f.ID, "conversation_id", conv.ID,
			"reason", recheck.Reason, "faq_only", recheck.FAQOnly)
		return followup.OutcomeSkipped, nil
	}

	split := splitter.Split(draft, splitter.Context{
		Urgent:    true,
		Threshold: settings.SplitThreshold,
	})
	// Availability check-ins carry quick replies on channels that support
	// them; the answer feeds back through the normal inbound pipeline.
	var actions []channels.Action
	if f.Type == store.FollowUpCustomerAvailability {
		actions = availabilityActions
	}
	if _, err := e.dispatch(ctx, conv, split.Chunks, settings.InterChunkDelayMs, actions); err != nil {
		return followup.OutcomeSkipped, err
	}
	e.armCooldown(ctx, conv.ID, settings)

	if err := e.store.AppendAction(ctx, conv.ID, "follow_up_sent", "system",
		fmt.Sprintf("%s: %s", f.Type, f.Reason)); err != nil {
		e.logger.Warn("failed to append follow-up action", "conversation_id", conv.ID, "error", err)
	}
	return followup.OutcomeSent, nil
}

// generateFollowUp produces the outreach text. A template on the entry is
// sent as-is; otherwise the draft is generated against the history with a
// re-engagement directive.
func (e *Engine) generateFollowUp(ctx context.Context, conv *store.Conversation, f *store.FollowUp, settings store.AccountSettings) (string, error) {
	if strings.TrimSpace(f.Template) != "" {
		return f.Template, nil
	}

	system := e.persona
	if system == "" {
		system = "You are a helpful business assistant replying to customers over chat."
	}
	system += "\n\nThe contact has gone quiet. Write one short, natural follow-up message to gently re-engage them. Do not apologize for following up."
	if f.Reason != "" {
		system += "\nReason for this follow-up: " + f.Reason
	}

	if conv.ActiveGoalID != "" {
		if g, err := e.store.GetActiveGoal(ctx, conv.ID); err == nil {
			system = goals.ShapePrompt(system, g, g.Progress)
		} else if !errors.Is(err, store.ErrGoalNotFound) {
			return "", err
		}
	}

	messages, err := e.historyMessages(ctx, conv.ID, system, settings.MessageCountCap)
	if err != nil {
		return "", err
	}
	return e.completer.Complete(ctx, messages)
}
