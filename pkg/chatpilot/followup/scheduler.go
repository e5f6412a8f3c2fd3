// Package followup computes when to re-contact a conversation, persists the
// schedule entries, and retries delivery failures with a fixed backoff. The
// intuition cadence is deterministic: the same inputs always reproduce the
// same schedule.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ravelino/chatpilot/pkg/chatpilot/besttime"
	"github.com/ravelino/chatpilot/pkg/chatpilot/store"
)

// Defaults.
const (
	// DefaultDelay applies when a request carries no explicit time, no
	// best-time flag, and no relative delay.
	DefaultDelay = 4 * time.Hour
	// QuickMinSpacing is the minimum gap since the last agent message before
	// another quick follow-up may be scheduled.
	QuickMinSpacing = 30 * time.Minute
	// RetryBackoff is the fixed re-queue interval for failed deliveries.
	RetryBackoff = time.Hour
	// DefaultMaxRetries bounds delivery retries per entry.
	DefaultMaxRetries = 3
)

// ErrInvalidRequest covers malformed scheduling input.
var ErrInvalidRequest = errors.New("invalid follow-up request")

// Store is the slice of persistence the scheduler needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetSettings(ctx context.Context, accountID string) (store.AccountSettings, error)
	InsertFollowUp(ctx context.Context, f *store.FollowUp, scope store.CancelScope) (int, error)
	InsertQuickFollowUp(ctx context.Context, f *store.FollowUp) error
	MarkFollowUpSent(ctx context.Context, id string) error
	CancelFollowUp(ctx context.Context, id string) error
	MarkFollowUpFailed(ctx context.Context, id string, backoff time.Duration) (*store.FollowUp, error)
	CountIntuitionSince(ctx context.Context, conversationID string, since time.Time) (int, error)
	AppendAction(ctx context.Context, conversationID, kind, actor, detail string) error
}

// Estimator produces best-time estimates. Satisfied by *besttime.Estimator.
type Estimator interface {
	Estimate(ctx context.Context, accountID, conversationID string, now time.Time) besttime.Estimate
}

// Request describes one follow-up to schedule. Target-time precedence:
// explicit At, then UseBestTime, then Delay, then the 4-hour default.
type Request struct {
	ConversationID string
	Type           store.FollowUpType
	At             *time.Time
	UseBestTime    bool
	Delay          time.Duration
	Reason         string
	Template       string
	MaxRetries     int
}

// WaitHint tells the caller when a refused quick follow-up may be retried.
type WaitHint struct {
	RetryAfter time.Duration
	Reason     string
}

// Scheduler computes and persists follow-up entries. The cadence shift comes
// from the account settings snapshot at trigger time, so a settings update
// applies to the next entry without a restart.
type Scheduler struct {
	store     Store
	estimator Estimator
	logger    *slog.Logger
}

// New creates a Scheduler.
func New(st Store, estimator Estimator, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     st,
		estimator: estimator,
		logger:    logger.With("component", "followup"),
	}
}

// Schedule resolves the target time, clamps it forward to the conversation's
// cooldown, and persists one pending entry. The manual path first cancels
// every other pending entry for the conversation.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*store.FollowUp, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation ID required", ErrInvalidRequest)
	}
	if req.Delay < 0 {
		return nil, fmt.Errorf("%w: negative delay", ErrInvalidRequest)
	}
	if req.Type == "" {
		req.Type = store.FollowUpManual
	}

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	at := s.resolveTime(ctx, conv, req, now)
	at = clampToCooldown(at, conv.CooldownUntil)

	f := &store.FollowUp{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		ScheduledAt:    at,
		Type:           req.Type,
		Reason:         req.Reason,
		Template:       req.Template,
		MaxRetries:     maxRetries(req.MaxRetries),
	}

	scope := store.CancelNone
	if req.Type == store.FollowUpManual {
		scope = store.CancelAll
	}
	cancelled, err := s.store.InsertFollowUp(ctx, f, scope)
	if err != nil {
		return nil, err
	}

	s.logger.Info("follow-up scheduled",
		"conversation_id", conv.ID, "follow_up_id", f.ID, "type", f.Type,
		"scheduled_at", at.Format(time.RFC3339), "cancelled", cancelled)
	return f, nil
}

// ScheduleQuick persists a quick follow-up, enforcing the 30-minute spacing
// since the last agent message and the concurrent pending cap of 3. A refusal
// returns a typed wait hint instead of an error.
func (s *Scheduler) ScheduleQuick(ctx context.Context, conversationID string, delay time.Duration, reason string) (*store.FollowUp, *WaitHint, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	if conv.LastAgentMessageAt != nil {
		since := now.Sub(*conv.LastAgentMessageAt)
		if since < QuickMinSpacing {
			return nil, &WaitHint{
				RetryAfter: QuickMinSpacing - since,
				Reason:     "minimum spacing since last agent message",
			}, nil
		}
	}

	if delay <= 0 {
		delay = QuickMinSpacing
	}
	at := clampToCooldown(now.Add(delay), conv.CooldownUntil)

	f := &store.FollowUp{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		ScheduledAt:    at,
		Reason:         reason,
		MaxRetries:     DefaultMaxRetries,
	}
	if err := s.store.InsertQuickFollowUp(ctx, f); err != nil {
		if errors.Is(err, store.ErrQuickCapReached) {
			return nil, &WaitHint{
				RetryAfter: time.Until(at),
				Reason:     "pending quick follow-up cap reached",
			}, nil
		}
		return nil, nil, err
	}

	s.logger.Info("quick follow-up scheduled",
		"conversation_id", conv.ID, "follow_up_id", f.ID,
		"scheduled_at", at.Format(time.RFC3339))
	return f, nil, nil
}

// TriggerIntuition schedules the next entry of the Fibonacci cadence for a
// conversation. The step index is the count of prior non-cancelled intuition
// entries since the last inbound message, and durations accumulate from the
// last-inbound timestamp, so recomputation with the same inputs reproduces
// the same schedule. Pending intuition entries anchored to an earlier inbound
// are cancelled in the same transaction as the insert, keeping one live
// cadence entry per conversation.
func (s *Scheduler) TriggerIntuition(ctx context.Context, conversationID, reason string) (*store.FollowUp, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.LastInboundAt == nil {
		return nil, fmt.Errorf("%w: conversation has no inbound message", ErrInvalidRequest)
	}

	settings, err := s.store.GetSettings(ctx, conv.AccountID)
	if err != nil {
		return nil, err
	}

	step, err := s.store.CountIntuitionSince(ctx, conversationID, *conv.LastInboundAt)
	if err != nil {
		return nil, err
	}

	at := CadenceTime(*conv.LastInboundAt, step, settings.IntuitionShift)
	at = clampToCooldown(at, conv.CooldownUntil)

	f := &store.FollowUp{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		ScheduledAt:    at,
		Type:           store.FollowUpIntuition,
		Reason:         reason,
		MaxRetries:     DefaultMaxRetries,
	}
	if _, err := s.store.InsertFollowUp(ctx, f, store.CancelIntuition); err != nil {
		return nil, err
	}

	s.logger.Info("intuition follow-up scheduled",
		"conversation_id", conv.ID, "follow_up_id", f.ID, "step", step,
		"shift", settings.IntuitionShift, "scheduled_at", at.Format(time.RFC3339))
	return f, nil
}

// MarkSent records a successful delivery.
func (s *Scheduler) MarkSent(ctx context.Context, followUpID string) error {
	return s.store.MarkFollowUpSent(ctx, followUpID)
}

// Cancel marks a single pending entry cancelled.
func (s *Scheduler) Cancel(ctx context.Context, followUpID string) error {
	return s.store.CancelFollowUp(ctx, followUpID)
}

// MarkFailed increments the entry's retry counter; while under max retries
// the entry is re-queued one hour later, otherwise it terminates as failed
// and stays visible for manual inspection.
func (s *Scheduler) MarkFailed(ctx context.Context, followUpID string) (*store.FollowUp, error) {
	f, err := s.store.MarkFollowUpFailed(ctx, followUpID, RetryBackoff)
	if err != nil {
		return nil, err
	}
	if f.Status == store.FollowUpFailed {
		s.logger.Warn("follow-up retries exhausted",
			"follow_up_id", f.ID, "conversation_id", f.ConversationID,
			"retries", f.RetryCount)
	} else {
		s.logger.Info("follow-up re-queued after failure",
			"follow_up_id", f.ID, "retry", f.RetryCount,
			"scheduled_at", f.ScheduledAt.Format(time.RFC3339))
	}
	return f, nil
}

// resolveTime applies the target-time precedence.
func (s *Scheduler) resolveTime(ctx context.Context, conv *store.Conversation, req Request, now time.Time) time.Time {
	switch {
	case req.At != nil:
		return *req.At
	case req.UseBestTime && s.estimator != nil:
		return s.estimator.Estimate(ctx, conv.AccountID, conv.ID, now).Best().NextOccurrence
	case req.Delay > 0:
		return now.Add(req.Delay)
	default:
		return now.Add(DefaultDelay)
	}
}

// clampToCooldown pushes a time forward to the cooldown boundary when it
// falls inside it.
func clampToCooldown(at time.Time, cooldownUntil *time.Time) time.Time {
	if cooldownUntil != nil && at.Before(*cooldownUntil) {
		return *cooldownUntil
	}
	return at
}

func maxRetries(requested int) int {
	if requested <= 0 {
		return DefaultMaxRetries
	}
	return requested
}
