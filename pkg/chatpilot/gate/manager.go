package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store is the slice of persistence the manager needs.
type Store interface {
	ActivateTakeover(ctx context.Context, conversationID, reason, actor string, expiresAt time.Time) error
	DeactivateTakeover(ctx context.Context, conversationID, actor string) error
	SetConfidence(ctx context.Context, conversationID string, confidence float64) error
	AppendAction(ctx context.Context, conversationID, kind, actor, detail string) error
}

// DefaultTakeoverDuration applies when a takeover is activated without an
// explicit duration.
const DefaultTakeoverDuration = 4 * time.Hour

// Manager handles takeover activation and the confidence/takeover coupling:
// a confidence update that crosses below the threshold triggers takeover as a
// side effect. The two are deliberately not independent.
type Manager struct {
	store  Store
	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger.With("component", "gate")}
}

// ActivateTakeover flags the conversation for human handling, sets the
// expiry, and appends an audit record.
func (m *Manager) ActivateTakeover(ctx context.Context, conversationID, reason, actor string, duration time.Duration) error {
	if duration <= 0 {
		duration = DefaultTakeoverDuration
	}
	expiresAt := time.Now().Add(duration)
	if err := m.store.ActivateTakeover(ctx, conversationID, reason, actor, expiresAt); err != nil {
		return fmt.Errorf("activate takeover: %w", err)
	}
	if err := m.store.AppendAction(ctx, conversationID, "takeover_activated", actor, reason); err != nil {
		m.logger.Warn("failed to append takeover action", "conversation_id", conversationID, "error", err)
	}
	m.logger.Info("takeover activated",
		"conversation_id", conversationID, "reason", reason, "actor", actor,
		"expires_at", expiresAt.Format(time.RFC3339))
	return nil
}

// DeactivateTakeover clears the flag, resets confidence to 1.0 (done inside
// the store transaction), and closes the open audit record.
func (m *Manager) DeactivateTakeover(ctx context.Context, conversationID, actor string) error {
	if err := m.store.DeactivateTakeover(ctx, conversationID, actor); err != nil {
		return fmt.Errorf("deactivate takeover: %w", err)
	}
	if err := m.store.AppendAction(ctx, conversationID, "takeover_deactivated", actor, ""); err != nil {
		m.logger.Warn("failed to append takeover action", "conversation_id", conversationID, "error", err)
	}
	m.logger.Info("takeover deactivated", "conversation_id", conversationID, "actor", actor)
	return nil
}

// UpdateConfidence scores the generated reply, persists the new confidence,
// and activates takeover when the score falls below the threshold with
// auto-takeover enabled. Returns the score.
func (m *Manager) UpdateConfidence(ctx context.Context, conversationID, replyText string, st Settings) (float64, error) {
	score := ScoreReply(replyText)
	if err := m.store.SetConfidence(ctx, conversationID, score); err != nil {
		return score, fmt.Errorf("persist confidence: %w", err)
	}

	if st.AutoTakeover && score < st.MinConfidence {
		reason := fmt.Sprintf("confidence %.2f below threshold %.2f", score, st.MinConfidence)
		if err := m.ActivateTakeover(ctx, conversationID, reason, "system", DefaultTakeoverDuration); err != nil {
			return score, err
		}
	}
	return score, nil
}
