package labels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Actor identifies who initiated a label change.
type Actor string

const (
	// ActorAuto is the automatic keyword/heuristic detection path.
	ActorAuto Actor = "auto"
	// ActorHuman is a manual override by an operator.
	ActorHuman Actor = "human"
)

// ErrProtectedLabel is returned when automatic detection tries to downgrade a
// critical label.
var ErrProtectedLabel = errors.New("label is protected from automatic downgrade")

// Guard is the transition-guard matrix: from-label × to-label × actor → error.
// The only deny rule today is the critical-label downgrade refusal, but new
// rules slot in here without touching the apply control flow.
func Guard(from, to Label, actor Actor) error {
	if actor == ActorHuman {
		return nil
	}
	if from == to {
		return nil
	}
	if Lookup(from).Critical {
		return fmt.Errorf("%w: %s -> %s", ErrProtectedLabel, from, to)
	}
	return nil
}

// ConversationLabeler is the slice of the store the classifier needs.
type ConversationLabeler interface {
	ApplyLabel(ctx context.Context, conversationID, toLabel, actor, reason string,
		cancelPending bool, guard func(current string) error) (int, error)
}

// Classifier applies classified labels to conversations with the transition
// guard enforced atomically alongside the label write.
type Classifier struct {
	store  ConversationLabeler
	logger *slog.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(store ConversationLabeler, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{store: store, logger: logger.With("component", "labels")}
}

// ClassifyAndApply classifies the inbound text and, on a match, applies the
// label via Apply. Returns the applied label, or "" when nothing matched or
// the guard refused the transition.
func (c *Classifier) ClassifyAndApply(ctx context.Context, conversationID, text string) (Label, error) {
	label, ok := Classify(text)
	if !ok {
		return "", nil
	}
	if err := c.Apply(ctx, conversationID, label, ActorAuto, "keyword match"); err != nil {
		if errors.Is(err, ErrProtectedLabel) {
			c.logger.Debug("label change refused by guard",
				"conversation_id", conversationID, "to", label)
			return "", nil
		}
		return "", err
	}
	return label, nil
}

// Apply writes a label change. The guard matrix is evaluated against the
// current label inside the store transaction, and labels that cancel
// follow-ups cancel every pending entry in the same transaction.
func (c *Classifier) Apply(ctx context.Context, conversationID string, to Label, actor Actor, reason string) error {
	def := Lookup(to)
	cancelled, err := c.store.ApplyLabel(ctx, conversationID, string(to), string(actor), reason,
		def.CancelsFollowUps,
		func(current string) error {
			return Guard(Label(current), to, actor)
		})
	if err != nil {
		return err
	}
	if cancelled > 0 {
		c.logger.Info("label cancelled pending follow-ups",
			"conversation_id", conversationID, "label", to, "cancelled", cancelled)
	}
	c.logger.Info("label applied",
		"conversation_id", conversationID, "label", to, "actor", actor)
	return nil
}
