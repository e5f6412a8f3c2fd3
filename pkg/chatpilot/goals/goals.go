// Package goals manages a conversation's current objective: creating it,
// scoring progress against recent messages, shaping the generation prompt,
// and closing it when the success indicators show up.
package goals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ravelino/chatpilot/pkg/chatpilot/store"
)

// Goal types and their success indicator phrases. Indicators are what the
// contact says when the objective is being reached.
var successIndicators = map[string][]string{
	"schedule_visit": {
		"visita marcada", "agendado", "agendada", "confirmo o horário",
		"confirmo o horario", "pode ser nesse dia", "marcamos",
		"appointment confirmed", "see you then",
	},
	"qualify_lead": {
		"meu orçamento é", "meu orcamento e", "procuro um", "quero algo",
		"prefiro", "preciso de", "my budget is", "i'm looking for",
	},
	"close_sale": {
		"vamos fechar", "pode fechar", "negócio fechado", "negocio fechado",
		"aceito a proposta", "fechado então", "fechado entao", "deal",
		"i'll take it",
	},
	"collect_feedback": {
		"minha experiência foi", "minha experiencia foi", "achei que",
		"gostei do atendimento", "não gostei do atendimento",
		"my experience was", "the service was",
	},
	"reactivate": {
		"ainda tenho interesse", "vamos retomar", "pode me atualizar",
		"ainda procuro", "still interested", "let's pick this up",
	},
}

// Progress weights. Indicator matches dominate; engagement and sentiment top
// out well below them.
const (
	indicatorWeight = 50
	engagementCap   = 30
	sentimentCap    = 20

	// completionShare closes the goal when this fraction of indicators is
	// found, independent of the aggregate score.
	completionShare = 0.5
	// completionDistinct closes the goal at this many distinct indicator
	// hits, even when the share stays low.
	completionDistinct = 2
)

// ErrUnknownGoalType is returned for a goal type outside the closed set.
var ErrUnknownGoalType = errors.New("unknown goal type")

// Types returns the closed set of goal types, sorted.
func Types() []string {
	out := make([]string, 0, len(successIndicators))
	for t := range successIndicators {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Indicators returns the success indicator phrases for a goal type.
func Indicators(goalType string) []string {
	return successIndicators[goalType]
}

// Store is the slice of persistence the tracker needs.
type Store interface {
	CreateGoal(ctx context.Context, g *store.Goal) error
	GetActiveGoal(ctx context.Context, conversationID string) (*store.Goal, error)
	UpdateGoalProgress(ctx context.Context, id string, progress int) error
	CompleteGoal(ctx context.Context, id string, progress int) (int, error)
	AbandonGoal(ctx context.Context, id string) error
	RecentMessages(ctx context.Context, conversationID string, n int) ([]*store.Message, error)
	AppendAction(ctx context.Context, conversationID, kind, actor, detail string) error
}

// Tracker manages goal lifecycle and progress.
type Tracker struct {
	store  Store
	logger *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(st Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: st, logger: logger.With("component", "goals")}
}

// Create opens a new active goal for the conversation. Any prior active goal
// is atomically marked abandoned by the store.
func (t *Tracker) Create(ctx context.Context, conversationID, goalType, directive string, goalContext map[string]string, priority int) (*store.Goal, error) {
	if _, ok := successIndicators[goalType]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGoalType, goalType)
	}
	g := &store.Goal{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           goalType,
		Directive:      directive,
		Context:        goalContext,
		Priority:       priority,
	}
	if err := t.store.CreateGoal(ctx, g); err != nil {
		return nil, err
	}
	if err := t.store.AppendAction(ctx, conversationID, "goal_created", "system", goalType); err != nil {
		t.logger.Warn("failed to append goal action", "conversation_id", conversationID, "error", err)
	}
	t.logger.Info("goal created",
		"conversation_id", conversationID, "goal_id", g.ID, "type", goalType)
	return g, nil
}

// Abandon cancels the active goal explicitly.
func (t *Tracker) Abandon(ctx context.Context, conversationID string) error {
	g, err := t.store.GetActiveGoal(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := t.store.AbandonGoal(ctx, g.ID); err != nil {
		return err
	}
	t.logger.Info("goal abandoned", "conversation_id", conversationID, "goal_id", g.ID)
	return nil
}

// Evaluation is the outcome of one progress evaluation.
type Evaluation struct {
	Progress           int
	IndicatorsFound    int
	IndicatorShare     float64
	Completed          bool
	CancelledFollowUps int
}

// Evaluate recomputes progress for the conversation's active goal from its
// recent messages, persists it, and closes the goal when the completion rule
// fires. Completion is indicator share >= 50% OR at least 2 distinct
// indicators, not the aggregate score. Returns store.ErrGoalNotFound when
// there is no active goal.
func (t *Tracker) Evaluate(ctx context.Context, conversationID string) (Evaluation, error) {
	g, err := t.store.GetActiveGoal(ctx, conversationID)
	if err != nil {
		return Evaluation{}, err
	}

	msgs, err := t.store.RecentMessages(ctx, conversationID, 30)
	if err != nil {
		return Evaluation{}, err
	}

	ev := score(g.Type, msgs)

	if ev.Completed {
		cancelled, err := t.store.CompleteGoal(ctx, g.ID, ev.Progress)
		if err != nil {
			return ev, err
		}
		ev.CancelledFollowUps = cancelled
		if err := t.store.AppendAction(ctx, conversationID, "goal_completed", "system",
			fmt.Sprintf("%s progress=%d cancelled=%d", g.Type, ev.Progress, cancelled)); err != nil {
			t.logger.Warn("failed to append goal action", "conversation_id", conversationID, "error", err)
		}
		t.logger.Info("goal completed",
			"conversation_id", conversationID, "goal_id", g.ID,
			"progress", ev.Progress, "cancelled_follow_ups", cancelled)
		return ev, nil
	}

	if err := t.store.UpdateGoalProgress(ctx, g.ID, ev.Progress); err != nil {
		return ev, err
	}
	return ev, nil
}

// score computes the weighted progress from recent messages.
func score(goalType string, msgs []*store.Message) Evaluation {
	indicators := successIndicators[goalType]

	var inboundTexts []string
	inboundCount := 0
	for _, m := range msgs {
		if m.Direction == store.DirectionInbound {
			inboundTexts = append(inboundTexts, strings.ToLower(m.Text))
			inboundCount++
		}
	}
	joined := strings.Join(inboundTexts, " ")

	found := 0
	for _, ind := range indicators {
		if strings.Contains(joined, ind) {
			found++
		}
	}
	share := 0.0
	if len(indicators) > 0 {
		share = float64(found) / float64(len(indicators))
	}

	indicatorTerm := int(share * indicatorWeight)

	engagementTerm := inboundCount * 3
	if engagementTerm > engagementCap {
		engagementTerm = engagementCap
	}

	positives := 0
	for _, p := range positiveMarkers {
		if strings.Contains(joined, p) {
			positives++
		}
	}
	sentimentTerm := positives * 5
	if sentimentTerm > sentimentCap {
		sentimentTerm = sentimentCap
	}

	progress := indicatorTerm + engagementTerm + sentimentTerm
	if progress > 100 {
		progress = 100
	}

	return Evaluation{
		Progress:        progress,
		IndicatorsFound: found,
		IndicatorShare:  share,
		Completed:       share >= completionShare || found >= completionDistinct,
	}
}

// positiveMarkers is the generic positive-sentiment vocabulary feeding the
// sentiment term.
var positiveMarkers = []string{
	"ótimo", "otimo", "perfeito", "gostei", "adorei", "obrigado", "obrigada",
	"excelente", "great", "perfect", "thanks", "awesome", "sounds good",
}

// ShapePrompt appends the goal's directive, context pairs, progress, and
// success indicators to the caller's base instructions. Purely additive: the
// base text is never replaced or truncated.
func ShapePrompt(base string, g *store.Goal, progress int) string {
	if g == nil {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n## Current objective\n")
	b.WriteString(fmt.Sprintf("Goal: %s\n", g.Type))
	if g.Directive != "" {
		b.WriteString(fmt.Sprintf("Directive: %s\n", g.Directive))
	}
	if len(g.Context) > 0 {
		keys := make([]string, 0, len(g.Context))
		for k := range g.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Context:\n")
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("- %s: %s\n", k, g.Context[k]))
		}
	}
	b.WriteString(fmt.Sprintf("Progress: %d%%\n", progress))
	if inds := successIndicators[g.Type]; len(inds) > 0 {
		b.WriteString("Success looks like the contact saying things such as: ")
		b.WriteString(strings.Join(inds, "; "))
		b.WriteString("\n")
	}
	return b.String()
}
