package goals

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ravelino/chatpilot/pkg/chatpilot/store"
)

// fakeGoalStore serves one active goal and records lifecycle calls.
type fakeGoalStore struct {
	active    *store.Goal
	messages  []*store.Message
	created   *store.Goal
	progress  int
	completed bool
	abandoned bool
	cancelled int
	actions   []string
}

func (f *fakeGoalStore) CreateGoal(_ context.Context, g *store.Goal) error {
	f.created = g
	f.active = g
	return nil
}

func (f *fakeGoalStore) GetActiveGoal(_ context.Context, _ string) (*store.Goal, error) {
	if f.active == nil {
		return nil, store.ErrGoalNotFound
	}
	return f.active, nil
}

func (f *fakeGoalStore) UpdateGoalProgress(_ context.Context, _ string, progress int) error {
	f.progress = progress
	return nil
}

func (f *fakeGoalStore) CompleteGoal(_ context.Context, _ string, progress int) (int, error) {
	f.completed = true
	f.progress = progress
	return f.cancelled, nil
}

func (f *fakeGoalStore) AbandonGoal(_ context.Context, _ string) error {
	f.abandoned = true
	return nil
}

func (f *fakeGoalStore) RecentMessages(_ context.Context, _ string, _ int) ([]*store.Message, error) {
	return f.messages, nil
}

func (f *fakeGoalStore) AppendAction(_ context.Context, _, kind, _, _ string) error {
	f.actions = append(f.actions, kind)
	return nil
}

func inbound(text string) *store.Message {
	return &store.Message{Direction: store.DirectionInbound, Text: text}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	t.Parallel()

	tr := NewTracker(&fakeGoalStore{}, nil)
	_, err := tr.Create(context.Background(), "c1", "world_domination", "", nil, 0)
	if !errors.Is(err, ErrUnknownGoalType) {
		t.Errorf("err = %v, want ErrUnknownGoalType", err)
	}
}

func TestCreatePersistsGoal(t *testing.T) {
	t.Parallel()

	fs := &fakeGoalStore{}
	tr := NewTracker(fs, nil)

	g, err := tr.Create(context.Background(), "c1", "schedule_visit", "book this week",
		map[string]string{"property": "apt 42"}, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if fs.created == nil || fs.created.ID != g.ID {
		t.Fatal("goal was not persisted")
	}
	if g.Type != "schedule_visit" || g.Directive != "book this week" {
		t.Errorf("goal = %+v", g)
	}
	if len(fs.actions) != 1 || fs.actions[0] != "goal_created" {
		t.Errorf("actions = %v, want goal_created", fs.actions)
	}
}

func TestEvaluateNoActiveGoal(t *testing.T) {
	t.Parallel()

	tr := NewTracker(&fakeGoalStore{}, nil)
	if _, err := tr.Evaluate(context.Background(), "c1"); !errors.Is(err, store.ErrGoalNotFound) {
		t.Errorf("err = %v, want ErrGoalNotFound", err)
	}
}

func TestEvaluateProgress(t *testing.T) {
	t.Parallel()

	fs := &fakeGoalStore{
		active: &store.Goal{ID: "g1", ConversationID: "c1", Type: "schedule_visit"},
		messages: []*store.Message{
			inbound("oi, ainda estou pensando"),
			inbound("gostei do lugar"),
			{Direction: store.DirectionOutbound, Text: "visita marcada então?"},
		},
	}
	tr := NewTracker(fs, nil)

	ev, err := tr.Evaluate(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Completed {
		t.Fatal("no indicator was spoken by the contact, goal must stay open")
	}
	// Outbound text never counts toward indicators.
	if ev.IndicatorsFound != 0 {
		t.Errorf("IndicatorsFound = %d, want 0", ev.IndicatorsFound)
	}
	// 2 inbound × 3 engagement + 1 positive marker × 5.
	if ev.Progress != 11 {
		t.Errorf("Progress = %d, want 11", ev.Progress)
	}
	if fs.progress != ev.Progress {
		t.Errorf("persisted progress = %d, want %d", fs.progress, ev.Progress)
	}
	if fs.completed {
		t.Error("CompleteGoal must not be called")
	}
}

// Two distinct indicators complete the goal even though the share stays low.
func TestEvaluateCompletesOnDistinctIndicators(t *testing.T) {
	t.Parallel()

	fs := &fakeGoalStore{
		active: &store.Goal{ID: "g1", ConversationID: "c1", Type: "schedule_visit"},
		messages: []*store.Message{
			inbound("visita marcada!"),
			inbound("pode ser nesse dia mesmo"),
		},
		cancelled: 2,
	}
	tr := NewTracker(fs, nil)

	ev, err := tr.Evaluate(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ev.Completed {
		t.Fatal("two distinct indicators must complete the goal")
	}
	if ev.IndicatorsFound != 2 {
		t.Errorf("IndicatorsFound = %d, want 2", ev.IndicatorsFound)
	}
	if ev.CancelledFollowUps != 2 {
		t.Errorf("CancelledFollowUps = %d, want 2", ev.CancelledFollowUps)
	}
	if !fs.completed {
		t.Error("CompleteGoal was not called")
	}
	if len(fs.actions) == 0 || fs.actions[len(fs.actions)-1] != "goal_completed" {
		t.Errorf("actions = %v, want goal_completed recorded", fs.actions)
	}
}

func TestEvaluateEngagementCap(t *testing.T) {
	t.Parallel()

	var msgs []*store.Message
	for i := 0; i < 15; i++ {
		msgs = append(msgs, inbound("seguimos conversando"))
	}
	fs := &fakeGoalStore{
		active:   &store.Goal{ID: "g1", ConversationID: "c1", Type: "close_sale"},
		messages: msgs,
	}
	tr := NewTracker(fs, nil)

	ev, err := tr.Evaluate(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// 15 inbound messages would score 45; the engagement term caps at 30.
	if ev.Progress != 30 {
		t.Errorf("Progress = %d, want 30", ev.Progress)
	}
}

func TestAbandon(t *testing.T) {
	t.Parallel()

	fs := &fakeGoalStore{active: &store.Goal{ID: "g1", ConversationID: "c1", Type: "reactivate"}}
	tr := NewTracker(fs, nil)

	if err := tr.Abandon(context.Background(), "c1"); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if !fs.abandoned {
		t.Error("AbandonGoal was not called")
	}
}

func TestShapePrompt(t *testing.T) {
	t.Parallel()

	base := "You are a helpful assistant for a real-estate agency."
	g := &store.Goal{
		Type:      "schedule_visit",
		Directive: "Offer two concrete time slots.",
		Context:   map[string]string{"property": "apt 42", "budget": "500k"},
	}

	got := ShapePrompt(base, g, 40)
	if !strings.HasPrefix(got, base) {
		t.Fatal("base instructions must be preserved verbatim at the start")
	}
	for _, want := range []string{
		"Goal: schedule_visit",
		"Directive: Offer two concrete time slots.",
		"- budget: 500k",
		"- property: apt 42",
		"Progress: 40%",
		"visita marcada",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("shaped prompt missing %q", want)
		}
	}
	// Context keys render sorted for a stable prompt.
	if strings.Index(got, "- budget:") > strings.Index(got, "- property:") {
		t.Error("context keys are not sorted")
	}
}

func TestShapePromptNilGoal(t *testing.T) {
	t.Parallel()

	base := "base instructions"
	if got := ShapePrompt(base, nil, 0); got != base {
		t.Errorf("ShapePrompt(nil) = %q, want the base untouched", got)
	}
}

func TestTypesSortedAndClosed(t *testing.T) {
	t.Parallel()

	types := Types()
	if len(types) == 0 {
		t.Fatal("no goal types registered")
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Fatalf("types not sorted: %v", types)
		}
	}
	for _, typ := range types {
		if len(Indicators(typ)) == 0 {
			t.Errorf("type %q has no success indicators", typ)
		}
	}
}
