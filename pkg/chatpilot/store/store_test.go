package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConversation(t *testing.T, s *Store) *Conversation {
	t.Helper()
	c := &Conversation{
		ID:           uuid.NewString(),
		AccountID:    "acc",
		ContactID:    uuid.NewString(),
		Channel:      "whatsapp",
		AgentEnabled: true,
	}
	if err := s.CreateConversation(context.Background(), c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return c
}

func pendingFollowUp(t *testing.T, s *Store, conversationID string) *FollowUp {
	t.Helper()
	f := &FollowUp{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ScheduledAt:    time.Now().Add(time.Hour),
		Type:           FollowUpIntuition,
		MaxRetries:     3,
	}
	if _, err := s.InsertFollowUp(context.Background(), f, CancelNone); err != nil {
		t.Fatalf("InsertFollowUp: %v", err)
	}
	return f
}

func TestConversationRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	got, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.AccountID != "acc" || !got.AgentEnabled || got.Confidence != 1.0 {
		t.Errorf("conversation = %+v", got)
	}

	byContact, err := s.GetConversationByContact(ctx, "acc", "whatsapp", c.ContactID)
	if err != nil {
		t.Fatalf("GetConversationByContact: %v", err)
	}
	if byContact.ID != c.ID {
		t.Errorf("contact lookup returned %q, want %q", byContact.ID, c.ID)
	}

	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("missing conversation err = %v", err)
	}
}

func TestApplyLabelGuardRunsInTransaction(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	if _, err := s.ApplyLabel(ctx, c.ID, "do_not_message", "auto", "opt-out phrase", false, nil); err != nil {
		t.Fatalf("ApplyLabel: %v", err)
	}

	refuse := errors.New("protected")
	var sawCurrent string
	_, err := s.ApplyLabel(ctx, c.ID, "interested", "auto", "", false, func(current string) error {
		sawCurrent = current
		return refuse
	})
	if !errors.Is(err, refuse) {
		t.Fatalf("guard refusal not propagated: %v", err)
	}
	if sawCurrent != "do_not_message" {
		t.Errorf("guard saw current label %q, want do_not_message", sawCurrent)
	}

	got, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Label != "do_not_message" {
		t.Errorf("label = %q, refused transition must not be written", got.Label)
	}

	// Only the accepted transition is in the trail.
	events, err := s.ListLabelHistory(ctx, c.ID, 10)
	if err != nil {
		t.Fatalf("ListLabelHistory: %v", err)
	}
	if len(events) != 1 || events[0].ToLabel != "do_not_message" {
		t.Errorf("label history = %+v", events)
	}
}

func TestApplyLabelSameLabelNoOp(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	if _, err := s.ApplyLabel(ctx, c.ID, "interested", "auto", "", false, nil); err != nil {
		t.Fatalf("ApplyLabel: %v", err)
	}
	guardCalled := false
	if _, err := s.ApplyLabel(ctx, c.ID, "interested", "auto", "", false, func(string) error {
		guardCalled = true
		return nil
	}); err != nil {
		t.Fatalf("ApplyLabel repeat: %v", err)
	}
	if guardCalled {
		t.Error("guard must not run for an identical label")
	}
	events, _ := s.ListLabelHistory(ctx, c.ID, 10)
	if len(events) != 1 {
		t.Errorf("history rows = %d, want 1", len(events))
	}
}

func TestApplyLabelCancelsPending(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)
	f1 := pendingFollowUp(t, s, c.ID)
	f2 := pendingFollowUp(t, s, c.ID)

	cancelled, err := s.ApplyLabel(ctx, c.ID, "not_interested", "auto", "", true, nil)
	if err != nil {
		t.Fatalf("ApplyLabel: %v", err)
	}
	if cancelled != 2 {
		t.Errorf("cancelled = %d, want 2", cancelled)
	}
	for _, id := range []string{f1.ID, f2.ID} {
		f, err := s.GetFollowUp(ctx, id)
		if err != nil {
			t.Fatalf("GetFollowUp: %v", err)
		}
		if f.Status != FollowUpCancelled {
			t.Errorf("follow-up %s status = %q, want cancelled", id, f.Status)
		}
	}
}

func TestTakeoverLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	if err := s.SetConfidence(ctx, c.ID, 0.3); err != nil {
		t.Fatalf("SetConfidence: %v", err)
	}
	expires := time.Now().Add(2 * time.Hour)
	if err := s.ActivateTakeover(ctx, c.ID, "confidence below threshold", "system", expires); err != nil {
		t.Fatalf("ActivateTakeover: %v", err)
	}

	got, _ := s.GetConversation(ctx, c.ID)
	if !got.HumanTakeover || got.TakeoverExpiresAt == nil {
		t.Fatalf("takeover not recorded: %+v", got)
	}

	if err := s.DeactivateTakeover(ctx, c.ID, "operator"); err != nil {
		t.Fatalf("DeactivateTakeover: %v", err)
	}
	got, _ = s.GetConversation(ctx, c.ID)
	if got.HumanTakeover || got.TakeoverExpiresAt != nil {
		t.Errorf("takeover not cleared: %+v", got)
	}
	// Handing back resets confidence so the agent is not instantly re-blocked.
	if got.Confidence != 1.0 {
		t.Errorf("confidence = %v, want reset to 1.0", got.Confidence)
	}
}

func TestCreateGoalAbandonsPrior(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	g1 := &Goal{ID: uuid.NewString(), ConversationID: c.ID, Type: "qualify_lead"}
	if err := s.CreateGoal(ctx, g1); err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	g2 := &Goal{ID: uuid.NewString(), ConversationID: c.ID, Type: "schedule_visit"}
	if err := s.CreateGoal(ctx, g2); err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}

	old, err := s.GetGoal(ctx, g1.ID)
	if err != nil {
		t.Fatalf("GetGoal: %v", err)
	}
	if old.Status != GoalAbandoned {
		t.Errorf("prior goal status = %q, want abandoned", old.Status)
	}

	active, err := s.GetActiveGoal(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetActiveGoal: %v", err)
	}
	if active.ID != g2.ID {
		t.Errorf("active goal = %q, want %q", active.ID, g2.ID)
	}

	conv, _ := s.GetConversation(ctx, c.ID)
	if conv.ActiveGoalID != g2.ID {
		t.Errorf("conversation active_goal_id = %q, want %q", conv.ActiveGoalID, g2.ID)
	}
}

func TestUpdateGoalProgressMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	g := &Goal{ID: uuid.NewString(), ConversationID: c.ID, Type: "close_sale"}
	if err := s.CreateGoal(ctx, g); err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}

	if err := s.UpdateGoalProgress(ctx, g.ID, 40); err != nil {
		t.Fatalf("UpdateGoalProgress: %v", err)
	}
	if err := s.UpdateGoalProgress(ctx, g.ID, 20); err != nil {
		t.Fatalf("UpdateGoalProgress: %v", err)
	}

	got, _ := s.GetGoal(ctx, g.ID)
	if got.Progress != 40 {
		t.Errorf("progress = %d, a lower score must not overwrite 40", got.Progress)
	}
}

func TestCompleteGoalCancelsFollowUps(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	g := &Goal{ID: uuid.NewString(), ConversationID: c.ID, Type: "schedule_visit"}
	if err := s.CreateGoal(ctx, g); err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	pendingFollowUp(t, s, c.ID)
	pendingFollowUp(t, s, c.ID)

	cancelled, err := s.CompleteGoal(ctx, g.ID, 85)
	if err != nil {
		t.Fatalf("CompleteGoal: %v", err)
	}
	if cancelled != 2 {
		t.Errorf("cancelled = %d, want 2", cancelled)
	}

	got, _ := s.GetGoal(ctx, g.ID)
	if got.Status != GoalCompleted || got.Progress != 85 || got.ClosedAt == nil {
		t.Errorf("goal = %+v", got)
	}
	conv, _ := s.GetConversation(ctx, c.ID)
	if conv.ActiveGoalID != "" {
		t.Errorf("active_goal_id = %q, want cleared", conv.ActiveGoalID)
	}

	// Completing twice is an error: the goal is no longer active.
	if _, err := s.CompleteGoal(ctx, g.ID, 90); !errors.Is(err, ErrGoalNotFound) {
		t.Errorf("second completion err = %v", err)
	}
}

func TestQuickFollowUpCap(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	for i := 0; i < QuickPendingCap; i++ {
		f := &FollowUp{
			ID:             uuid.NewString(),
			ConversationID: c.ID,
			ScheduledAt:    time.Now().Add(time.Hour),
			MaxRetries:     3,
		}
		if err := s.InsertQuickFollowUp(ctx, f); err != nil {
			t.Fatalf("InsertQuickFollowUp %d: %v", i, err)
		}
	}

	over := &FollowUp{
		ID:             uuid.NewString(),
		ConversationID: c.ID,
		ScheduledAt:    time.Now().Add(time.Hour),
		MaxRetries:     3,
	}
	if err := s.InsertQuickFollowUp(ctx, over); !errors.Is(err, ErrQuickCapReached) {
		t.Errorf("err = %v, want ErrQuickCapReached", err)
	}
}

func TestMarkFollowUpFailedRetriesThenTerminates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	f := &FollowUp{
		ID:             uuid.NewString(),
		ConversationID: c.ID,
		ScheduledAt:    time.Now().Add(-time.Minute),
		Type:           FollowUpManual,
		MaxRetries:     2,
	}
	if _, err := s.InsertFollowUp(ctx, f, CancelNone); err != nil {
		t.Fatalf("InsertFollowUp: %v", err)
	}

	first, err := s.MarkFollowUpFailed(ctx, f.ID, time.Hour)
	if err != nil {
		t.Fatalf("MarkFollowUpFailed: %v", err)
	}
	if first.Status != FollowUpPending || first.RetryCount != 1 {
		t.Fatalf("first failure = %+v, want re-queued pending", first)
	}
	if !first.ScheduledAt.After(time.Now().Add(50 * time.Minute)) {
		t.Errorf("re-queue time %v not pushed out by the backoff", first.ScheduledAt)
	}

	second, err := s.MarkFollowUpFailed(ctx, f.ID, time.Hour)
	if err != nil {
		t.Fatalf("MarkFollowUpFailed: %v", err)
	}
	if second.Status != FollowUpFailed || second.RetryCount != 2 {
		t.Errorf("second failure = %+v, want terminal failed", second)
	}
}

func TestDueFollowUps(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)
	now := time.Now()

	due := &FollowUp{
		ID: uuid.NewString(), ConversationID: c.ID,
		ScheduledAt: now.Add(-time.Minute), Type: FollowUpManual, MaxRetries: 3,
	}
	future := &FollowUp{
		ID: uuid.NewString(), ConversationID: c.ID,
		ScheduledAt: now.Add(time.Hour), Type: FollowUpManual, MaxRetries: 3,
	}
	for _, f := range []*FollowUp{due, future} {
		if _, err := s.InsertFollowUp(ctx, f, CancelNone); err != nil {
			t.Fatalf("InsertFollowUp: %v", err)
		}
	}

	got, err := s.DueFollowUps(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueFollowUps: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Errorf("due = %+v, want only the past entry", got)
	}
}

// Timestamps encode fixed-width so the SQL text comparison holds at
// sub-second granularity: an entry at .15s must not be due at a .1s cutoff.
func TestDueFollowUpsSubSecond(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)
	base := time.Now().Truncate(time.Second)

	f := &FollowUp{
		ID: uuid.NewString(), ConversationID: c.ID,
		ScheduledAt: base.Add(150 * time.Millisecond), Type: FollowUpManual, MaxRetries: 3,
	}
	if _, err := s.InsertFollowUp(ctx, f, CancelNone); err != nil {
		t.Fatalf("InsertFollowUp: %v", err)
	}

	got, err := s.DueFollowUps(ctx, base.Add(100*time.Millisecond), 10)
	if err != nil {
		t.Fatalf("DueFollowUps: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("entry at +150ms returned as due at a +100ms cutoff: %+v", got)
	}

	got, err = s.DueFollowUps(ctx, base.Add(200*time.Millisecond), 10)
	if err != nil {
		t.Fatalf("DueFollowUps: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("entry at +150ms missing at a +200ms cutoff")
	}
}

// A cadence re-anchor displaces pending intuition entries only; manual and
// reminder entries survive it.
func TestInsertFollowUpCancelIntuitionScope(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)

	stale := pendingFollowUp(t, s, c.ID)
	manual := &FollowUp{
		ID: uuid.NewString(), ConversationID: c.ID,
		ScheduledAt: time.Now().Add(time.Hour), Type: FollowUpManual, MaxRetries: 3,
	}
	if _, err := s.InsertFollowUp(ctx, manual, CancelNone); err != nil {
		t.Fatalf("InsertFollowUp: %v", err)
	}

	next := &FollowUp{
		ID: uuid.NewString(), ConversationID: c.ID,
		ScheduledAt: time.Now().Add(2 * time.Hour), Type: FollowUpIntuition, MaxRetries: 3,
	}
	cancelled, err := s.InsertFollowUp(ctx, next, CancelIntuition)
	if err != nil {
		t.Fatalf("InsertFollowUp: %v", err)
	}
	if cancelled != 1 {
		t.Errorf("cancelled = %d, want only the stale intuition entry", cancelled)
	}

	for id, want := range map[string]FollowUpStatus{
		stale.ID:  FollowUpCancelled,
		manual.ID: FollowUpPending,
		next.ID:   FollowUpPending,
	} {
		f, err := s.GetFollowUp(ctx, id)
		if err != nil {
			t.Fatalf("GetFollowUp: %v", err)
		}
		if f.Status != want {
			t.Errorf("follow-up %s status = %q, want %q", id, f.Status, want)
		}
	}
}

func TestCountIntuitionSince(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)
	anchor := time.Now().Add(-time.Minute)

	for i := 0; i < 2; i++ {
		pendingFollowUp(t, s, c.ID)
	}
	cancelled := pendingFollowUp(t, s, c.ID)
	if err := s.CancelFollowUp(ctx, cancelled.ID); err != nil {
		t.Fatalf("CancelFollowUp: %v", err)
	}

	n, err := s.CountIntuitionSince(ctx, c.ID, anchor)
	if err != nil {
		t.Fatalf("CountIntuitionSince: %v", err)
	}
	// Cancelled entries leave the cadence step where it was.
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestSettingsVersionBumps(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.GetSettings(ctx, "acc")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if st.Version != 0 {
		t.Fatalf("fresh account version = %d, want 0", st.Version)
	}

	st.MinConfidence = 0.8
	saved, err := s.SaveSettings(ctx, st)
	if err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if saved.Version != 1 {
		t.Errorf("version = %d, want 1", saved.Version)
	}

	saved.SplitThreshold = 300
	saved, err = s.SaveSettings(ctx, saved)
	if err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if saved.Version != 2 {
		t.Errorf("version = %d, want 2", saved.Version)
	}

	got, _ := s.GetSettings(ctx, "acc")
	if got.MinConfidence != 0.8 || got.SplitThreshold != 300 || got.Version != 2 {
		t.Errorf("settings = %+v", got)
	}
}

func TestRecentMessagesChronological(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		m := &Message{
			ConversationID: c.ID,
			Direction:      DirectionInbound,
			Text:           string(rune('a' + i)),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	got, err := s.RecentMessages(ctx, c.ID, 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want the newest 3", len(got))
	}
	// Newest three, oldest first.
	if got[0].Text != "c" || got[2].Text != "e" {
		t.Errorf("order = %q %q %q", got[0].Text, got[1].Text, got[2].Text)
	}
}

func TestEngagementQueries(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	c := seedConversation(t, s)
	peer := seedConversation(t, s)

	for _, r := range []*EngagementRecord{
		{AccountID: "acc", ConversationID: c.ID, DayOfWeek: 1, HourOfDay: 10, Score: 1.0},
		{AccountID: "acc", ConversationID: c.ID, DayOfWeek: 2, HourOfDay: 15, Score: 0.5},
		{AccountID: "acc", ConversationID: peer.ID, DayOfWeek: 5, HourOfDay: 9, Score: 0.8},
	} {
		if err := s.InsertEngagement(ctx, r); err != nil {
			t.Fatalf("InsertEngagement: %v", err)
		}
	}

	own, err := s.EngagementByConversation(ctx, c.ID, 10)
	if err != nil {
		t.Fatalf("EngagementByConversation: %v", err)
	}
	if len(own) != 2 {
		t.Errorf("own records = %d, want 2", len(own))
	}

	peers, err := s.PeerEngagement(ctx, "acc", c.ID, 10)
	if err != nil {
		t.Fatalf("PeerEngagement: %v", err)
	}
	if len(peers) != 1 || peers[0].ConversationID != peer.ID {
		t.Errorf("peer records = %+v", peers)
	}
}

func TestOptOutPhrases(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddOptOutPhrase(ctx, "não quero mais", false); err != nil {
		t.Fatalf("AddOptOutPhrase: %v", err)
	}
	if err := s.AddOptOutPhrase(ctx, `(?i)\bunsubscribe\b`, true); err != nil {
		t.Fatalf("AddOptOutPhrase: %v", err)
	}

	phrases, err := s.ListOptOutPhrases(ctx)
	if err != nil {
		t.Fatalf("ListOptOutPhrases: %v", err)
	}
	if len(phrases) < 2 {
		t.Fatalf("phrases = %d, want at least the two just added", len(phrases))
	}
}
