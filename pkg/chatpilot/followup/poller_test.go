package followup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ravelino/chatpilot/pkg/chatpilot/store"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pollerFixture(t *testing.T, handler Handler) (*Poller, *store.Store, string) {
	t.Helper()
	st, err := store.OpenMemory(discard())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	conv := &store.Conversation{
		ID:           uuid.NewString(),
		AccountID:    "acc",
		ContactID:    uuid.NewString(),
		Channel:      "console",
		AgentEnabled: true,
	}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	scheduler := New(st, nil, discard())
	return NewPoller(st, scheduler, handler, "", discard()), st, conv.ID
}

func dueEntry(t *testing.T, st *store.Store, conversationID string, maxRetries int) *store.FollowUp {
	t.Helper()
	f := &store.FollowUp{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ScheduledAt:    time.Now().Add(-time.Minute),
		Type:           store.FollowUpManual,
		MaxRetries:     maxRetries,
	}
	if _, err := st.InsertFollowUp(context.Background(), f, store.CancelNone); err != nil {
		t.Fatalf("InsertFollowUp: %v", err)
	}
	return f
}

func TestProcessDueMarksSent(t *testing.T) {
	t.Parallel()
	handled := 0
	p, st, convID := pollerFixture(t, func(context.Context, *store.FollowUp) (Outcome, error) {
		handled++
		return OutcomeSent, nil
	})
	f := dueEntry(t, st, convID, 3)

	p.ProcessDue(context.Background(), time.Now())
	if handled != 1 {
		t.Fatalf("handler ran %d times, want 1", handled)
	}
	got, err := st.GetFollowUp(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("GetFollowUp: %v", err)
	}
	if got.Status != store.FollowUpSent {
		t.Errorf("status = %q, want sent", got.Status)
	}

	// A second pass finds nothing due.
	p.ProcessDue(context.Background(), time.Now())
	if handled != 1 {
		t.Errorf("handler re-ran on a sent entry")
	}
}

// A gate denial at delivery time cancels the entry instead of marking it sent
// or retrying it.
func TestProcessDueCancelsSkipped(t *testing.T) {
	t.Parallel()
	p, st, convID := pollerFixture(t, func(context.Context, *store.FollowUp) (Outcome, error) {
		return OutcomeSkipped, nil
	})
	f := dueEntry(t, st, convID, 3)

	p.ProcessDue(context.Background(), time.Now())
	got, err := st.GetFollowUp(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("GetFollowUp: %v", err)
	}
	if got.Status != store.FollowUpCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
}

func TestProcessDueRetriesFailures(t *testing.T) {
	t.Parallel()
	p, st, convID := pollerFixture(t, func(context.Context, *store.FollowUp) (Outcome, error) {
		return OutcomeSkipped, errors.New("channel disconnected")
	})
	f := dueEntry(t, st, convID, 2)
	ctx := context.Background()

	p.ProcessDue(ctx, time.Now())
	got, _ := st.GetFollowUp(ctx, f.ID)
	if got.Status != store.FollowUpPending || got.RetryCount != 1 {
		t.Fatalf("after first failure = %+v, want re-queued", got)
	}

	// The entry comes due again after the backoff; the second failure
	// exhausts the retries.
	p.ProcessDue(ctx, time.Now().Add(2*RetryBackoff))
	got, _ = st.GetFollowUp(ctx, f.ID)
	if got.Status != store.FollowUpFailed || got.RetryCount != 2 {
		t.Errorf("after second failure = %+v, want terminal failed", got)
	}
}
