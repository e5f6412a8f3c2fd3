package gate

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"
)

func TestScoreReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want float64
	}{
		{
			"clean reply",
			"Temos horários livres na quinta de manhã. Posso reservar 10h para você?",
			1.0,
		},
		{
			"single uncertainty phrase",
			"Acho que esse modelo ainda está disponível, vou confirmar o valor para você.",
			0.85,
		},
		{
			"template placeholder leak",
			"Olá {{nome}}, tudo bem? Seguem os detalhes do imóvel que você pediu.",
			0.75,
		},
		{
			"too short",
			"Sim, claro!",
			0.70,
		},
		{
			"boilerplate",
			"As a language model, I cannot schedule visits, but here is some information about the property.",
			0.75,
		},
		{
			"stacked uncertainty with placeholder",
			"Acho que pode ser que sim, possivelmente {{valor}}.",
			0.30,
		},
		{
			"stacked penalties clamp at zero",
			"{{x}} acho que pode ser que possivelmente perhaps, as an ai",
			0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ScoreReply(tt.text)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ScoreReply(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestScoreReplyTooLong(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("Esse imóvel tem três quartos e duas vagas de garagem. ", 40)
	if got := ScoreReply(long); math.Abs(got-0.85) > 1e-9 {
		t.Errorf("ScoreReply(long) = %v, want 0.85", got)
	}
}

// fakeGateStore records the calls the manager makes.
type fakeGateStore struct {
	confidence        float64
	takeoverActivated bool
	takeoverReason    string
	actions           []string
}

func (f *fakeGateStore) ActivateTakeover(_ context.Context, _, reason, _ string, _ time.Time) error {
	f.takeoverActivated = true
	f.takeoverReason = reason
	return nil
}

func (f *fakeGateStore) DeactivateTakeover(_ context.Context, _, _ string) error {
	f.takeoverActivated = false
	return nil
}

func (f *fakeGateStore) SetConfidence(_ context.Context, _ string, c float64) error {
	f.confidence = c
	return nil
}

func (f *fakeGateStore) AppendAction(_ context.Context, _, kind, _, _ string) error {
	f.actions = append(f.actions, kind)
	return nil
}

// A reply scoring below the threshold must persist the score and activate
// takeover in the same update.
func TestUpdateConfidenceTriggersTakeover(t *testing.T) {
	t.Parallel()

	fake := &fakeGateStore{}
	m := NewManager(fake, nil)
	st := Settings{MinConfidence: 0.6, AutoTakeover: true}

	// Uncertainty + placeholder: 1.0 - 0.15 - 0.25 = 0.60 is still at the
	// threshold; add the short penalty to cross it.
	score, err := m.UpdateConfidence(context.Background(), "c1", "acho que {{x}}", st)
	if err != nil {
		t.Fatalf("UpdateConfidence: %v", err)
	}
	if score >= st.MinConfidence {
		t.Fatalf("score = %v, expected below threshold", score)
	}
	if fake.confidence != score {
		t.Errorf("persisted confidence = %v, want %v", fake.confidence, score)
	}
	if !fake.takeoverActivated {
		t.Fatal("expected takeover activation")
	}
	if !strings.Contains(fake.takeoverReason, "below threshold") {
		t.Errorf("takeover reason = %q", fake.takeoverReason)
	}
}

func TestUpdateConfidenceAboveThreshold(t *testing.T) {
	t.Parallel()

	fake := &fakeGateStore{}
	m := NewManager(fake, nil)
	st := Settings{MinConfidence: 0.6, AutoTakeover: true}

	score, err := m.UpdateConfidence(context.Background(),
		"c1", "Temos disponibilidade na quinta às 10h, posso confirmar sua visita?", st)
	if err != nil {
		t.Fatalf("UpdateConfidence: %v", err)
	}
	if score < st.MinConfidence {
		t.Fatalf("score = %v, expected at or above threshold", score)
	}
	if fake.takeoverActivated {
		t.Error("takeover must not activate above the threshold")
	}
}

func TestUpdateConfidenceWithoutAutoTakeover(t *testing.T) {
	t.Parallel()

	fake := &fakeGateStore{}
	m := NewManager(fake, nil)
	st := Settings{MinConfidence: 0.9, AutoTakeover: false}

	if _, err := m.UpdateConfidence(context.Background(), "c1", "ok", st); err != nil {
		t.Fatalf("UpdateConfidence: %v", err)
	}
	if fake.takeoverActivated {
		t.Error("takeover must not activate when auto-takeover is off")
	}
}
