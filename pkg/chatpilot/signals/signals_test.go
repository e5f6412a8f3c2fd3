package signals

import (
	"testing"
	"time"
)

func hasKind(sigs []Signal, k Kind) (Signal, bool) {
	for _, s := range sigs {
		if s.Kind == k {
			return s, true
		}
	}
	return Signal{}, false
}

func TestDetectSilence(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		gap  time.Duration
		want bool
	}{
		{"recent reply", 30 * time.Minute, false},
		{"just under threshold", 3 * time.Hour, false},
		{"half a day", 12 * time.Hour, true},
		{"two days", 48 * time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msgs := []Message{{Direction: "inbound", Text: "oi", At: now.Add(-tt.gap)}}
			sig, ok := hasKind(New(nil).Extract(msgs, now), Silence)
			if ok != tt.want {
				t.Fatalf("silence detected = %v, want %v", ok, tt.want)
			}
			if ok && (sig.Confidence <= 0 || sig.Confidence > 1) {
				t.Errorf("confidence = %v, want (0, 1]", sig.Confidence)
			}
		})
	}
}

func TestDetectSilenceSaturates(t *testing.T) {
	t.Parallel()
	now := time.Now()
	msgs := []Message{{Direction: "inbound", Text: "oi", At: now.Add(-200 * time.Hour)}}
	sig, ok := hasKind(New(nil).Extract(msgs, now), Silence)
	if !ok {
		t.Fatal("expected silence signal")
	}
	if sig.Confidence != 1 {
		t.Errorf("confidence = %v, want saturation at 1", sig.Confidence)
	}
}

func TestDetectPartialReply(t *testing.T) {
	t.Parallel()
	now := time.Now()

	tests := []struct {
		name    string
		text    string
		want    bool
		minConf float64
	}{
		{"bare ok", "ok", true, 0.8},
		{"bare beleza", "beleza", true, 0.8},
		{"short non-committal", "sei la", true, 0.4},
		{"full sentence", "adorei a proposta, vamos marcar uma visita amanhã", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msgs := []Message{{Direction: "inbound", Text: tt.text, At: now}}
			sig, ok := hasKind(New(nil).Extract(msgs, now), PartialReply)
			if ok != tt.want {
				t.Fatalf("partial reply detected = %v, want %v", ok, tt.want)
			}
			if ok && sig.Confidence < tt.minConf {
				t.Errorf("confidence = %v, want >= %v", sig.Confidence, tt.minConf)
			}
		})
	}
}

func TestDetectTone(t *testing.T) {
	t.Parallel()
	now := time.Now()

	t.Run("positive", func(t *testing.T) {
		t.Parallel()
		msgs := []Message{{Direction: "inbound", Text: "Adorei! Ficou perfeito, obrigado", At: now}}
		sig, ok := hasKind(New(nil).Extract(msgs, now), PositiveTone)
		if !ok {
			t.Fatal("expected positive tone")
		}
		// Three distinct hits saturate the confidence.
		if sig.Confidence != 1 {
			t.Errorf("confidence = %v, want 1", sig.Confidence)
		}
	})

	t.Run("negative", func(t *testing.T) {
		t.Parallel()
		msgs := []Message{{Direction: "inbound", Text: "achei caro demais e o atendimento foi ruim", At: now}}
		if _, ok := hasKind(New(nil).Extract(msgs, now), NegativeTone); !ok {
			t.Fatal("expected negative tone")
		}
	})

	t.Run("mixed produces both", func(t *testing.T) {
		t.Parallel()
		msgs := []Message{
			{Direction: "inbound", Text: "gostei do produto", At: now},
			{Direction: "inbound", Text: "mas tá caro demais", At: now},
		}
		sigs := New(nil).Extract(msgs, now)
		if _, ok := hasKind(sigs, PositiveTone); !ok {
			t.Error("expected positive tone")
		}
		if _, ok := hasKind(sigs, NegativeTone); !ok {
			t.Error("expected negative tone")
		}
	})
}

func TestDetectUnansweredQuestion(t *testing.T) {
	t.Parallel()
	now := time.Now()

	t.Run("question hangs", func(t *testing.T) {
		t.Parallel()
		msgs := []Message{
			{Direction: "inbound", Text: "oi", At: now.Add(-2 * time.Hour)},
			{Direction: "outbound", Text: "Qual horário funciona melhor para você?", At: now.Add(-time.Hour)},
		}
		if _, ok := hasKind(New(nil).Extract(msgs, now), UnansweredQuestion); !ok {
			t.Fatal("expected unanswered question signal")
		}
	})

	t.Run("answered question", func(t *testing.T) {
		t.Parallel()
		msgs := []Message{
			{Direction: "outbound", Text: "Qual horário funciona melhor?", At: now.Add(-2 * time.Hour)},
			{Direction: "inbound", Text: "pode ser de manhã", At: now.Add(-time.Hour)},
		}
		if _, ok := hasKind(New(nil).Extract(msgs, now), UnansweredQuestion); ok {
			t.Fatal("question was answered, no signal expected")
		}
	})
}

func TestDetectInterestAndHesitation(t *testing.T) {
	t.Parallel()
	now := time.Now()

	msgs := []Message{
		{Direction: "inbound", Text: "quanto custa o modelo maior?", At: now.Add(-time.Hour)},
		{Direction: "inbound", Text: "hmm vou pensar e te falo", At: now},
	}
	sigs := New(nil).Extract(msgs, now)

	if _, ok := hasKind(sigs, Interest); !ok {
		t.Error("expected interest signal")
	}
	if sig, ok := hasKind(sigs, Hesitation); !ok {
		t.Error("expected hesitation signal")
	} else if sig.Confidence != 0.7 {
		t.Errorf("hesitation confidence = %v, want 0.7", sig.Confidence)
	}
}

func TestExtractEmptyHistory(t *testing.T) {
	t.Parallel()
	if sigs := New(nil).Extract(nil, time.Now()); len(sigs) != 0 {
		t.Errorf("expected no signals for empty history, got %v", sigs)
	}
}
