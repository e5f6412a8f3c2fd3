package gate

import (
	"testing"
	"time"

	"github.com/ravelino/chatpilot/pkg/chatpilot/labels"
)

func ptr(t time.Time) *time.Time { return &t }

func allowedSnapshot() Snapshot {
	return Snapshot{
		AgentEnabled: true,
		Confidence:   1.0,
	}
}

func defaultSettings() Settings {
	return Settings{MinConfidence: 0.6, AutoTakeover: true}
}

func TestEvaluatePrecedence(t *testing.T) {
	t.Parallel()
	now := time.Now()

	tests := []struct {
		name   string
		mutate func(*Snapshot)
		want   Reason
		allow  bool
	}{
		{"all clear", func(s *Snapshot) {}, ReasonAllowed, true},
		{"agent disabled", func(s *Snapshot) { s.AgentEnabled = false }, ReasonAgentDisabled, false},
		{"opted out", func(s *Snapshot) { s.OptedOut = true }, ReasonOptedOut, false},
		{"silent label", func(s *Snapshot) { s.Label = labels.DoNotMessage }, ReasonLabelForbids, false},
		{"none label", func(s *Snapshot) { s.Label = labels.NotInterested }, ReasonLabelForbids, false},
		{"takeover active", func(s *Snapshot) {
			s.HumanTakeover = true
			s.TakeoverExpiresAt = ptr(now.Add(time.Hour))
		}, ReasonHumanTakeover, false},
		{"takeover without expiry", func(s *Snapshot) { s.HumanTakeover = true }, ReasonHumanTakeover, false},
		{"cooldown", func(s *Snapshot) { s.CooldownUntil = ptr(now.Add(time.Hour)) }, ReasonCooldown, false},
		{"low confidence", func(s *Snapshot) { s.Confidence = 0.4 }, ReasonLowConfidence, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			snap := allowedSnapshot()
			tt.mutate(&snap)
			d := Evaluate(snap, defaultSettings(), now)
			if d.Allow != tt.allow {
				t.Fatalf("Allow = %v, want %v", d.Allow, tt.allow)
			}
			if d.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.want)
			}
		})
	}
}

// Opt-out always denies, regardless of what else is true.
func TestOptOutDominates(t *testing.T) {
	t.Parallel()
	now := time.Now()

	snap := allowedSnapshot()
	snap.OptedOut = true
	snap.Label = labels.HotLead
	snap.Confidence = 1.0

	if d := Evaluate(snap, defaultSettings(), now); d.Allow {
		t.Fatal("opted-out conversation must never be allowed")
	}
}

// Agent-disabled is checked before opt-out: both deny, the first wins.
func TestPrecedenceOrdering(t *testing.T) {
	t.Parallel()
	snap := allowedSnapshot()
	snap.AgentEnabled = false
	snap.OptedOut = true

	d := Evaluate(snap, defaultSettings(), time.Now())
	if d.Reason != ReasonAgentDisabled {
		t.Errorf("Reason = %q, want agent_disabled first", d.Reason)
	}
}

func TestLazyExpiry(t *testing.T) {
	t.Parallel()
	now := time.Now()

	t.Run("expired takeover", func(t *testing.T) {
		t.Parallel()
		snap := allowedSnapshot()
		snap.HumanTakeover = true
		snap.TakeoverExpiresAt = ptr(now.Add(-time.Minute))
		if d := Evaluate(snap, defaultSettings(), now); !d.Allow {
			t.Errorf("expired takeover should not deny, got %q", d.Reason)
		}
	})

	t.Run("expired cooldown", func(t *testing.T) {
		t.Parallel()
		snap := allowedSnapshot()
		snap.CooldownUntil = ptr(now.Add(-time.Minute))
		if d := Evaluate(snap, defaultSettings(), now); !d.Allow {
			t.Errorf("expired cooldown should not deny, got %q", d.Reason)
		}
	})
}

func TestFAQOnlyLabels(t *testing.T) {
	t.Parallel()
	now := time.Now()

	for _, label := range []labels.Label{labels.AlreadyBought, labels.Converted} {
		snap := allowedSnapshot()
		snap.Label = label
		d := Evaluate(snap, defaultSettings(), now)
		if !d.Allow {
			t.Errorf("%s: should allow reactive replies, got %q", label, d.Reason)
		}
		if !d.FAQOnly {
			t.Errorf("%s: expected FAQOnly", label)
		}
	}
}

// Without auto-takeover, low confidence alone does not block the agent.
func TestLowConfidenceWithoutAutoTakeover(t *testing.T) {
	t.Parallel()
	snap := allowedSnapshot()
	snap.Confidence = 0.3
	st := Settings{MinConfidence: 0.6, AutoTakeover: false}
	if d := Evaluate(snap, st, time.Now()); !d.Allow {
		t.Errorf("expected allow, got %q", d.Reason)
	}
}
