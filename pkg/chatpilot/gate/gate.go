// Package gate decides whether the autonomous agent may respond in a
// conversation. The decision is one ordered precedence table of guard
// clauses returning a tagged result, so the ordering stays auditable and
// testable in isolation.
package gate

import (
	"time"

	"github.com/ravelino/chatpilot/pkg/chatpilot/labels"
)

// Reason is the machine-readable cause attached to every decision.
type Reason string

const (
	ReasonAllowed       Reason = "allowed"
	ReasonAgentDisabled Reason = "agent_disabled"
	ReasonOptedOut      Reason = "opted_out"
	ReasonLabelForbids  Reason = "label_forbids"
	ReasonHumanTakeover Reason = "human_takeover"
	ReasonCooldown      Reason = "cooldown"
	ReasonLowConfidence Reason = "low_confidence"
)

// Decision is the gate's output. Denials are expected outcomes, returned as
// data rather than errors. The controlling application treats any denial as
// silence.
type Decision struct {
	Allow      bool
	Reason     Reason
	Confidence float64
	// FAQOnly means only reactive, non-proactive responses are permitted.
	FAQOnly bool
}

// Snapshot is the conversation state the gate evaluates. Built fresh per
// decision from the stored conversation row.
type Snapshot struct {
	AgentEnabled      bool
	OptedOut          bool
	Label             labels.Label
	HumanTakeover     bool
	TakeoverExpiresAt *time.Time
	CooldownUntil     *time.Time
	Confidence        float64
}

// Settings are the account-level knobs the gate consults.
type Settings struct {
	MinConfidence float64
	AutoTakeover  bool
}

// Evaluate runs the precedence table, short-circuiting at the first deny.
// Expiry comparisons use the supplied wall-clock time: an expired takeover or
// cooldown is treated as not-active without requiring a write (lazy expiry).
func Evaluate(snap Snapshot, st Settings, now time.Time) Decision {
	mode := labels.Lookup(snap.Label).Mode

	switch {
	case !snap.AgentEnabled:
		return deny(ReasonAgentDisabled, snap.Confidence)

	case snap.OptedOut:
		return deny(ReasonOptedOut, snap.Confidence)

	case mode == labels.ModeNone || mode == labels.ModeSilent:
		return deny(ReasonLabelForbids, snap.Confidence)

	case takeoverActive(snap, now):
		return deny(ReasonHumanTakeover, snap.Confidence)

	case active(snap.CooldownUntil, now):
		return deny(ReasonCooldown, snap.Confidence)

	case st.AutoTakeover && snap.Confidence < st.MinConfidence:
		return deny(ReasonLowConfidence, snap.Confidence)
	}

	return Decision{
		Allow:      true,
		Reason:     ReasonAllowed,
		Confidence: snap.Confidence,
		FAQOnly:    mode == labels.ModeFAQOnly,
	}
}

// takeoverActive reports whether the takeover flag is set and not yet
// expired. A takeover without an expiry stays active until deactivated.
func takeoverActive(snap Snapshot, now time.Time) bool {
	if !snap.HumanTakeover {
		return false
	}
	return snap.TakeoverExpiresAt == nil || snap.TakeoverExpiresAt.After(now)
}

// active reports whether an expiry timestamp is set and still in the future.
func active(expiry *time.Time, now time.Time) bool {
	return expiry != nil && expiry.After(now)
}

func deny(reason Reason, confidence float64) Decision {
	return Decision{Allow: false, Reason: reason, Confidence: confidence}
}
