// Package signals extracts typed intent and tone signals from recent
// conversation text. Detectors are independent keyword/heuristic scans; one
// detector failing never affects the others.
package signals

import (
	"log/slog"
	"strings"
	"time"
	"unicode"
)

// Kind identifies the type of an extracted signal.
type Kind string

const (
	Silence            Kind = "silence"
	PartialReply       Kind = "partial_reply"
	PositiveTone       Kind = "positive_tone"
	NegativeTone       Kind = "negative_tone"
	UnansweredQuestion Kind = "unanswered_question"
	Interest           Kind = "interest"
	Hesitation         Kind = "hesitation"
)

// Signal is one typed observation with a confidence in [0, 1].
type Signal struct {
	Kind       Kind
	Confidence float64
	// Evidence is the matched phrase or a short description of the trigger.
	Evidence string
}

// Message is a lightweight view of one chat message.
type Message struct {
	Direction string // "inbound" or "outbound"
	Text      string
	At        time.Time
}

// recentInboundWindow is how many inbound messages each detector scans.
const recentInboundWindow = 5

// detector inspects the conversation and returns zero or more signals.
type detector func(msgs []Message, now time.Time) []Signal

// Extractor runs all detectors with per-detector failure isolation.
type Extractor struct {
	detectors []detector
	logger    *slog.Logger
}

// New creates an Extractor with the full detector set.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		logger: logger.With("component", "signals"),
		detectors: []detector{
			detectSilence,
			detectPartialReply,
			detectTone,
			detectUnansweredQuestion,
			detectInterest,
			detectHesitation,
		},
	}
}

// Extract runs every detector over the ordered message history. A panic in
// one detector is recovered and logged; the remaining detectors still run.
func (e *Extractor) Extract(msgs []Message, now time.Time) []Signal {
	var out []Signal
	for _, d := range e.detectors {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Warn("signal detector panicked", "panic", r)
				}
			}()
			out = append(out, d(msgs, now)...)
		}()
	}
	return out
}

// recentInbound returns up to n most recent inbound messages, oldest first.
func recentInbound(msgs []Message, n int) []Message {
	var inbound []Message
	for _, m := range msgs {
		if m.Direction == "inbound" {
			inbound = append(inbound, m)
		}
	}
	if len(inbound) > n {
		inbound = inbound[len(inbound)-n:]
	}
	return inbound
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// matchAny returns the first phrase contained in text, if any.
func matchAny(text string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return p, true
		}
	}
	return "", false
}

// ---------- Detectors ----------

// detectSilence reports how long the contact has been quiet. Confidence grows
// with the gap, saturating at 48h.
func detectSilence(msgs []Message, now time.Time) []Signal {
	inbound := recentInbound(msgs, 1)
	if len(inbound) == 0 {
		return nil
	}
	gap := now.Sub(inbound[len(inbound)-1].At)
	if gap < 4*time.Hour {
		return nil
	}
	conf := float64(gap) / float64(48*time.Hour)
	if conf > 1 {
		conf = 1
	}
	return []Signal{{Kind: Silence, Confidence: conf, Evidence: gap.Round(time.Minute).String()}}
}

var partialReplies = []string{
	"ok", "okay", "blz", "beleza", "sim", "nao", "não", "hmm", "hm",
	"talvez", "pode ser", "vou ver", "depois", "aham", "uhum", "yes", "no",
	"maybe", "k", "ta", "tá",
}

// detectPartialReply flags very short, non-committal inbound replies.
func detectPartialReply(msgs []Message, _ time.Time) []Signal {
	inbound := recentInbound(msgs, 2)
	if len(inbound) == 0 {
		return nil
	}
	last := normalize(inbound[len(inbound)-1].Text)
	if last == "" {
		return nil
	}
	words := strings.Fields(last)
	if len(words) > 3 {
		return nil
	}
	for _, p := range partialReplies {
		if last == p {
			return []Signal{{Kind: PartialReply, Confidence: 0.8, Evidence: last}}
		}
	}
	if len(words) <= 2 && len(last) <= 12 {
		return []Signal{{Kind: PartialReply, Confidence: 0.4, Evidence: last}}
	}
	return nil
}

var positivePhrases = []string{
	"ótimo", "otimo", "perfeito", "adorei", "gostei", "excelente", "maravilha",
	"obrigado", "obrigada", "show", "legal", "great", "perfect", "awesome",
	"love it", "thanks", "thank you", "sounds good", "que bom",
}

var negativePhrases = []string{
	"ruim", "péssimo", "pessimo", "horrível", "horrivel", "não gostei",
	"nao gostei", "decepcionado", "decepcionada", "absurdo", "caro demais",
	"terrible", "awful", "bad", "disappointed", "hate", "worst",
}

// detectTone scans recent inbound text for positive and negative phrase hits.
// Confidence scales with distinct hits, saturating at 3.
func detectTone(msgs []Message, _ time.Time) []Signal {
	inbound := recentInbound(msgs, recentInboundWindow)
	if len(inbound) == 0 {
		return nil
	}
	var text strings.Builder
	for _, m := range inbound {
		text.WriteString(normalize(m.Text))
		text.WriteByte(' ')
	}
	joined := text.String()

	var out []Signal
	if n, ev := countHits(joined, positivePhrases); n > 0 {
		out = append(out, Signal{Kind: PositiveTone, Confidence: hitConfidence(n), Evidence: ev})
	}
	if n, ev := countHits(joined, negativePhrases); n > 0 {
		out = append(out, Signal{Kind: NegativeTone, Confidence: hitConfidence(n), Evidence: ev})
	}
	return out
}

func countHits(text string, phrases []string) (int, string) {
	n := 0
	first := ""
	for _, p := range phrases {
		if strings.Contains(text, p) {
			n++
			if first == "" {
				first = p
			}
		}
	}
	return n, first
}

func hitConfidence(hits int) float64 {
	c := 0.4 + 0.2*float64(hits)
	if c > 1 {
		c = 1
	}
	return c
}

// detectUnansweredQuestion fires when the last agent message asked a question
// and no inbound message arrived after it.
func detectUnansweredQuestion(msgs []Message, _ time.Time) []Signal {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Direction == "inbound" {
			return nil
		}
		if strings.ContainsRune(m.Text, '?') {
			return []Signal{{Kind: UnansweredQuestion, Confidence: 0.9, Evidence: firstSentence(m.Text)}}
		}
	}
	return nil
}

var interestPhrases = []string{
	"tenho interesse", "me interessa", "quero saber mais", "quero ver",
	"me manda", "pode me enviar", "gostaria de", "quanto custa", "qual o valor",
	"interested", "tell me more", "how much", "i'd like", "send me",
	"quando posso", "podemos conversar",
}

// detectInterest scans for explicit interest phrasing.
func detectInterest(msgs []Message, _ time.Time) []Signal {
	inbound := recentInbound(msgs, recentInboundWindow)
	for i := len(inbound) - 1; i >= 0; i-- {
		if ev, ok := matchAny(normalize(inbound[i].Text), interestPhrases); ok {
			// More recent matches carry more weight.
			conf := 0.6 + 0.1*float64(i)
			if conf > 0.9 {
				conf = 0.9
			}
			return []Signal{{Kind: Interest, Confidence: conf, Evidence: ev}}
		}
	}
	return nil
}

var hesitationPhrases = []string{
	"vou pensar", "preciso pensar", "não sei", "nao sei", "to em dúvida",
	"estou em dúvida", "deixa eu ver", "vou conversar com", "depois eu vejo",
	"i'll think", "not sure", "let me think", "need to check", "maybe later",
}

// detectHesitation scans for stalling or doubtful phrasing.
func detectHesitation(msgs []Message, _ time.Time) []Signal {
	inbound := recentInbound(msgs, recentInboundWindow)
	for i := len(inbound) - 1; i >= 0; i-- {
		if ev, ok := matchAny(normalize(inbound[i].Text), hesitationPhrases); ok {
			return []Signal{{Kind: Hesitation, Confidence: 0.7, Evidence: ev}}
		}
	}
	return nil
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	for i, r := range s {
		if r == '.' || r == '?' || r == '!' || r == '\n' {
			return s[:i+1]
		}
		if i > 120 && unicode.IsSpace(r) {
			return s[:i]
		}
	}
	return s
}
