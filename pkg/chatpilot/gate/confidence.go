package gate

import (
	"strings"
	"unicode/utf8"
)

// Confidence penalties. Scoring starts from 1.0 and accumulates penalties,
// clamped to [0, 1].
const (
	penaltyUncertainty = 0.15
	penaltyMissingCtx  = 0.25
	penaltyTooShort    = 0.30
	penaltyTooLong     = 0.15
	penaltyBoilerplate = 0.25

	minReplyRunes = 20
	maxReplyRunes = 1500
)

var uncertaintyPhrases = []string{
	"não tenho certeza", "nao tenho certeza", "não sei dizer", "nao sei dizer",
	"acho que", "acredito que talvez", "pode ser que", "possivelmente",
	"i'm not sure", "i am not sure", "i think", "i believe", "perhaps",
	"it's possible that", "i cannot confirm",
}

// missingContextMarkers betray a reply generated without the data it needed:
// leftover template placeholders and explicit unavailability admissions.
var missingContextMarkers = []string{
	"{{", "}}", "[insert", "[inserir", "<nome>", "<name>", "n/a",
	"não tenho essa informação", "nao tenho essa informacao",
	"i don't have that information", "i don't have access",
}

var boilerplatePhrases = []string{
	"como uma inteligência artificial", "como uma ia", "sou apenas um assistente",
	"as an ai", "as a language model", "i'm just an assistant",
	"lamento, mas não posso", "i'm sorry, but i cannot",
}

// ScoreReply computes the confidence of a generated reply via penalty
// accumulation. Deterministic: the same text always scores the same.
func ScoreReply(text string) float64 {
	score := 1.0
	lower := strings.ToLower(text)

	for _, p := range uncertaintyPhrases {
		if strings.Contains(lower, p) {
			score -= penaltyUncertainty
		}
	}
	for _, m := range missingContextMarkers {
		if strings.Contains(lower, m) {
			score -= penaltyMissingCtx
			break
		}
	}
	for _, b := range boilerplatePhrases {
		if strings.Contains(lower, b) {
			score -= penaltyBoilerplate
			break
		}
	}

	runes := utf8.RuneCountInString(strings.TrimSpace(text))
	if runes < minReplyRunes {
		score -= penaltyTooShort
	} else if runes > maxReplyRunes {
		score -= penaltyTooLong
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
