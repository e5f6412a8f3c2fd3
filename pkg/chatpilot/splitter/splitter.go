// Package splitter decides whether a generated reply should be divided into
// multiple sequential sends and by which strategy. Pure functions: no I/O, no
// stored state.
package splitter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Strategy names the split decision taken.
type Strategy string

const (
	StrategyNone       Strategy = "none"
	StrategyPoints     Strategy = "points"
	StrategyParagraphs Strategy = "paragraphs"
	StrategySentences  Strategy = "sentences"
	StrategyPacing     Strategy = "pacing"
)

// Defaults and ceilings, in runes.
const (
	// DefaultThreshold is the length above which a reply is split.
	DefaultThreshold = 500
	// urgentCeiling: an urgent draft under this length is never split.
	urgentCeiling = 800
	// youngConversation: below this many prior messages the pacing split
	// applies to long-ish drafts.
	youngConversation = 3
)

// Context is the lightweight conversation context the decision consults.
type Context struct {
	// PriorMessages is how many messages the conversation already holds.
	PriorMessages int
	// Urgent forces a single send for drafts under the urgent ceiling.
	Urgent bool
	// Threshold overrides DefaultThreshold when positive.
	Threshold int
}

// Result is the split outcome. Chunks always holds at least one element and,
// concatenated, preserves every non-whitespace character of the input.
type Result struct {
	Chunks   []string
	Strategy Strategy
}

var pointLine = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)

// Split applies the decision order: urgency override, length threshold
// (points, then paragraphs, then packed sentences), then the
// young-conversation pacing split.
func Split(text string, c Context) Result {
	threshold := c.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	trimmed := strings.TrimSpace(text)
	length := utf8.RuneCountInString(trimmed)

	if c.Urgent && length < urgentCeiling {
		return Result{Chunks: []string{trimmed}, Strategy: StrategyNone}
	}

	if length > threshold {
		if chunks := splitByPoints(trimmed, threshold); len(chunks) > 1 {
			return Result{Chunks: chunks, Strategy: StrategyPoints}
		}
		if chunks := splitByParagraphs(trimmed); len(chunks) > 1 {
			return Result{Chunks: chunks, Strategy: StrategyParagraphs}
		}
		return Result{Chunks: packSentences(splitSentences(trimmed), threshold), Strategy: StrategySentences}
	}

	if c.PriorMessages < youngConversation && length > threshold/2 {
		if opener, rest, ok := pacingSplit(trimmed); ok {
			return Result{Chunks: []string{opener, rest}, Strategy: StrategyPacing}
		}
	}

	return Result{Chunks: []string{trimmed}, Strategy: StrategyNone}
}

// splitByPoints groups bullet/numbered lines into chunks. Text before the
// first point becomes the leading chunk; point groups pack under 4/5 of the
// threshold so no chunk crowds the limit.
func splitByPoints(text string, threshold int) []string {
	lines := strings.Split(text, "\n")
	points := 0
	for _, l := range lines {
		if pointLine.MatchString(l) {
			points++
		}
	}
	if points < 2 {
		return nil
	}

	packLimit := threshold * 4 / 5
	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, line := range lines {
		isPoint := pointLine.MatchString(line)
		lineLen := utf8.RuneCountInString(line)
		if isPoint && current.Len() > 0 &&
			utf8.RuneCountInString(current.String())+lineLen+1 > packLimit {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	flush()
	return chunks
}

// splitByParagraphs splits on blank lines. Returns nil when the text is a
// single paragraph.
func splitByParagraphs(text string) []string {
	parts := regexp.MustCompile(`\n\s*\n`).Split(text, -1)
	var chunks []string
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			chunks = append(chunks, s)
		}
	}
	if len(chunks) < 2 {
		return nil
	}
	return chunks
}

var sentenceEnd = regexp.MustCompile(`([.!?…]+)(\s+|$)`)

// splitSentences cuts text at sentence boundaries, keeping the terminators.
func splitSentences(text string) []string {
	var sentences []string
	rest := text
	for {
		loc := sentenceEnd.FindStringIndex(rest)
		if loc == nil {
			if s := strings.TrimSpace(rest); s != "" {
				sentences = append(sentences, s)
			}
			break
		}
		if s := strings.TrimSpace(rest[:loc[1]]); s != "" {
			sentences = append(sentences, s)
		}
		rest = rest[loc[1]:]
	}
	return sentences
}

// packSentences greedily packs sentences into chunks under the threshold.
// A single sentence longer than the threshold becomes its own chunk rather
// than being cut mid-sentence.
func packSentences(sentences []string, threshold int) []string {
	if len(sentences) == 0 {
		return []string{""}
	}
	var chunks []string
	var current strings.Builder
	for _, s := range sentences {
		sLen := utf8.RuneCountInString(s)
		if current.Len() > 0 &&
			utf8.RuneCountInString(current.String())+sLen+1 > threshold {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(s)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// pacingSplit cuts a short opener (first 1–2 sentences) from the remainder.
// Returns false when the text has too few sentences to pace.
func pacingSplit(text string) (opener, rest string, ok bool) {
	sentences := splitSentences(text)
	if len(sentences) < 3 {
		return "", "", false
	}
	openerCount := 1
	if utf8.RuneCountInString(sentences[0]) < 60 {
		openerCount = 2
	}
	opener = strings.Join(sentences[:openerCount], " ")
	rest = strings.Join(sentences[openerCount:], " ")
	return opener, rest, true
}
