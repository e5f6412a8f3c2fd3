// Package besttime estimates the day/hour windows most likely to yield an
// engaged response from a contact, scoring historical engagement records and
// degrading gracefully: own data, then peer data from the same account, then
// deterministic per-conversation defaults.
package besttime

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"time"

	"github.com/ravelino/chatpilot/pkg/chatpilot/store"
)

// Caps and thresholds for the data sources.
const (
	ownRecordCap   = 50
	peerRecordCap  = 100
	minOwnRecords  = 5
	minTotal       = 3
	topSlots       = 5
	confidenceSpan = 20
	peerDiscount   = 0.7
)

// Source identifies which data backed an estimate.
type Source string

const (
	SourceOwn     Source = "own"
	SourcePeer    Source = "peer"
	SourceDefault Source = "default"
)

// Slot is one scored contact window.
type Slot struct {
	Day   time.Weekday
	Hour  int
	Score float64
	// NextOccurrence is the next future time this window opens.
	NextOccurrence time.Time
}

// Estimate is the estimator's output.
type Estimate struct {
	Slots      []Slot
	Confidence float64
	Source     Source
}

// Best returns the top-ranked slot. The estimator always produces at least
// the deterministic defaults, so Slots is never empty.
func (e Estimate) Best() Slot {
	return e.Slots[0]
}

// Records is the slice of the store the estimator reads.
type Records interface {
	EngagementByConversation(ctx context.Context, conversationID string, limit int) ([]*store.EngagementRecord, error)
	PeerEngagement(ctx context.Context, accountID, excludeConversationID string, limit int) ([]*store.EngagementRecord, error)
}

// Estimator scores engagement history into contact windows.
type Estimator struct {
	records Records
	logger  *slog.Logger
}

// New creates an Estimator.
func New(records Records, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{records: records, logger: logger.With("component", "besttime")}
}

// Estimate computes the contact windows for a conversation. Store failures
// degrade to the deterministic defaults instead of propagating: a broken
// estimator must never block scheduling.
func (e *Estimator) Estimate(ctx context.Context, accountID, conversationID string, now time.Time) Estimate {
	own, err := e.records.EngagementByConversation(ctx, conversationID, ownRecordCap)
	if err != nil {
		e.logger.Warn("failed to load own engagement, using defaults",
			"conversation_id", conversationID, "error", err)
		return defaultEstimate(conversationID, now)
	}

	records := own
	source := SourceOwn
	if len(own) < minOwnRecords {
		peers, err := e.records.PeerEngagement(ctx, accountID, conversationID, peerRecordCap)
		if err != nil {
			e.logger.Warn("failed to load peer engagement",
				"conversation_id", conversationID, "error", err)
		} else if len(peers) > 0 {
			records = append(records, peers...)
			source = SourcePeer
		}
	}

	if len(records) < minTotal {
		return defaultEstimate(conversationID, now)
	}

	slots := scoreGroups(records, now)
	if len(slots) > topSlots {
		slots = slots[:topSlots]
	}

	confidence := float64(len(records)) / confidenceSpan
	if confidence > 1 {
		confidence = 1
	}
	if source == SourcePeer {
		confidence *= peerDiscount
	}

	return Estimate{Slots: slots, Confidence: confidence, Source: source}
}

// scoreGroups groups records by (day, hour) and scores each group:
// 0.3 × normalized count + 0.4 × (1 − min(1, avgLatency/3600)) + 0.3 × avg score.
func scoreGroups(records []*store.EngagementRecord, now time.Time) []Slot {
	type agg struct {
		count      int
		latencySum float64
		scoreSum   float64
	}
	groups := map[[2]int]*agg{}
	maxCount := 0
	for _, r := range records {
		key := [2]int{r.DayOfWeek, r.HourOfDay}
		g := groups[key]
		if g == nil {
			g = &agg{}
			groups[key] = g
		}
		g.count++
		g.latencySum += r.LatencySeconds
		g.scoreSum += r.Score
		if g.count > maxCount {
			maxCount = g.count
		}
	}

	slots := make([]Slot, 0, len(groups))
	for key, g := range groups {
		avgLatency := g.latencySum / float64(g.count)
		latencyTerm := 1 - avgLatency/3600
		if latencyTerm < 0 {
			latencyTerm = 0
		}
		countTerm := float64(g.count) / float64(maxCount)
		avgScore := g.scoreSum / float64(g.count)

		day := time.Weekday(key[0])
		hour := key[1]
		slots = append(slots, Slot{
			Day:            day,
			Hour:           hour,
			Score:          0.3*countTerm + 0.4*latencyTerm + 0.3*avgScore,
			NextOccurrence: nextOccurrence(now, day, hour),
		})
	}

	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Score != slots[j].Score {
			return slots[i].Score > slots[j].Score
		}
		// Stable tiebreak so repeated calls return the same order.
		if slots[i].Day != slots[j].Day {
			return slots[i].Day < slots[j].Day
		}
		return slots[i].Hour < slots[j].Hour
	})
	return slots
}

// defaultEstimate derives stable per-conversation defaults from a hash of the
// conversation ID: weekday business hours with decreasing synthetic scores.
// Repeated calls produce the same slots without any stored state.
func defaultEstimate(conversationID string, now time.Time) Estimate {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	seed := h.Sum32()

	businessHours := []int{9, 10, 11, 14, 15, 16, 17, 18}

	slots := make([]Slot, 0, topSlots)
	for i := 0; i < topSlots; i++ {
		// Monday..Friday
		day := time.Weekday(1 + int(seed>>uint(i*3))%5)
		hour := businessHours[int(seed>>uint(i*2+1))%len(businessHours)]
		slots = append(slots, Slot{
			Day:            day,
			Hour:           hour,
			Score:          0.5 - 0.05*float64(i),
			NextOccurrence: nextOccurrence(now, day, hour),
		})
	}
	return Estimate{Slots: slots, Confidence: 0.1, Source: SourceDefault}
}

// nextOccurrence returns the next future time with the given weekday and
// hour, at the top of the hour, in now's location.
func nextOccurrence(now time.Time, day time.Weekday, hour int) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	daysAhead := (int(day) - int(now.Weekday()) + 7) % 7
	t = t.AddDate(0, 0, daysAhead)
	if !t.After(now) {
		t = t.AddDate(0, 0, 7)
	}
	return t
}
