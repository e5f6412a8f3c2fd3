package store

import "time"

// GoalStatus is the lifecycle state of a goal. Terminal states are immutable.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalAbandoned GoalStatus = "abandoned"
)

// FollowUpType identifies how a follow-up was scheduled.
type FollowUpType string

const (
	FollowUpManual               FollowUpType = "manual"
	FollowUpIntuition            FollowUpType = "intuition"
	FollowUpIntuitionQuick       FollowUpType = "intuition_quick"
	FollowUpCustomerAvailability FollowUpType = "customer_availability"
	FollowUpReminder             FollowUpType = "reminder"
)

// FollowUpStatus is the lifecycle state of a follow-up entry.
type FollowUpStatus string

const (
	FollowUpPending   FollowUpStatus = "pending"
	FollowUpSent      FollowUpStatus = "sent"
	FollowUpCancelled FollowUpStatus = "cancelled"
	FollowUpFailed    FollowUpStatus = "failed"
)

// Direction of a stored message.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Conversation is one contact thread and its policy state.
type Conversation struct {
	ID                 string
	AccountID          string
	ContactID          string
	Channel            string
	AgentEnabled       bool
	HumanTakeover      bool
	TakeoverExpiresAt  *time.Time
	OptedOut           bool
	CooldownUntil      *time.Time
	Confidence         float64
	Label              string
	ActiveGoalID       string
	LastAgentMessageAt *time.Time
	LastInboundAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Goal is the active objective the agent is steering a conversation toward.
type Goal struct {
	ID             string
	ConversationID string
	Type           string
	Directive      string
	Context        map[string]string
	Priority       int
	Status         GoalStatus
	Progress       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time
}

// FollowUp is a scheduled re-contact entry, consumed by the poller.
type FollowUp struct {
	ID             string
	ConversationID string
	ScheduledAt    time.Time
	Type           FollowUpType
	Reason         string
	Template       string
	Status         FollowUpStatus
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EngagementRecord is an append-only observation of an inbound message.
type EngagementRecord struct {
	ID             int64
	AccountID      string
	ConversationID string
	Direction      string
	DayOfWeek      int
	HourOfDay      int
	LatencySeconds float64
	Score          float64
	CreatedAt      time.Time
}

// LabelEvent is one row of the append-only label transition trail.
type LabelEvent struct {
	ID             int64
	ConversationID string
	FromLabel      string
	ToLabel        string
	Actor          string
	Reason         string
	CreatedAt      time.Time
}

// OptOutPhrase is a plain substring or regex pattern that flips opt-out.
type OptOutPhrase struct {
	ID        int64
	Phrase    string
	IsPattern bool
}

// AccountSettings is the account-level configuration blob. Version increments
// on every save so consumers can detect stale snapshots.
type AccountSettings struct {
	AccountID         string
	MinConfidence     float64
	AutoTakeover      bool
	CooldownHours     int
	MessageCountCap   int
	SplitThreshold    int
	IntuitionShift    int
	InterChunkDelayMs int
	Version           int
	UpdatedAt         time.Time
}

// DefaultSettings returns the defaults applied when an account has no
// persisted settings row yet.
func DefaultSettings(accountID string) AccountSettings {
	return AccountSettings{
		AccountID:         accountID,
		MinConfidence:     0.6,
		AutoTakeover:      true,
		CooldownHours:     0,
		MessageCountCap:   15,
		SplitThreshold:    500,
		IntuitionShift:    0,
		InterChunkDelayMs: 1500,
		Version:           0,
	}
}

// Message is one stored chat message (either direction).
type Message struct {
	ID             string
	ConversationID string
	Direction      string
	Text           string
	CreatedAt      time.Time
}
