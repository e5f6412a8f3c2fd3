package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertEngagement appends one engagement observation.
func (s *Store) InsertEngagement(ctx context.Context, r *EngagementRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Direction == "" {
		r.Direction = DirectionInbound
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engagement_records (account_id, conversation_id, direction,
			day_of_week, hour_of_day, latency_seconds, engagement_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AccountID, r.ConversationID, r.Direction, r.DayOfWeek, r.HourOfDay,
		r.LatencySeconds, r.Score, fmtTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert engagement record: %w", err)
	}
	return nil
}

func (s *Store) queryEngagement(ctx context.Context, query string, args ...any) ([]*EngagementRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query engagement records: %w", err)
	}
	defer rows.Close()

	var result []*EngagementRecord
	for rows.Next() {
		var r EngagementRecord
		var created string
		if err := rows.Scan(&r.ID, &r.AccountID, &r.ConversationID, &r.Direction,
			&r.DayOfWeek, &r.HourOfDay, &r.LatencySeconds, &r.Score, &created); err != nil {
			return nil, fmt.Errorf("scan engagement record: %w", err)
		}
		r.CreatedAt = parseTime(created)
		result = append(result, &r)
	}
	return result, rows.Err()
}

// EngagementByConversation returns the conversation's own inbound records,
// newest first, capped at limit.
func (s *Store) EngagementByConversation(ctx context.Context, conversationID string, limit int) ([]*EngagementRecord, error) {
	return s.queryEngagement(ctx, `
		SELECT id, account_id, conversation_id, direction, day_of_week,
			hour_of_day, latency_seconds, engagement_score, created_at
		FROM engagement_records
		WHERE conversation_id = ? AND direction = ?
		ORDER BY id DESC LIMIT ?`,
		conversationID, DirectionInbound, limit)
}

// PeerEngagement returns inbound records from other conversations under the
// same account, newest first, capped at limit.
func (s *Store) PeerEngagement(ctx context.Context, accountID, excludeConversationID string, limit int) ([]*EngagementRecord, error) {
	return s.queryEngagement(ctx, `
		SELECT id, account_id, conversation_id, direction, day_of_week,
			hour_of_day, latency_seconds, engagement_score, created_at
		FROM engagement_records
		WHERE account_id = ? AND conversation_id != ? AND direction = ?
		ORDER BY id DESC LIMIT ?`,
		accountID, excludeConversationID, DirectionInbound, limit)
}

// InsertMessage persists one chat message. An empty ID gets a fresh UUID.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, direction, text, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Direction, m.Text, fmtTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns the last n messages in chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]*Message, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, direction, text, created_at FROM (
			SELECT id, conversation_id, direction, text, created_at
			FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Text, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		result = append(result, &m)
	}
	return result, rows.Err()
}

// CountMessages returns how many messages the conversation holds.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM messages WHERE conversation_id = ?", conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
