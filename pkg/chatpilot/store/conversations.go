package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// timeFormat is the canonical timestamp encoding for TEXT columns. The
// fractional part is fixed-width so lexicographic comparison in SQL matches
// chronological order; RFC3339Nano trims trailing zeros and breaks that.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

const conversationColumns = `id, account_id, contact_id, channel, agent_enabled,
	human_takeover, takeover_expires_at, opted_out, cooldown_until, confidence,
	label, active_goal_id, last_agent_message_at, last_inbound_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var takeoverExp, cooldown, lastAgent, lastInbound sql.NullString
	var created, updated string
	err := row.Scan(&c.ID, &c.AccountID, &c.ContactID, &c.Channel, &c.AgentEnabled,
		&c.HumanTakeover, &takeoverExp, &c.OptedOut, &cooldown, &c.Confidence,
		&c.Label, &c.ActiveGoalID, &lastAgent, &lastInbound, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.TakeoverExpiresAt = parseTimePtr(takeoverExp)
	c.CooldownUntil = parseTimePtr(cooldown)
	c.LastAgentMessageAt = parseTimePtr(lastAgent)
	c.LastInboundAt = parseTimePtr(lastInbound)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// CreateConversation inserts a new conversation row.
func (s *Store) CreateConversation(ctx context.Context, c *Conversation) error {
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Confidence == 0 {
		c.Confidence = 1.0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, account_id, contact_id, channel, agent_enabled,
			human_takeover, takeover_expires_at, opted_out, cooldown_until, confidence,
			label, active_goal_id, last_agent_message_at, last_inbound_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.ContactID, c.Channel, c.AgentEnabled,
		c.HumanTakeover, fmtTimePtr(c.TakeoverExpiresAt), c.OptedOut,
		fmtTimePtr(c.CooldownUntil), c.Confidence, c.Label, c.ActiveGoalID,
		fmtTimePtr(c.LastAgentMessageAt), fmtTimePtr(c.LastInboundAt),
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by ID or ErrConversationNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return c, nil
}

// GetConversationByContact looks up the thread for a platform contact.
func (s *Store) GetConversationByContact(ctx context.Context, accountID, channel, contactID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+` FROM conversations
		 WHERE account_id = ? AND channel = ? AND contact_id = ?`,
		accountID, channel, contactID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation by contact: %w", err)
	}
	return c, nil
}

// ListConversations returns all conversations for an account.
func (s *Store) ListConversations(ctx context.Context, accountID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE account_id = ? ORDER BY updated_at DESC",
		accountID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var result []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// touch updates a single conversation column plus updated_at, returning
// ErrConversationNotFound when no row matched.
func (s *Store) touch(ctx context.Context, id, column string, value any) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE conversations SET %s = ?, updated_at = ? WHERE id = ?", column),
		value, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// SetAgentEnabled toggles the agent flag.
func (s *Store) SetAgentEnabled(ctx context.Context, id string, enabled bool) error {
	return s.touch(ctx, id, "agent_enabled", enabled)
}

// SetOptedOut flips the opt-out flag.
func (s *Store) SetOptedOut(ctx context.Context, id string, optedOut bool) error {
	return s.touch(ctx, id, "opted_out", optedOut)
}

// SetCooldownUntil sets (or clears, with nil) the cooldown timestamp.
func (s *Store) SetCooldownUntil(ctx context.Context, id string, until *time.Time) error {
	return s.touch(ctx, id, "cooldown_until", fmtTimePtr(until))
}

// SetConfidence stores a new confidence score.
func (s *Store) SetConfidence(ctx context.Context, id string, confidence float64) error {
	return s.touch(ctx, id, "confidence", confidence)
}

// TouchLastInbound records the arrival of an inbound message.
func (s *Store) TouchLastInbound(ctx context.Context, id string, at time.Time) error {
	return s.touch(ctx, id, "last_inbound_at", fmtTime(at))
}

// TouchLastAgentMessage records an agent send.
func (s *Store) TouchLastAgentMessage(ctx context.Context, id string, at time.Time) error {
	return s.touch(ctx, id, "last_agent_message_at", fmtTime(at))
}

// ActivateTakeover sets the takeover flag with an expiry and opens an audit
// record, atomically.
func (s *Store) ActivateTakeover(ctx context.Context, id, reason, actor string, expiresAt time.Time) error {
	now := time.Now()
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET human_takeover = 1, takeover_expires_at = ?, updated_at = ?
			WHERE id = ?`, fmtTime(expiresAt), fmtTime(now), id)
		if err != nil {
			return fmt.Errorf("set takeover: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConversationNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO takeover_records (conversation_id, reason, actor, started_at, expires_at)
			VALUES (?, ?, ?, ?, ?)`, id, reason, actor, fmtTime(now), fmtTime(expiresAt)); err != nil {
			return fmt.Errorf("insert takeover record: %w", err)
		}
		return nil
	})
}

// DeactivateTakeover clears the flag, resets confidence to 1.0, and closes the
// open audit record.
func (s *Store) DeactivateTakeover(ctx context.Context, id, actor string) error {
	now := time.Now()
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET human_takeover = 0, takeover_expires_at = NULL,
				confidence = 1.0, updated_at = ?
			WHERE id = ?`, fmtTime(now), id)
		if err != nil {
			return fmt.Errorf("clear takeover: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConversationNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE takeover_records SET ended_at = ?, ended_by = ?
			WHERE conversation_id = ? AND ended_at IS NULL`,
			fmtTime(now), actor, id); err != nil {
			return fmt.Errorf("close takeover record: %w", err)
		}
		return nil
	})
}

// ApplyLabel writes a new label atomically with its side effects: the guard
// callback is evaluated against the current label inside the transaction, the
// transition is appended to label_history, and, when requested, every pending
// follow-up for the conversation is cancelled. Returns the number of
// follow-ups cancelled. A transition to the identical label is a no-op.
func (s *Store) ApplyLabel(ctx context.Context, id, toLabel, actor, reason string,
	cancelPending bool, guard func(current string) error) (int, error) {

	now := time.Now()
	cancelled := 0
	err := s.inTx(func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			"SELECT label FROM conversations WHERE id = ?", id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrConversationNotFound
		}
		if err != nil {
			return fmt.Errorf("read current label: %w", err)
		}
		if current == toLabel {
			return nil
		}
		if guard != nil {
			if err := guard(current); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE conversations SET label = ?, updated_at = ? WHERE id = ?",
			toLabel, fmtTime(now), id); err != nil {
			return fmt.Errorf("write label: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO label_history (conversation_id, from_label, to_label, actor, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, current, toLabel, actor, reason, fmtTime(now)); err != nil {
			return fmt.Errorf("append label history: %w", err)
		}

		if cancelPending {
			res, err := tx.ExecContext(ctx, `
				UPDATE follow_ups SET status = ?, updated_at = ?
				WHERE conversation_id = ? AND status = ?`,
				FollowUpCancelled, fmtTime(now), id, FollowUpPending)
			if err != nil {
				return fmt.Errorf("cancel pending follow-ups: %w", err)
			}
			n, _ := res.RowsAffected()
			cancelled = int(n)
		}
		return nil
	})
	return cancelled, err
}

// ListLabelHistory returns the label transition trail, newest first.
func (s *Store) ListLabelHistory(ctx context.Context, conversationID string, limit int) ([]*LabelEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, from_label, to_label, actor, reason, created_at
		FROM label_history WHERE conversation_id = ?
		ORDER BY id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list label history: %w", err)
	}
	defer rows.Close()

	var result []*LabelEvent
	for rows.Next() {
		var e LabelEvent
		var created string
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.FromLabel, &e.ToLabel,
			&e.Actor, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan label event: %w", err)
		}
		e.CreatedAt = parseTime(created)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// AppendAction writes one append-only audit log entry.
func (s *Store) AppendAction(ctx context.Context, conversationID, kind, actor, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_log (conversation_id, kind, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		conversationID, kind, actor, detail, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

// ListOptOutPhrases returns all opt-out phrases.
func (s *Store) ListOptOutPhrases(ctx context.Context) ([]OptOutPhrase, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, phrase, is_pattern FROM opt_out_phrases")
	if err != nil {
		return nil, fmt.Errorf("list opt-out phrases: %w", err)
	}
	defer rows.Close()

	var result []OptOutPhrase
	for rows.Next() {
		var p OptOutPhrase
		if err := rows.Scan(&p.ID, &p.Phrase, &p.IsPattern); err != nil {
			return nil, fmt.Errorf("scan opt-out phrase: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// AddOptOutPhrase inserts a new opt-out phrase.
func (s *Store) AddOptOutPhrase(ctx context.Context, phrase string, isPattern bool) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO opt_out_phrases (phrase, is_pattern) VALUES (?, ?)", phrase, isPattern)
	if err != nil {
		return fmt.Errorf("insert opt-out phrase: %w", err)
	}
	return nil
}
