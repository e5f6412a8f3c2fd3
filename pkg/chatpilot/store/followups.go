package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ErrQuickCapReached is returned when a quick follow-up insert would exceed
// the concurrent pending cap.
var ErrQuickCapReached = fmt.Errorf("quick follow-up cap reached")

// QuickPendingCap is the maximum number of concurrently pending
// intuition_quick entries per conversation.
const QuickPendingCap = 3

const followUpColumns = `id, conversation_id, scheduled_at, type, reason,
	template, status, retry_count, max_retries, created_at, updated_at`

func scanFollowUp(row rowScanner) (*FollowUp, error) {
	var f FollowUp
	var scheduled, created, updated string
	err := row.Scan(&f.ID, &f.ConversationID, &scheduled, &f.Type, &f.Reason,
		&f.Template, &f.Status, &f.RetryCount, &f.MaxRetries, &created, &updated)
	if err != nil {
		return nil, err
	}
	f.ScheduledAt = parseTime(scheduled)
	f.CreatedAt = parseTime(created)
	f.UpdatedAt = parseTime(updated)
	return &f, nil
}

func insertFollowUp(ctx context.Context, tx *sql.Tx, f *FollowUp) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO follow_ups (id, conversation_id, scheduled_at, type, reason,
			template, status, retry_count, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ConversationID, fmtTime(f.ScheduledAt), f.Type, f.Reason,
		f.Template, f.Status, f.RetryCount, f.MaxRetries,
		fmtTime(f.CreatedAt), fmtTime(f.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert follow-up: %w", err)
	}
	return nil
}

// CancelScope selects which pending entries an insert displaces in the same
// transaction.
type CancelScope int

const (
	// CancelNone leaves pending entries alone.
	CancelNone CancelScope = iota
	// CancelAll displaces every pending entry (the manual path).
	CancelAll
	// CancelIntuition displaces pending intuition entries only, used when a
	// new inbound message re-anchors the cadence.
	CancelIntuition
)

// InsertFollowUp persists one pending follow-up entry, cancelling displaced
// pending entries per the scope in the same transaction. Returns the number
// cancelled.
func (s *Store) InsertFollowUp(ctx context.Context, f *FollowUp, scope CancelScope) (int, error) {
	now := time.Now()
	f.Status = FollowUpPending
	f.CreatedAt = now
	f.UpdatedAt = now
	cancelled := 0
	err := s.inTx(func(tx *sql.Tx) error {
		if scope != CancelNone {
			query := `UPDATE follow_ups SET status = ?, updated_at = ?
				WHERE conversation_id = ? AND status = ?`
			args := []any{FollowUpCancelled, fmtTime(now), f.ConversationID, FollowUpPending}
			if scope == CancelIntuition {
				query += " AND type = ?"
				args = append(args, FollowUpIntuition)
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("cancel pending follow-ups: %w", err)
			}
			n, _ := res.RowsAffected()
			cancelled = int(n)
		}
		return insertFollowUp(ctx, tx, f)
	})
	return cancelled, err
}

// InsertQuickFollowUp persists a pending intuition_quick entry, enforcing the
// concurrent pending cap inside the transaction. Quick entries never cancel
// each other. Returns ErrQuickCapReached when the cap is hit.
func (s *Store) InsertQuickFollowUp(ctx context.Context, f *FollowUp) error {
	now := time.Now()
	f.Type = FollowUpIntuitionQuick
	f.Status = FollowUpPending
	f.CreatedAt = now
	f.UpdatedAt = now
	return s.inTx(func(tx *sql.Tx) error {
		var pending int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM follow_ups
			WHERE conversation_id = ? AND type = ? AND status = ?`,
			f.ConversationID, FollowUpIntuitionQuick, FollowUpPending).Scan(&pending)
		if err != nil {
			return fmt.Errorf("count pending quick follow-ups: %w", err)
		}
		if pending >= QuickPendingCap {
			return ErrQuickCapReached
		}
		return insertFollowUp(ctx, tx, f)
	})
}

// GetFollowUp returns a follow-up by ID or ErrFollowUpNotFound.
func (s *Store) GetFollowUp(ctx context.Context, id string) (*FollowUp, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+followUpColumns+" FROM follow_ups WHERE id = ?", id)
	f, err := scanFollowUp(row)
	if err == sql.ErrNoRows {
		return nil, ErrFollowUpNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query follow-up: %w", err)
	}
	return f, nil
}

// DueFollowUps returns pending entries whose scheduled time has passed,
// oldest first.
func (s *Store) DueFollowUps(ctx context.Context, now time.Time, limit int) ([]*FollowUp, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+followUpColumns+` FROM follow_ups
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC LIMIT ?`,
		FollowUpPending, fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due follow-ups: %w", err)
	}
	defer rows.Close()

	var result []*FollowUp
	for rows.Next() {
		f, err := scanFollowUp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan follow-up: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

// ListFollowUps returns entries for a conversation filtered by status
// ("" = all), newest first.
func (s *Store) ListFollowUps(ctx context.Context, conversationID string, status FollowUpStatus) ([]*FollowUp, error) {
	query := "SELECT " + followUpColumns + " FROM follow_ups WHERE conversation_id = ?"
	args := []any{conversationID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list follow-ups: %w", err)
	}
	defer rows.Close()

	var result []*FollowUp
	for rows.Next() {
		f, err := scanFollowUp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan follow-up: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

// CancelPendingFollowUps marks every pending entry for the conversation as
// cancelled and returns the count.
func (s *Store) CancelPendingFollowUps(ctx context.Context, conversationID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE follow_ups SET status = ?, updated_at = ?
		WHERE conversation_id = ? AND status = ?`,
		FollowUpCancelled, fmtTime(time.Now()), conversationID, FollowUpPending)
	if err != nil {
		return 0, fmt.Errorf("cancel pending follow-ups: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CancelFollowUp marks a single pending entry cancelled. Non-pending entries
// are left alone.
func (s *Store) CancelFollowUp(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE follow_ups SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		FollowUpCancelled, fmtTime(time.Now()), id, FollowUpPending)
	if err != nil {
		return fmt.Errorf("cancel follow-up: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFollowUpNotFound
	}
	return nil
}

// MarkFollowUpSent marks an entry sent.
func (s *Store) MarkFollowUpSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE follow_ups SET status = ?, updated_at = ? WHERE id = ?",
		FollowUpSent, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark follow-up sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFollowUpNotFound
	}
	return nil
}

// MarkFollowUpFailed increments the retry counter. While under max_retries the
// entry is re-queued one backoff interval later with status reset to pending;
// once exhausted it becomes failed, terminally. Returns the updated entry.
func (s *Store) MarkFollowUpFailed(ctx context.Context, id string, backoff time.Duration) (*FollowUp, error) {
	now := time.Now()
	var out *FollowUp
	err := s.inTx(func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+followUpColumns+" FROM follow_ups WHERE id = ?", id)
		f, err := scanFollowUp(row)
		if err == sql.ErrNoRows {
			return ErrFollowUpNotFound
		}
		if err != nil {
			return fmt.Errorf("read follow-up: %w", err)
		}

		f.RetryCount++
		if f.RetryCount < f.MaxRetries {
			f.Status = FollowUpPending
			f.ScheduledAt = now.Add(backoff)
		} else {
			f.Status = FollowUpFailed
		}
		f.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `
			UPDATE follow_ups SET status = ?, retry_count = ?, scheduled_at = ?, updated_at = ?
			WHERE id = ?`,
			f.Status, f.RetryCount, fmtTime(f.ScheduledAt), fmtTime(f.UpdatedAt), id); err != nil {
			return fmt.Errorf("update follow-up retry state: %w", err)
		}
		out = f
		return nil
	})
	return out, err
}

// CountIntuitionSince counts non-cancelled intuition entries created after the
// given time. Drives the Fibonacci cadence step index.
func (s *Store) CountIntuitionSince(ctx context.Context, conversationID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM follow_ups
		WHERE conversation_id = ? AND type = ? AND status != ? AND created_at > ?`,
		conversationID, FollowUpIntuition, FollowUpCancelled, fmtTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count intuition follow-ups: %w", err)
	}
	return n, nil
}
