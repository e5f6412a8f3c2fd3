package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const goalColumns = `id, conversation_id, type, directive, context, priority,
	status, progress, created_at, updated_at, closed_at`

func scanGoal(row rowScanner) (*Goal, error) {
	var g Goal
	var contextJSON, created, updated string
	var closed sql.NullString
	err := row.Scan(&g.ID, &g.ConversationID, &g.Type, &g.Directive, &contextJSON,
		&g.Priority, &g.Status, &g.Progress, &created, &updated, &closed)
	if err != nil {
		return nil, err
	}
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &g.Context); err != nil {
			return nil, fmt.Errorf("decode goal context: %w", err)
		}
	}
	g.CreatedAt = parseTime(created)
	g.UpdatedAt = parseTime(updated)
	g.ClosedAt = parseTimePtr(closed)
	return &g, nil
}

// CreateGoal inserts a new active goal. Any prior active goal for the
// conversation is marked abandoned in the same transaction, and the
// conversation's active-goal reference is repointed, so the single-active-goal
// invariant holds under concurrency.
func (s *Store) CreateGoal(ctx context.Context, g *Goal) error {
	now := time.Now()
	g.Status = GoalActive
	g.CreatedAt = now
	g.UpdatedAt = now
	if g.Context == nil {
		g.Context = map[string]string{}
	}
	contextJSON, err := json.Marshal(g.Context)
	if err != nil {
		return fmt.Errorf("encode goal context: %w", err)
	}

	return s.inTx(func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM conversations WHERE id = ?", g.ConversationID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check conversation: %w", err)
		}
		if exists == 0 {
			return ErrConversationNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE goals SET status = ?, updated_at = ?, closed_at = ?
			WHERE conversation_id = ? AND status = ?`,
			GoalAbandoned, fmtTime(now), fmtTime(now), g.ConversationID, GoalActive); err != nil {
			return fmt.Errorf("abandon prior goals: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO goals (id, conversation_id, type, directive, context, priority,
				status, progress, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.ConversationID, g.Type, g.Directive, string(contextJSON),
			g.Priority, g.Status, g.Progress, fmtTime(g.CreatedAt), fmtTime(g.UpdatedAt)); err != nil {
			return fmt.Errorf("insert goal: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE conversations SET active_goal_id = ?, updated_at = ? WHERE id = ?",
			g.ID, fmtTime(now), g.ConversationID); err != nil {
			return fmt.Errorf("set active goal reference: %w", err)
		}
		return nil
	})
}

// GetGoal returns a goal by ID or ErrGoalNotFound.
func (s *Store) GetGoal(ctx context.Context, id string) (*Goal, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+goalColumns+" FROM goals WHERE id = ?", id)
	g, err := scanGoal(row)
	if err == sql.ErrNoRows {
		return nil, ErrGoalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query goal: %w", err)
	}
	return g, nil
}

// GetActiveGoal returns the conversation's active goal or ErrGoalNotFound.
func (s *Store) GetActiveGoal(ctx context.Context, conversationID string) (*Goal, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+goalColumns+" FROM goals WHERE conversation_id = ? AND status = ?",
		conversationID, GoalActive)
	g, err := scanGoal(row)
	if err == sql.ErrNoRows {
		return nil, ErrGoalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query active goal: %w", err)
	}
	return g, nil
}

// UpdateGoalProgress stores a new progress score for an active goal. Progress
// never decreases: a lower score than the stored one is ignored.
func (s *Store) UpdateGoalProgress(ctx context.Context, id string, progress int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE goals SET progress = MAX(progress, ?), updated_at = ?
		WHERE id = ? AND status = ?`,
		progress, fmtTime(time.Now()), id, GoalActive)
	if err != nil {
		return fmt.Errorf("update goal progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrGoalNotFound
	}
	return nil
}

// CompleteGoal marks an active goal completed, cancels every pending
// follow-up for the conversation, and clears the active-goal reference, all
// in one transaction. The agent-enabled flag is deliberately untouched: the
// agent keeps answering inbound questions, only proactive scheduling stops.
// Returns the number of follow-ups cancelled.
func (s *Store) CompleteGoal(ctx context.Context, id string, progress int) (int, error) {
	return s.closeGoal(ctx, id, GoalCompleted, progress, true)
}

// AbandonGoal marks an active goal abandoned and clears the active-goal
// reference. Pending follow-ups are left alone.
func (s *Store) AbandonGoal(ctx context.Context, id string) error {
	_, err := s.closeGoal(ctx, id, GoalAbandoned, -1, false)
	return err
}

func (s *Store) closeGoal(ctx context.Context, id string, status GoalStatus, progress int, cancelPending bool) (int, error) {
	now := time.Now()
	cancelled := 0
	err := s.inTx(func(tx *sql.Tx) error {
		var conversationID string
		err := tx.QueryRowContext(ctx,
			"SELECT conversation_id FROM goals WHERE id = ? AND status = ?",
			id, GoalActive).Scan(&conversationID)
		if err == sql.ErrNoRows {
			return ErrGoalNotFound
		}
		if err != nil {
			return fmt.Errorf("read goal: %w", err)
		}

		if progress >= 0 {
			_, err = tx.ExecContext(ctx, `
				UPDATE goals SET status = ?, progress = MAX(progress, ?), updated_at = ?, closed_at = ?
				WHERE id = ?`, status, progress, fmtTime(now), fmtTime(now), id)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE goals SET status = ?, updated_at = ?, closed_at = ?
				WHERE id = ?`, status, fmtTime(now), fmtTime(now), id)
		}
		if err != nil {
			return fmt.Errorf("close goal: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET active_goal_id = '', updated_at = ?
			WHERE id = ? AND active_goal_id = ?`,
			fmtTime(now), conversationID, id); err != nil {
			return fmt.Errorf("clear active goal reference: %w", err)
		}

		if cancelPending {
			res, err := tx.ExecContext(ctx, `
				UPDATE follow_ups SET status = ?, updated_at = ?
				WHERE conversation_id = ? AND status = ?`,
				FollowUpCancelled, fmtTime(now), conversationID, FollowUpPending)
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
