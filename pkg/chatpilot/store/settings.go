package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetSettings returns the account settings blob. A missing row yields the
// defaults (version 0) rather than an error, so a fresh account is usable
// before anyone has saved settings.
func (s *Store) GetSettings(ctx context.Context, accountID string) (AccountSettings, error) {
	var st AccountSettings
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, min_confidence, auto_takeover, cooldown_hours,
			message_count_cap, split_threshold, intuition_shift,
			inter_chunk_delay_ms, version, updated_at
		FROM account_settings WHERE account_id = ?`, accountID).
		Scan(&st.AccountID, &st.MinConfidence, &st.AutoTakeover, &st.CooldownHours,
			&st.MessageCountCap, &st.SplitThreshold, &st.IntuitionShift,
			&st.InterChunkDelayMs, &st.Version, &updated)
	if err == sql.ErrNoRows {
		return DefaultSettings(accountID), nil
	}
	if err != nil {
		return AccountSettings{}, fmt.Errorf("query account settings: %w", err)
	}
	st.UpdatedAt = parseTime(updated)
	return st, nil
}

// SaveSettings upserts the settings blob, bumping the version. The store is
// the single authoritative source; there is no client-side cache to race with.
func (s *Store) SaveSettings(ctx context.Context, st AccountSettings) (AccountSettings, error) {
	now := time.Now()
	err := s.inTx(func(tx *sql.Tx) error {
		var version int
		err := tx.QueryRowContext(ctx,
			"SELECT version FROM account_settings WHERE account_id = ?",
			st.AccountID).Scan(&version)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read settings version: %w", err)
		}
		st.Version = version + 1
		st.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO account_settings (account_id, min_confidence, auto_takeover,
				cooldown_hours, message_count_cap, split_threshold, intuition_shift,
				inter_chunk_delay_ms, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id) DO UPDATE SET
				min_confidence = excluded.min_confidence,
				auto_takeover = excluded.auto_takeover,
				cooldown_hours = excluded.cooldown_hours,
				message_count_cap = excluded.message_count_cap,
				split_threshold = excluded.split_threshold,
				intuition_shift = excluded.intuition_shift,
				inter_chunk_delay_ms = excluded.inter_chunk_delay_ms,
				version = excluded.version,
				updated_at = excluded.updated_at`,
			st.AccountID, st.MinConfidence, st.AutoTakeover, st.CooldownHours,
			st.MessageCountCap, st.SplitThreshold, st.IntuitionShift,
			st.InterChunkDelayMs, st.Version, fmtTime(now))
		if err != nil {
			return fmt.Errorf("save account settings: %w", err)
		}
		return nil
	})
	if err != nil {
		return AccountSettings{}, err
	}
	return st, nil
}
