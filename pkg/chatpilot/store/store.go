// Package store provides SQLite-backed persistence for ChatPilot.
// All per-conversation invariants (single active goal, pending follow-up
// cancellation, label transition guards) are enforced inside transactions
// so that concurrent handlers cannot interleave between read and write.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Typed sentinel errors. Callers match with errors.Is; a missing row is never
// silently replaced by a default-created one.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrGoalNotFound         = errors.New("goal not found")
	ErrFollowUpNotFound     = errors.New("follow-up not found")
	ErrSettingsNotFound     = errors.New("account settings not found")
)

// Config holds SQLite configuration.
type Config struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// Store wraps the SQLite database connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the ChatPilot database and applies the schema.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "./data/chatpilot.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	// _txlock=immediate makes every transaction take the write lock up front,
	// so per-conversation updates serialize instead of failing at commit.
	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON&_txlock=immediate",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory database. Used by tests and the local REPL.
func OpenMemory(logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	// A connection pool larger than one would hand each query a fresh,
	// empty in-memory database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema (idempotent via IF NOT EXISTS) and records the
// schema version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version == 0 {
		if _, err := s.db.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
	}
	return nil
}

// inTx runs fn inside an immediate transaction so that competing writers for
// the same conversation serialize at the database instead of racing.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const schemaDDL = `
-- Conversations: one row per contact thread.
CREATE TABLE IF NOT EXISTS conversations (
    id                    TEXT PRIMARY KEY,
    account_id            TEXT NOT NULL,
    contact_id            TEXT NOT NULL,
    channel               TEXT NOT NULL DEFAULT 'whatsapp',
    agent_enabled         INTEGER NOT NULL DEFAULT 1,
    human_takeover        INTEGER NOT NULL DEFAULT 0,
    takeover_expires_at   TEXT,
    opted_out             INTEGER NOT NULL DEFAULT 0,
    cooldown_until        TEXT,
    confidence            REAL NOT NULL DEFAULT 1.0,
    label                 TEXT NOT NULL DEFAULT '',
    active_goal_id        TEXT NOT NULL DEFAULT '',
    last_agent_message_at TEXT,
    last_inbound_at       TEXT,
    created_at            TEXT NOT NULL,
    updated_at            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_account ON conversations(account_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_contact ON conversations(account_id, channel, contact_id);

-- Goals: at most one active per conversation, enforced transactionally.
CREATE TABLE IF NOT EXISTS goals (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    type            TEXT NOT NULL,
    directive       TEXT NOT NULL DEFAULT '',
    context         TEXT NOT NULL DEFAULT '{}',
    priority        INTEGER NOT NULL DEFAULT 3,
    status          TEXT NOT NULL DEFAULT 'active',
    progress        INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    closed_at       TEXT,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);
CREATE INDEX IF NOT EXISTS idx_goals_conversation ON goals(conversation_id, status);

-- Follow-ups: scheduled re-contacts driven by the external poller.
CREATE TABLE IF NOT EXISTS follow_ups (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    scheduled_at    TEXT NOT NULL,
    type            TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    template        TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    max_retries     INTEGER NOT NULL DEFAULT 3,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);
CREATE INDEX IF NOT EXISTS idx_follow_ups_conversation ON follow_ups(conversation_id, status);
CREATE INDEX IF NOT EXISTS idx_follow_ups_due ON follow_ups(status, scheduled_at);

-- Engagement records: append-only, never mutated or deleted.
CREATE TABLE IF NOT EXISTS engagement_records (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id       TEXT NOT NULL,
    conversation_id  TEXT NOT NULL,
    direction        TEXT NOT NULL DEFAULT 'inbound',
    day_of_week      INTEGER NOT NULL,
    hour_of_day      INTEGER NOT NULL,
    latency_seconds  REAL NOT NULL DEFAULT 0,
    engagement_score REAL NOT NULL DEFAULT 0.5,
    created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_engagement_conversation ON engagement_records(conversation_id);
CREATE INDEX IF NOT EXISTS idx_engagement_account ON engagement_records(account_id);

-- Label history: append-only audit trail of label transitions.
CREATE TABLE IF NOT EXISTS label_history (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    from_label      TEXT NOT NULL DEFAULT '',
    to_label        TEXT NOT NULL,
    actor           TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_label_history_conversation ON label_history(conversation_id);

-- Action log: append-only audit of state-changing operations and sends.
CREATE TABLE IF NOT EXISTS action_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL DEFAULT '',
    kind            TEXT NOT NULL,
    actor           TEXT NOT NULL DEFAULT '',
    detail          TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_log_conversation ON action_log(conversation_id);
CREATE INDEX IF NOT EXISTS idx_action_log_created ON action_log(created_at);

-- Takeover audit records: opened on activation, closed on deactivation.
CREATE TABLE IF NOT EXISTS takeover_records (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    actor           TEXT NOT NULL DEFAULT '',
    started_at      TEXT NOT NULL,
    expires_at      TEXT,
    ended_at        TEXT,
    ended_by        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_takeover_conversation ON takeover_records(conversation_id);

-- Opt-out phrases: plain substrings or regex patterns matched on inbound text.
CREATE TABLE IF NOT EXISTS opt_out_phrases (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    phrase     TEXT NOT NULL,
    is_pattern INTEGER NOT NULL DEFAULT 0
);

-- Account settings blob, versioned. One row per account.
CREATE TABLE IF NOT EXISTS account_settings (
    account_id           TEXT PRIMARY KEY,
    min_confidence       REAL NOT NULL DEFAULT 0.6,
    auto_takeover        INTEGER NOT NULL DEFAULT 1,
    cooldown_hours       INTEGER NOT NULL DEFAULT 0,
    message_count_cap    INTEGER NOT NULL DEFAULT 15,
    split_threshold      INTEGER NOT NULL DEFAULT 500,
    intuition_shift      INTEGER NOT NULL DEFAULT 0,
    inter_chunk_delay_ms INTEGER NOT NULL DEFAULT 1500,
    version              INTEGER NOT NULL DEFAULT 1,
    updated_at           TEXT NOT NULL
);

-- Message history feeding signal extraction and goal progress.
CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    direction       TEXT NOT NULL,
    text            TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
`
