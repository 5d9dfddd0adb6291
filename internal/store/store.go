// Package store provides the durable state gateways for the gateway
// core: sessions, messages, contacts, groups, rate buckets, broadcast
// campaigns, scraping logs, and the conversation ledger.
//
// All state lives in a single sqlite database. Methods take a context
// and use short transactions when touching multiple rows (campaign +
// recipients, group + members). Timestamps are stored as RFC 3339 UTC
// text.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the shared handle to the gateway database. One Store serves
// all gateways; the method sets are split across files by concern.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory database, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A :memory: database exists per connection; collapse the pool so
	// every query sees the same schema.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS whatsapp_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			phone_number TEXT,
			status TEXT NOT NULL DEFAULT 'qr_pending',
			qr_code TEXT,
			qr_expires_at TEXT,
			ai_assistant_type TEXT NOT NULL DEFAULT 'general',
			ai_config TEXT,
			webhook_url TEXT NOT NULL DEFAULT '',
			settings TEXT,
			last_connected_at TEXT,
			last_disconnected_at TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			deleted_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON whatsapp_sessions(user_id);

		CREATE TABLE IF NOT EXISTS whatsapp_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			from_number TEXT NOT NULL DEFAULT '',
			to_number TEXT NOT NULL DEFAULT '',
			push_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			media_meta TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			auto_reply INTEGER NOT NULL DEFAULT 0,
			reply_source TEXT,
			reply_context TEXT,
			sent_at TEXT,
			delivered_at TEXT,
			read_at TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON whatsapp_messages(session_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON whatsapp_messages(session_id, from_number);

		CREATE TABLE IF NOT EXISTS whatsapp_contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			phone TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			push_name TEXT NOT NULL DEFAULT '',
			is_business INTEGER NOT NULL DEFAULT 0,
			is_group INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			last_message_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(user_id, session_id, phone)
		);

		CREATE TABLE IF NOT EXISTS whatsapp_groups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			group_jid TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			owner_jid TEXT NOT NULL DEFAULT '',
			participant_count INTEGER NOT NULL DEFAULT 0,
			admin_count INTEGER NOT NULL DEFAULT 0,
			is_announce INTEGER NOT NULL DEFAULT 0,
			is_locked INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(user_id, session_id, group_jid)
		);

		CREATE TABLE IF NOT EXISTS whatsapp_group_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id INTEGER NOT NULL REFERENCES whatsapp_groups(id) ON DELETE CASCADE,
			participant_jid TEXT NOT NULL,
			phone TEXT,
			display_name TEXT NOT NULL DEFAULT '',
			push_name TEXT NOT NULL DEFAULT '',
			is_admin INTEGER NOT NULL DEFAULT 0,
			is_super_admin INTEGER NOT NULL DEFAULT 0,
			is_lid INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(group_id, participant_jid)
		);

		CREATE TABLE IF NOT EXISTS whatsapp_rate_limits (
			session_id TEXT PRIMARY KEY,
			hour_count INTEGER NOT NULL DEFAULT 0,
			day_count INTEGER NOT NULL DEFAULT 0,
			last_sent_at TEXT,
			cooldown_until TEXT,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS broadcast_campaigns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			template_type TEXT NOT NULL DEFAULT 'text',
			template_content TEXT NOT NULL DEFAULT '',
			template_media_url TEXT NOT NULL DEFAULT '',
			template_caption TEXT NOT NULL DEFAULT '',
			template_filename TEXT NOT NULL DEFAULT '',
			template_mimetype TEXT NOT NULL DEFAULT '',
			template_variables TEXT,
			status TEXT NOT NULL DEFAULT 'draft',
			scheduled_at TEXT,
			started_at TEXT,
			completed_at TEXT,
			total_count INTEGER NOT NULL DEFAULT 0,
			sent_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			batch_size INTEGER NOT NULL DEFAULT 20,
			batch_delay_ms INTEGER NOT NULL DEFAULT 60000,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_campaigns_user ON broadcast_campaigns(user_id, status);

		CREATE TABLE IF NOT EXISTS broadcast_recipients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			campaign_id INTEGER NOT NULL REFERENCES broadcast_campaigns(id) ON DELETE CASCADE,
			phone TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			sent_at TEXT,
			error TEXT NOT NULL DEFAULT '',
			UNIQUE(campaign_id, phone)
		);
		CREATE INDEX IF NOT EXISTS idx_recipients_pending ON broadcast_recipients(campaign_id, status);

		CREATE TABLE IF NOT EXISTS scraping_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'contacts',
			status TEXT NOT NULL DEFAULT 'in_progress',
			total INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_scraping_session ON scraping_logs(user_id, session_id, status);

		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			phone TEXT NOT NULL,
			push_name TEXT NOT NULL DEFAULT '',
			human_agent_id INTEGER,
			last_message_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(session_id, phone)
		);

		CREATE TABLE IF NOT EXISTS auto_reply_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			trigger_text TEXT NOT NULL,
			match_mode TEXT NOT NULL DEFAULT 'contains',
			priority INTEGER NOT NULL DEFAULT 0,
			reply TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rules_session ON auto_reply_rules(session_id, is_active);

		CREATE TABLE IF NOT EXISTS conversation_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			direction TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
	`)
	return err
}

// now returns the canonical stored form of the current UTC time.
func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// fmtTime renders t in the canonical stored form.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// nullTime renders an optional time for storage.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// parseTime decodes a stored timestamp, tolerating NULL.
func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// mustTime decodes a non-null stored timestamp, returning the zero
// time on corruption rather than failing the whole row.
func mustTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// inTx runs fn inside a transaction, committing on nil and rolling
// back otherwise.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
