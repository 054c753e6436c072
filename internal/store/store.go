// Package store persists accounts, reply rules, delivery rules, cards and
// item info in SQLite. One Store is shared by every session; SQLite runs
// with a single writer connection so concurrent writers serialize here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound reports a missing row.
	ErrNotFound = errors.New("store: not found")

	// ErrCardEmpty reports a data card whose consumable block is exhausted.
	ErrCardEmpty = errors.New("store: data card empty")
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the agent database and runs migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection: SQLite allows one writer and the busy timeout
	// above resolves any residual contention.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		cookies TEXT NOT NULL DEFAULT '',
		owner_user_id TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		auto_confirm INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS keywords (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		keyword TEXT NOT NULL,
		reply TEXT NOT NULL,
		item_id TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_keywords_unique
		ON keywords(account_id, keyword, COALESCE(item_id, ''));
	CREATE TABLE IF NOT EXISTS cards (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_user_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		card_type TEXT NOT NULL CHECK (card_type IN ('api', 'text', 'data')),
		api_config TEXT NOT NULL DEFAULT '',
		text_content TEXT NOT NULL DEFAULT '',
		data_content TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		delay_seconds INTEGER NOT NULL DEFAULT 0,
		is_multi_spec INTEGER NOT NULL DEFAULT 0,
		spec_name TEXT NOT NULL DEFAULT '',
		spec_value TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS delivery_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_user_id TEXT NOT NULL DEFAULT '',
		keyword TEXT NOT NULL,
		card_id INTEGER NOT NULL REFERENCES cards(id),
		enabled INTEGER NOT NULL DEFAULT 1,
		delivery_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME,
		UNIQUE(owner_user_id, keyword, card_id)
	);
	CREATE TABLE IF NOT EXISTS items (
		account_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		price TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		is_multi_spec INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME,
		PRIMARY KEY (account_id, item_id)
	);
	CREATE TABLE IF NOT EXISTS default_replies (
		account_id TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 1,
		content TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS notification_channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		channel_type TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1
	);
	CREATE TABLE IF NOT EXISTS message_notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		channel_id INTEGER NOT NULL REFERENCES notification_channels(id),
		enabled INTEGER NOT NULL DEFAULT 1,
		UNIQUE(account_id, channel_id)
	);
	CREATE TABLE IF NOT EXISTS ai_settings (
		account_id TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 0,
		base_url TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS system_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		updated_at DATETIME
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// now returns the timestamp representation stored in DATETIME columns.
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// parseTime tolerates the formats that have ended up in DATETIME columns.
func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
