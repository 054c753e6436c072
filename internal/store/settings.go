package store

import (
	"context"
	"database/sql"
	"fmt"
)

// DefaultReply is the account's catch-all answer when nothing else matched.
type DefaultReply struct {
	Enabled bool
	Content string
}

func (s *Store) DefaultReply(ctx context.Context, accountID string) (*DefaultReply, error) {
	var (
		enabled int
		content string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, content FROM default_replies WHERE account_id = ?`, accountID).
		Scan(&enabled, &content)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &DefaultReply{Enabled: enabled != 0, Content: content}, nil
}

func (s *Store) SetDefaultReply(ctx context.Context, accountID string, enabled bool, content string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO default_replies (account_id, enabled, content) VALUES (?, ?, ?)
	ON CONFLICT(account_id) DO UPDATE SET enabled = excluded.enabled, content = excluded.content`,
		accountID, boolInt(enabled), content)
	if err != nil {
		return fmt.Errorf("failed to set default reply for %s: %w", accountID, err)
	}
	return nil
}

// AISettings gates and configures the per-account AI reply engine.
type AISettings struct {
	AccountID string
	Enabled   bool
	BaseURL   string
	APIKey    string
	Model     string
	Prompt    string
}

func (s *Store) AISettings(ctx context.Context, accountID string) (*AISettings, error) {
	var (
		a       AISettings
		enabled int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, enabled, base_url, api_key, model, prompt FROM ai_settings WHERE account_id = ?`,
		accountID).Scan(&a.AccountID, &enabled, &a.BaseURL, &a.APIKey, &a.Model, &a.Prompt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Enabled = enabled != 0
	return &a, nil
}

func (s *Store) SaveAISettings(ctx context.Context, a AISettings) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO ai_settings (account_id, enabled, base_url, api_key, model, prompt)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(account_id) DO UPDATE SET
		enabled = excluded.enabled,
		base_url = excluded.base_url,
		api_key = excluded.api_key,
		model = excluded.model,
		prompt = excluded.prompt`,
		a.AccountID, boolInt(a.Enabled), a.BaseURL, a.APIKey, a.Model, a.Prompt)
	if err != nil {
		return fmt.Errorf("failed to save ai settings for %s: %w", a.AccountID, err)
	}
	return nil
}

func (s *Store) SystemSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (s *Store) SetSystemSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO system_settings (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now())
	return err
}
