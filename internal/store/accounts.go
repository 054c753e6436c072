package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Account is one marketplace login supervised by the agent.
type Account struct {
	ID          string
	Cookies     string
	OwnerUserID string
	Enabled     bool
	AutoConfirm bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SaveCookie upserts an account's cookie blob. The owner user id is written
// only when the caller provides one; refreshes that merely rotate cookies
// must never erase or rewrite the owner recorded at creation.
func (s *Store) SaveCookie(ctx context.Context, accountID, cookies, ownerUserID string) error {
	ts := now()
	query := `
	INSERT INTO accounts (id, cookies, owner_user_id, enabled, auto_confirm, created_at, updated_at)
	VALUES (?, ?, ?, 1, 1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		cookies = excluded.cookies,
		owner_user_id = CASE WHEN excluded.owner_user_id != '' THEN excluded.owner_user_id ELSE accounts.owner_user_id END,
		updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, accountID, cookies, ownerUserID, ts, ts); err != nil {
		return fmt.Errorf("failed to save cookie for %s: %w", accountID, err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	query := `
	SELECT id, cookies, owner_user_id, enabled, auto_confirm, created_at, updated_at
	FROM accounts WHERE id = ?`
	return scanAccount(s.db.QueryRowContext(ctx, query, accountID))
}

// ListAccounts returns every account; enabledOnly restricts to accounts the
// registry should be running sessions for.
func (s *Store) ListAccounts(ctx context.Context, enabledOnly bool) ([]*Account, error) {
	query := `
	SELECT id, cookies, owner_user_id, enabled, auto_confirm, created_at, updated_at
	FROM accounts`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) SetEnabled(ctx context.Context, accountID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), now(), accountID)
	if err != nil {
		return err
	}
	return requireRow(res, accountID)
}

func (s *Store) SetAutoConfirm(ctx context.Context, accountID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET auto_confirm = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), now(), accountID)
	if err != nil {
		return err
	}
	return requireRow(res, accountID)
}

// DeleteAccount removes the account row and its per-account satellites.
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM keywords WHERE account_id = ?`,
		`DELETE FROM items WHERE account_id = ?`,
		`DELETE FROM default_replies WHERE account_id = ?`,
		`DELETE FROM message_notifications WHERE account_id = ?`,
		`DELETE FROM ai_settings WHERE account_id = ?`,
		`DELETE FROM accounts WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, accountID); err != nil {
			return fmt.Errorf("failed to delete account %s: %w", accountID, err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a                    Account
		enabled, autoConfirm int
		created, updated     sql.NullString
	)
	err := row.Scan(&a.ID, &a.Cookies, &a.OwnerUserID, &enabled, &autoConfirm, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Enabled = enabled != 0
	a.AutoConfirm = autoConfirm != 0
	if created.Valid {
		a.CreatedAt = parseTime(created.String)
	}
	if updated.Valid {
		a.UpdatedAt = parseTime(updated.String)
	}
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result, accountID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return nil
}
