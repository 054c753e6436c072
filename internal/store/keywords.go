package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Keyword is one reply rule. ItemID empty means the rule is global to the
// account; otherwise it matches only chats about that product.
type Keyword struct {
	ID      int64
	Keyword string
	Reply   string
	ItemID  string
}

// KeywordsWithItem returns the account's rules ordered longest keyword
// first, so the reply selector can take the first substring match.
func (s *Store) KeywordsWithItem(ctx context.Context, accountID string) ([]Keyword, error) {
	query := `
	SELECT id, keyword, reply, COALESCE(item_id, '')
	FROM keywords
	WHERE account_id = ?
	ORDER BY LENGTH(keyword) DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []Keyword
	for rows.Next() {
		var k Keyword
		if err := rows.Scan(&k.ID, &k.Keyword, &k.Reply, &k.ItemID); err != nil {
			return nil, err
		}
		list = append(list, k)
	}
	return list, rows.Err()
}

// SaveKeywords replaces the account's rule set in one transaction. The unique
// index on (account_id, keyword, item_id) rejects duplicate rules.
func (s *Store) SaveKeywords(ctx context.Context, accountID string, list []Keyword) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM keywords WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("failed to clear keywords for %s: %w", accountID, err)
	}
	for _, k := range list {
		var itemID sql.NullString
		if k.ItemID != "" {
			itemID = sql.NullString{String: k.ItemID, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO keywords (account_id, keyword, reply, item_id) VALUES (?, ?, ?, ?)`,
			accountID, k.Keyword, k.Reply, itemID)
		if err != nil {
			return fmt.Errorf("failed to insert keyword %q: %w", k.Keyword, err)
		}
	}
	return tx.Commit()
}
