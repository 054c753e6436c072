package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Item is the cached product info used to build delivery search text.
type Item struct {
	AccountID   string
	ItemID      string
	Title       string
	Price       string
	Detail      string
	IsMultiSpec bool
}

// BatchSaveItemBasicInfo upserts title/price for a page of catalog items in
// one transaction. Empty incoming fields never clobber stored values; the
// detail column and the multi-spec flag are untouched on existing rows.
func (s *Store) BatchSaveItemBasicInfo(ctx context.Context, accountID string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
	INSERT INTO items (account_id, item_id, title, price, detail, is_multi_spec, updated_at)
	VALUES (?, ?, ?, ?, '', ?, ?)
	ON CONFLICT(account_id, item_id) DO UPDATE SET
		title = CASE WHEN excluded.title != '' THEN excluded.title ELSE items.title END,
		price = CASE WHEN excluded.price != '' THEN excluded.price ELSE items.price END,
		updated_at = excluded.updated_at`
	ts := now()
	for _, it := range items {
		if it.ItemID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, query, accountID, it.ItemID, it.Title, it.Price, boolInt(it.IsMultiSpec), ts); err != nil {
			return fmt.Errorf("failed to save item %s: %w", it.ItemID, err)
		}
	}
	return tx.Commit()
}

// UpdateItemDetail writes only the detail text, preserving title and price.
func (s *Store) UpdateItemDetail(ctx context.Context, accountID, itemID, detail string) error {
	query := `
	INSERT INTO items (account_id, item_id, title, price, detail, is_multi_spec, updated_at)
	VALUES (?, ?, '', '', ?, 0, ?)
	ON CONFLICT(account_id, item_id) DO UPDATE SET
		detail = excluded.detail,
		updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, accountID, itemID, detail, now())
	if err != nil {
		return fmt.Errorf("failed to update item detail %s: %w", itemID, err)
	}
	return nil
}

// SaveItemInfo stores the full row. Callers only invoke this with a real
// (non-synthetic) item id and non-empty title and detail. The multi-spec
// flag is operator-managed: refreshes never touch it on existing rows, only
// SetItemMultiSpec does.
func (s *Store) SaveItemInfo(ctx context.Context, it Item) error {
	query := `
	INSERT INTO items (account_id, item_id, title, price, detail, is_multi_spec, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(account_id, item_id) DO UPDATE SET
		title = excluded.title,
		price = CASE WHEN excluded.price != '' THEN excluded.price ELSE items.price END,
		detail = excluded.detail,
		updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, it.AccountID, it.ItemID, it.Title, it.Price, it.Detail, boolInt(it.IsMultiSpec), now())
	if err != nil {
		return fmt.Errorf("failed to save item %s: %w", it.ItemID, err)
	}
	return nil
}

func (s *Store) GetItemInfo(ctx context.Context, accountID, itemID string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT account_id, item_id, title, price, detail, is_multi_spec
	FROM items WHERE account_id = ? AND item_id = ?`, accountID, itemID)

	var (
		it        Item
		multiSpec int
	)
	err := row.Scan(&it.AccountID, &it.ItemID, &it.Title, &it.Price, &it.Detail, &multiSpec)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	it.IsMultiSpec = multiSpec != 0
	return &it, nil
}

// SetItemMultiSpec flags a product as having buyer-selectable variants.
func (s *Store) SetItemMultiSpec(ctx context.Context, accountID, itemID string, multiSpec bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET is_multi_spec = ?, updated_at = ? WHERE account_id = ? AND item_id = ?`,
		boolInt(multiSpec), now(), accountID, itemID)
	return err
}

// ItemsMissingDetail lists catalog rows the background fetcher still has to
// fill in.
func (s *Store) ItemsMissingDetail(ctx context.Context, accountID string, limit int) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT account_id, item_id, title, price, detail, is_multi_spec
	FROM items
	WHERE account_id = ? AND detail = ''
	ORDER BY item_id LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []Item
	for rows.Next() {
		var (
			it        Item
			multiSpec int
		)
		if err := rows.Scan(&it.AccountID, &it.ItemID, &it.Title, &it.Price, &it.Detail, &multiSpec); err != nil {
			return nil, err
		}
		it.IsMultiSpec = multiSpec != 0
		list = append(list, it)
	}
	return list, rows.Err()
}
