package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Card carries the delivery content for a rule. Exactly one of the payload
// columns is meaningful for its type: api_config for 'api', text_content for
// 'text', data_content (a line-per-row FIFO) for 'data'.
type Card struct {
	ID           int64
	OwnerUserID  string
	Name         string
	Type         string
	APIConfig    string
	TextContent  string
	DataContent  string
	Description  string
	DelaySeconds int
	IsMultiSpec  bool
	SpecName     string
	SpecValue    string
	Enabled      bool
}

const (
	CardTypeAPI  = "api"
	CardTypeText = "text"
	CardTypeData = "data"
)

// DeliveryRule binds a trigger keyword to a card.
type DeliveryRule struct {
	ID            int64
	OwnerUserID   string
	Keyword       string
	CardID        int64
	DeliveryCount int64
	Card          Card
}

func (s *Store) CreateCard(ctx context.Context, c *Card) (int64, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO cards (owner_user_id, name, card_type, api_config, text_content, data_content,
		description, delay_seconds, is_multi_spec, spec_name, spec_value, enabled, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.OwnerUserID, c.Name, c.Type, c.APIConfig, c.TextContent, c.DataContent,
		c.Description, c.DelaySeconds, boolInt(c.IsMultiSpec), c.SpecName, c.SpecValue,
		boolInt(c.Enabled), ts, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to insert card %q: %w", c.Name, err)
	}
	return res.LastInsertId()
}

func (s *Store) GetCard(ctx context.Context, cardID int64) (*Card, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, owner_user_id, name, card_type, api_config, text_content, data_content,
		description, delay_seconds, is_multi_spec, spec_name, spec_value, enabled
	FROM cards WHERE id = ?`, cardID)

	var (
		c                  Card
		multiSpec, enabled int
	)
	err := row.Scan(&c.ID, &c.OwnerUserID, &c.Name, &c.Type, &c.APIConfig, &c.TextContent,
		&c.DataContent, &c.Description, &c.DelaySeconds, &multiSpec, &c.SpecName, &c.SpecValue, &enabled)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.IsMultiSpec = multiSpec != 0
	c.Enabled = enabled != 0
	return &c, nil
}

func (s *Store) CreateDeliveryRule(ctx context.Context, ownerUserID, keyword string, cardID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO delivery_rules (owner_user_id, keyword, card_id, enabled, delivery_count, created_at)
	VALUES (?, ?, ?, 1, 0, ?)`, ownerUserID, keyword, cardID, now())
	if err != nil {
		return 0, fmt.Errorf("failed to insert delivery rule %q: %w", keyword, err)
	}
	return res.LastInsertId()
}

const deliveryRuleColumns = `
	r.id, r.owner_user_id, r.keyword, r.card_id, r.delivery_count,
	c.id, c.owner_user_id, c.name, c.card_type, c.api_config, c.text_content, c.data_content,
	c.description, c.delay_seconds, c.is_multi_spec, c.spec_name, c.spec_value, c.enabled`

// DeliveryRulesByKeyword returns enabled rules whose keyword occurs inside
// searchText, longest keyword first, rule id breaking ties. Rules with an
// empty owner are shared across accounts.
func (s *Store) DeliveryRulesByKeyword(ctx context.Context, ownerUserID, searchText string) ([]DeliveryRule, error) {
	query := `
	SELECT ` + deliveryRuleColumns + `
	FROM delivery_rules r
	JOIN cards c ON c.id = r.card_id
	WHERE r.enabled = 1 AND c.enabled = 1
		AND instr(?, r.keyword) > 0
		AND (r.owner_user_id = ? OR r.owner_user_id = '' OR ? = '')
	ORDER BY LENGTH(r.keyword) DESC, r.id ASC`
	return s.queryRules(ctx, query, searchText, ownerUserID, ownerUserID)
}

// DeliveryRulesByKeywordAndSpec is the multi-spec tier: same substring match
// further restricted to cards whose spec name/value equal the order's.
func (s *Store) DeliveryRulesByKeywordAndSpec(ctx context.Context, ownerUserID, searchText, specName, specValue string) ([]DeliveryRule, error) {
	query := `
	SELECT ` + deliveryRuleColumns + `
	FROM delivery_rules r
	JOIN cards c ON c.id = r.card_id
	WHERE r.enabled = 1 AND c.enabled = 1
		AND instr(?, r.keyword) > 0
		AND (r.owner_user_id = ? OR r.owner_user_id = '' OR ? = '')
		AND c.is_multi_spec = 1 AND c.spec_name = ? AND c.spec_value = ?
	ORDER BY LENGTH(r.keyword) DESC, r.id ASC`
	return s.queryRules(ctx, query, searchText, ownerUserID, ownerUserID, specName, specValue)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]DeliveryRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rules []DeliveryRule
	for rows.Next() {
		var (
			r                  DeliveryRule
			multiSpec, enabled int
		)
		err := rows.Scan(&r.ID, &r.OwnerUserID, &r.Keyword, &r.CardID, &r.DeliveryCount,
			&r.Card.ID, &r.Card.OwnerUserID, &r.Card.Name, &r.Card.Type, &r.Card.APIConfig,
			&r.Card.TextContent, &r.Card.DataContent, &r.Card.Description, &r.Card.DelaySeconds,
			&multiSpec, &r.Card.SpecName, &r.Card.SpecValue, &enabled)
		if err != nil {
			return nil, err
		}
		r.Card.IsMultiSpec = multiSpec != 0
		r.Card.Enabled = enabled != 0
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// IncrementDeliveryCount bumps the rule's usage counter after a send.
func (s *Store) IncrementDeliveryCount(ctx context.Context, ruleID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_rules SET delivery_count = delivery_count + 1 WHERE id = ?`, ruleID)
	return err
}

// ConsumeBatchData atomically removes and returns the head row of a data
// card's payload. An exhausted card returns ErrCardEmpty; the caller treats
// that as "no content", not a storage failure.
func (s *Store) ConsumeBatchData(ctx context.Context, cardID int64) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var content string
	err = tx.QueryRowContext(ctx,
		`SELECT data_content FROM cards WHERE id = ? AND card_type = 'data'`, cardID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	head, rest := splitHeadRow(content)
	if head == "" {
		return "", ErrCardEmpty
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE cards SET data_content = ?, updated_at = ? WHERE id = ?`, rest, now(), cardID)
	if err != nil {
		return "", fmt.Errorf("failed to consume card %d: %w", cardID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return head, nil
}

// splitHeadRow pops the first non-blank line off a data block.
func splitHeadRow(content string) (head, rest string) {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed, strings.Join(lines[i+1:], "\n")
		}
	}
	return "", ""
}
