package store

import (
	"context"
	"fmt"
)

// Channel is a configured notification destination. Config is an opaque
// JSON blob interpreted by the channel's Sender.
type Channel struct {
	ID      int64
	Name    string
	Type    string
	Config  string
	Enabled bool
}

func (s *Store) CreateChannel(ctx context.Context, name, channelType, config string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_channels (name, channel_type, config, enabled) VALUES (?, ?, ?, 1)`,
		name, channelType, config)
	if err != nil {
		return 0, fmt.Errorf("failed to create channel %q: %w", name, err)
	}
	return res.LastInsertId()
}

func (s *Store) SetChannelEnabled(ctx context.Context, channelID int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_channels SET enabled = ? WHERE id = ?`, boolInt(enabled), channelID)
	return err
}

// BindChannel subscribes an account to a channel's notifications.
func (s *Store) BindChannel(ctx context.Context, accountID string, channelID int64) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO message_notifications (account_id, channel_id, enabled)
	VALUES (?, ?, 1)
	ON CONFLICT(account_id, channel_id) DO UPDATE SET enabled = 1`, accountID, channelID)
	if err != nil {
		return fmt.Errorf("failed to bind channel %d to %s: %w", channelID, accountID, err)
	}
	return nil
}

func (s *Store) UnbindChannel(ctx context.Context, accountID string, channelID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM message_notifications WHERE account_id = ? AND channel_id = ?`, accountID, channelID)
	return err
}

// EnabledChannelsForAccount resolves the channels that should receive an
// account's notifications: both the binding and the channel must be enabled.
func (s *Store) EnabledChannelsForAccount(ctx context.Context, accountID string) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT c.id, c.name, c.channel_type, c.config, c.enabled
	FROM notification_channels c
	JOIN message_notifications b ON b.channel_id = c.id
	WHERE b.account_id = ? AND b.enabled = 1 AND c.enabled = 1
	ORDER BY c.id`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var channels []Channel
	for rows.Next() {
		var (
			c       Channel
			enabled int
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &c.Config, &enabled); err != nil {
			return nil, err
		}
		c.Enabled = enabled != 0
		channels = append(channels, c)
	}
	return channels, rows.Err()
}
