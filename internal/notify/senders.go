package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// LogSender writes notifications to the service log. It backs the built-in
// "log" channel type so a deployment without a broker still surfaces events.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notify.log").Logger()}
}

func (s *LogSender) Send(_ context.Context, _ string, ev Event) error {
	s.logger.Info().
		Str("account_id", ev.AccountID).
		Str("kind", string(ev.Kind)).
		Msg(ev.Message())
	return nil
}

// NATSSender publishes notifications to a NATS subject derived from the
// event: <prefix>.<kind>.<accountID>. A channel config may pin an explicit
// subject instead.
type NATSSender struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// natsChannelConfig is the channel row config understood by NATSSender.
type natsChannelConfig struct {
	Subject string `json:"subject"`
}

// natsEvent is the wire shape published to the broker.
type natsEvent struct {
	AccountID string `json:"account_id"`
	Kind      string `json:"kind"`
	Buyer     string `json:"buyer,omitempty"`
	BuyerID   string `json:"buyer_id,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
	Text      string `json:"text"`
	Message   string `json:"message"`
	Time      string `json:"time"`
}

func NewNATSSender(url, prefix string, logger zerolog.Logger) (*NATSSender, error) {
	log := logger.With().Str("component", "notify.nats").Logger()
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(100*time.Millisecond, 1*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	log.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return &NATSSender{conn: conn, prefix: prefix, logger: log}, nil
}

func (s *NATSSender) Send(_ context.Context, config string, ev Event) error {
	subject := fmt.Sprintf("%s.%s.%s", s.prefix, ev.Kind, ev.AccountID)
	if config != "" {
		var cfg natsChannelConfig
		if err := json.Unmarshal([]byte(config), &cfg); err == nil && cfg.Subject != "" {
			subject = cfg.Subject
		}
	}
	payload, err := json.Marshal(natsEvent{
		AccountID: ev.AccountID,
		Kind:      string(ev.Kind),
		Buyer:     ev.Buyer,
		BuyerID:   ev.BuyerID,
		ItemID:    ev.ItemID,
		Text:      ev.Text,
		Message:   ev.Message(),
		Time:      ev.Time.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := s.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// IsConnected reports broker liveness for the health endpoint.
func (s *NATSSender) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Close drains pending publishes before shutting the connection down.
func (s *NATSSender) Close() {
	if s.conn != nil {
		if err := s.conn.Drain(); err != nil {
			s.conn.Close()
		}
	}
}
