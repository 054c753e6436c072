// Package notify fans events out to the notification channels bound to an
// account. Channel rows live in the store; each channel type maps to a
// registered Sender.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/goofish-agent/internal/monitoring"
	"github.com/adred-codev/goofish-agent/internal/store"
)

// Kind labels what an event is about.
type Kind string

const (
	KindMessage     Kind = "message"
	KindDelivery    Kind = "delivery"
	KindTokenHealth Kind = "token_health"
)

// Event is one notification to deliver. Buyer/Item/Text are filled for
// message and delivery events; token health events carry only Text.
type Event struct {
	AccountID string
	Kind      Kind
	Buyer     string
	BuyerID   string
	ItemID    string
	Text      string
	Time      time.Time
}

// Message renders the event into the human-readable body pushed to channels.
func (e Event) Message() string {
	ts := e.Time.Format("2006-01-02 15:04:05")
	switch e.Kind {
	case KindDelivery:
		return fmt.Sprintf("🚨 自动发货通知\n\n账号: %s\n买家: %s (ID: %s)\n商品ID: %s\n结果: %s\n时间: %s\n\n请及时处理！",
			e.AccountID, e.Buyer, e.BuyerID, e.ItemID, e.Text, ts)
	case KindTokenHealth:
		return fmt.Sprintf("🔴 账号Token刷新异常\n\n账号ID: %s\n异常时间: %s\n异常信息: %s\n\n请检查账号Cookie是否过期，必要时重新登录并更新Cookie。",
			e.AccountID, ts, e.Text)
	default:
		return fmt.Sprintf("🚨 接收消息通知\n\n账号: %s\n买家: %s (ID: %s)\n商品ID: %s\n消息内容: %s\n时间: %s",
			e.AccountID, e.Buyer, e.BuyerID, e.ItemID, e.Text, ts)
	}
}

// Channel types with built-in senders.
const (
	TypeLog  = "log"
	TypeNATS = "nats"
)

// ChannelSource yields the enabled channels bound to an account.
type ChannelSource interface {
	EnabledChannelsForAccount(ctx context.Context, accountID string) ([]store.Channel, error)
}

// Sender pushes a rendered event to one channel. config is the channel row's
// opaque JSON config.
type Sender interface {
	Send(ctx context.Context, config string, ev Event) error
}

// tokenHealthCooldown spaces repeated token alarms for the same account so a
// flapping refresh loop cannot flood the channels.
const tokenHealthCooldown = 5 * time.Minute

// Notifier resolves an account's channels and dispatches events to the
// matching senders. Dispatch is best effort: a failing channel is logged and
// skipped, never propagated to the session hot path.
type Notifier struct {
	channels ChannelSource
	senders  map[string]Sender
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func New(channels ChannelSource, logger zerolog.Logger) *Notifier {
	return &Notifier{
		channels: channels,
		senders:  make(map[string]Sender),
		logger:   logger.With().Str("component", "notify").Logger(),
		lastSent: make(map[string]time.Time),
	}
}

// Register binds a channel type ("nats", "log", ...) to its sender.
// Channels whose type has no sender are skipped at dispatch time.
func (n *Notifier) Register(channelType string, s Sender) {
	n.senders[channelType] = s
}

// Notify sends ev to every enabled channel bound to ev.AccountID.
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	chans, err := n.channels.EnabledChannelsForAccount(ctx, ev.AccountID)
	if err != nil {
		n.logger.Error().Err(err).Str("account_id", ev.AccountID).Msg("Failed to load notification channels")
		return
	}
	if len(chans) == 0 {
		// Accounts without channel rows still surface events in the
		// service log.
		if s, ok := n.senders[TypeLog]; ok {
			if err := s.Send(ctx, "", ev); err == nil {
				monitoring.RecordNotification(string(ev.Kind), "sent")
			}
			return
		}
		n.logger.Debug().Str("account_id", ev.AccountID).Str("kind", string(ev.Kind)).Msg("No notification channels bound")
		return
	}
	for _, ch := range chans {
		sender, ok := n.senders[ch.Type]
		if !ok {
			n.logger.Warn().Str("channel_type", ch.Type).Str("channel", ch.Name).Msg("No sender registered for channel type")
			continue
		}
		if err := sender.Send(ctx, ch.Config, ev); err != nil {
			monitoring.RecordNotification(string(ev.Kind), "error")
			n.logger.Error().Err(err).
				Str("account_id", ev.AccountID).
				Str("channel", ch.Name).
				Str("channel_type", ch.Type).
				Msg("Notification send failed")
			continue
		}
		monitoring.RecordNotification(string(ev.Kind), "sent")
	}
}

// TokenHealth reports a token refresh problem. Benign expiry noise is
// swallowed and repeated alarms for the same account are throttled to one
// per cooldown window.
func (n *Notifier) TokenHealth(ctx context.Context, accountID, message string) {
	if IsBenignExpiry(message) {
		n.logger.Debug().Str("account_id", accountID).Str("reason", message).Msg("Suppressed benign token expiry")
		return
	}
	key := accountID + "|" + string(KindTokenHealth)
	now := time.Now()
	n.mu.Lock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < tokenHealthCooldown {
		n.mu.Unlock()
		n.logger.Debug().Str("account_id", accountID).Msg("Token health alarm throttled")
		return
	}
	n.lastSent[key] = now
	n.mu.Unlock()

	n.Notify(ctx, Event{
		AccountID: accountID,
		Kind:      KindTokenHealth,
		Text:      message,
		Time:      now,
	})
}

// benignExpiry lists the token/session expiry strings that are part of the
// normal credential lifecycle. The EXOIRED spelling is what the gateway
// actually returns, so both spellings stay.
var benignExpiry = map[string]struct{}{
	"FAIL_SYS_TOKEN_EXOIRED::令牌过期":     {},
	"FAIL_SYS_TOKEN_EXPIRED::令牌过期":     {},
	"FAIL_SYS_TOKEN_EXOIRED":           {},
	"FAIL_SYS_TOKEN_EXPIRED":           {},
	"令牌过期":                             {},
	"FAIL_SYS_SESSION_EXPIRED::Session过期": {},
	"FAIL_SYS_SESSION_EXPIRED":         {},
	"Session过期":                        {},
	"Token定时刷新失败，将自动重试":                {},
	"Token定时刷新失败":                      {},
}

// IsBenignExpiry reports whether msg matches, exactly, one of the routine
// expiry strings that should never page anyone.
func IsBenignExpiry(msg string) bool {
	_, ok := benignExpiry[msg]
	return ok
}
