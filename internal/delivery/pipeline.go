// Package delivery runs the auto fulfillment flow: a paid-order trigger in
// chat is resolved to a delivery rule and the rule's card content is sent
// back into the conversation, with ship confirmation on the side.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/goofish-agent/internal/monitoring"
	"github.com/adred-codev/goofish-agent/internal/mtop"
	"github.com/adred-codev/goofish-agent/internal/notify"
	"github.com/adred-codev/goofish-agent/internal/store"
)

var (
	// ErrCooldown means the order was already delivered inside the window.
	ErrCooldown = errors.New("delivery: order inside cooldown window")
	// ErrNoRule means no delivery rule matched the item's search text.
	ErrNoRule = errors.New("delivery: no matching rule")
	// ErrNoOrderID means the trigger carried no extractable order id, so
	// content was suppressed.
	ErrNoOrderID = errors.New("delivery: no order id in trigger")
	// ErrNoContent means the matched rule could not produce content.
	ErrNoContent = errors.New("delivery: rule produced no content")
)

// Sender pushes outgoing chat messages. Sessions implement it.
type Sender interface {
	SendText(ctx context.Context, chatID, toUserID, text string) error
}

// MarketAPI is the slice of the gateway client the pipeline calls.
type MarketAPI interface {
	ItemDetail(ctx context.Context, itemID string) (*mtop.ItemDetail, error)
	ConfirmShip(ctx context.Context, orderID string) error
	FreeShipping(ctx context.Context, orderID, itemID, buyerID string) error
}

// OrderDetailFetcher resolves which spec (variant) an order bought, for
// items that sell multiple variants under one listing. Optional.
type OrderDetailFetcher interface {
	Fetch(ctx context.Context, orderID string) (specName, specValue string, err error)
}

// Trigger is one paid-order event from a session.
type Trigger struct {
	AccountID string
	ChatID    string
	BuyerID   string
	BuyerName string
	ItemID    string
	// Doc is the decrypted message document the trigger came from; the
	// order id and card title are dug out of it.
	Doc map[string]any
	// Bargain marks the bargain-claimed card, which needs a free shipping
	// release first.
	Bargain bool
}

// Options tunes a Pipeline. Zero values take the production defaults.
type Options struct {
	// Cooldown suppresses repeat deliveries and repeat ship confirms of
	// the same order. Default 10 minutes.
	Cooldown time.Duration
	// BargainDelay spaces the free shipping call after a bargain card.
	// Default 2 seconds.
	BargainDelay time.Duration
	// Orders resolves bought specs for multi-variant listings. Optional.
	Orders OrderDetailFetcher
	// HTTPClient serves api-type cards. Defaults to a 30s-timeout client.
	HTTPClient *http.Client
}

// Pipeline executes deliveries for one account's session. The cooldown
// ledgers are in-memory on purpose: they protect against duplicate triggers
// inside one connection's lifetime, and a restart starting clean is
// acceptable.
type Pipeline struct {
	store    *store.Store
	api      MarketAPI
	notifier *notify.Notifier
	logger   zerolog.Logger
	opts     Options
	httpc    *http.Client

	mu        sync.Mutex
	delivered map[string]time.Time
	confirmed map[string]time.Time
}

func NewPipeline(st *store.Store, api MarketAPI, notifier *notify.Notifier, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Minute
	}
	if opts.BargainDelay < 0 {
		opts.BargainDelay = 0
	} else if opts.BargainDelay == 0 {
		opts.BargainDelay = 2 * time.Second
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Pipeline{
		store:     st,
		api:       api,
		notifier:  notifier,
		logger:    logger.With().Str("component", "delivery").Logger(),
		opts:      opts,
		httpc:     httpc,
		delivered: make(map[string]time.Time),
		confirmed: make(map[string]time.Time),
	}
}

// Run executes one delivery. It returns nil when content was sent, or a
// sentinel describing why nothing went out. Failures that matter to the
// seller also raise a delivery notification.
func (p *Pipeline) Run(ctx context.Context, sender Sender, trig Trigger) error {
	log := p.logger.With().
		Str("account_id", trig.AccountID).
		Str("item_id", trig.ItemID).
		Str("buyer_id", trig.BuyerID).
		Logger()

	orderID := ExtractOrderID(trig.Doc)
	if orderID != "" {
		log = log.With().Str("order_id", orderID).Logger()
	}

	if trig.Bargain {
		if orderID == "" {
			log.Warn().Msg("Bargain card without order id, skipping free shipping and delivery")
			return ErrNoOrderID
		}
		if err := sleepCtx(ctx, p.opts.BargainDelay); err != nil {
			return err
		}
		if err := p.api.FreeShipping(ctx, orderID, trig.ItemID, trig.BuyerID); err != nil {
			log.Error().Err(err).Msg("Free shipping release failed, continuing with delivery")
		} else {
			log.Info().Msg("Free shipping released for bargain order")
		}
	}

	if orderID != "" && p.withinCooldown(p.delivered, orderID) {
		log.Info().Msg("Order already delivered inside cooldown window")
		monitoring.RecordDelivery(monitoring.DeliveryCooldown)
		return ErrCooldown
	}

	searchText := p.searchText(ctx, trig, log)
	rule := p.matchRule(ctx, trig, orderID, searchText, log)
	if rule == nil {
		monitoring.RecordDelivery(monitoring.DeliveryNoRule)
		p.notifyDelivery(ctx, trig, "未找到匹配的发货规则或获取发货内容失败")
		return ErrNoRule
	}
	log.Info().
		Int64("rule_id", rule.ID).
		Str("keyword", rule.Keyword).
		Str("card", rule.Card.Name).
		Str("card_type", rule.Card.Type).
		Msg("Delivery rule matched")

	if rule.Card.DelaySeconds > 0 {
		if err := sleepCtx(ctx, time.Duration(rule.Card.DelaySeconds)*time.Second); err != nil {
			return err
		}
	}

	p.maybeConfirmShip(ctx, trig, orderID, log)

	if orderID == "" {
		log.Warn().Msg("No order id extracted, delivery content withheld")
		monitoring.RecordDelivery(monitoring.DeliveryContentError)
		p.notifyDelivery(ctx, trig, "未提取到订单ID，发货内容未发送")
		return ErrNoOrderID
	}

	content, err := p.content(ctx, *rule, trig, orderID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to produce delivery content")
		monitoring.RecordDelivery(monitoring.DeliveryContentError)
		p.notifyDelivery(ctx, trig, "未找到匹配的发货规则或获取发货内容失败")
		return fmt.Errorf("%w: %v", ErrNoContent, err)
	}

	// Mark before sending so a duplicate trigger racing the send cannot
	// double deliver.
	p.mark(p.delivered, orderID)

	if err := sender.SendText(ctx, trig.ChatID, trig.BuyerID, content); err != nil {
		log.Error().Err(err).Msg("Failed to send delivery content")
		monitoring.RecordDelivery(monitoring.DeliveryFailed)
		p.notifyDelivery(ctx, trig, "发货内容发送失败")
		return err
	}

	if err := p.store.IncrementDeliveryCount(ctx, rule.ID); err != nil {
		log.Warn().Err(err).Int64("rule_id", rule.ID).Msg("Failed to bump delivery count")
	}
	log.Info().Msg("Delivery content sent")
	monitoring.RecordDelivery(monitoring.DeliveryDelivered)
	p.notifyDelivery(ctx, trig, fmt.Sprintf("发货成功，已发送卡片「%s」", rule.Card.Name))
	return nil
}

// searchText resolves the text used to match delivery rules: the live share
// content when the detail API answers, else the cached title plus detail,
// else the bare item id.
func (p *Pipeline) searchText(ctx context.Context, trig Trigger, log zerolog.Logger) string {
	if p.api != nil && trig.ItemID != "" {
		if d, err := p.api.ItemDetail(ctx, trig.ItemID); err != nil {
			log.Warn().Err(err).Msg("Item detail fetch failed, using cached item info")
		} else if d.ShareContent != "" {
			p.cacheItem(ctx, trig, d, log)
			return d.ShareContent
		} else if d.Title != "" {
			p.cacheItem(ctx, trig, d, log)
			return strings.TrimSpace(d.Title + " " + d.Desc)
		}
	}
	if it, err := p.store.GetItemInfo(ctx, trig.AccountID, trig.ItemID); err == nil {
		if it.Title != "" && it.Detail != "" {
			return it.Title + " " + it.Detail
		}
		if it.Title != "" {
			return it.Title
		}
	}
	return trig.ItemID
}

// cacheItem persists freshly fetched item info. Synthetic ids from messages
// that never named a product stay out of the catalog.
func (p *Pipeline) cacheItem(ctx context.Context, trig Trigger, d *mtop.ItemDetail, log zerolog.Logger) {
	if strings.HasPrefix(trig.ItemID, "auto_") {
		return
	}
	detail := d.ShareContent
	if detail == "" {
		detail = d.Desc
	}
	err := p.store.SaveItemInfo(ctx, store.Item{
		AccountID: trig.AccountID,
		ItemID:    trig.ItemID,
		Title:     d.Title,
		Price:     d.Price,
		Detail:    detail,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to cache item info")
	}
}

// matchRule picks the delivery rule: for multi-variant items with a known
// order, spec-scoped rules are tried first, then the generic keyword tier.
func (p *Pipeline) matchRule(ctx context.Context, trig Trigger, orderID, searchText string, log zerolog.Logger) *store.DeliveryRule {
	acc, err := p.store.GetAccount(ctx, trig.AccountID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load account for rule match")
		return nil
	}

	if orderID != "" && p.opts.Orders != nil {
		if it, err := p.store.GetItemInfo(ctx, trig.AccountID, trig.ItemID); err == nil && it.IsMultiSpec {
			specName, specValue, err := p.opts.Orders.Fetch(ctx, orderID)
			if err != nil {
				log.Warn().Err(err).Msg("Order spec lookup failed, falling back to keyword rules")
			} else if specName != "" {
				rules, err := p.store.DeliveryRulesByKeywordAndSpec(ctx, acc.OwnerUserID, searchText, specName, specValue)
				if err != nil {
					log.Error().Err(err).Msg("Spec rule query failed")
				} else if len(rules) > 0 {
					return &rules[0]
				}
				log.Info().
					Str("spec_name", specName).
					Str("spec_value", specValue).
					Msg("No spec-scoped rule, trying generic rules")
			}
		}
	}

	rules, err := p.store.DeliveryRulesByKeyword(ctx, acc.OwnerUserID, searchText)
	if err != nil {
		log.Error().Err(err).Msg("Rule query failed")
		return nil
	}
	if len(rules) == 0 {
		log.Info().Str("search_text", searchText).Msg("No delivery rule matched")
		return nil
	}
	return &rules[0]
}

// maybeConfirmShip confirms the order as shipped when the account opted in,
// at most once per order per cooldown window. Failures are logged, never
// fatal to the delivery itself.
func (p *Pipeline) maybeConfirmShip(ctx context.Context, trig Trigger, orderID string, log zerolog.Logger) {
	if orderID == "" {
		return
	}
	acc, err := p.store.GetAccount(ctx, trig.AccountID)
	if err != nil || !acc.AutoConfirm {
		return
	}
	if p.withinCooldown(p.confirmed, orderID) {
		log.Debug().Msg("Order already confirmed inside cooldown window")
		return
	}
	if err := p.api.ConfirmShip(ctx, orderID); err != nil {
		log.Error().Err(err).Msg("Ship confirm failed")
		monitoring.RecordShipConfirm("failed")
		return
	}
	p.mark(p.confirmed, orderID)
	log.Info().Msg("Order confirmed as shipped")
	monitoring.RecordShipConfirm("ok")
}

func (p *Pipeline) withinCooldown(ledger map[string]time.Time, orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := ledger[orderID]
	return ok && time.Since(at) < p.opts.Cooldown
}

func (p *Pipeline) mark(ledger map[string]time.Time, orderID string) {
	p.mu.Lock()
	ledger[orderID] = time.Now()
	p.mu.Unlock()
}

func (p *Pipeline) notifyDelivery(ctx context.Context, trig Trigger, result string) {
	if p.notifier == nil {
		return
	}
	p.notifier.Notify(ctx, notify.Event{
		AccountID: trig.AccountID,
		Kind:      notify.KindDelivery,
		Buyer:     trig.BuyerName,
		BuyerID:   trig.BuyerID,
		ItemID:    trig.ItemID,
		Text:      result,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
