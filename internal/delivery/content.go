package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adred-codev/goofish-agent/internal/store"
)

// DeliveryContentPlaceholder in a card description is replaced by the
// produced content, letting sellers wrap codes in instructions.
const DeliveryContentPlaceholder = "{DELIVERY_CONTENT}"

// apiCardAttempts bounds retries against a flaky content service.
const apiCardAttempts = 4

// apiCardConfig is the JSON stored in an api-type card.
type apiCardConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Params  map[string]string `json:"params"`
	Timeout int               `json:"timeout"`
}

// content produces the delivery text for a matched rule and applies the
// card description template.
func (p *Pipeline) content(ctx context.Context, rule store.DeliveryRule, trig Trigger, orderID string) (string, error) {
	var (
		raw string
		err error
	)
	switch rule.Card.Type {
	case store.CardTypeAPI:
		raw, err = p.apiCardContent(ctx, rule.Card, trig, orderID)
	case store.CardTypeText:
		raw = rule.Card.TextContent
		if raw == "" {
			err = errors.New("text card has no content")
		}
	case store.CardTypeData:
		raw, err = p.store.ConsumeBatchData(ctx, rule.Card.ID)
		if errors.Is(err, store.ErrCardEmpty) {
			err = fmt.Errorf("data card %d exhausted: %w", rule.Card.ID, err)
		}
	default:
		err = fmt.Errorf("unknown card type %q", rule.Card.Type)
	}
	if err != nil {
		return "", err
	}
	switch desc := rule.Card.Description; {
	case strings.Contains(desc, DeliveryContentPlaceholder):
		return strings.ReplaceAll(desc, DeliveryContentPlaceholder, raw), nil
	case desc != "":
		// No placeholder: the description becomes a preamble.
		return desc + "\n\n" + raw, nil
	default:
		return raw, nil
	}
}

// apiCardContent calls the card's content service, retrying transient
// failures (network errors, 5xx, 408) with a linear backoff.
func (p *Pipeline) apiCardContent(ctx context.Context, card store.Card, trig Trigger, orderID string) (string, error) {
	var cfg apiCardConfig
	if err := json.Unmarshal([]byte(card.APIConfig), &cfg); err != nil {
		return "", fmt.Errorf("bad api card config for card %d: %w", card.ID, err)
	}
	if cfg.URL == "" {
		return "", fmt.Errorf("api card %d has no url", card.ID)
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	payload, err := json.Marshal(map[string]string{
		"order_id":  orderID,
		"item_id":   trig.ItemID,
		"buyer_id":  trig.BuyerID,
		"chat_id":   trig.ChatID,
		"cookie_id": trig.AccountID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal api card payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= apiCardAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, time.Duration(attempt-1)*2*time.Second); err != nil {
				return "", err
			}
		}
		content, retryable, err := p.apiCardOnce(ctx, cfg, method, payload)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
		p.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int64("card_id", card.ID).
			Msg("API card request failed, retrying")
	}
	return "", fmt.Errorf("api card %d failed after %d attempts: %w", card.ID, apiCardAttempts, lastErr)
}

func (p *Pipeline) apiCardOnce(ctx context.Context, cfg apiCardConfig, method string, payload []byte) (content string, retryable bool, err error) {
	callCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Second)
		defer cancel()
	}

	var body io.Reader
	if method != http.MethodGet {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, method, cfg.URL, body)
	if err != nil {
		return "", false, fmt.Errorf("failed to build api card request: %w", err)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if len(cfg.Params) > 0 {
		q := req.URL.Query()
		for k, v := range cfg.Params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("api card request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", true, fmt.Errorf("failed to read api card response: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
		return "", true, fmt.Errorf("api card responded %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("api card responded %d", resp.StatusCode)
	}
	return extractCardContent(raw)
}

// extractCardContent digs the text out of a content service response. JSON
// responses may carry it under data, content or card; anything else is used
// verbatim.
func extractCardContent(raw []byte) (string, bool, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		text := strings.TrimSpace(string(raw))
		if text == "" {
			return "", false, errors.New("api card returned empty body")
		}
		return text, false, nil
	}
	for _, key := range []string{"data", "content", "card"} {
		v, ok := doc[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t, false, nil
			}
		default:
			// Structured payloads go out as compact JSON.
			encoded, err := json.Marshal(t)
			if err == nil && len(encoded) > 0 && string(encoded) != "{}" && string(encoded) != "[]" {
				return string(encoded), false, nil
			}
		}
	}
	return "", false, errors.New("api card response has no data, content or card field")
}
