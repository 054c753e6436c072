// Package reply picks the outgoing text for an inbound chat message. The
// sources are consulted in a fixed order: external reply API, then keyword
// rules scoped to the product, then account-global keyword rules, then the
// AI engine, then the account's default reply. The first source that yields
// text wins; if none do, the message goes unanswered.
package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/goofish-agent/internal/monitoring"
	"github.com/adred-codev/goofish-agent/internal/notify"
	"github.com/adred-codev/goofish-agent/internal/store"
)

// Request is one inbound chat message to answer.
type Request struct {
	AccountID  string
	ChatID     string
	SenderID   string
	SenderName string
	Text       string
	ItemID     string
	SentAt     time.Time
}

// RuleStore is the slice of the store the selector reads.
type RuleStore interface {
	KeywordsWithItem(ctx context.Context, accountID string) ([]store.Keyword, error)
	AISettings(ctx context.Context, accountID string) (*store.AISettings, error)
	DefaultReply(ctx context.Context, accountID string) (*store.DefaultReply, error)
}

// AIEngine generates a reply when rule-based sources come up empty.
// Implementations are free to ignore requests by returning "".
type AIEngine interface {
	Generate(ctx context.Context, req AIRequest) (string, error)
}

// AIRequest carries the chat context plus the account's AI settings.
type AIRequest struct {
	AccountID string
	ChatID    string
	UserID    string
	ItemID    string
	Text      string
	Settings  store.AISettings
}

// AIFunc adapts a function to AIEngine.
type AIFunc func(ctx context.Context, req AIRequest) (string, error)

func (f AIFunc) Generate(ctx context.Context, req AIRequest) (string, error) { return f(ctx, req) }

// Config wires a Selector. APIURL empty disables the external source.
type Config struct {
	APIEnabled bool
	APIURL     string
	APITimeout time.Duration
}

// Selector resolves replies for one account's sessions. It is safe for
// concurrent use.
type Selector struct {
	store    RuleStore
	ai       AIEngine
	notifier *notify.Notifier
	httpc    *http.Client
	cfg      Config
	logger   zerolog.Logger
}

func NewSelector(st RuleStore, ai AIEngine, notifier *notify.Notifier, cfg Config, logger zerolog.Logger) *Selector {
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = 10 * time.Second
	}
	return &Selector{
		store:    st,
		ai:       ai,
		notifier: notifier,
		httpc:    &http.Client{Timeout: cfg.APITimeout},
		cfg:      cfg,
		logger:   logger.With().Str("component", "reply").Logger(),
	}
}

// Select notifies the account's channels about the inbound message and
// returns the reply text plus the source that produced it. Empty text with
// source "none" means stay silent.
func (s *Selector) Select(ctx context.Context, req Request) (string, string) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, notify.Event{
			AccountID: req.AccountID,
			Kind:      notify.KindMessage,
			Buyer:     req.SenderName,
			BuyerID:   req.SenderID,
			ItemID:    req.ItemID,
			Text:      req.Text,
			Time:      req.SentAt,
		})
	}

	if s.cfg.APIEnabled && s.cfg.APIURL != "" {
		if msg, err := s.apiReply(ctx, req); err != nil {
			s.logger.Warn().Err(err).Str("account_id", req.AccountID).Msg("Reply API failed, falling back to keyword rules")
		} else if msg != "" {
			monitoring.RecordReply(monitoring.ReplySourceAPI)
			return msg, monitoring.ReplySourceAPI
		}
	}

	if msg, source := s.keywordReply(ctx, req); msg != "" {
		monitoring.RecordReply(source)
		return msg, source
	}

	if msg := s.aiReply(ctx, req); msg != "" {
		monitoring.RecordReply(monitoring.ReplySourceAI)
		return msg, monitoring.ReplySourceAI
	}

	if msg := s.defaultReply(ctx, req); msg != "" {
		monitoring.RecordReply(monitoring.ReplySourceDefault)
		return msg, monitoring.ReplySourceDefault
	}

	monitoring.RecordReply(monitoring.ReplySourceNone)
	return "", monitoring.ReplySourceNone
}

// keywordReply scans the account's rules, product-scoped ones first. Rules
// arrive longest keyword first so the most specific substring wins.
func (s *Selector) keywordReply(ctx context.Context, req Request) (string, string) {
	rules, err := s.store.KeywordsWithItem(ctx, req.AccountID)
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", req.AccountID).Msg("Failed to load keyword rules")
		return "", ""
	}
	if req.ItemID != "" {
		for _, kw := range rules {
			if kw.ItemID == req.ItemID && strings.Contains(req.Text, kw.Keyword) {
				return Interpolate(kw.Reply, req), monitoring.ReplySourceItem
			}
		}
	}
	for _, kw := range rules {
		if kw.ItemID == "" && strings.Contains(req.Text, kw.Keyword) {
			return Interpolate(kw.Reply, req), monitoring.ReplySourceKeyword
		}
	}
	return "", ""
}

func (s *Selector) aiReply(ctx context.Context, req Request) string {
	if s.ai == nil {
		return ""
	}
	settings, err := s.store.AISettings(ctx, req.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return ""
	}
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", req.AccountID).Msg("Failed to load AI settings")
		return ""
	}
	if settings == nil || !settings.Enabled {
		return ""
	}
	msg, err := s.ai.Generate(ctx, AIRequest{
		AccountID: req.AccountID,
		ChatID:    req.ChatID,
		UserID:    req.SenderID,
		ItemID:    req.ItemID,
		Text:      req.Text,
		Settings:  *settings,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("account_id", req.AccountID).Msg("AI reply failed")
		return ""
	}
	return msg
}

func (s *Selector) defaultReply(ctx context.Context, req Request) string {
	dr, err := s.store.DefaultReply(ctx, req.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return ""
	}
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", req.AccountID).Msg("Failed to load default reply")
		return ""
	}
	if dr == nil || !dr.Enabled || dr.Content == "" {
		return ""
	}
	return Interpolate(dr.Content, req)
}

// replyAPIResponse is the contract of the external reply service. code may
// arrive as a number or a string.
type replyAPIResponse struct {
	Code json.Number `json:"code"`
	Data struct {
		SendMsg string `json:"send_msg"`
	} `json:"data"`
}

func (s *Selector) apiReply(ctx context.Context, req Request) (string, error) {
	payload := map[string]string{
		"cookie_id":      req.AccountID,
		"msg_time":       req.SentAt.Format("2006-01-02 15:04:05"),
		"user_url":       "https://www.goofish.com/personal?userId=" + req.SenderID,
		"send_user_id":   req.SenderID,
		"send_user_name": req.SenderName,
		"item_id":        req.ItemID,
		"send_message":   req.Text,
		"chat_id":        req.ChatID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal reply API payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build reply API request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("reply API request failed: %w", err)
	}
	defer resp.Body.Close()

	var out replyAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode reply API response: %w", err)
	}
	if out.Code.String() != "200" {
		return "", nil
	}
	if out.Data.SendMsg == "" {
		return "", nil
	}
	return Interpolate(out.Data.SendMsg, req), nil
}

// Interpolate fills the reply template placeholders from the request.
// Unknown braces are left alone so a malformed template degrades to its
// literal text instead of erroring out.
func Interpolate(template string, req Request) string {
	return strings.NewReplacer(
		"{send_user_id}", req.SenderID,
		"{send_user_name}", req.SenderName,
		"{send_message}", req.Text,
	).Replace(template)
}
