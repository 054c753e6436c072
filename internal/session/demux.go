package session

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adred-codev/goofish-agent/internal/delivery"
	"github.com/adred-codev/goofish-agent/internal/monitoring"
	"github.com/adred-codev/goofish-agent/internal/reply"
	"github.com/adred-codev/goofish-agent/internal/wire"
)

// cardMessageText is the reminder content of a card-style chat message.
const cardMessageText = "[卡片消息]"

// skipTexts are the system lines the marketplace injects into
// conversations. They carry no buyer intent and must never get a reply.
var skipTexts = map[string]struct{}{
	"[我已拍下，待付款]":       {},
	"[你关闭了订单，钱款已原路退返]": {},
	"发来一条消息":           {},
	"发来一条新消息":          {},
	"[买家确认收货，交易成功]":    {},
	"快给ta一个评价吧~":       {},
	"快给ta一个评价吧～":       {},
	"卖家人不错？送Ta闲鱼小红花":   {},
	"[你已确认收货，交易成功]":    {},
	"[你已发货]":           {},
}

// inboundChat is one decoded buyer-visible chat line.
type inboundChat struct {
	chatID     string
	senderID   string
	senderName string
	text       string
	itemID     string
	sentAt     time.Time
	doc        map[string]any
}

// handleFrame routes one inbound frame. Bare code-200 envelopes are the
// gateway acknowledging our own frames; anything else is acked back first
// and then run through the sync pipeline.
func (s *Session) handleFrame(c *liveConn, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Debug().Err(err).Msg("Discarding unparseable frame")
		monitoring.RecordFrameReceived(monitoring.FrameOther)
		return
	}

	if env.Code == 200 {
		s.noteAck()
		monitoring.RecordFrameReceived(monitoring.FrameHeartbeatAck)
		if s.state.CompareAndSwap(int32(StateRegistering), int32(StateActive)) {
			s.logger.Info().Msg("Registered with gateway")
			if err := c.enqueue(ackDiffFrame(wire.MID(), time.Now())); err != nil {
				s.logger.Warn().Err(err).Msg("Sync ack enqueue failed")
			}
		}
		s.resolvePending(c, env)
		return
	}

	// Ack before any processing so a slow handler never delays the mirror
	// ack. Ack failures are not worth a reconnect.
	headers := env.Headers
	if headers == nil {
		headers = map[string]any{}
	}
	if err := c.enqueue(ackFrame(headers)); err != nil {
		s.logger.Debug().Err(err).Msg("Ack enqueue failed")
	}

	payload, ok := firstSyncPayload(env.Body)
	if !ok {
		monitoring.RecordFrameReceived(monitoring.FrameOther)
		return
	}
	s.handleSyncPayload(payload)
}

// resolvePending completes direct sends once their create-chat round trip
// comes back carrying the conversation id.
func (s *Session) resolvePending(c *liveConn, env envelope) {
	if len(env.Body) == 0 || len(env.Headers) == 0 {
		return
	}
	mid, _ := env.Headers["mid"].(string)
	if mid == "" {
		return
	}
	s.pendingMu.Lock()
	p, ok := s.pending[mid]
	if ok {
		delete(s.pending, mid)
	}
	s.pendingMu.Unlock()
	if !ok {
		return
	}

	var body struct {
		SingleChatConversation struct {
			Cid string `json:"cid"`
		} `json:"singleChatConversation"`
	}
	if err := json.Unmarshal(env.Body, &body); err != nil || body.SingleChatConversation.Cid == "" {
		s.logger.Warn().Str("mid", mid).Msg("Create chat response carried no conversation id")
		return
	}
	chatID, _, _ := strings.Cut(body.SingleChatConversation.Cid, "@")
	if err := c.enqueue(sendTextFrame(wire.MID(), wire.UUID(), chatID, s.api.SelfID(), p.toID, p.text)); err != nil {
		s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("Direct send enqueue failed")
	}
}

// firstSyncPayload digs the base64 payload out of a sync push package.
func firstSyncPayload(body json.RawMessage) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	var parsed struct {
		SyncPushPackage struct {
			Data []struct {
				Data string `json:"data"`
			} `json:"data"`
		} `json:"syncPushPackage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false
	}
	if len(parsed.SyncPushPackage.Data) == 0 || parsed.SyncPushPackage.Data[0].Data == "" {
		return "", false
	}
	return parsed.SyncPushPackage.Data[0].Data, true
}

// handleSyncPayload decodes one pushed entry. Payloads that decode straight
// to JSON are unencrypted: either a system prompt (chatType marker) or a
// plain document. Everything else is an encrypted message.
func (s *Session) handleSyncPayload(b64 string) {
	plain, err := wire.DecodeBase64(b64)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Sync payload base64 decode failed")
		monitoring.RecordFrameReceived(monitoring.FrameOther)
		return
	}

	var doc map[string]any
	if err := json.Unmarshal(plain, &doc); err == nil {
		if _, ok := doc["chatType"]; ok {
			s.handleSystemMessage(doc)
			return
		}
		s.classify(doc)
		return
	}

	decrypted, err := wire.Decrypt(plain)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sync payload decrypt failed")
		monitoring.RecordFrameReceived(monitoring.FrameOther)
		return
	}
	if err := json.Unmarshal(decrypted, &doc); err != nil {
		s.logger.Error().Err(err).Msg("Decrypted payload is not a document")
		monitoring.RecordFrameReceived(monitoring.FrameOther)
		return
	}
	s.classify(doc)
}

// handleSystemMessage logs the marketplace's unencrypted prompts, like the
// smart-question suggestions pushed when a buyer opens a chat.
func (s *Session) handleSystemMessage(doc map[string]any) {
	monitoring.RecordFrameReceived(monitoring.FrameSystem)
	content, ok := wire.DigMap(doc, "operation", "content")
	if !ok {
		s.logger.Debug().Msg("System message without operation content")
		return
	}
	if arouse, ok := content["sessionArouse"].(map[string]any); ok {
		s.logger.Info().Msg("Smart prompt suggestions received")
		if infos, ok := arouse["arouseChatScriptInfo"].([]any); ok {
			for _, qa := range infos {
				if m, ok := qa.(map[string]any); ok {
					if script, ok := m["chatScrip"].(string); ok {
						s.logger.Info().Str("script", script).Msg("Suggested question")
					}
				}
			}
		}
		return
	}
	if _, ok := content["contentType"]; ok {
		s.logger.Debug().Interface("content", content).Msg("Unhandled system message")
	}
}

// classify routes one decrypted document: order-status lines and system
// chat literals are logged and dropped, paid-order triggers and bargain
// cards go to the delivery pipeline, everything else becomes a reply
// request.
func (s *Session) classify(doc map[string]any) {
	userID := "unknown_user"
	if raw, ok := doc["1"].(string); ok && strings.Contains(raw, "@") {
		userID = strings.SplitN(raw, "@", 2)[0]
	}
	itemID := s.extractItemID(doc, userID)

	if status, ok := wire.DigString(doc, "3", "redReminder"); ok {
		switch status {
		case "等待买家付款":
			monitoring.RecordFrameReceived(monitoring.FrameOrderStatus)
			s.logger.Info().Str("user_id", userID).Msg("Order awaiting buyer payment")
			return
		case "交易关闭":
			monitoring.RecordFrameReceived(monitoring.FrameOrderStatus)
			s.logger.Info().Str("user_id", userID).Msg("Order closed")
			return
		case "等待卖家发货":
			// The paid reminder usually arrives alongside the trigger
			// chat line, so this one keeps flowing.
			s.logger.Info().Str("user_id", userID).Msg("Order paid, awaiting shipment")
		}
	}

	msg, ok := wire.DigMap(doc, "1", "10")
	if !ok {
		monitoring.RecordFrameReceived(monitoring.FrameSync)
		s.logger.Debug().Msg("Sync document is not a chat message")
		return
	}
	text, ok := msg["reminderContent"].(string)
	if !ok {
		monitoring.RecordFrameReceived(monitoring.FrameSync)
		s.logger.Debug().Msg("Sync document is not a chat message")
		return
	}

	senderName := anyString(msg["senderNick"])
	if senderName == "" {
		senderName = anyString(msg["reminderTitle"])
	}
	if senderName == "" {
		senderName = "未知用户"
	}
	senderID := anyString(msg["senderUserId"])
	if senderID == "" {
		senderID = "unknown"
	}

	chatID := ""
	if raw, ok := doc["1"].(map[string]any); ok {
		chatID = anyString(raw["2"])
	}
	if i := strings.IndexByte(chatID, '@'); i >= 0 {
		chatID = chatID[:i]
	}

	sentAt := time.Now()
	if ms, ok := wire.DigNumber(doc, "1", "5"); ok && ms > 0 {
		sentAt = time.UnixMilli(int64(ms))
	}

	if text == cardMessageText {
		monitoring.RecordFrameReceived(monitoring.FrameCard)
	} else {
		monitoring.RecordFrameReceived(monitoring.FrameChat)
	}

	if senderID == s.api.SelfID() {
		s.logger.Info().Str("item_id", itemID).Str("text", text).Msg("Own message echoed back")
		return
	}

	chat := inboundChat{
		chatID:     chatID,
		senderID:   senderID,
		senderName: senderName,
		text:       text,
		itemID:     itemID,
		sentAt:     sentAt,
		doc:        doc,
	}

	s.logger.Info().
		Str("sender_id", senderID).
		Str("sender_name", senderName).
		Str("item_id", itemID).
		Str("text", text).
		Msg("Chat message received")

	if _, skip := skipTexts[text]; skip {
		s.logger.Info().Str("text", text).Msg("System chat line skipped")
		return
	}

	if delivery.IsTrigger(text) {
		s.dispatchDelivery(chat, false)
		return
	}

	if text == cardMessageText {
		title := delivery.CardTitle(doc)
		if title == delivery.BargainCardTitle {
			s.logger.Info().Msg("Bargain claim card received, releasing free shipping")
			s.dispatchDelivery(chat, true)
			return
		}
		// Other cards still run through the reply flow.
		s.logger.Info().Str("title", title).Msg("Card message received")
	}

	s.dispatchReply(chat)
}

// dispatchReply resolves and sends a reply off the read loop.
func (s *Session) dispatchReply(chat inboundChat) {
	if s.selector == nil {
		return
	}
	s.spawn("session.reply", func(ctx context.Context) {
		text, source := s.selector.Select(ctx, reply.Request{
			AccountID:  s.accountID,
			ChatID:     chat.chatID,
			SenderID:   chat.senderID,
			SenderName: chat.senderName,
			Text:       chat.text,
			ItemID:     chat.itemID,
			SentAt:     chat.sentAt,
		})
		if text == "" {
			s.logger.Info().Str("sender_id", chat.senderID).Msg("No reply rule matched, staying silent")
			return
		}
		if err := s.SendText(ctx, chat.chatID, chat.senderID, text); err != nil {
			s.logger.Warn().Err(err).Str("chat_id", chat.chatID).Msg("Reply send failed")
			return
		}
		s.logger.Info().
			Str("source", source).
			Str("sender_id", chat.senderID).
			Str("item_id", chat.itemID).
			Str("text", text).
			Msg("Reply sent")
	})
}

// dispatchDelivery runs the delivery pipeline off the read loop.
func (s *Session) dispatchDelivery(chat inboundChat, bargain bool) {
	if s.pipeline == nil {
		return
	}
	s.spawn("session.delivery", func(ctx context.Context) {
		trig := delivery.Trigger{
			AccountID: s.accountID,
			ChatID:    chat.chatID,
			BuyerID:   chat.senderID,
			BuyerName: chat.senderName,
			ItemID:    chat.itemID,
			Doc:       chat.doc,
			Bargain:   bargain,
		}
		if err := s.pipeline.Run(ctx, s, trig); err != nil {
			s.logger.Warn().Err(err).Str("item_id", chat.itemID).Msg("Delivery run failed")
		}
	})
}

var digitRun = regexp.MustCompile(`\d{10,}`)

// extractItemID digs the item id out of a chat document: the reminder URL
// first, then any itemId-shaped value anywhere in the tree, then a
// synthetic placeholder that downstream code never persists.
func (s *Session) extractItemID(doc map[string]any, userID string) string {
	if u, ok := wire.DigString(doc, "1", "10", "reminderUrl"); ok {
		if _, after, found := strings.Cut(u, "itemId="); found {
			id := after
			if i := strings.IndexByte(id, '&'); i >= 0 {
				id = id[:i]
			}
			if id != "" {
				return id
			}
		}
	}
	if id := findItemID(doc); id != "" {
		return id
	}
	id := fmt.Sprintf("auto_%s_%d", userID, time.Now().Unix())
	s.logger.Debug().Str("item_id", id).Msg("No item id in message, using placeholder")
	return id
}

// findItemID walks the tree for itemId-shaped keys, falling back to any
// 10+ digit run inside string values.
func findItemID(v any) string {
	switch t := v.(type) {
	case map[string]any:
		for _, key := range []string{"itemId", "item_id", "id"} {
			if raw, ok := t[key]; ok {
				id := anyString(raw)
				if len(id) >= 10 && isDigits(id) {
					return id
				}
			}
		}
		for _, e := range t {
			if id := findItemID(e); id != "" {
				return id
			}
		}
	case []any:
		for _, e := range t {
			if id := findItemID(e); id != "" {
				return id
			}
		}
	case string:
		if m := digitRun.FindString(t); m != "" {
			return m
		}
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// anyString renders the loosely-typed document values that can arrive as
// either strings or numbers.
func anyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case int:
		return strconv.Itoa(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
