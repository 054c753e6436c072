package delivery

import (
	"encoding/json"
	"regexp"

	"github.com/adred-codev/goofish-agent/internal/wire"
)

// Paid-order trigger texts. Any of these in a chat message means the buyer
// has paid and delivery should start.
var triggerTexts = []string{
	"[我已付款，等待你发货]",
	"[已付款，待发货]",
	"我已付款，等待你发货",
	"[记得及时发货]",
}

// BargainCardTitle marks the bargain-claimed card that needs a free
// shipping release before the normal delivery flow.
const BargainCardTitle = "我已小刀，待刀成"

// IsTrigger reports whether a chat text is a paid-order trigger.
func IsTrigger(text string) bool {
	for _, t := range triggerTexts {
		if text == t {
			return true
		}
	}
	return false
}

var (
	reOrderIDParam = regexp.MustCompile(`orderId=(\d+)`)
	reOrderDetail  = regexp.MustCompile(`order_detail\?id=(\d+)`)
)

// cardContent pulls the embedded card JSON out of a decrypted message doc.
// The card rides as a JSON string at message.1.6.3.5.
func cardContent(doc map[string]any) map[string]any {
	raw, ok := wire.DigString(doc, "1", "6", "3", "5")
	if !ok || raw == "" {
		return nil
	}
	var content map[string]any
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		return nil
	}
	return content
}

// ExtractOrderID digs the order id out of a chat message's embedded card.
// Three URL shapes are tried in order: the card button's orderId parameter,
// the card main target's order_detail id, and the same under a pending
// dynamicOperation change.
func ExtractOrderID(doc map[string]any) string {
	content := cardContent(doc)
	if content == nil {
		return ""
	}
	if url, ok := wire.DigString(content, "dxCard", "item", "main", "exContent", "button", "targetUrl"); ok {
		if m := reOrderIDParam.FindStringSubmatch(url); m != nil {
			return m[1]
		}
		if m := reOrderDetail.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	if url, ok := wire.DigString(content, "dxCard", "item", "main", "targetUrl"); ok {
		if m := reOrderDetail.FindStringSubmatch(url); m != nil {
			return m[1]
		}
		if m := reOrderIDParam.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	if url, ok := wire.DigString(content, "dynamicOperation", "changeContent", "dxCard", "item", "main", "exContent", "button", "targetUrl"); ok {
		if m := reOrderDetail.FindStringSubmatch(url); m != nil {
			return m[1]
		}
		if m := reOrderIDParam.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	return ""
}

// CardTitle returns the embedded card's display title, e.g. the bargain
// claimed marker.
func CardTitle(doc map[string]any) string {
	content := cardContent(doc)
	if content == nil {
		return ""
	}
	title, _ := wire.DigString(content, "dxCard", "item", "main", "exContent", "title")
	return title
}
