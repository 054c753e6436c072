package mtop

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/adred-codev/goofish-agent/internal/store"
	"github.com/adred-codev/goofish-agent/internal/wire"
)

// Gateway API names used by the agent.
const (
	APILoginToken   = "mtop.taobao.idlemessage.pc.login.token"
	APIItemDetail   = "mtop.taobao.idle.pc.detail"
	APIItemList     = "mtop.idle.web.xyh.item.list"
	APIConfirmShip  = "mtop.taobao.idle.trade.confirm.send"
	APIFreeShipping = "mtop.taobao.idle.recycle.free.shipping"
)

// ItemDetail is the slice of the product detail response the agent uses.
// ShareContent is the seller-facing share text, the best search key for
// delivery rules when present.
type ItemDetail struct {
	ItemID       string
	Title        string
	Price        string
	Desc         string
	ShareContent string
}

// ItemDetail fetches one product's detail page data.
func (c *Client) ItemDetail(ctx context.Context, itemID string) (*ItemDetail, error) {
	res, err := c.Call(ctx, APIItemDetail, "1.0", map[string]string{"itemId": itemID})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, fmt.Errorf("item detail for %s failed: %s", itemID, res.RetMessage())
	}
	var body map[string]any
	if err := json.Unmarshal(res.Data, &body); err != nil {
		return nil, fmt.Errorf("failed to decode item detail for %s: %w", itemID, err)
	}
	itemDO, ok := wire.DigMap(body, "itemDO")
	if !ok {
		return nil, fmt.Errorf("item detail for %s missing itemDO", itemID)
	}
	title, _ := wire.DigString(itemDO, "title")
	desc, _ := wire.DigString(itemDO, "desc")
	d := &ItemDetail{
		ItemID: itemID,
		Title:  title,
		Desc:   desc,
		Price:  numberOrString(itemDO["soldPrice"]),
	}
	if shareJSON, ok := wire.DigString(itemDO, "shareData", "shareInfoJsonString"); ok && shareJSON != "" {
		var share map[string]any
		if err := json.Unmarshal([]byte(shareJSON), &share); err == nil {
			d.ShareContent, _ = wire.DigString(share, "contentParams", "mainParams", "content")
		}
	}
	return d, nil
}

// ItemList fetches one page of the account's on-sale listings. The returned
// count equals the page length, so a short page means the sweep is done.
func (c *Client) ItemList(ctx context.Context, page, pageSize int) ([]store.Item, error) {
	data := map[string]any{
		"needGroupInfo": false,
		"pageNumber":    page,
		"pageSize":      pageSize,
		"groupName":     "在售",
		"groupId":       "58877261",
		"defaultGroup":  true,
		"userId":        c.selfID,
	}
	res, err := c.Call(ctx, APIItemList, "1.0", data)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, fmt.Errorf("item list page %d failed: %s", page, res.RetMessage())
	}
	var body struct {
		CardList []struct {
			CardData struct {
				ID        json.Number `json:"id"`
				Title     string      `json:"title"`
				PriceInfo struct {
					Price string `json:"price"`
				} `json:"priceInfo"`
			} `json:"cardData"`
		} `json:"cardList"`
	}
	if err := json.Unmarshal(res.Data, &body); err != nil {
		return nil, fmt.Errorf("failed to decode item list page %d: %w", page, err)
	}
	items := make([]store.Item, 0, len(body.CardList))
	for _, card := range body.CardList {
		id := card.CardData.ID.String()
		if id == "" {
			continue
		}
		items = append(items, store.Item{
			AccountID: c.accountID,
			ItemID:    id,
			Title:     card.CardData.Title,
			Price:     card.CardData.PriceInfo.Price,
		})
	}
	return items, nil
}

// ConfirmShip marks an order shipped.
func (c *Client) ConfirmShip(ctx context.Context, orderID string) error {
	res, err := c.Call(ctx, APIConfirmShip, "1.0", map[string]string{"orderId": orderID})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("confirm ship for order %s failed: %s", orderID, res.RetMessage())
	}
	return nil
}

// FreeShipping releases a bargain-held order so delivery can proceed.
func (c *Client) FreeShipping(ctx context.Context, orderID, itemID, buyerID string) error {
	data := map[string]string{
		"orderId": orderID,
		"itemId":  itemID,
		"buyerId": buyerID,
	}
	res, err := c.Call(ctx, APIFreeShipping, "1.0", data)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("free shipping for order %s failed: %s", orderID, res.RetMessage())
	}
	return nil
}

// numberOrString renders a JSON number or string field as text.
func numberOrString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
