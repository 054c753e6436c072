package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/goofish-agent/internal/mtop"
	"github.com/adred-codev/goofish-agent/internal/notify"
	"github.com/adred-codev/goofish-agent/internal/store"
)

type fakeMarket struct {
	mu          sync.Mutex
	detail      *mtop.ItemDetail
	detailErr   error
	confirmErr  error
	confirmed   []string
	freeShipped []string
}

func (f *fakeMarket) ItemDetail(context.Context, string) (*mtop.ItemDetail, error) {
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	return f.detail, nil
}

func (f *fakeMarket) ConfirmShip(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmed = append(f.confirmed, orderID)
	return nil
}

func (f *fakeMarket) FreeShipping(_ context.Context, orderID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freeShipped = append(f.freeShipped, orderID)
	return nil
}

type sentMsg struct{ chatID, toID, text string }

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
}

func (f *fakeSender) SendText(_ context.Context, chatID, toUserID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMsg{chatID, toUserID, text})
	return nil
}

type fakeOrders struct {
	specName, specValue string
	err                 error
}

func (f *fakeOrders) Fetch(context.Context, string) (string, string, error) {
	return f.specName, f.specValue, f.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SaveCookie(context.Background(), "acc1", "unb=2208011111111; cookie2=x", "U1"))
	return st
}

func seedTextRule(t *testing.T, st *store.Store, keyword, text string) int64 {
	t.Helper()
	cardID, err := st.CreateCard(context.Background(), &store.Card{
		OwnerUserID: "U1", Name: "码卡-" + keyword, Type: store.CardTypeText,
		TextContent: text, Enabled: true,
	})
	require.NoError(t, err)
	ruleID, err := st.CreateDeliveryRule(context.Background(), "U1", keyword, cardID)
	require.NoError(t, err)
	return ruleID
}

// paidDoc builds a decrypted message doc whose embedded card carries the
// given button target URL.
func paidDoc(t *testing.T, buttonURL string) map[string]any {
	t.Helper()
	content := map[string]any{
		"dxCard": map[string]any{"item": map[string]any{"main": map[string]any{
			"exContent": map[string]any{"button": map[string]any{"targetUrl": buttonURL}},
		}}},
	}
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return map[string]any{"1": map[string]any{"6": map[string]any{"3": map[string]any{"5": string(raw)}}}}
}

func mainURLDoc(t *testing.T, mainURL string) map[string]any {
	t.Helper()
	content := map[string]any{
		"dxCard": map[string]any{"item": map[string]any{"main": map[string]any{"targetUrl": mainURL}}},
	}
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return map[string]any{"1": map[string]any{"6": map[string]any{"3": map[string]any{"5": string(raw)}}}}
}

func testTrigger(doc map[string]any) Trigger {
	return Trigger{
		AccountID: "acc1",
		ChatID:    "chat42",
		BuyerID:   "220922222222",
		BuyerName: "小王",
		ItemID:    "876543210001",
		Doc:       doc,
	}
}

func TestExtractOrderID(t *testing.T) {
	doc := paidDoc(t, "fleamarket://order?orderId=2718281828")
	assert.Equal(t, "2718281828", ExtractOrderID(doc))

	doc = mainURLDoc(t, "https://www.goofish.com/order_detail?id=3141592653&from=card")
	assert.Equal(t, "3141592653", ExtractOrderID(doc))

	content := map[string]any{
		"dynamicOperation": map[string]any{"changeContent": map[string]any{
			"dxCard": map[string]any{"item": map[string]any{"main": map[string]any{
				"exContent": map[string]any{"button": map[string]any{"targetUrl": "https://m.goofish.com/order_detail?id=1618033988"}},
			}}},
		}},
	}
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	doc = map[string]any{"1": map[string]any{"6": map[string]any{"3": map[string]any{"5": string(raw)}}}}
	assert.Equal(t, "1618033988", ExtractOrderID(doc))

	assert.Equal(t, "", ExtractOrderID(map[string]any{"1": map[string]any{}}))
	assert.Equal(t, "", ExtractOrderID(paidDoc(t, "https://www.goofish.com/item?id=notanorder")))
}

func TestIsTrigger(t *testing.T) {
	for _, text := range []string{"[我已付款，等待你发货]", "[已付款，待发货]", "我已付款，等待你发货", "[记得及时发货]"} {
		assert.True(t, IsTrigger(text), text)
	}
	for _, text := range []string{"[我已拍下，待付款]", "你好", "发货", "[你已发货]"} {
		assert.False(t, IsTrigger(text), text)
	}
}

func TestRunDeliversTextCard(t *testing.T) {
	st := newTestStore(t)
	seedTextRule(t, st, "机械键盘", "卡密:ABCD-1234")
	market := &fakeMarket{detail: &mtop.ItemDetail{Title: "机械键盘", ShareContent: "机械键盘 红轴 全新"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{}, zerolog.Nop())

	trig := testTrigger(paidDoc(t, "fleamarket://order?orderId=9001"))
	require.NoError(t, p.Run(context.Background(), sender, trig))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "chat42", sender.sent[0].chatID)
	assert.Equal(t, "220922222222", sender.sent[0].toID)
	assert.Equal(t, "卡密:ABCD-1234", sender.sent[0].text)

	// Auto confirm defaults on for new accounts.
	assert.Equal(t, []string{"9001"}, market.confirmed)

	rules, err := st.DeliveryRulesByKeyword(context.Background(), "U1", "机械键盘 红轴 全新")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.EqualValues(t, 1, rules[0].DeliveryCount)

	// Fresh detail data was cached for later fallback matching.
	it, err := st.GetItemInfo(context.Background(), "acc1", "876543210001")
	require.NoError(t, err)
	assert.Equal(t, "机械键盘 红轴 全新", it.Detail)
}

func TestRunCooldownBlocksRepeat(t *testing.T) {
	st := newTestStore(t)
	seedTextRule(t, st, "键盘", "CODE")
	market := &fakeMarket{detail: &mtop.ItemDetail{ShareContent: "机械键盘"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{}, zerolog.Nop())

	trig := testTrigger(paidDoc(t, "x://o?orderId=9002"))
	require.NoError(t, p.Run(context.Background(), sender, trig))
	require.ErrorIs(t, p.Run(context.Background(), sender, trig), ErrCooldown)
	assert.Len(t, sender.sent, 1)
	assert.Len(t, market.confirmed, 1, "confirm must not repeat either")

	// An aged-out ledger entry allows delivery again.
	p.mu.Lock()
	p.delivered["9002"] = time.Now().Add(-11 * time.Minute)
	p.confirmed["9002"] = time.Now().Add(-11 * time.Minute)
	p.mu.Unlock()
	require.NoError(t, p.Run(context.Background(), sender, trig))
	assert.Len(t, sender.sent, 2)
}

func TestRunWithoutOrderIDWithholdsContent(t *testing.T) {
	st := newTestStore(t)
	seedTextRule(t, st, "键盘", "CODE")
	market := &fakeMarket{detail: &mtop.ItemDetail{ShareContent: "机械键盘"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{}, zerolog.Nop())

	trig := testTrigger(map[string]any{"1": map[string]any{}})
	require.ErrorIs(t, p.Run(context.Background(), sender, trig), ErrNoOrderID)
	assert.Empty(t, sender.sent)
	assert.Empty(t, market.confirmed, "no order to confirm")

	// A later trigger with the order id must still deliver: the failed
	// attempt must not poison any ledger.
	require.NoError(t, p.Run(context.Background(), sender, testTrigger(paidDoc(t, "x://o?orderId=9003"))))
	assert.Len(t, sender.sent, 1)
}

func TestRunNoRuleNotifies(t *testing.T) {
	st := newTestStore(t)
	capture := &captureSender{}
	notifier := notify.New(&staticChannels{}, zerolog.Nop())
	notifier.Register("test", capture)

	market := &fakeMarket{detail: &mtop.ItemDetail{ShareContent: "没有规则的商品"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, notifier, Options{}, zerolog.Nop())

	err := p.Run(context.Background(), sender, testTrigger(paidDoc(t, "x://o?orderId=9004")))
	require.ErrorIs(t, err, ErrNoRule)
	assert.Empty(t, sender.sent)
	require.Len(t, capture.events, 1)
	assert.Equal(t, notify.KindDelivery, capture.events[0].Kind)
	assert.Contains(t, capture.events[0].Text, "未找到匹配的发货规则")
}

func TestRunSearchTextFallsBackToStoredItem(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SaveItemInfo(context.Background(), store.Item{
		AccountID: "acc1", ItemID: "876543210001", Title: "老键盘", Detail: "青轴 95新",
	}))
	seedTextRule(t, st, "青轴", "CODE-QING")
	market := &fakeMarket{detailErr: fmt.Errorf("detail api down")}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{}, zerolog.Nop())

	require.NoError(t, p.Run(context.Background(), sender, testTrigger(paidDoc(t, "x://o?orderId=9005"))))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "CODE-QING", sender.sent[0].text)
}

func TestRunDataCardConsumesFIFO(t *testing.T) {
	st := newTestStore(t)
	cardID, err := st.CreateCard(context.Background(), &store.Card{
		OwnerUserID: "U1", Name: "激活码批次", Type: store.CardTypeData,
		DataContent: "CODE-1\nCODE-2", Enabled: true,
	})
	require.NoError(t, err)
	_, err = st.CreateDeliveryRule(context.Background(), "U1", "键盘", cardID)
	require.NoError(t, err)

	market := &fakeMarket{detail: &mtop.ItemDetail{ShareContent: "机械键盘"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{}, zerolog.Nop())

	require.NoError(t, p.Run(context.Background(), sender, testTrigger(paidDoc(t, "x://o?orderId=1"))))
	require.NoError(t, p.Run(context.Background(), sender, testTrigger(paidDoc(t, "x://o?orderId=2"))))
	require.Len(t, sender.sent, 2)
	assert.Equal(t, "CODE-1", sender.sent[0].text)
	assert.Equal(t, "CODE-2", sender.sent[1].text)

	// Exhausted batch means no content, not a crash.
	err = p.Run(context.Background(), sender, testTrigger(paidDoc(t, "x://o?orderId=3")))
	require.ErrorIs(t, err, ErrNoContent)
	assert.Len(t, sender.sent, 2)
}

func TestRunAPICardRetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "9006", payload["order_id"])
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"data":"API-CODE-77"}`)
	}))
	defer srv.Close()

	st := newTestStore(t)
	cardID, err := st.CreateCard(context.Background(), &store.Card{
		OwnerUserID: "U1", Name: "接口卡", Type: store.CardTypeAPI,
		APIConfig: fmt.Sprintf(`{"url":%q}`, srv.URL), Enabled: true,
	})
	require.NoError(t, err)
	_, err = st.CreateDeliveryRule(context.Background(), "U1", "键盘", cardID)
	require.NoError(t, err)

	market := &fakeMarket{detail: &mtop.ItemDetail{ShareContent: "机械键盘"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{}, zerolog.Nop())

	require.NoError(t, p.Run(context.Background(), sender, testTrigger(paidDoc(t, "x://o?orderId=9006"))))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "API-CODE-77", sender.sent[0].text)
	assert.Equal(t, 2, attempts)
}

func TestRunAPICardDoesNotRetryClientErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	st := newTestStore(t)
	cardID, err := st.CreateCard(context.Background(), &store.Card{
		OwnerUserID: "U1", Name: "接口卡", Type: store.CardTypeAPI,
		APIConfig: fmt.Sprintf(`{"url":%q}`, srv.URL), Enabled: true,
	})
	require.NoError(t, err)
	_, err = st.CreateDeliveryRule(context.Background(), "U1", "键盘", cardID)
	require.NoError(t, err)

	market := &fakeMarket{detail: &mtop.ItemDetail{ShareContent: "机械键盘"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{}, zerolog.Nop())

	require.ErrorIs(t, p.Run(context.Background(), sender, testTrigger(paidDoc(t, "x://o?orderId=9007"))), ErrNoContent)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sender.sent)
}

func TestRunDescriptionWrapsContent(t *testing.T) {
	st := newTestStore(t)
	cardID, err := st.CreateCard(context.Background(), &store.Card{
		OwnerUserID: "U1", Name: "带说明的卡", Type: store.CardTypeText,
		TextContent: "XYZ-999", Description: "您的卡密：{DELIVERY_CONTENT}，请勿外泄", Enabled: true,
	})
	require.NoError(t, err)
	_, err = st.CreateDeliveryRule(context.Background(), "U1", "键盘", cardID)
	require.NoError(t, err)

	market := &fakeMarket{detail: &mtop.ItemDetail{ShareContent: "机械键盘"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{}, zerolog.Nop())

	require.NoError(t, p.Run(context.Background(), sender, testTrigger(paidDoc(t, "x://o?orderId=9008"))))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "您的卡密：XYZ-999，请勿外泄", sender.sent[0].text)
}

func TestRunDescriptionWithoutPlaceholderPrefixes(t *testing.T) {
	st := newTestStore(t)
	cardID, err := st.CreateCard(context.Background(), &store.Card{
		OwnerUserID: "U1", Name: "说明前缀卡", Type: store.CardTypeText,
		TextContent: "XYZ-999", Description: "发货须知：激活后不退不换", Enabled: true,
	})
	require.NoError(t, err)
	_, err = st.CreateDeliveryRule(context.Background(), "U1", "键盘", cardID)
	require.NoError(t, err)

	market := &fakeMarket{detail: &mtop.ItemDetail{ShareContent: "机械键盘"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{}, zerolog.Nop())

	require.NoError(t, p.Run(context.Background(), sender, testTrigger(paidDoc(t, "x://o?orderId=9012"))))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "发货须知：激活后不退不换\n\nXYZ-999", sender.sent[0].text)
}

func TestRunMultiSpecPrefersSpecRule(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveItemInfo(ctx, store.Item{AccountID: "acc1", ItemID: "876543210001", Title: "机械键盘"}))
	require.NoError(t, st.SetItemMultiSpec(ctx, "acc1", "876543210001", true))

	specCard, err := st.CreateCard(ctx, &store.Card{
		OwnerUserID: "U1", Name: "红轴卡", Type: store.CardTypeText, TextContent: "RED-CODE",
		IsMultiSpec: true, SpecName: "轴体", SpecValue: "红轴", Enabled: true,
	})
	require.NoError(t, err)
	_, err = st.CreateDeliveryRule(ctx, "U1", "键盘", specCard)
	require.NoError(t, err)
	seedTextRule(t, st, "键盘", "GENERIC-CODE")

	market := &fakeMarket{detail: &mtop.ItemDetail{ShareContent: "机械键盘"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{Orders: &fakeOrders{specName: "轴体", specValue: "红轴"}}, zerolog.Nop())

	require.NoError(t, p.Run(ctx, sender, testTrigger(paidDoc(t, "x://o?orderId=9009"))))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "RED-CODE", sender.sent[0].text)
}

func TestRunMultiSpecFallsBackToGeneric(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveItemInfo(ctx, store.Item{AccountID: "acc1", ItemID: "876543210001", Title: "机械键盘"}))
	require.NoError(t, st.SetItemMultiSpec(ctx, "acc1", "876543210001", true))
	seedTextRule(t, st, "键盘", "GENERIC-CODE")

	market := &fakeMarket{detail: &mtop.ItemDetail{ShareContent: "机械键盘"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{Orders: &fakeOrders{specName: "轴体", specValue: "茶轴"}}, zerolog.Nop())

	require.NoError(t, p.Run(ctx, sender, testTrigger(paidDoc(t, "x://o?orderId=9010"))))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "GENERIC-CODE", sender.sent[0].text)
}

func TestRunBargainReleasesFreeShippingFirst(t *testing.T) {
	st := newTestStore(t)
	seedTextRule(t, st, "键盘", "CODE")
	market := &fakeMarket{detail: &mtop.ItemDetail{ShareContent: "机械键盘"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{BargainDelay: time.Millisecond}, zerolog.Nop())

	trig := testTrigger(paidDoc(t, "x://o?orderId=9011"))
	trig.Bargain = true
	require.NoError(t, p.Run(context.Background(), sender, trig))
	assert.Equal(t, []string{"9011"}, market.freeShipped)
	require.Len(t, sender.sent, 1)

	// A bargain card without an order id goes nowhere.
	noOrder := testTrigger(map[string]any{"1": map[string]any{}})
	noOrder.Bargain = true
	require.ErrorIs(t, p.Run(context.Background(), sender, noOrder), ErrNoOrderID)
	assert.Len(t, market.freeShipped, 1)
	assert.Len(t, sender.sent, 1)
}

func TestRunAutoConfirmRespectsAccountFlag(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SetAutoConfirm(context.Background(), "acc1", false))
	seedTextRule(t, st, "键盘", "CODE")
	market := &fakeMarket{detail: &mtop.ItemDetail{ShareContent: "机械键盘"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{}, zerolog.Nop())

	require.NoError(t, p.Run(context.Background(), sender, testTrigger(paidDoc(t, "x://o?orderId=9012"))))
	assert.Empty(t, market.confirmed)
	assert.Len(t, sender.sent, 1, "delivery still happens without confirm")
}

func TestRunSyntheticItemNeverCached(t *testing.T) {
	st := newTestStore(t)
	seedTextRule(t, st, "自动", "CODE")
	market := &fakeMarket{detail: &mtop.ItemDetail{Title: "x", ShareContent: "自动识别商品"}}
	sender := &fakeSender{}
	p := NewPipeline(st, market, nil, Options{}, zerolog.Nop())

	trig := testTrigger(paidDoc(t, "x://o?orderId=9013"))
	trig.ItemID = "auto_220922222222_1700000000"
	require.NoError(t, p.Run(context.Background(), sender, trig))

	_, err := st.GetItemInfo(context.Background(), "acc1", "auto_220922222222_1700000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type staticChannels struct{}

func (staticChannels) EnabledChannelsForAccount(context.Context, string) ([]store.Channel, error) {
	return []store.Channel{{ID: 1, Name: "test", Type: "test", Enabled: true}}, nil
}

type captureSender struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureSender) Send(_ context.Context, _ string, ev notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}
