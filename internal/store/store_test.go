package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveCookiePreservesOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCookie(ctx, "acc1", "unb=111; _m_h5_tk=tok_1", "111"))

	// Arbitrary refreshes without an owner argument must not touch it.
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveCookie(ctx, "acc1", fmt.Sprintf("unb=111; _m_h5_tk=tok_%d", i), ""))
	}

	a, err := s.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	assert.Equal(t, "111", a.OwnerUserID)
	assert.Equal(t, "unb=111; _m_h5_tk=tok_4", a.Cookies)
	assert.True(t, a.Enabled)
	assert.True(t, a.AutoConfirm)

	// An explicit owner still wins.
	require.NoError(t, s.SaveCookie(ctx, "acc1", "unb=222", "222"))
	a, err = s.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	assert.Equal(t, "222", a.OwnerUserID)
}

func TestAccountLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCookie(ctx, "acc1", "unb=1", "1"))
	require.NoError(t, s.SaveCookie(ctx, "acc2", "unb=2", "2"))
	require.NoError(t, s.SetEnabled(ctx, "acc2", false))

	all, err := s.ListAccounts(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := s.ListAccounts(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "acc1", enabled[0].ID)

	require.NoError(t, s.SetAutoConfirm(ctx, "acc1", false))
	a, err := s.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	assert.False(t, a.AutoConfirm)

	assert.ErrorIs(t, s.SetEnabled(ctx, "ghost", true), ErrNotFound)

	require.NoError(t, s.DeleteAccount(ctx, "acc1"))
	_, err = s.GetAccount(ctx, "acc1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeywordsOrderedByLength(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveKeywords(ctx, "acc1", []Keyword{
		{Keyword: "发货", Reply: "请稍等"},
		{Keyword: "什么时候发货", Reply: "24小时内", ItemID: "77001"},
		{Keyword: "退款", Reply: "联系客服"},
	}))

	list, err := s.KeywordsWithItem(ctx, "acc1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "什么时候发货", list[0].Keyword)
	assert.Equal(t, "77001", list[0].ItemID)

	// Replacing the set drops rules that are gone.
	require.NoError(t, s.SaveKeywords(ctx, "acc1", []Keyword{{Keyword: "发货", Reply: "马上"}}))
	list, err = s.KeywordsWithItem(ctx, "acc1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "马上", list[0].Reply)
}

func TestKeywordCompositeUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Same keyword may exist once globally and once per product.
	require.NoError(t, s.SaveKeywords(ctx, "acc1", []Keyword{
		{Keyword: "发货", Reply: "a"},
		{Keyword: "发货", Reply: "b", ItemID: "77001"},
	}))

	err := s.SaveKeywords(ctx, "acc1", []Keyword{
		{Keyword: "发货", Reply: "a"},
		{Keyword: "发货", Reply: "b"},
	})
	assert.Error(t, err)
}

func seedRule(t *testing.T, s *Store, owner, keyword string, card Card) (ruleID, cardID int64) {
	t.Helper()
	ctx := context.Background()
	card.OwnerUserID = owner
	card.Enabled = true
	if card.Name == "" {
		card.Name = keyword
	}
	cardID, err := s.CreateCard(ctx, &card)
	require.NoError(t, err)
	ruleID, err = s.CreateDeliveryRule(ctx, owner, keyword, cardID)
	require.NoError(t, err)
	return ruleID, cardID
}

func TestDeliveryRulesByKeywordOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRule(t, s, "111", "iPhone", Card{Type: CardTypeText, TextContent: "generic"})
	seedRule(t, s, "111", "iPhone 15 Pro", Card{Type: CardTypeText, TextContent: "specific"})
	seedRule(t, s, "999", "iPhone", Card{Type: CardTypeText, TextContent: "other owner"})

	rules, err := s.DeliveryRulesByKeyword(ctx, "111", "全新 iPhone 15 Pro Max 256G 可刀")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "iPhone 15 Pro", rules[0].Keyword)
	assert.Equal(t, "specific", rules[0].Card.TextContent)
	assert.Equal(t, "iPhone", rules[1].Keyword)

	rules, err = s.DeliveryRulesByKeyword(ctx, "111", "MacBook Air")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestDeliveryRulesBySpec(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRule(t, s, "111", "iPhone", Card{Type: CardTypeText, TextContent: "generic"})
	seedRule(t, s, "111", "iPhone", Card{
		Type: CardTypeText, TextContent: "128G key",
		IsMultiSpec: true, SpecName: "容量", SpecValue: "128G",
	})

	matched, err := s.DeliveryRulesByKeywordAndSpec(ctx, "111", "iPhone 15", "容量", "128G")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "128G key", matched[0].Card.TextContent)

	none, err := s.DeliveryRulesByKeywordAndSpec(ctx, "111", "iPhone 15", "容量", "256G")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConsumeBatchDataAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const rows = 40
	content := ""
	for i := 0; i < rows; i++ {
		content += fmt.Sprintf("key-%03d\n", i)
	}
	cardID, err := s.CreateCard(ctx, &Card{Name: "keys", Type: CardTypeData, DataContent: content, Enabled: true})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		got  = make(map[string]bool)
		wg   sync.WaitGroup
		errs = make(chan error, rows)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rows/8; i++ {
				row, err := s.ConsumeBatchData(ctx, cardID)
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				if got[row] {
					errs <- fmt.Errorf("duplicate row %s", row)
					mu.Unlock()
					return
				}
				got[row] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, got, rows)

	// Exhausted card fails soft.
	_, err = s.ConsumeBatchData(ctx, cardID)
	assert.ErrorIs(t, err, ErrCardEmpty)

	card, err := s.GetCard(ctx, cardID)
	require.NoError(t, err)
	assert.Empty(t, card.DataContent)

	_, err = s.ConsumeBatchData(ctx, 99999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementDeliveryCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ruleID, _ := seedRule(t, s, "111", "iPhone", Card{Type: CardTypeText, TextContent: "x"})
	require.NoError(t, s.IncrementDeliveryCount(ctx, ruleID))
	require.NoError(t, s.IncrementDeliveryCount(ctx, ruleID))

	rules, err := s.DeliveryRulesByKeyword(ctx, "111", "iPhone")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, int64(2), rules[0].DeliveryCount)
}

func TestItemUpsertPreservesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.BatchSaveItemBasicInfo(ctx, "acc1", []Item{
		{ItemID: "77001", Title: "iPhone 15", Price: "4999"},
	}))
	require.NoError(t, s.UpdateItemDetail(ctx, "acc1", "77001", "全新未拆封"))

	it, err := s.GetItemInfo(ctx, "acc1", "77001")
	require.NoError(t, err)
	assert.Equal(t, "iPhone 15", it.Title)
	assert.Equal(t, "4999", it.Price)
	assert.Equal(t, "全新未拆封", it.Detail)

	// A later page with blank title/price keeps the stored values.
	require.NoError(t, s.BatchSaveItemBasicInfo(ctx, "acc1", []Item{{ItemID: "77001"}}))
	it, err = s.GetItemInfo(ctx, "acc1", "77001")
	require.NoError(t, err)
	assert.Equal(t, "iPhone 15", it.Title)
	assert.Equal(t, "4999", it.Price)

	require.NoError(t, s.SetItemMultiSpec(ctx, "acc1", "77001", true))
	it, err = s.GetItemInfo(ctx, "acc1", "77001")
	require.NoError(t, err)
	assert.True(t, it.IsMultiSpec)

	// Refreshes must not reset the operator-set multi-spec flag.
	require.NoError(t, s.SaveItemInfo(ctx, Item{AccountID: "acc1", ItemID: "77001", Title: "iPhone 15", Detail: "刷新后的详情"}))
	require.NoError(t, s.BatchSaveItemBasicInfo(ctx, "acc1", []Item{{ItemID: "77001", Title: "iPhone 15"}}))
	it, err = s.GetItemInfo(ctx, "acc1", "77001")
	require.NoError(t, err)
	assert.True(t, it.IsMultiSpec)
	assert.Equal(t, "刷新后的详情", it.Detail)

	// Detail upsert creates the row when the catalog has not seen it yet.
	require.NoError(t, s.UpdateItemDetail(ctx, "acc1", "88002", "只有详情"))
	it, err = s.GetItemInfo(ctx, "acc1", "88002")
	require.NoError(t, err)
	assert.Empty(t, it.Title)
	assert.Equal(t, "只有详情", it.Detail)

	missing, err := s.ItemsMissingDetail(ctx, "acc1", 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestDefaultReplyAndSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.DefaultReply(ctx, "acc1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetDefaultReply(ctx, "acc1", true, "您好，稍后回复"))
	dr, err := s.DefaultReply(ctx, "acc1")
	require.NoError(t, err)
	assert.True(t, dr.Enabled)
	assert.Equal(t, "您好，稍后回复", dr.Content)

	require.NoError(t, s.SaveAISettings(ctx, AISettings{
		AccountID: "acc1", Enabled: true, Model: "qwen-plus", BaseURL: "https://example.com/v1",
	}))
	ai, err := s.AISettings(ctx, "acc1")
	require.NoError(t, err)
	assert.True(t, ai.Enabled)
	assert.Equal(t, "qwen-plus", ai.Model)

	require.NoError(t, s.SetSystemSetting(ctx, "theme", "dark"))
	v, err := s.SystemSetting(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", v)

	_, err = s.SystemSetting(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnabledChannelsForAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	natsID, err := s.CreateChannel(ctx, "ops bus", "nats", `{"subject":"goofish.agent"}`)
	require.NoError(t, err)
	offID, err := s.CreateChannel(ctx, "disabled one", "nats", `{}`)
	require.NoError(t, err)
	require.NoError(t, s.SetChannelEnabled(ctx, offID, false))

	require.NoError(t, s.BindChannel(ctx, "acc1", natsID))
	require.NoError(t, s.BindChannel(ctx, "acc1", offID))

	channels, err := s.EnabledChannelsForAccount(ctx, "acc1")
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "ops bus", channels[0].Name)
	assert.Equal(t, "nats", channels[0].Type)

	require.NoError(t, s.UnbindChannel(ctx, "acc1", natsID))
	channels, err = s.EnabledChannelsForAccount(ctx, "acc1")
	require.NoError(t, err)
	assert.Empty(t, channels)
}
