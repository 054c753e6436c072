package mtop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/goofish-agent/internal/wire"
)

const testCookies = "unb=2208012345678; _m_h5_tk=tk_abc_1700000000; _m_h5_tk_enc=enc_abc; cookie2=aaa111"

type fakeCookieStore struct {
	mu    sync.Mutex
	saves []struct{ account, cookies, owner string }
}

func (f *fakeCookieStore) SaveCookie(_ context.Context, accountID, cookies, ownerUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, struct{ account, cookies, owner string }{accountID, cookies, ownerUserID})
	return nil
}

type fakeHealth struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeHealth) TokenHealth(_ context.Context, _ string, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

// gatewayHandler answers like the h5 gateway: verifies the signature and
// dispatches on the api query parameter.
type gatewayHandler struct {
	t *testing.T

	mu         sync.Mutex
	calls      []string
	expireOnce map[string]bool
	respond    map[string]func(w http.ResponseWriter, data string)
}

func (g *gatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	require.NoError(g.t, r.ParseForm())
	api := r.URL.Query().Get("api")
	data := r.PostFormValue("data")

	// Every request must carry a valid signature over (t, token, data).
	ts := r.URL.Query().Get("t")
	sign := r.URL.Query().Get("sign")
	assert.Equal(g.t, wire.Sign(ts, "tk_abc", data), sign, "bad signature for %s", api)
	assert.Equal(g.t, wire.AppKey, r.URL.Query().Get("appKey"))
	assert.Contains(g.t, r.Header.Get("Cookie"), "unb=2208012345678")

	g.mu.Lock()
	g.calls = append(g.calls, api)
	expired := g.expireOnce[api]
	if expired {
		g.expireOnce[api] = false
	}
	handler := g.respond[api]
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if expired {
		fmt.Fprint(w, `{"api":"`+api+`","ret":["FAIL_SYS_TOKEN_EXPIRED::令牌过期"],"data":{}}`)
		return
	}
	if handler != nil {
		handler(w, data)
		return
	}
	fmt.Fprint(w, `{"api":"`+api+`","ret":["SUCCESS::调用成功"],"data":{}}`)
}

func (g *gatewayHandler) callsFor(api string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == api {
			n++
		}
	}
	return n
}

func tokenResponse(w http.ResponseWriter, _ string) {
	w.Header().Add("Set-Cookie", "cookie2=rotated222; Path=/")
	fmt.Fprint(w, `{"api":"mtop.taobao.idlemessage.pc.login.token","ret":["SUCCESS::调用成功"],"data":{"accessToken":"fresh-token-1"}}`)
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *fakeCookieStore, *fakeHealth) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	st := &fakeCookieStore{}
	health := &fakeHealth{}
	c, err := New(Config{
		AccountID: "acc1",
		Cookies:   testCookies,
		BaseURL:   srv.URL,
		Store:     st,
		Health:    health,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return c, st, health
}

func TestNewRequiresUserID(t *testing.T) {
	_, err := New(Config{AccountID: "acc1", Cookies: "_m_h5_tk=tk_1; cookie2=x", Logger: zerolog.Nop()})
	require.ErrorIs(t, err, ErrMissingUserID)
}

func TestJarOrderAndSignToken(t *testing.T) {
	j := ParseCookies(testCookies)
	assert.Equal(t, "2208012345678", j.Get("unb"))
	assert.Equal(t, "tk_abc", j.SignToken())
	assert.Equal(t, testCookies, j.String(), "round trip must preserve order")

	changed := j.Update([]*http.Cookie{{Name: "cookie2", Value: "bbb222"}, {Name: "isg", Value: "new"}})
	assert.True(t, changed)
	assert.Equal(t, "bbb222", j.Get("cookie2"))
	// Updated names keep their slot, new names append.
	assert.Equal(t, "unb=2208012345678; _m_h5_tk=tk_abc_1700000000; _m_h5_tk_enc=enc_abc; cookie2=bbb222; isg=new", j.String())

	assert.False(t, j.Update([]*http.Cookie{{Name: "isg", Value: "new"}}), "no-op update must report unchanged")
}

func TestRefreshTokenUpdatesStateAndPersistsCookies(t *testing.T) {
	g := &gatewayHandler{t: t, expireOnce: map[string]bool{}, respond: map[string]func(http.ResponseWriter, string){
		APILoginToken: tokenResponse,
	}}
	c, st, _ := newTestClient(t, g)

	tok, err := c.RefreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token-1", tok)

	got, at := c.AccessToken()
	assert.Equal(t, "fresh-token-1", got)
	assert.WithinDuration(t, time.Now(), at, 5*time.Second)
	assert.False(t, c.TokenStale())

	// The Set-Cookie rotation was merged and persisted with an empty
	// owner so the stored owner user id survives.
	require.Len(t, st.saves, 1)
	assert.Equal(t, "acc1", st.saves[0].account)
	assert.Contains(t, st.saves[0].cookies, "cookie2=rotated222")
	assert.Equal(t, "", st.saves[0].owner)
	assert.Contains(t, c.CookieString(), "cookie2=rotated222")
}

func TestCallRefreshesExpiredTokenAndRetries(t *testing.T) {
	g := &gatewayHandler{
		t:          t,
		expireOnce: map[string]bool{APIItemDetail: true},
		respond: map[string]func(http.ResponseWriter, string){
			APILoginToken: tokenResponse,
			APIItemDetail: func(w http.ResponseWriter, _ string) {
				fmt.Fprint(w, `{"api":"mtop.taobao.idle.pc.detail","ret":["SUCCESS::调用成功"],"data":{"itemDO":{"title":"机械键盘","desc":"九成新","soldPrice":"199"}}}`)
			},
		},
	}
	c, _, health := newTestClient(t, g)

	// Prime a fresh token so the expiry comes from the detail call itself.
	_, err := c.RefreshToken(context.Background())
	require.NoError(t, err)

	detail, err := c.ItemDetail(context.Background(), "876543210987")
	require.NoError(t, err)
	assert.Equal(t, "机械键盘", detail.Title)
	assert.Equal(t, "九成新", detail.Desc)
	assert.Equal(t, "199", detail.Price)

	// expired call, then refresh, then successful retry
	assert.Equal(t, 2, g.callsFor(APIItemDetail))
	assert.Equal(t, 2, g.callsFor(APILoginToken))
	// The in-band expiry is part of the normal lifecycle, nothing alarmed.
	assert.Empty(t, health.messages)
}

func TestCallGivesUpAfterRepeatedExpiry(t *testing.T) {
	g := &gatewayHandler{t: t, respond: map[string]func(http.ResponseWriter, string){
		APILoginToken: tokenResponse,
		APIItemDetail: func(w http.ResponseWriter, _ string) {
			fmt.Fprint(w, `{"api":"mtop.taobao.idle.pc.detail","ret":["FAIL_SYS_TOKEN_EXPIRED::令牌过期"],"data":{}}`)
		},
	}}
	c, _, _ := newTestClient(t, g)

	_, err := c.Call(context.Background(), APIItemDetail, "1.0", map[string]string{"itemId": "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAIL_SYS_TOKEN_EXPIRED")
	assert.Equal(t, maxCallAttempts, g.callsFor(APIItemDetail))
}

func TestRefreshTokenFailureReportsHealth(t *testing.T) {
	g := &gatewayHandler{t: t, respond: map[string]func(http.ResponseWriter, string){
		APILoginToken: func(w http.ResponseWriter, _ string) {
			fmt.Fprint(w, `{"api":"mtop.taobao.idlemessage.pc.login.token","ret":["FAIL_SYS_USER_VALIDATE::哎哟喂,被挤爆啦,请稍后重试"],"data":{}}`)
		},
	}}
	c, _, health := newTestClient(t, g)

	_, err := c.RefreshToken(context.Background())
	require.Error(t, err)
	require.Len(t, health.messages, 1)
	assert.Contains(t, health.messages[0], "FAIL_SYS_USER_VALIDATE")
}

func TestItemDetailExtractsShareContent(t *testing.T) {
	share := map[string]any{"contentParams": map[string]any{"mainParams": map[string]any{"content": "全新未拆封 机械键盘 红轴"}}}
	shareJSON, err := json.Marshal(share)
	require.NoError(t, err)
	payload := map[string]any{
		"itemDO": map[string]any{
			"title":     "机械键盘",
			"desc":      "红轴 全新",
			"soldPrice": 199.5,
			"shareData": map[string]any{"shareInfoJsonString": string(shareJSON)},
		},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	g := &gatewayHandler{t: t, respond: map[string]func(http.ResponseWriter, string){
		APILoginToken: tokenResponse,
		APIItemDetail: func(w http.ResponseWriter, _ string) {
			fmt.Fprintf(w, `{"api":"mtop.taobao.idle.pc.detail","ret":["SUCCESS::调用成功"],"data":%s}`, data)
		},
	}}
	c, _, _ := newTestClient(t, g)

	detail, err := c.ItemDetail(context.Background(), "876543210987")
	require.NoError(t, err)
	assert.Equal(t, "全新未拆封 机械键盘 红轴", detail.ShareContent)
	assert.Equal(t, "199.5", detail.Price)
}

func TestItemListParsesCards(t *testing.T) {
	g := &gatewayHandler{t: t, respond: map[string]func(http.ResponseWriter, string){
		APILoginToken: tokenResponse,
		APIItemList: func(w http.ResponseWriter, data string) {
			// The request carries the paging fields and the account's own id.
			var req map[string]any
			require.NoError(t, json.Unmarshal([]byte(data), &req))
			assert.Equal(t, "在售", req["groupName"])
			assert.Equal(t, "58877261", req["groupId"])
			assert.Equal(t, "2208012345678", req["userId"])
			fmt.Fprint(w, `{"api":"mtop.idle.web.xyh.item.list","ret":["SUCCESS::调用成功"],"data":{"cardList":[
				{"cardData":{"id":876543210001,"title":"键盘","priceInfo":{"price":"199"}}},
				{"cardData":{"id":"876543210002","title":"鼠标","priceInfo":{"price":"59"}}}
			]}}`)
		},
	}}
	c, _, _ := newTestClient(t, g)

	items, err := c.ItemList(context.Background(), 1, 20)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "876543210001", items[0].ItemID)
	assert.Equal(t, "键盘", items[0].Title)
	assert.Equal(t, "876543210002", items[1].ItemID)
	assert.Equal(t, "59", items[1].Price)
	assert.Equal(t, "acc1", items[0].AccountID)
}

func TestSetCookiesRejectsIdentityChange(t *testing.T) {
	g := &gatewayHandler{t: t}
	c, _, _ := newTestClient(t, g)

	require.Error(t, c.SetCookies("unb=9999999; _m_h5_tk=tk_x_1"))
	require.ErrorIs(t, c.SetCookies("cookie2=zzz"), ErrMissingUserID)
	require.NoError(t, c.SetCookies("unb=2208012345678; _m_h5_tk=tk_new_1700000001"))
	assert.True(t, c.TokenStale(), "new cookies must force a token refresh")
}
