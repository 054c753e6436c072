// Package mtop is the signed HTTP client for the marketplace h5 gateway.
// Every call is MD5-signed with the _m_h5_tk cookie token; the gateway
// rotates cookies via Set-Cookie on ordinary responses and those rotations
// must be merged and persisted or the next call fails.
package mtop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/goofish-agent/internal/monitoring"
	"github.com/adred-codev/goofish-agent/internal/wire"
)

const (
	defaultBaseURL   = "https://h5api.m.goofish.com/h5"
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"

	// tokenRetryDelay spaces retries after an in-band token refresh.
	tokenRetryDelay = 500 * time.Millisecond
	// maxCallAttempts bounds refresh-and-retry loops on expired tokens.
	maxCallAttempts = 3
)

// ErrMissingUserID means the cookie blob has no unb cookie. Without it the
// account's own user id is unknown and nothing downstream can work.
var ErrMissingUserID = errors.New("mtop: cookies missing unb user id")

// CookieStore persists rotated cookie blobs. Rotations pass an empty owner
// so the stored owner user id survives.
type CookieStore interface {
	SaveCookie(ctx context.Context, accountID, cookies, ownerUserID string) error
}

// HealthReporter receives token refresh failures. Implementations decide
// what is worth alerting on.
type HealthReporter interface {
	TokenHealth(ctx context.Context, accountID, message string)
}

// Config assembles a Client. AccountID, Cookies and Store are required.
type Config struct {
	AccountID       string
	Cookies         string
	BaseURL         string
	UserAgent       string
	Timeout         time.Duration
	RefreshInterval time.Duration
	RateLimit       rate.Limit
	Store           CookieStore
	Health          HealthReporter
	Logger          zerolog.Logger
	HTTPClient      *http.Client
}

// Client signs and posts mtop calls for one account.
type Client struct {
	accountID       string
	baseURL         string
	userAgent       string
	httpc           *http.Client
	limiter         *rate.Limiter
	store           CookieStore
	health          HealthReporter
	logger          zerolog.Logger
	refreshInterval time.Duration

	mu          sync.Mutex
	jar         *Jar
	selfID      string
	deviceID    string
	accessToken string
	refreshedAt time.Time
}

// New builds a Client from an account's cookie blob. It fails with
// ErrMissingUserID when the blob carries no unb cookie.
func New(cfg Config) (*Client, error) {
	jar := ParseCookies(cfg.Cookies)
	selfID := jar.Get("unb")
	if selfID == "" {
		return nil, ErrMissingUserID
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Hour
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.Timeout}
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Client{
		accountID:       cfg.AccountID,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:       cfg.UserAgent,
		httpc:           httpc,
		limiter:         rate.NewLimiter(limit, 1),
		store:           cfg.Store,
		health:          cfg.Health,
		logger:          cfg.Logger.With().Str("component", "mtop").Str("account_id", cfg.AccountID).Logger(),
		refreshInterval: cfg.RefreshInterval,
		jar:             jar,
		selfID:          selfID,
		deviceID:        wire.DeviceID(selfID),
	}, nil
}

// SelfID returns the account's own marketplace user id (the unb cookie).
func (c *Client) SelfID() string { return c.selfID }

// DeviceID returns the stable per-account device id used in registration
// and token refresh.
func (c *Client) DeviceID() string { return c.deviceID }

// CookieString snapshots the current cookie blob.
func (c *Client) CookieString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jar.String()
}

// SetCookies replaces the jar with a fresh blob, e.g. after an operator
// pastes new login cookies. The unb user id must not change identity.
func (c *Client) SetCookies(blob string) error {
	jar := ParseCookies(blob)
	unb := jar.Get("unb")
	if unb == "" {
		return ErrMissingUserID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if unb != c.selfID {
		return fmt.Errorf("mtop: cookie user id changed from %s to %s", c.selfID, unb)
	}
	c.jar = jar
	// Force a refresh on the next call; the old access token belonged to
	// the previous cookie set.
	c.accessToken = ""
	c.refreshedAt = time.Time{}
	return nil
}

// AccessToken returns the current long-lived token and when it was obtained.
func (c *Client) AccessToken() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken, c.refreshedAt
}

// TokenStale reports whether the access token is missing or past the
// refresh interval.
func (c *Client) TokenStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken == "" || time.Since(c.refreshedAt) >= c.refreshInterval
}

// Result is the common envelope of a gateway response.
type Result struct {
	API  string          `json:"api"`
	V    string          `json:"v"`
	Ret  []string        `json:"ret"`
	Data json.RawMessage `json:"data"`
}

// Success reports the canonical success marker.
func (r *Result) Success() bool {
	for _, ret := range r.Ret {
		if strings.Contains(ret, "SUCCESS::调用成功") {
			return true
		}
	}
	return false
}

// RetMessage returns the first ret entry, the gateway's status line.
func (r *Result) RetMessage() string {
	if len(r.Ret) == 0 {
		return ""
	}
	return r.Ret[0]
}

// TokenExpired reports whether the response is a token or session expiry
// that an in-band refresh can fix.
func (r *Result) TokenExpired() bool {
	for _, ret := range r.Ret {
		if strings.Contains(ret, "FAIL_SYS_TOKEN_EXPIRED") ||
			strings.Contains(ret, "FAIL_SYS_TOKEN_EXOIRED") ||
			strings.Contains(ret, "令牌过期") ||
			strings.Contains(ret, "FAIL_SYS_SESSION_EXPIRED") ||
			strings.Contains(ret, "Session过期") {
			return true
		}
	}
	return false
}

// Call posts one signed request. An expired token triggers a refresh and a
// retry, at most maxCallAttempts times with tokenRetryDelay between tries.
// A stale access token is refreshed up front so long-idle accounts do not
// burn their first call on an expiry round trip.
func (c *Client) Call(ctx context.Context, api, version string, data any) (*Result, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s data: %w", api, err)
	}
	if c.TokenStale() {
		if _, err := c.RefreshToken(ctx); err != nil {
			c.logger.Warn().Err(err).Str("api", api).Msg("Token refresh before call failed, trying with current cookies")
		}
	}
	var last *Result
	for attempt := 1; attempt <= maxCallAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(tokenRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		res, err := c.do(ctx, api, version, string(payload))
		if err != nil {
			return nil, err
		}
		if !res.TokenExpired() {
			return res, nil
		}
		last = res
		c.logger.Info().
			Str("api", api).
			Str("ret", res.RetMessage()).
			Int("attempt", attempt).
			Msg("Token expired, refreshing and retrying")
		if _, err := c.RefreshToken(ctx); err != nil {
			c.logger.Warn().Err(err).Str("api", api).Msg("In-band token refresh failed")
		}
	}
	return last, fmt.Errorf("mtop: %s kept failing with %q after %d attempts", api, last.RetMessage(), maxCallAttempts)
}

// RefreshToken calls the login token API and rotates the access token. It
// reports failures to the health reporter; benign expiries are the
// reporter's problem to suppress.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	data := fmt.Sprintf(`{"appKey":"%s","deviceId":"%s"}`, wire.TokenAppKey, c.deviceID)
	res, err := c.do(ctx, APILoginToken, "1.0", data)
	if err != nil {
		monitoring.RecordTokenRefresh("error")
		c.reportTokenHealth(ctx, err.Error())
		return "", fmt.Errorf("token refresh request failed: %w", err)
	}
	if !res.Success() {
		monitoring.RecordTokenRefresh("failed")
		msg := res.RetMessage()
		c.reportTokenHealth(ctx, msg)
		return "", fmt.Errorf("token refresh rejected: %s", msg)
	}
	var body struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(res.Data, &body); err != nil || body.AccessToken == "" {
		monitoring.RecordTokenRefresh("failed")
		c.reportTokenHealth(ctx, "token response missing accessToken")
		return "", errors.New("token refresh response missing accessToken")
	}
	c.mu.Lock()
	c.accessToken = body.AccessToken
	c.refreshedAt = time.Now()
	c.mu.Unlock()
	monitoring.RecordTokenRefresh("ok")
	c.logger.Info().Msg("Access token refreshed")
	return body.AccessToken, nil
}

func (c *Client) reportTokenHealth(ctx context.Context, msg string) {
	if c.health != nil {
		c.health.TokenHealth(ctx, c.accountID, msg)
	}
}

// do signs and posts a single request, merging any rotated cookies back
// into the jar and the store.
func (c *Client) do(ctx context.Context, api, version, data string) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	c.mu.Lock()
	signToken := c.jar.SignToken()
	cookieHeader := c.jar.String()
	c.mu.Unlock()

	params := url.Values{
		"jsv":           {"2.7.2"},
		"appKey":        {wire.AppKey},
		"t":             {ts},
		"sign":          {wire.Sign(ts, signToken, data)},
		"v":             {version},
		"type":          {"originaljson"},
		"accountSite":   {"xianyu"},
		"dataType":      {"json"},
		"timeout":       {"20000"},
		"api":           {api},
		"sessionOption": {"AutoLoginOnly"},
		"spm_cnt":       {"a21ybx.im.0.0"},
	}
	endpoint := fmt.Sprintf("%s/%s/%s/?%s", c.baseURL, api, version, params.Encode())
	form := url.Values{"data": {data}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", api, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", cookieHeader)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Origin", "https://www.goofish.com")
	req.Header.Set("Referer", "https://www.goofish.com/")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		monitoring.RecordAPICall(api, "error", time.Since(start))
		return nil, fmt.Errorf("%s request failed: %w", api, err)
	}
	defer resp.Body.Close()

	c.mergeCookies(ctx, resp)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		monitoring.RecordAPICall(api, "error", time.Since(start))
		return nil, fmt.Errorf("failed to read %s response: %w", api, err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		monitoring.RecordAPICall(api, "error", time.Since(start))
		return nil, fmt.Errorf("failed to decode %s response (status %d): %w", api, resp.StatusCode, err)
	}
	outcome := "ok"
	if !res.Success() {
		outcome = "failed"
	}
	monitoring.RecordAPICall(api, outcome, time.Since(start))
	return &res, nil
}

// mergeCookies folds Set-Cookie rotations into the jar and persists the new
// blob. The empty owner argument keeps the stored owner user id intact.
func (c *Client) mergeCookies(ctx context.Context, resp *http.Response) {
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return
	}
	c.mu.Lock()
	changed := c.jar.Update(cookies)
	blob := c.jar.String()
	c.mu.Unlock()
	if !changed {
		return
	}
	if c.store == nil {
		return
	}
	if err := c.store.SaveCookie(ctx, c.accountID, blob, ""); err != nil {
		c.logger.Error().Err(err).Msg("Failed to persist rotated cookies")
		return
	}
	c.logger.Debug().Msg("Persisted rotated cookies")
}
