// Package fetch keeps the per-account item catalog warm. A sweep walks the
// account's on-sale listing pages into the store; a fill pass then resolves
// detail text for rows that have none, asking the external detail service
// first and the marketplace detail page second. Delivery rule matching gets
// better the more of the catalog carries detail text.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/goofish-agent/internal/monitoring"
	"github.com/adred-codev/goofish-agent/internal/mtop"
	"github.com/adred-codev/goofish-agent/internal/store"
)

// detailBatchLimit bounds how many missing-detail rows one fill pass takes
// on. The next sweep picks up the rest.
const detailBatchLimit = 200

// Catalog is the slice of the gateway client the fetcher drives. One catalog
// serves one account.
type Catalog interface {
	ItemList(ctx context.Context, page, pageSize int) ([]store.Item, error)
	ItemDetail(ctx context.Context, itemID string) (*mtop.ItemDetail, error)
}

// CatalogProvider resolves the signed client for an account. Accounts
// without a running session report false and are skipped for the round.
type CatalogProvider func(accountID string) (Catalog, bool)

// Options tunes a Fetcher. Zero values take the production defaults.
type Options struct {
	// DetailAPIURL is the external detail service, answering
	// GET {url}/{itemID} with {"status":"200","data":"..."}. Empty skips
	// the external hop and goes straight to the marketplace.
	DetailAPIURL string
	// Timeout bounds one external detail request. Default 10s.
	Timeout time.Duration
	// MaxConcurrent bounds parallel detail fetches. Default 3.
	MaxConcurrent int
	// RetryDelay spaces consecutive fetches on each worker so the detail
	// service is not hammered. Default 2s.
	RetryDelay time.Duration
	// PageSize is the listing page length. A short page ends the sweep.
	// Default 20.
	PageSize int
	// PagePause spaces listing page requests. Default 1s.
	PagePause time.Duration
	// MaxPages caps one sweep as a runaway guard. Default 50.
	MaxPages int
	// HTTPClient serves the external detail requests.
	HTTPClient *http.Client
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.PageSize <= 0 {
		o.PageSize = 20
	}
	if o.PagePause <= 0 {
		o.PagePause = time.Second
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 50
	}
}

// Fetcher sweeps listings and fills details for every enabled account.
type Fetcher struct {
	store    *store.Store
	catalogs CatalogProvider
	opts     Options
	httpc    *http.Client
	logger   zerolog.Logger
}

func New(st *store.Store, catalogs CatalogProvider, opts Options, logger zerolog.Logger) *Fetcher {
	opts.applyDefaults()
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: opts.Timeout}
	}
	return &Fetcher{
		store:    st,
		catalogs: catalogs,
		opts:     opts,
		httpc:    httpc,
		logger:   logger.With().Str("component", "fetch").Logger(),
	}
}

// Run sweeps all enabled accounts now and then again at every interval tick,
// until the context is cancelled.
func (f *Fetcher) Run(ctx context.Context, interval time.Duration) {
	defer monitoring.RecoverPanic(f.logger, "fetch.run", nil)

	f.sweepAll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.sweepAll(ctx)
		}
	}
}

func (f *Fetcher) sweepAll(ctx context.Context) {
	accounts, err := f.store.ListAccounts(ctx, true)
	if err != nil {
		f.logger.Error().Err(err).Msg("Failed to list accounts for catalog sweep")
		return
	}
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return
		}
		api, ok := f.catalogs(acct.ID)
		if !ok {
			f.logger.Debug().Str("account_id", acct.ID).Msg("No running session, skipping catalog sweep")
			continue
		}
		saved, err := f.Sweep(ctx, acct.ID, api)
		if err != nil {
			f.logger.Error().Err(err).Str("account_id", acct.ID).Msg("Catalog sweep failed")
			continue
		}
		filled, err := f.FillDetails(ctx, acct.ID, api)
		if err != nil {
			f.logger.Error().Err(err).Str("account_id", acct.ID).Msg("Detail fill failed")
		}
		f.logger.Info().
			Str("account_id", acct.ID).
			Int("items", saved).
			Int("details_filled", filled).
			Msg("Catalog sweep finished")
	}
}

// Sweep walks the account's listing pages into the catalog and returns how
// many items were saved. The sweep ends at the first short or empty page.
func (f *Fetcher) Sweep(ctx context.Context, accountID string, api Catalog) (int, error) {
	total := 0
	for page := 1; page <= f.opts.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		items, err := api.ItemList(ctx, page, f.opts.PageSize)
		if err != nil {
			return total, fmt.Errorf("list page %d: %w", page, err)
		}
		if len(items) == 0 {
			break
		}
		if err := f.store.BatchSaveItemBasicInfo(ctx, accountID, items); err != nil {
			return total, fmt.Errorf("save page %d: %w", page, err)
		}
		total += len(items)
		f.logger.Debug().
			Str("account_id", accountID).
			Int("page", page).
			Int("items", len(items)).
			Msg("Listing page saved")
		if len(items) < f.opts.PageSize {
			break
		}
		if err := sleepCtx(ctx, f.opts.PagePause); err != nil {
			return total, err
		}
	}
	monitoring.RecordItemsFetched(total)
	return total, nil
}

// FillDetails resolves detail text for catalog rows that still have none,
// over a fixed pool of workers. It returns how many rows were filled.
func (f *Fetcher) FillDetails(ctx context.Context, accountID string, api Catalog) (int, error) {
	items, err := f.store.ItemsMissingDetail(ctx, accountID, detailBatchLimit)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	f.logger.Info().
		Str("account_id", accountID).
		Int("items", len(items)).
		Msg("Filling missing item details")

	queue := make(chan store.Item)
	var (
		wg     sync.WaitGroup
		filled atomic.Int32
	)
	for i := 0; i < f.opts.MaxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer monitoring.RecoverPanic(f.logger, "fetch.detail", map[string]any{
				"account_id": accountID,
			})
			for it := range queue {
				if ctx.Err() != nil {
					continue
				}
				if f.fillOne(ctx, api, it) {
					filled.Add(1)
				}
				_ = sleepCtx(ctx, f.opts.RetryDelay)
			}
		}()
	}

feed:
	for _, it := range items {
		// Synthetic placeholder ids have no listing behind them.
		if strings.HasPrefix(it.ItemID, "auto_") {
			continue
		}
		select {
		case queue <- it:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()
	return int(filled.Load()), ctx.Err()
}

func (f *Fetcher) fillOne(ctx context.Context, api Catalog, it store.Item) bool {
	detail := f.externalDetail(ctx, it.ItemID)
	if detail == "" {
		detail = f.marketDetail(ctx, api, it.ItemID)
	}
	if detail == "" {
		f.logger.Warn().
			Str("item_id", it.ItemID).
			Str("title", it.Title).
			Msg("No detail source answered")
		return false
	}
	if err := f.store.UpdateItemDetail(ctx, it.AccountID, it.ItemID, detail); err != nil {
		f.logger.Error().Err(err).Str("item_id", it.ItemID).Msg("Failed to save item detail")
		return false
	}
	f.logger.Info().
		Str("item_id", it.ItemID).
		Str("title", it.Title).
		Int("detail_len", len(detail)).
		Msg("Item detail filled")
	return true
}

// externalDetail asks the detail service for seller-maintained text. Any
// failure is soft; the marketplace fallback runs next.
func (f *Fetcher) externalDetail(ctx context.Context, itemID string) string {
	if f.opts.DetailAPIURL == "" {
		return ""
	}
	url := strings.TrimRight(f.opts.DetailAPIURL, "/") + "/" + itemID
	reqCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		f.logger.Warn().Err(err).Str("item_id", itemID).Msg("Detail API request failed")
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.logger.Warn().
			Int("status", resp.StatusCode).
			Str("item_id", itemID).
			Msg("Detail API responded with an error")
		return ""
	}

	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    string `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		f.logger.Warn().Err(err).Str("item_id", itemID).Msg("Detail API response is not JSON")
		return ""
	}
	if body.Status != "200" || body.Data == "" {
		f.logger.Warn().
			Str("status", body.Status).
			Str("message", body.Message).
			Str("item_id", itemID).
			Msg("Detail API returned no data")
		return ""
	}
	return body.Data
}

// marketDetail falls back to the marketplace detail page: share text first,
// then the raw description.
func (f *Fetcher) marketDetail(ctx context.Context, api Catalog, itemID string) string {
	d, err := api.ItemDetail(ctx, itemID)
	if err != nil {
		f.logger.Warn().Err(err).Str("item_id", itemID).Msg("Marketplace detail fetch failed")
		return ""
	}
	if d.ShareContent != "" {
		return d.ShareContent
	}
	return d.Desc
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
