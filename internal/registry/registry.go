// Package registry owns the account → session map: it starts sessions for
// enabled accounts, tears them down on disable or removal, and reconciles
// the running set against the store after bulk changes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/goofish-agent/internal/mtop"
	"github.com/adred-codev/goofish-agent/internal/session"
	"github.com/adred-codev/goofish-agent/internal/store"
)

// Handle is the slice of a session the registry drives. *session.Session
// satisfies it; tests substitute lighter fakes.
type Handle interface {
	Start()
	Stop()
	State() session.State
	UpdateCookies(blob string) error
}

// SessionFactory builds the session for one stored account. Construction
// errors (a cookie blob without a user id, typically) mark the account
// disabled instead of crash-looping it.
type SessionFactory func(acct *store.Account) (Handle, error)

// Status is one account's row in a health snapshot.
type Status struct {
	AccountID string `json:"account_id"`
	Enabled   bool   `json:"enabled"`
	Running   bool   `json:"running"`
	State     string `json:"state"`
}

// Registry supervises all account sessions in the process.
type Registry struct {
	store   *store.Store
	factory SessionFactory
	logger  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]Handle
}

func New(st *store.Store, factory SessionFactory, logger zerolog.Logger) *Registry {
	return &Registry{
		store:    st,
		factory:  factory,
		logger:   logger.With().Str("component", "registry").Logger(),
		sessions: make(map[string]Handle),
	}
}

// Add persists a new account and starts its session. Accounts come up
// enabled; an unusable cookie blob leaves the account stored but disabled.
func (r *Registry) Add(ctx context.Context, accountID, cookies, ownerUserID string) error {
	if err := r.store.SaveCookie(ctx, accountID, cookies, ownerUserID); err != nil {
		return fmt.Errorf("persist account %s: %w", accountID, err)
	}
	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.Enabled {
		return nil
	}
	return r.startSession(ctx, acct)
}

// UpdateCookie persists a rotated cookie blob and hands it to the running
// session, which picks it up at the next API call boundary.
func (r *Registry) UpdateCookie(ctx context.Context, accountID, cookies string) error {
	if _, err := r.store.GetAccount(ctx, accountID); err != nil {
		return err
	}
	if err := r.store.SaveCookie(ctx, accountID, cookies, ""); err != nil {
		return fmt.Errorf("persist cookies for %s: %w", accountID, err)
	}

	r.mu.RLock()
	h := r.sessions[accountID]
	r.mu.RUnlock()
	if h == nil {
		return nil
	}
	if err := h.UpdateCookies(cookies); err != nil {
		r.logger.Warn().Err(err).Str("account_id", accountID).Msg("Running session rejected new cookies")
		return err
	}
	r.logger.Info().Str("account_id", accountID).Msg("Cookies rotated on running session")
	return nil
}

// Enable marks the account enabled and starts its session if not running.
// Idempotent.
func (r *Registry) Enable(ctx context.Context, accountID string) error {
	if err := r.store.SetEnabled(ctx, accountID, true); err != nil {
		return err
	}
	r.mu.RLock()
	_, running := r.sessions[accountID]
	r.mu.RUnlock()
	if running {
		return nil
	}
	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	return r.startSession(ctx, acct)
}

// Disable marks the account disabled and stops its session. Idempotent.
func (r *Registry) Disable(ctx context.Context, accountID string) error {
	if err := r.store.SetEnabled(ctx, accountID, false); err != nil {
		return err
	}
	r.stopSession(accountID)
	return nil
}

// Remove stops the session and deletes the account with its dependent rows.
func (r *Registry) Remove(ctx context.Context, accountID string) error {
	r.stopSession(accountID)
	if err := r.store.DeleteAccount(ctx, accountID); err != nil {
		return err
	}
	r.logger.Info().Str("account_id", accountID).Msg("Account removed")
	return nil
}

// GetStatus reports whether the account is enabled in the store.
func (r *Registry) GetStatus(ctx context.Context, accountID string) (bool, error) {
	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return acct.Enabled, nil
}

// ReloadFromDB reconciles running sessions against the store: enabled
// accounts without a session are started, sessions whose account vanished
// or got disabled are stopped.
func (r *Registry) ReloadFromDB(ctx context.Context) error {
	accounts, err := r.store.ListAccounts(ctx, false)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	want := make(map[string]*store.Account, len(accounts))
	for _, acct := range accounts {
		if acct.Enabled {
			want[acct.ID] = acct
		}
	}

	r.mu.RLock()
	var stale []string
	for id := range r.sessions {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.stopSession(id)
	}

	var firstErr error
	for id, acct := range want {
		r.mu.RLock()
		_, running := r.sessions[id]
		r.mu.RUnlock()
		if running {
			continue
		}
		if err := r.startSession(ctx, acct); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Snapshot lists every stored account with its live session state, for
// health reporting.
func (r *Registry) Snapshot(ctx context.Context) ([]Status, error) {
	accounts, err := r.store.ListAccounts(ctx, false)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(accounts))
	for _, acct := range accounts {
		st := Status{AccountID: acct.ID, Enabled: acct.Enabled, State: session.StateIdle.String()}
		if h, ok := r.sessions[acct.ID]; ok {
			st.Running = true
			st.State = h.State().String()
		}
		out = append(out, st)
	}
	return out, nil
}

// Lookup returns the running session handle for an account, if any.
func (r *Registry) Lookup(accountID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[accountID]
	return h, ok
}

// StateCounts tallies running sessions by state, the shape the session
// gauge wants.
func (r *Registry) StateCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, h := range r.sessions {
		counts[h.State().String()]++
	}
	return counts
}

// Shutdown stops every running session and blocks until all have exited.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]Handle)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for id, h := range sessions {
		wg.Add(1)
		go func(id string, h Handle) {
			defer wg.Done()
			h.Stop()
			r.logger.Info().Str("account_id", id).Msg("Session stopped")
		}(id, h)
	}
	wg.Wait()
	r.logger.Info().Int("sessions", len(sessions)).Msg("Registry shut down")
}

// startSession builds and starts one session, replacing any previous one
// for the account. A factory failure disables the account so it does not
// crash-loop on a bad cookie blob.
func (r *Registry) startSession(ctx context.Context, acct *store.Account) error {
	h, err := r.factory(acct)
	if err != nil {
		r.logger.Error().Err(err).Str("account_id", acct.ID).Msg("Session construction failed, disabling account")
		if errors.Is(err, mtop.ErrMissingUserID) {
			if derr := r.store.SetEnabled(ctx, acct.ID, false); derr != nil {
				r.logger.Error().Err(derr).Str("account_id", acct.ID).Msg("Failed to disable broken account")
			}
		}
		return fmt.Errorf("build session for %s: %w", acct.ID, err)
	}

	r.mu.Lock()
	prev := r.sessions[acct.ID]
	r.sessions[acct.ID] = h
	r.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	h.Start()
	r.logger.Info().Str("account_id", acct.ID).Msg("Session started")
	return nil
}

func (r *Registry) stopSession(accountID string) {
	r.mu.Lock()
	h, ok := r.sessions[accountID]
	if ok {
		delete(r.sessions, accountID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	h.Stop()
	r.logger.Info().Str("account_id", accountID).Msg("Session stopped")
}
