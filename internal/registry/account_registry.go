// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry holds the authoritative in-memory view of upstream accounts.
// Accounts are partitioned into one pool per platform, each guarded by its own
// mutex, so selections on different platforms never contend. State changes are
// persisted write-behind by a coalescing flusher and never block selection.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/store"
)

// ErrUnknownAccount is returned when an account id is not registered.
var ErrUnknownAccount = errors.New("registry: unknown account")

// ErrNoChoice may be returned by a Pick chooser to report that nothing was picked
// without producing a domain error.
var ErrNoChoice = errors.New("registry: no account chosen")

type pool struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
}

// AccountRegistry owns every upstream account and its mutable health state.
type AccountRegistry struct {
	clock    clock.Clock
	repo     store.AccountRepository
	adapters map[domain.Platform]Adapter
	pools    map[domain.Platform]*pool

	// indexMu guards platformOf only; pool contents are guarded by pool.mu.
	indexMu    sync.RWMutex
	platformOf map[string]domain.Platform

	flusher *flusher
}

// New creates a registry for the known platforms. repo may be nil, in which case
// state is kept in memory only.
func New(repo store.AccountRepository, c clock.Clock) *AccountRegistry {
	if c == nil {
		c = clock.System{}
	}
	r := &AccountRegistry{
		clock:      c,
		repo:       repo,
		adapters:   DefaultAdapters(),
		pools:      make(map[domain.Platform]*pool, len(domain.Platforms)),
		platformOf: make(map[string]domain.Platform),
	}
	for _, p := range domain.Platforms {
		r.pools[p] = &pool{accounts: make(map[string]*domain.Account)}
	}
	r.flusher = newFlusher(repo)
	return r
}

// Load replaces the in-memory pools with the repository contents.
func (r *AccountRegistry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	total := 0
	for _, p := range domain.Platforms {
		accounts, err := r.repo.LoadEligibleAccounts(ctx, p)
		if err != nil {
			return fmt.Errorf("registry: load %s accounts: %w", p, err)
		}
		pl := r.pools[p]
		pl.mu.Lock()
		pl.accounts = make(map[string]*domain.Account, len(accounts))
		for i := range accounts {
			acc := accounts[i]
			acc.Platform = p
			pl.accounts[acc.ID] = &acc
		}
		pl.mu.Unlock()

		r.indexMu.Lock()
		for id, platform := range r.platformOf {
			if platform == p {
				delete(r.platformOf, id)
			}
		}
		for i := range accounts {
			r.platformOf[accounts[i].ID] = p
		}
		r.indexMu.Unlock()
		total += len(accounts)
	}
	log.Infof("registry: loaded %d upstream accounts", total)
	return nil
}

// Adapter returns the platform adapter for p.
func (r *AccountRegistry) Adapter(p domain.Platform) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Upsert registers or replaces an account and schedules it for persistence.
func (r *AccountRegistry) Upsert(account domain.Account) error {
	pl, ok := r.pools[account.Platform]
	if !ok {
		return fmt.Errorf("registry: unsupported platform %q", account.Platform)
	}
	r.indexMu.Lock()
	previous, existed := r.platformOf[account.ID]
	r.platformOf[account.ID] = account.Platform
	r.indexMu.Unlock()
	if existed && previous != account.Platform {
		old := r.pools[previous]
		old.mu.Lock()
		delete(old.accounts, account.ID)
		old.mu.Unlock()
	}

	acc := account.Clone()
	pl.mu.Lock()
	if cur, found := pl.accounts[acc.ID]; found {
		acc.Version = cur.Version + 1
	}
	pl.accounts[acc.ID] = &acc
	snapshot := acc.Clone()
	pl.mu.Unlock()
	r.flusher.enqueue(snapshot)
	return nil
}

// Get returns a copy of the account.
func (r *AccountRegistry) Get(id string) (domain.Account, bool) {
	pl, ok := r.poolFor(id)
	if !ok {
		return domain.Account{}, false
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	acc, found := pl.accounts[id]
	if !found {
		return domain.Account{}, false
	}
	return acc.Clone(), true
}

// Snapshot returns copies of all accounts of a platform sorted by id.
func (r *AccountRegistry) Snapshot(p domain.Platform) []domain.Account {
	pl, ok := r.pools[p]
	if !ok {
		return nil
	}
	pl.mu.Lock()
	out := make([]domain.Account, 0, len(pl.accounts))
	for _, acc := range pl.accounts {
		out = append(out, acc.Clone())
	}
	pl.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns copies of every account across platforms.
func (r *AccountRegistry) All() []domain.Account {
	out := make([]domain.Account, 0)
	for _, p := range domain.Platforms {
		out = append(out, r.Snapshot(p)...)
	}
	return out
}

// Chooser decides which account to use from a consistent view of one pool.
// The view must be treated as read-only. Returning an empty id with a nil error
// is equivalent to returning ErrNoChoice.
type Chooser func(view []*domain.Account) (string, error)

// Pick runs choose under the platform pool lock and, when an account is chosen,
// touches it before the lock is released: LastUsedAt is set to now, UsageCount
// is incremented and an elapsed rate limit is cleared. The touched account is
// returned.
func (r *AccountRegistry) Pick(p domain.Platform, choose Chooser) (domain.Account, error) {
	pl, ok := r.pools[p]
	if !ok {
		return domain.Account{}, fmt.Errorf("registry: unsupported platform %q", p)
	}
	now := r.clock.Now()

	pl.mu.Lock()
	view := make([]*domain.Account, 0, len(pl.accounts))
	for _, acc := range pl.accounts {
		view = append(view, acc)
	}
	sort.Slice(view, func(i, j int) bool { return view[i].ID < view[j].ID })

	id, err := choose(view)
	if err != nil {
		pl.mu.Unlock()
		return domain.Account{}, err
	}
	acc, found := pl.accounts[id]
	if id == "" || !found {
		pl.mu.Unlock()
		return domain.Account{}, ErrNoChoice
	}
	acc.LastUsedAt = now
	acc.UsageCount++
	recoverIfElapsed(acc, now)
	acc.Version++
	snapshot := acc.Clone()
	pl.mu.Unlock()

	r.flusher.enqueue(snapshot)
	return snapshot, nil
}

// MarkRateLimited puts the account into rate_limited until the given time.
// Accounts in error or disabled state keep their status and last error.
func (r *AccountRegistry) MarkRateLimited(id string, until time.Time, reason string) (domain.Account, error) {
	return r.mutate(id, func(acc *domain.Account, _ time.Time) {
		if acc.Status == domain.StatusError || acc.Status == domain.StatusDisabled {
			return
		}
		u := until
		acc.Status = domain.StatusRateLimited
		acc.RateLimitedUntil = &u
		acc.LastError = reason
	})
}

// MarkHealthy clears the last error and materializes an elapsed rate limit.
// Accounts in error or disabled state are left untouched.
func (r *AccountRegistry) MarkHealthy(id string) (domain.Account, error) {
	return r.mutate(id, func(acc *domain.Account, now time.Time) {
		if acc.Status == domain.StatusError || acc.Status == domain.StatusDisabled {
			return
		}
		acc.LastError = ""
		recoverIfElapsed(acc, now)
	})
}

// MarkError moves the account into error; it stays out of rotation until an operator re-enables it.
func (r *AccountRegistry) MarkError(id, reason string) (domain.Account, error) {
	return r.mutate(id, func(acc *domain.Account, _ time.Time) {
		acc.Status = domain.StatusError
		acc.LastError = reason
	})
}

// SetEnabled toggles IsEnabled. Enabling an account also resets error and
// disabled states back to active.
func (r *AccountRegistry) SetEnabled(id string, enabled bool) (domain.Account, error) {
	return r.mutate(id, func(acc *domain.Account, _ time.Time) {
		acc.IsEnabled = enabled
		if !enabled {
			return
		}
		if acc.Status == domain.StatusError || acc.Status == domain.StatusDisabled {
			acc.Status = domain.StatusActive
			acc.LastError = ""
			acc.RateLimitedUntil = nil
		}
	})
}

func (r *AccountRegistry) mutate(id string, fn func(acc *domain.Account, now time.Time)) (domain.Account, error) {
	pl, ok := r.poolFor(id)
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	now := r.clock.Now()
	pl.mu.Lock()
	acc, found := pl.accounts[id]
	if !found {
		pl.mu.Unlock()
		return domain.Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	fn(acc, now)
	acc.Version++
	snapshot := acc.Clone()
	pl.mu.Unlock()

	r.flusher.enqueue(snapshot)
	return snapshot, nil
}

func (r *AccountRegistry) poolFor(id string) (*pool, bool) {
	r.indexMu.RLock()
	p, ok := r.platformOf[id]
	r.indexMu.RUnlock()
	if !ok {
		return nil, false
	}
	pl, ok := r.pools[p]
	return pl, ok
}

func recoverIfElapsed(acc *domain.Account, now time.Time) {
	if acc.Status == domain.StatusRateLimited && !acc.CoolingDown(now) {
		acc.Status = domain.StatusActive
		acc.RateLimitedUntil = nil
	}
}

// Start launches the background persistence loop. It returns when ctx is done.
func (r *AccountRegistry) Start(ctx context.Context) {
	r.flusher.run(ctx)
}

// Flush synchronously persists every pending account state.
func (r *AccountRegistry) Flush(ctx context.Context) error {
	return r.flusher.flush(ctx)
}

// Pending reports how many account states await persistence.
func (r *AccountRegistry) Pending() int {
	return r.flusher.pending()
}

// DisableAccount takes the account out of rotation until an operator re-enables it.
func (r *AccountRegistry) DisableAccount(id, reason string) error {
	_, err := r.mutate(id, func(acc *domain.Account, _ time.Time) {
		acc.IsEnabled = false
		acc.Status = domain.StatusDisabled
		acc.LastError = reason
	})
	return err
}
