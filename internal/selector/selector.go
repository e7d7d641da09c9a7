// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package selector chooses the upstream account for a request. The decision
// itself is a pure function over one pool view; Selector wires it to the
// registry and the sticky session index.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/registry"
	"github.com/traylinx/switchAIRelay/internal/sticky"
)

// Request describes what the caller needs.
type Request struct {
	Platform domain.Platform
	Model    string
	// BoundAccountID pins the request to one account; empty means no binding.
	BoundAccountID string
	SessionHash    string
	// Exclude lists accounts already tried for this logical request.
	Exclude map[string]struct{}
}

// Selection is the outcome of a successful Select.
type Selection struct {
	Account       domain.Account
	UpstreamModel string
	Credentials   domain.Credentials
	Bound         bool
	Sticky        bool
}

// Decision is the pure result of Choose.
type Decision struct {
	AccountID     string
	UpstreamModel string
	Bound         bool
	Sticky        bool
}

// Selector chooses accounts from the registry.
type Selector struct {
	registry *registry.AccountRegistry
	sticky   *sticky.Index
	clock    clock.Clock
}

// New creates a Selector. idx may be nil to disable cache affinity.
func New(reg *registry.AccountRegistry, idx *sticky.Index, c clock.Clock) *Selector {
	if c == nil {
		c = clock.System{}
	}
	return &Selector{registry: reg, sticky: idx, clock: c}
}

// Select picks an account and touches it atomically, then refreshes the sticky entry.
func (s *Selector) Select(ctx context.Context, req Request) (*Selection, error) {
	adapter, ok := s.registry.Adapter(req.Platform)
	if !ok {
		return nil, &domain.SelectionError{Reason: domain.ReasonNoAvailableAccount, Platform: req.Platform, Message: "unsupported platform"}
	}

	stickyID := ""
	if req.BoundAccountID == "" && req.SessionHash != "" && s.sticky != nil {
		id, found, err := s.sticky.Get(ctx, req.Platform, req.SessionHash)
		if err != nil {
			log.WithError(err).Warn("selector: sticky lookup failed, falling back to pool")
		} else if found {
			stickyID = id
		}
	}

	var decision Decision
	now := s.clock.Now()
	account, err := s.registry.Pick(req.Platform, func(view []*domain.Account) (string, error) {
		d, errChoose := Choose(view, adapter, req, stickyID, now)
		if errChoose != nil {
			return "", errChoose
		}
		decision = d
		return d.AccountID, nil
	})
	if err != nil {
		var selErr *domain.SelectionError
		if errors.As(err, &selErr) {
			return nil, selErr
		}
		return nil, fmt.Errorf("selector: pick account: %w", err)
	}

	if req.SessionHash != "" && !decision.Bound && s.sticky != nil {
		if errPut := s.sticky.Put(ctx, req.Platform, req.SessionHash, account.ID, 0); errPut != nil {
			log.WithError(errPut).Warn("selector: sticky refresh failed")
		}
	}

	return &Selection{
		Account:       account,
		UpstreamModel: decision.UpstreamModel,
		Credentials:   adapter.Credentials(&account),
		Bound:         decision.Bound,
		Sticky:        decision.Sticky,
	}, nil
}

// Choose applies binding, then sticky affinity, then the priority pool.
func Choose(view []*domain.Account, adapter registry.Adapter, req Request, stickyID string, now time.Time) (Decision, error) {
	if req.BoundAccountID != "" {
		return chooseBound(view, adapter, req, now)
	}

	if stickyID != "" {
		for _, acc := range view {
			if acc.ID != stickyID {
				continue
			}
			if upstream, ok := poolEligible(acc, adapter, req, now); ok {
				return Decision{AccountID: acc.ID, UpstreamModel: upstream, Sticky: true}, nil
			}
			break
		}
	}

	type candidate struct {
		acc      *domain.Account
		upstream string
	}
	pool := make([]candidate, 0, len(view))
	for _, acc := range view {
		if upstream, ok := poolEligible(acc, adapter, req, now); ok {
			pool = append(pool, candidate{acc: acc, upstream: upstream})
		}
	}
	if len(pool) > 0 {
		sort.SliceStable(pool, func(i, j int) bool {
			return less(pool[i].acc, pool[j].acc)
		})
		return Decision{AccountID: pool[0].acc.ID, UpstreamModel: pool[0].upstream}, nil
	}
	return Decision{}, emptyPoolError(view, adapter, req, now)
}

// less orders by priority, then least recently used (never used first), then id.
func less(a, b *domain.Account) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.LastUsedAt.Before(b.LastUsedAt)
	}
	return a.ID < b.ID
}

func excluded(req Request, id string) bool {
	_, ok := req.Exclude[id]
	return ok
}

func poolEligible(acc *domain.Account, adapter registry.Adapter, req Request, now time.Time) (string, bool) {
	if acc.Type != domain.AccountShared || excluded(req, acc.ID) || !acc.Schedulable(now) {
		return "", false
	}
	return adapter.Match(acc, req.Model)
}

func chooseBound(view []*domain.Account, adapter registry.Adapter, req Request, now time.Time) (Decision, error) {
	unavailable := func(msg string, retryAt *time.Time) error {
		return &domain.SelectionError{
			Reason:   domain.ReasonBoundAccountUnavailable,
			Platform: req.Platform,
			RetryAt:  retryAt,
			Message:  msg,
		}
	}
	var bound *domain.Account
	for _, acc := range view {
		if acc.ID == req.BoundAccountID {
			bound = acc
			break
		}
	}
	switch {
	case bound == nil:
		return Decision{}, unavailable(fmt.Sprintf("bound account %s is not registered for %s", req.BoundAccountID, req.Platform), nil)
	case excluded(req, bound.ID):
		return Decision{}, unavailable(fmt.Sprintf("bound account %s already failed for this request", bound.ID), nil)
	case bound.CoolingDown(now) && bound.IsEnabled:
		until := *bound.RateLimitedUntil
		return Decision{}, unavailable(fmt.Sprintf("bound account %s is rate limited", bound.ID), &until)
	case !bound.Schedulable(now):
		return Decision{}, unavailable(fmt.Sprintf("bound account %s is %s", bound.ID, statusLabel(bound)), nil)
	}
	upstream, ok := adapter.Match(bound, req.Model)
	if !ok {
		return Decision{}, unavailable(fmt.Sprintf("bound account %s does not support model %s", bound.ID, req.Model), nil)
	}
	return Decision{AccountID: bound.ID, UpstreamModel: upstream, Bound: true}, nil
}

func statusLabel(acc *domain.Account) string {
	if !acc.IsEnabled {
		return "disabled"
	}
	return string(acc.Status)
}

// emptyPoolError distinguishes "everything usable is cooling down" from
// "nothing usable exists".
func emptyPoolError(view []*domain.Account, adapter registry.Adapter, req Request, now time.Time) error {
	var (
		candidates int
		cooling    int
		earliest   *time.Time
	)
	for _, acc := range view {
		// Accounts excluded after a 429 in this request still count, so a
		// retry that runs out of accounts reports when one will recover.
		if acc.Type != domain.AccountShared || acc.Broken() {
			continue
		}
		if _, ok := adapter.Match(acc, req.Model); !ok {
			continue
		}
		candidates++
		if acc.CoolingDown(now) {
			cooling++
			if earliest == nil || acc.RateLimitedUntil.Before(*earliest) {
				until := *acc.RateLimitedUntil
				earliest = &until
			}
		}
	}
	if candidates > 0 && cooling == candidates {
		return &domain.SelectionError{
			Reason:   domain.ReasonAllAccountsRateLimited,
			Platform: req.Platform,
			RetryAt:  earliest,
			Message:  fmt.Sprintf("%d account(s) cooling down", cooling),
		}
	}
	return &domain.SelectionError{
		Reason:   domain.ReasonNoAvailableAccount,
		Platform: req.Platform,
		Message:  fmt.Sprintf("no account serves model %s", req.Model),
	}
}
