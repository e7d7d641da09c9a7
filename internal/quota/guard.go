// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package quota admits requests against API key policy, usage ceilings and the
// owner's wallet. Admission reserves capacity that a Ticket gives back exactly
// once, so concurrent requests can never both pass against the same headroom.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/hooks"
	"github.com/traylinx/switchAIRelay/internal/metrics"
	"github.com/traylinx/switchAIRelay/internal/store"
	"github.com/traylinx/switchAIRelay/internal/util"
	"github.com/traylinx/switchAIRelay/internal/wallet"
)

// ErrTicketClosed is returned when a ticket is settled after it was released.
var ErrTicketClosed = errors.New("quota: ticket already released")

const defaultDefinitionTTL = 30 * time.Second

// Reserver places wallet holds at admission time.
type Reserver interface {
	Reserve(ctx context.Context, ownerID string, amount domain.Money) (*wallet.Hold, error)
}

// Options configures a Guard.
type Options struct {
	Clock clock.Clock
	// Location decides where daily and monthly counters roll over. Defaults to UTC.
	Location *time.Location
	Events   hooks.Publisher
	Metrics  *metrics.Metrics
	// RequireWallet rejects keys without an owner wallet.
	RequireWallet bool
	// DefinitionTTL bounds how long a cached key definition is used before it is reloaded.
	DefinitionTTL time.Duration
}

// AdmitRequest is what the caller presents for admission.
type AdmitRequest struct {
	KeyValue      string
	Service       domain.Service
	Model         string
	ClientID      string
	EstimatedCost domain.Money
}

type keyState struct {
	key      domain.APIKey
	loadedAt time.Time

	inFlight int
	window   []time.Time
	reserved domain.Money
}

// Guard enforces per-key admission policy.
type Guard struct {
	repo    store.APIKeyRepository
	wallets Reserver
	clock   clock.Clock
	loc     *time.Location
	events  hooks.Publisher
	metrics *metrics.Metrics
	ttl     time.Duration

	requireWallet bool

	locks *util.KeyedMutex

	mu     sync.Mutex
	states map[string]*keyState
}

// New creates a Guard. wallets may be nil, which skips the balance check.
func New(repo store.APIKeyRepository, wallets Reserver, opts Options) *Guard {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(0)
	}
	if opts.DefinitionTTL <= 0 {
		opts.DefinitionTTL = defaultDefinitionTTL
	}
	return &Guard{
		repo:          repo,
		wallets:       wallets,
		clock:         opts.Clock,
		loc:           opts.Location,
		events:        opts.Events,
		metrics:       opts.Metrics,
		ttl:           opts.DefinitionTTL,
		requireWallet: opts.RequireWallet,
		locks:         util.NewKeyedMutex(),
		states:        make(map[string]*keyState),
	}
}

// Ticket is an admitted request's claim on key capacity and wallet balance.
type Ticket struct {
	Key           domain.APIKey
	EstimatedCost domain.Money
	Hold          *wallet.Hold
	AdmittedAt    time.Time

	guard *Guard
	once  sync.Once
}

// Release gives the ticket's capacity back. Only the first call has an effect.
func (t *Ticket) Release() {
	if t == nil || t.guard == nil {
		return
	}
	t.once.Do(func() {
		unlock := t.guard.locks.Lock(t.Key.Key)
		defer unlock()
		t.guard.releaseLocked(t)
	})
}

// Admit runs the admission checks in order and returns the first failure as a
// *domain.AdmissionError. On success the returned ticket must be released or settled.
func (g *Guard) Admit(ctx context.Context, req AdmitRequest) (*Ticket, error) {
	if req.KeyValue == "" {
		return nil, g.reject(req, nil, domain.Reject(domain.ReasonKeyInvalid, "missing api key"))
	}
	unlock := g.locks.Lock(req.KeyValue)
	defer unlock()

	now := g.clock.Now()
	st, err := g.stateLocked(ctx, req.KeyValue, now)
	if err != nil {
		var admErr *domain.AdmissionError
		if errors.As(err, &admErr) {
			return nil, g.reject(req, nil, admErr)
		}
		return nil, err
	}
	key := &st.key

	if admErr := g.check(st, req, now); admErr != nil {
		return nil, g.reject(req, key, admErr)
	}

	var hold *wallet.Hold
	switch {
	case key.OwnerID == "" && g.requireWallet:
		return nil, g.reject(req, key, domain.Reject(domain.ReasonInsufficientBalance, "key %s has no wallet owner", key.ID))
	case key.OwnerID != "" && g.wallets != nil:
		hold, err = g.wallets.Reserve(ctx, key.OwnerID, req.EstimatedCost)
		if err != nil {
			var admErr *domain.AdmissionError
			if errors.As(err, &admErr) {
				return nil, g.reject(req, key, admErr)
			}
			return nil, fmt.Errorf("quota: reserve wallet: %w", err)
		}
	}

	st.inFlight++
	st.window = append(st.window, now)
	st.reserved += req.EstimatedCost
	g.metrics.RecordAdmission()

	return &Ticket{
		Key:           key.Clone(),
		EstimatedCost: req.EstimatedCost,
		Hold:          hold,
		AdmittedAt:    now,
		guard:         g,
	}, nil
}

// check evaluates policy and usage ceilings. The caller holds the key lock.
func (g *Guard) check(st *keyState, req AdmitRequest, now time.Time) *domain.AdmissionError {
	key := &st.key
	if !key.IsEnabled {
		return domain.Reject(domain.ReasonKeyInvalid, "key %s is disabled", key.ID)
	}
	if key.Expired(now) {
		return domain.Reject(domain.ReasonKeyInvalid, "key %s expired", key.ID)
	}
	perm := key.Permissions
	if perm == "" {
		perm = domain.ServiceAll
	}
	if !perm.Allows(req.Service) {
		return domain.Reject(domain.ReasonServiceForbidden, "key %s may not use %s", key.ID, req.Service)
	}
	if key.ModelRestricted(req.Model) {
		return domain.Reject(domain.ReasonModelForbidden, "model %s is restricted", req.Model)
	}
	if !key.ClientAllowed(req.ClientID) {
		return domain.Reject(domain.ReasonClientForbidden, "client %q is not allowed", req.ClientID)
	}
	if key.ConcurrencyLimit > 0 && st.inFlight >= key.ConcurrencyLimit {
		return domain.Reject(domain.ReasonConcurrencyExceeded, "%d of %d concurrent requests in flight", st.inFlight, key.ConcurrencyLimit)
	}
	if key.RateLimitRequests > 0 && key.RateLimitWindow > 0 {
		window := time.Duration(key.RateLimitWindow) * time.Minute
		if n := st.count(now, window); n >= key.RateLimitRequests {
			return domain.Reject(domain.ReasonRateWindowExceeded, "%d requests in the last %s", n, window)
		}
	}

	g.rollover(key, now)
	committed := st.reserved + req.EstimatedCost
	if key.DailyCostLimit > 0 && key.DailyCostUsed+committed > key.DailyCostLimit {
		return domain.Reject(domain.ReasonDailyCostExceeded, "daily usage %s + %s exceeds %s", key.DailyCostUsed, committed, key.DailyCostLimit)
	}
	if key.MonthlyCostLimit > 0 && key.MonthlyCostUsed+committed > key.MonthlyCostLimit {
		return domain.Reject(domain.ReasonMonthlyCostExceeded, "monthly usage %s + %s exceeds %s", key.MonthlyCostUsed, committed, key.MonthlyCostLimit)
	}
	if key.TotalCostLimit > 0 && key.TotalCostUsed+committed > key.TotalCostLimit {
		return domain.Reject(domain.ReasonTotalCostExceeded, "total usage %s + %s exceeds %s", key.TotalCostUsed, committed, key.TotalCostLimit)
	}
	if key.TokenLimit > 0 && key.TokensUsed >= key.TokenLimit {
		return domain.Reject(domain.ReasonTokenLimitExceeded, "%d of %d tokens used", key.TokensUsed, key.TokenLimit)
	}
	return nil
}

// count prunes timestamps older than window and returns how many remain.
func (st *keyState) count(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	i := 0
	for i < len(st.window) && !st.window[i].After(cutoff) {
		i++
	}
	st.window = st.window[i:]
	return len(st.window)
}

// rollover resets daily and monthly counters once their period has ended.
func (g *Guard) rollover(key *domain.APIKey, now time.Time) {
	local := now.In(g.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.loc)
	if key.UsagePeriodStart.IsZero() {
		key.UsagePeriodStart = dayStart
		return
	}
	if !key.UsagePeriodStart.Before(dayStart) {
		return
	}
	prev := key.UsagePeriodStart.In(g.loc)
	key.DailyCostUsed = 0
	if prev.Year() != local.Year() || prev.Month() != local.Month() {
		key.MonthlyCostUsed = 0
	}
	key.UsagePeriodStart = dayStart
}

// Settle moves the ticket's reservation into the key's usage counters, persists
// them and releases the ticket.
func (g *Guard) Settle(ctx context.Context, t *Ticket, actualCost domain.Money, tokens int64) error {
	if t == nil || t.guard != g {
		return errors.New("quota: foreign ticket")
	}
	unlock := g.locks.Lock(t.Key.Key)
	defer unlock()

	settled := false
	t.once.Do(func() {
		g.releaseLocked(t)
		settled = true
	})
	if !settled {
		return ErrTicketClosed
	}

	g.mu.Lock()
	st, ok := g.states[t.Key.Key]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	key := &st.key
	g.rollover(key, g.clock.Now())
	if actualCost > 0 {
		key.DailyCostUsed += actualCost
		key.MonthlyCostUsed += actualCost
		key.TotalCostUsed += actualCost
	}
	if tokens > 0 {
		key.TokensUsed += tokens
	}
	if err := g.repo.SaveAPIKeyUsage(ctx, key.Clone()); err != nil {
		return fmt.Errorf("quota: save usage for key %s: %w", key.ID, err)
	}
	return nil
}

// InFlight reports the number of unreleased tickets for keyValue.
func (g *Guard) InFlight(keyValue string) int {
	unlock := g.locks.Lock(keyValue)
	defer unlock()
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.states[keyValue]; ok {
		return st.inFlight
	}
	return 0
}

// Usage returns the cached view of a key, including in-memory counters.
func (g *Guard) Usage(keyValue string) (domain.APIKey, bool) {
	unlock := g.locks.Lock(keyValue)
	defer unlock()
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[keyValue]
	if !ok {
		return domain.APIKey{}, false
	}
	return st.key.Clone(), true
}

func (g *Guard) releaseLocked(t *Ticket) {
	g.mu.Lock()
	st, ok := g.states[t.Key.Key]
	g.mu.Unlock()
	if ok {
		if st.inFlight > 0 {
			st.inFlight--
		}
		st.reserved -= t.EstimatedCost
		if st.reserved < 0 {
			st.reserved = 0
		}
	}
	t.Hold.Release()
	g.metrics.RecordRelease()
}

// stateLocked returns the cached key state, reloading the definition once it is
// older than the TTL. In-memory usage counters survive reloads. The caller holds
// the key lock.
func (g *Guard) stateLocked(ctx context.Context, keyValue string, now time.Time) (*keyState, error) {
	g.mu.Lock()
	st, ok := g.states[keyValue]
	g.mu.Unlock()
	if ok && now.Sub(st.loadedAt) < g.ttl {
		return st, nil
	}

	fresh, err := g.repo.LoadAPIKey(ctx, keyValue)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.Reject(domain.ReasonKeyInvalid, "unknown api key")
		}
		if ok {
			log.WithError(err).WithField("key", st.key.ID).Warn("quota: key reload failed, using cached definition")
			return st, nil
		}
		return nil, fmt.Errorf("quota: load key: %w", err)
	}

	if !ok {
		st = &keyState{key: fresh.Clone(), loadedAt: now}
		g.mu.Lock()
		g.states[keyValue] = st
		g.mu.Unlock()
		return st, nil
	}
	next := fresh.Clone()
	next.TokensUsed = st.key.TokensUsed
	next.DailyCostUsed = st.key.DailyCostUsed
	next.MonthlyCostUsed = st.key.MonthlyCostUsed
	next.TotalCostUsed = st.key.TotalCostUsed
	next.UsagePeriodStart = st.key.UsagePeriodStart
	st.key = next
	st.loadedAt = now
	return st, nil
}

func (g *Guard) reject(req AdmitRequest, key *domain.APIKey, err *domain.AdmissionError) error {
	g.metrics.RecordRejection(string(err.Reason))
	fields := log.Fields{"reason": err.Reason, "model": req.Model}
	ev := &hooks.EventContext{
		Event:        hooks.EventAdmissionRejected,
		Timestamp:    g.clock.Now(),
		Model:        req.Model,
		Reason:       string(err.Reason),
		ErrorMessage: err.Message,
		Data:         map[string]any{"service": string(req.Service), "estimated_micros": int64(req.EstimatedCost)},
	}
	if key != nil {
		fields["key"] = key.ID
		ev.KeyID = key.ID
		ev.OwnerID = key.OwnerID
	}
	log.WithFields(fields).Debug("quota: admission rejected")
	if g.events != nil {
		g.events.PublishAsync(ev)
	}
	return err
}
