// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package router composes admission, account selection, rate-limit tracking and
// billing into the two-phase routing API: RouteRequest before the upstream
// call and RecordCompletion after it. Do wraps both around a caller-supplied
// upstream call and retries rate-limited attempts on other accounts.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/hooks"
	"github.com/traylinx/switchAIRelay/internal/metrics"
	"github.com/traylinx/switchAIRelay/internal/pricing"
	"github.com/traylinx/switchAIRelay/internal/quota"
	"github.com/traylinx/switchAIRelay/internal/ratelimit"
	"github.com/traylinx/switchAIRelay/internal/registry"
	"github.com/traylinx/switchAIRelay/internal/selector"
	"github.com/traylinx/switchAIRelay/internal/sticky"
	"github.com/traylinx/switchAIRelay/internal/usage"
	"github.com/traylinx/switchAIRelay/internal/wallet"
)

// ErrUnknownToken is returned when a completion names a token that was never
// issued, was already completed, or expired.
var ErrUnknownToken = errors.New("router: unknown or expired admission token")

const (
	DefaultTokenTTL    = 10 * time.Minute
	DefaultMaxAttempts = 3
)

// Deps are the collaborators a Router composes. Ledger, Usage and Events are optional.
type Deps struct {
	Guard    *quota.Guard
	Selector *selector.Selector
	Registry *registry.AccountRegistry
	Monitor  *ratelimit.Monitor
	Ledger   *wallet.Ledger
	Pricing  *pricing.Table
	Usage    *usage.Recorder
	Events   hooks.Publisher
	Metrics  *metrics.Metrics
	Clock    clock.Clock
}

// Options tunes routing behaviour.
type Options struct {
	// TokenTTL bounds how long an issued admission token stays redeemable.
	TokenTTL time.Duration
	// MaxAttempts caps upstream attempts in Do, including the first.
	MaxAttempts int
}

// Request is an inbound request to be routed.
type Request struct {
	KeyValue string
	Platform domain.Platform
	// Service defaults to the platform's own API family.
	Service  domain.Service
	Model    string
	ClientID string
	Body     []byte
	// SessionHash overrides the hash derived from Body.
	SessionHash string
	// EstimatedCost overrides the estimate derived from Body.
	EstimatedCost domain.Money
	MaxTokens     int64
	// RequestLogID identifies the request for billing in Do. Generated when empty.
	RequestLogID string
}

// Route is what the caller needs to dispatch upstream.
type Route struct {
	Token         string
	Account       domain.Account
	UpstreamModel string
	Credentials   domain.Credentials
	// Body is the request body with the model rewritten to UpstreamModel.
	Body          []byte
	Bound         bool
	Sticky        bool
	KeyID         string
	OwnerID       string
	EstimatedCost domain.Money
	ExpiresAt     time.Time
}

// Completion summarizes what RecordCompletion did.
type Completion struct {
	RequestLogID string
	Outcome      domain.OutcomeKind
	Cost         domain.Money
	Charged      domain.Money
	Transaction  *domain.WalletTransaction
	Account      domain.Account
}

type attempt struct {
	token     string
	req       Request
	ticket    *quota.Ticket
	route     *Route
	started   time.Time
	expiresAt time.Time
	attempts  int
}

// Router is the request-routing facade.
type Router struct {
	deps        Deps
	clock       clock.Clock
	metrics     *metrics.Metrics
	tokenTTL    time.Duration
	maxAttempts int

	mu      sync.Mutex
	pending map[string]*attempt
}

// New creates a Router.
func New(deps Deps, opts Options) *Router {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(0)
	}
	if deps.Pricing == nil {
		deps.Pricing = pricing.NewTable(nil)
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Router{
		deps:        deps,
		clock:       deps.Clock,
		metrics:     deps.Metrics,
		tokenTTL:    opts.TokenTTL,
		maxAttempts: opts.MaxAttempts,
		pending:     make(map[string]*attempt),
	}
}

// RouteRequest admits the request, selects an account and issues a token that
// must be passed to RecordCompletion once the upstream call finishes.
func (r *Router) RouteRequest(ctx context.Context, req Request) (*Route, error) {
	req, ticket, err := r.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	a, err := r.place(ctx, req, ticket, nil)
	if err != nil {
		ticket.Release()
		return nil, err
	}
	a.attempts = 1
	r.mu.Lock()
	r.pending[a.token] = a
	r.mu.Unlock()
	return a.route, nil
}

// RecordCompletion applies the upstream outcome to the account, charges the
// wallet and settles the key's counters. A non-positive actualCost is derived
// from outcome.Usage. requestLogID makes the wallet charge idempotent; the
// token is used when it is empty.
func (r *Router) RecordCompletion(ctx context.Context, token, requestLogID string, actualCost domain.Money, outcome domain.Outcome) (*Completion, error) {
	r.mu.Lock()
	a, ok := r.pending[token]
	delete(r.pending, token)
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnknownToken
	}
	if requestLogID == "" {
		requestLogID = token
	}
	return r.finish(ctx, a, requestLogID, actualCost, outcome)
}

// UpstreamCall performs the upstream request for one attempt.
type UpstreamCall func(ctx context.Context, route *Route) domain.Outcome

// Do routes req, runs call and records the result. Rate-limited attempts are
// retried on a different account up to MaxAttempts; admission happens once.
func (r *Router) Do(ctx context.Context, req Request, call UpstreamCall) (*Route, *Completion, error) {
	req, ticket, err := r.admit(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	defer ticket.Release()

	requestLogID := req.RequestLogID
	if requestLogID == "" {
		requestLogID = uuid.NewString()
	}

	exclude := make(map[string]struct{})
	for n := 1; ; n++ {
		a, err := r.place(ctx, req, ticket, exclude)
		if err != nil {
			return nil, nil, err
		}
		a.attempts = n

		outcome := call(ctx, a.route)
		if ctx.Err() != nil && outcome.Kind != domain.OutcomeSuccess {
			outcome.Kind = domain.OutcomeCancelled
		}
		if outcome.Kind == domain.OutcomeUpstreamRateLimited && n < r.maxAttempts {
			r.applyOutcome(ctx, a, outcome)
			exclude[a.route.Account.ID] = struct{}{}
			r.metrics.RecordRetry()
			log.WithFields(log.Fields{
				"account": a.route.Account.ID,
				"attempt": n,
			}).Info("router: upstream rate limited, retrying on another account")
			continue
		}

		completion, err := r.finish(ctx, a, requestLogID, 0, outcome)
		if err != nil {
			return a.route, completion, err
		}
		switch outcome.Kind {
		case domain.OutcomeUpstreamRateLimited:
			return a.route, completion, &domain.UpstreamError{
				AccountID:  a.route.Account.ID,
				StatusCode: outcome.StatusCode,
				Message:    outcome.Message,
				RateLimit:  outcome.RateLimit,
				Attempts:   n,
			}
		case domain.OutcomeUpstreamError:
			return a.route, completion, &domain.UpstreamError{
				AccountID:  a.route.Account.ID,
				StatusCode: outcome.StatusCode,
				Message:    outcome.Message,
				Attempts:   n,
			}
		case domain.OutcomeCancelled:
			if ctx.Err() != nil {
				return a.route, completion, ctx.Err()
			}
			return a.route, completion, context.Canceled
		}
		return a.route, completion, nil
	}
}

// ReapExpired releases every token whose TTL has passed and returns how many were reclaimed.
func (r *Router) ReapExpired() int {
	now := r.clock.Now()
	var expired []*attempt
	r.mu.Lock()
	for token, a := range r.pending {
		if !now.Before(a.expiresAt) {
			expired = append(expired, a)
			delete(r.pending, token)
		}
	}
	r.mu.Unlock()

	for _, a := range expired {
		a.ticket.Release()
		r.metrics.RecordExpiredToken()
		log.WithFields(log.Fields{
			"key":     a.ticket.Key.ID,
			"account": a.route.Account.ID,
		}).Warn("router: admission token expired without completion")
		r.deps.Usage.Record(usage.Record{
			Timestamp:    now,
			RequestLogID: a.token,
			KeyID:        a.ticket.Key.ID,
			OwnerID:      a.ticket.Key.OwnerID,
			Platform:     string(a.req.Platform),
			AccountID:    a.route.Account.ID,
			Model:        a.req.Model,
			Outcome:      "expired",
		})
	}
	return len(expired)
}

// Pending reports how many issued tokens await completion.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) admit(ctx context.Context, req Request) (Request, *quota.Ticket, error) {
	if req.Service == "" {
		req.Service = req.Platform.DefaultService()
	}
	if req.EstimatedCost <= 0 {
		req.EstimatedCost = r.deps.Pricing.Estimate(req.Model, req.Body, req.MaxTokens)
	}
	if req.SessionHash == "" {
		req.SessionHash = sticky.DeriveHash(req.Body)
	}
	ticket, err := r.deps.Guard.Admit(ctx, quota.AdmitRequest{
		KeyValue:      req.KeyValue,
		Service:       req.Service,
		Model:         req.Model,
		ClientID:      req.ClientID,
		EstimatedCost: req.EstimatedCost,
	})
	if err != nil {
		return req, nil, err
	}
	return req, ticket, nil
}

// place selects an account for an admitted request and builds its route.
func (r *Router) place(ctx context.Context, req Request, ticket *quota.Ticket, exclude map[string]struct{}) (*attempt, error) {
	started := r.clock.Now()
	boundID, _ := ticket.Key.BoundAccount(req.Platform)
	sel, err := r.deps.Selector.Select(ctx, selector.Request{
		Platform:       req.Platform,
		Model:          req.Model,
		BoundAccountID: boundID,
		SessionHash:    req.SessionHash,
		Exclude:        exclude,
	})
	if err != nil {
		r.selectionFailed(req, ticket, err)
		return nil, err
	}

	body := req.Body
	if len(body) > 0 && sel.UpstreamModel != "" {
		if adapter, ok := r.deps.Registry.Adapter(req.Platform); ok {
			rewritten, errRewrite := adapter.RewriteModel(body, sel.UpstreamModel)
			if errRewrite != nil {
				log.WithError(errRewrite).WithField("account", sel.Account.ID).Warn("router: model rewrite failed, forwarding body unchanged")
			} else {
				body = rewritten
			}
		}
	}

	now := r.clock.Now()
	a := &attempt{
		token:     uuid.NewString(),
		req:       req,
		ticket:    ticket,
		started:   started,
		expiresAt: now.Add(r.tokenTTL),
	}
	a.route = &Route{
		Token:         a.token,
		Account:       sel.Account,
		UpstreamModel: sel.UpstreamModel,
		Credentials:   sel.Credentials,
		Body:          body,
		Bound:         sel.Bound,
		Sticky:        sel.Sticky,
		KeyID:         ticket.Key.ID,
		OwnerID:       ticket.Key.OwnerID,
		EstimatedCost: ticket.EstimatedCost,
		ExpiresAt:     a.expiresAt,
	}

	r.metrics.RecordSelection(sel.Sticky, now.Sub(started))
	r.publish(&hooks.EventContext{
		Event:     hooks.EventRoutingDecision,
		Platform:  string(req.Platform),
		AccountID: sel.Account.ID,
		KeyID:     ticket.Key.ID,
		OwnerID:   ticket.Key.OwnerID,
		Model:     req.Model,
		Data: map[string]any{
			"upstream_model":   sel.UpstreamModel,
			"sticky":           sel.Sticky,
			"bound":            sel.Bound,
			"estimated_micros": int64(ticket.EstimatedCost),
		},
	})
	return a, nil
}

func (r *Router) selectionFailed(req Request, ticket *quota.Ticket, err error) {
	ev := &hooks.EventContext{
		Event:        hooks.EventSelectionFailed,
		Platform:     string(req.Platform),
		KeyID:        ticket.Key.ID,
		OwnerID:      ticket.Key.OwnerID,
		Model:        req.Model,
		ErrorMessage: err.Error(),
	}
	var selErr *domain.SelectionError
	if errors.As(err, &selErr) {
		r.metrics.RecordSelectionFailure(string(selErr.Reason))
		ev.Reason = string(selErr.Reason)
		if selErr.RetryAt != nil {
			ev.Data = map[string]any{"retry_at": selErr.RetryAt.UTC().Format(time.RFC3339)}
		}
	} else {
		r.metrics.RecordSelectionFailure("internal")
	}
	log.WithFields(log.Fields{"platform": req.Platform, "model": req.Model, "key": ticket.Key.ID}).WithError(err).Warn("router: account selection failed")
	r.publish(ev)
}

// applyOutcome feeds the upstream result into account health.
func (r *Router) applyOutcome(ctx context.Context, a *attempt, outcome domain.Outcome) {
	if r.deps.Monitor == nil {
		return
	}
	id := a.route.Account.ID
	var err error
	switch outcome.Kind {
	case domain.OutcomeSuccess:
		_, err = r.deps.Monitor.OnUpstreamSuccess(ctx, id)
	case domain.OutcomeUpstreamRateLimited:
		info := domain.RateLimitInfo{StatusCode: outcome.StatusCode, ErrorMessage: outcome.Message, Timestamp: r.clock.Now(), LimitType: domain.LimitUnknown}
		if outcome.RateLimit != nil {
			info = *outcome.RateLimit
		}
		_, err = r.deps.Monitor.OnUpstreamRateLimited(ctx, id, info)
	case domain.OutcomeUpstreamError:
		if ratelimit.IsAuthFailure(outcome.StatusCode) {
			_, err = r.deps.Monitor.OnUpstreamAuthFailure(ctx, id, outcome.StatusCode, outcome.Message)
		} else {
			r.deps.Monitor.OnUpstreamError(ctx, id, a.route.Account.Platform, outcome.StatusCode, outcome.Message)
		}
	}
	if err != nil {
		log.WithError(err).WithField("account", id).Warn("router: failed to apply upstream outcome")
	}
}

// finish applies the outcome, charges, settles and records usage. The ticket
// is always released.
func (r *Router) finish(ctx context.Context, a *attempt, requestLogID string, actualCost domain.Money, outcome domain.Outcome) (*Completion, error) {
	defer a.ticket.Release()
	// Bookkeeping must complete even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)

	r.applyOutcome(ctx, a, outcome)

	cost := actualCost
	if cost <= 0 && outcome.Usage.Total() > 0 {
		cost = r.deps.Pricing.Price(a.route.UpstreamModel, outcome.Usage)
	}
	completion := &Completion{
		RequestLogID: requestLogID,
		Outcome:      outcome.Kind,
		Cost:         cost,
		Account:      a.route.Account,
	}
	if r.deps.Registry != nil {
		if acc, ok := r.deps.Registry.Get(a.route.Account.ID); ok {
			completion.Account = acc
		}
	}

	var errs []error
	if r.deps.Ledger != nil && a.ticket.Key.OwnerID != "" {
		tx, err := r.deps.Ledger.Charge(ctx, a.ticket.Key.OwnerID, requestLogID, cost, a.ticket.Hold)
		if err != nil {
			errs = append(errs, fmt.Errorf("router: charge: %w", err))
		} else if tx != nil {
			completion.Transaction = tx
			completion.Charged = -tx.Amount
		}
	}
	if err := r.deps.Guard.Settle(ctx, a.ticket, cost, outcome.Usage.Total()); err != nil {
		errs = append(errs, err)
	}

	rec := usage.Record{
		Timestamp:     r.clock.Now(),
		RequestLogID:  requestLogID,
		KeyID:         a.ticket.Key.ID,
		OwnerID:       a.ticket.Key.OwnerID,
		Platform:      string(a.req.Platform),
		AccountID:     a.route.Account.ID,
		Model:         a.req.Model,
		UpstreamModel: a.route.UpstreamModel,
		Outcome:       string(outcome.Kind),
		InputTokens:   outcome.Usage.InputTokens,
		OutputTokens:  outcome.Usage.OutputTokens,
		CostMicros:    int64(cost),
		ChargedMicros: int64(completion.Charged),
		Attempts:      a.attempts,
		Sticky:        a.route.Sticky,
		Bound:         a.route.Bound,
		DurationMs:    r.clock.Now().Sub(a.started).Milliseconds(),
	}
	if outcome.Kind != domain.OutcomeSuccess {
		rec.Error = outcome.Message
	}
	r.deps.Usage.Record(rec)

	if len(errs) > 0 {
		err := errors.Join(errs...)
		log.WithError(err).WithField("request_log", requestLogID).Error("router: completion bookkeeping failed")
		return completion, err
	}
	return completion, nil
}

func (r *Router) publish(ev *hooks.EventContext) {
	if r.deps.Events == nil {
		return
	}
	ev.Timestamp = r.clock.Now()
	r.deps.Events.PublishAsync(ev)
}
