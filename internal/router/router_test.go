// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/hooks"
	"github.com/traylinx/switchAIRelay/internal/kv"
	"github.com/traylinx/switchAIRelay/internal/metrics"
	"github.com/traylinx/switchAIRelay/internal/pricing"
	"github.com/traylinx/switchAIRelay/internal/quota"
	"github.com/traylinx/switchAIRelay/internal/ratelimit"
	"github.com/traylinx/switchAIRelay/internal/registry"
	"github.com/traylinx/switchAIRelay/internal/selector"
	"github.com/traylinx/switchAIRelay/internal/sticky"
	"github.com/traylinx/switchAIRelay/internal/store"
	"github.com/traylinx/switchAIRelay/internal/wallet"
)

var routerStart = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// noSessionBody carries no text, so no sticky session hash is derived from it.
var noSessionBody = []byte(`{"model":"claude-sonnet-4","max_tokens":100}`)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*hooks.EventContext
}

func (p *recordingPublisher) PublishAsync(ev *hooks.EventContext) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) count(event hooks.HookEvent) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Event == event {
			n++
		}
	}
	return n
}

type harness struct {
	clock   *clock.Fake
	repo    *store.MemoryStore
	reg     *registry.AccountRegistry
	ledger  *wallet.Ledger
	guard   *quota.Guard
	router  *Router
	events  *recordingPublisher
	metrics *metrics.Metrics
}

func sharedAccount(id string, priority int) domain.Account {
	return domain.Account{
		ID:        id,
		Name:      id,
		Platform:  domain.PlatformClaude,
		Type:      domain.AccountShared,
		Priority:  priority,
		Status:    domain.StatusActive,
		IsEnabled: true,
		Credentials: domain.Credentials{
			AccessToken: "token-" + id,
		},
	}
}

func testKey() domain.APIKey {
	return domain.APIKey{
		ID:          "key-1",
		Key:         "sk-relay-1",
		Name:        "router test",
		OwnerID:     "owner-1",
		Permissions: domain.ServiceAll,
		IsEnabled:   true,
	}
}

func newHarness(t *testing.T, key domain.APIKey, opts Options, accounts ...domain.Account) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		clock:   clock.NewFake(routerStart),
		repo:    store.NewMemoryStore(),
		events:  &recordingPublisher{},
		metrics: metrics.New(10),
	}
	h.reg = registry.New(nil, h.clock)
	for _, acc := range accounts {
		require.NoError(t, h.reg.Upsert(acc))
	}
	require.NoError(t, h.repo.SaveAPIKey(ctx, key))
	require.NoError(t, h.repo.SaveWallet(ctx, domain.Wallet{ID: "w-1", OwnerID: "owner-1", Status: domain.WalletActive}))

	h.ledger = wallet.New(h.repo, wallet.Options{Clock: h.clock, Events: h.events, Metrics: h.metrics})
	_, err := h.ledger.Recharge(ctx, "owner-1", domain.Dollars(10), "initial")
	require.NoError(t, err)

	h.guard = quota.New(h.repo, h.ledger, quota.Options{Clock: h.clock, Events: h.events, Metrics: h.metrics, RequireWallet: true})
	idx := sticky.NewIndex(kv.NewMemoryStore(h.clock), time.Hour)
	h.router = New(Deps{
		Guard:    h.guard,
		Selector: selector.New(h.reg, idx, h.clock),
		Registry: h.reg,
		Monitor:  ratelimit.New(h.reg, ratelimit.Options{Clock: h.clock, Events: h.events, Metrics: h.metrics}),
		Ledger:   h.ledger,
		Pricing:  pricing.NewTable(nil),
		Events:   h.events,
		Metrics:  h.metrics,
		Clock:    h.clock,
	}, opts)
	return h
}

func (h *harness) request(body []byte) Request {
	return Request{
		KeyValue: "sk-relay-1",
		Platform: domain.PlatformClaude,
		Model:    "claude-sonnet-4",
		Body:     body,
	}
}

func rateLimited(now time.Time, retryAfter int) domain.Outcome {
	return domain.Outcome{
		Kind:       domain.OutcomeUpstreamRateLimited,
		StatusCode: http.StatusTooManyRequests,
		Message:    "rate limited",
		RateLimit: &domain.RateLimitInfo{
			StatusCode:        http.StatusTooManyRequests,
			RetryAfterSeconds: retryAfter,
			Timestamp:         now,
			LimitType:         domain.LimitRequests,
		},
	}
}

func success(in, out int64) domain.Outcome {
	return domain.Outcome{Kind: domain.OutcomeSuccess, StatusCode: http.StatusOK, Usage: domain.Usage{InputTokens: in, OutputTokens: out}}
}

func TestRouter_FailoverAndLazyRecovery(t *testing.T) {
	h := newHarness(t, testKey(), Options{}, sharedAccount("acc-a", 1), sharedAccount("acc-b", 2))
	ctx := context.Background()

	first, err := h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.NoError(t, err)
	assert.Equal(t, "acc-a", first.Account.ID)
	assert.Equal(t, "token-acc-a", first.Credentials.AccessToken)
	_, err = h.router.RecordCompletion(ctx, first.Token, "req-1", 0, rateLimited(h.clock.Now(), 60))
	require.NoError(t, err)

	second, err := h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.NoError(t, err)
	assert.Equal(t, "acc-b", second.Account.ID)
	_, err = h.router.RecordCompletion(ctx, second.Token, "req-2", 0, success(100, 100))
	require.NoError(t, err)

	h.clock.Advance(61 * time.Second)
	third, err := h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.NoError(t, err)
	assert.Equal(t, "acc-a", third.Account.ID, "cooldown elapsed without any reactivation step")
	assert.Equal(t, domain.StatusActive, third.Account.Status)
	_, err = h.router.RecordCompletion(ctx, third.Token, "req-3", 0, success(10, 10))
	require.NoError(t, err)

	assert.Equal(t, 1, h.events.count(hooks.EventUpstreamRateLimited))
	assert.Equal(t, 0, h.guard.InFlight("sk-relay-1"))
}

func TestRouter_StickySessionKeepsAccount(t *testing.T) {
	h := newHarness(t, testKey(), Options{}, sharedAccount("acc-a", 1), sharedAccount("acc-b", 1))
	ctx := context.Background()
	body := []byte(`{"model":"claude-sonnet-4","system":"You are a code reviewer.","messages":[{"role":"user","content":"hello"}]}`)

	first, err := h.router.RouteRequest(ctx, h.request(body))
	require.NoError(t, err)
	_, err = h.router.RecordCompletion(ctx, first.Token, "", 0, success(10, 10))
	require.NoError(t, err)

	// Without affinity the least recently used account would be chosen next.
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Second)
		next, err := h.router.RouteRequest(ctx, h.request(body))
		require.NoError(t, err)
		assert.Equal(t, first.Account.ID, next.Account.ID)
		assert.True(t, next.Sticky)
		_, err = h.router.RecordCompletion(ctx, next.Token, "", 0, success(10, 10))
		require.NoError(t, err)
	}

	other, err := h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.NoError(t, err)
	assert.NotEqual(t, first.Account.ID, other.Account.ID)
	other2, err := h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.NoError(t, err)
	assert.NotEqual(t, other.Account.ID, other2.Account.ID)
}

func TestRouter_RecordCompletionChargesOnce(t *testing.T) {
	h := newHarness(t, testKey(), Options{}, sharedAccount("acc-a", 1))
	ctx := context.Background()

	route, err := h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.NoError(t, err)
	assert.Equal(t, 1, h.router.Pending())
	assert.Equal(t, 1, h.guard.InFlight("sk-relay-1"))
	assert.Greater(t, int64(h.ledger.Held("owner-1")), int64(0))

	completion, err := h.router.RecordCompletion(ctx, route.Token, "req-1", 0, success(1000, 500))
	require.NoError(t, err)
	assert.Equal(t, domain.Money(10_500), completion.Cost)
	assert.Equal(t, domain.Money(10_500), completion.Charged)
	require.NotNil(t, completion.Transaction)

	_, err = h.router.RecordCompletion(ctx, route.Token, "req-1", 0, success(1000, 500))
	require.ErrorIs(t, err, ErrUnknownToken)

	bal, err := h.ledger.Balance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Dollars(10)-10_500, bal.Wallet.Balance)
	assert.Equal(t, domain.Money(0), bal.Held)

	stored, err := h.repo.LoadAPIKey(ctx, "sk-relay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Money(10_500), stored.TotalCostUsed)
	assert.Equal(t, int64(1500), stored.TokensUsed)
	assert.Equal(t, 0, h.router.Pending())
	assert.Equal(t, 0, h.guard.InFlight("sk-relay-1"))
}

func TestRouter_ExplicitCostOverridesUsage(t *testing.T) {
	h := newHarness(t, testKey(), Options{}, sharedAccount("acc-a", 1))
	ctx := context.Background()

	route, err := h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.NoError(t, err)
	completion, err := h.router.RecordCompletion(ctx, route.Token, "req-1", domain.Dollars(0.25), success(1000, 500))
	require.NoError(t, err)
	assert.Equal(t, domain.Dollars(0.25), completion.Charged)
}

func TestRouter_AllAccountsRateLimited(t *testing.T) {
	h := newHarness(t, testKey(), Options{}, sharedAccount("acc-a", 1), sharedAccount("acc-b", 2))
	ctx := context.Background()
	soon := h.clock.Now().Add(30 * time.Second)
	later := h.clock.Now().Add(90 * time.Second)
	_, err := h.reg.MarkRateLimited("acc-a", later, "429")
	require.NoError(t, err)
	_, err = h.reg.MarkRateLimited("acc-b", soon, "429")
	require.NoError(t, err)

	_, err = h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.ErrorIs(t, err, domain.ErrAllAccountsRateLimited)
	var selErr *domain.SelectionError
	require.True(t, errors.As(err, &selErr))
	require.NotNil(t, selErr.RetryAt)
	assert.Equal(t, soon, *selErr.RetryAt)
	assert.True(t, selErr.Retryable())

	assert.Equal(t, 0, h.guard.InFlight("sk-relay-1"))
	assert.Equal(t, domain.Money(0), h.ledger.Held("owner-1"))
	assert.Equal(t, 1, h.events.count(hooks.EventSelectionFailed))
	assert.Equal(t, int64(1), h.metrics.Snapshot().SelectionFailures[string(domain.ReasonAllAccountsRateLimited)])
}

func TestRouter_AdmissionFailureSkipsSelection(t *testing.T) {
	key := testKey()
	key.IsEnabled = false
	h := newHarness(t, key, Options{}, sharedAccount("acc-a", 1))

	_, err := h.router.RouteRequest(context.Background(), h.request(noSessionBody))
	require.ErrorIs(t, err, domain.ErrKeyInvalid)
	acc, ok := h.reg.Get("acc-a")
	require.True(t, ok)
	assert.Equal(t, int64(0), acc.UsageCount)
}

func TestRouter_BoundKeyUsesDedicatedAccount(t *testing.T) {
	dedicated := sharedAccount("acc-d", 5)
	dedicated.Type = domain.AccountDedicated
	key := testKey()
	key.BoundAccounts = map[domain.Platform]string{domain.PlatformClaude: "acc-d"}
	h := newHarness(t, key, Options{}, sharedAccount("acc-a", 1), dedicated)
	ctx := context.Background()

	route, err := h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.NoError(t, err)
	assert.Equal(t, "acc-d", route.Account.ID)
	assert.True(t, route.Bound)
	_, err = h.router.RecordCompletion(ctx, route.Token, "", 0, rateLimited(h.clock.Now(), 120))
	require.NoError(t, err)

	_, err = h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.ErrorIs(t, err, domain.ErrBoundAccountUnavailable)
	var selErr *domain.SelectionError
	require.True(t, errors.As(err, &selErr))
	require.NotNil(t, selErr.RetryAt)
	assert.Equal(t, routerStart.Add(120*time.Second), *selErr.RetryAt)

	// An unbound key still reaches the shared pool, never the dedicated account.
	other := testKey()
	other.ID, other.Key = "key-2", "sk-relay-2"
	require.NoError(t, h.repo.SaveAPIKey(ctx, other))
	h.clock.Advance(3 * time.Minute)
	req := h.request(noSessionBody)
	req.KeyValue = "sk-relay-2"
	route, err = h.router.RouteRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "acc-a", route.Account.ID)
}

func TestRouter_RewritesModelToUpstreamAlias(t *testing.T) {
	acc := sharedAccount("acc-a", 1)
	acc.SupportedModels = map[string]string{"sonnet": "claude-sonnet-4-20250514"}
	h := newHarness(t, testKey(), Options{}, acc)

	req := h.request([]byte(`{"model":"sonnet","max_tokens":10}`))
	req.Model = "sonnet"
	route, err := h.router.RouteRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", route.UpstreamModel)
	assert.Equal(t, "claude-sonnet-4-20250514", gjson.GetBytes(route.Body, "model").String())
	assert.Equal(t, int64(10), gjson.GetBytes(route.Body, "max_tokens").Int())
}

func TestRouter_AuthFailureTakesAccountOutOfRotation(t *testing.T) {
	h := newHarness(t, testKey(), Options{}, sharedAccount("acc-a", 1), sharedAccount("acc-b", 2))
	ctx := context.Background()

	route, err := h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.NoError(t, err)
	_, err = h.router.RecordCompletion(ctx, route.Token, "", 0, domain.Outcome{Kind: domain.OutcomeUpstreamError, StatusCode: http.StatusUnauthorized, Message: "invalid token"})
	require.NoError(t, err)

	acc, _ := h.reg.Get("acc-a")
	assert.Equal(t, domain.StatusError, acc.Status)
	h.clock.Advance(time.Hour)
	next, err := h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.NoError(t, err)
	assert.Equal(t, "acc-b", next.Account.ID)
}

func TestRouter_ReapExpiredReleasesCapacity(t *testing.T) {
	key := testKey()
	key.ConcurrencyLimit = 1
	h := newHarness(t, key, Options{TokenTTL: time.Minute}, sharedAccount("acc-a", 1))
	ctx := context.Background()

	route, err := h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.NoError(t, err)
	_, err = h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.ErrorIs(t, err, domain.ErrConcurrencyExceeded)

	assert.Equal(t, 0, h.router.ReapExpired())
	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.router.ReapExpired())
	assert.Equal(t, 0, h.guard.InFlight("sk-relay-1"))
	assert.Equal(t, domain.Money(0), h.ledger.Held("owner-1"))

	_, err = h.router.RecordCompletion(ctx, route.Token, "", 0, success(1, 1))
	require.ErrorIs(t, err, ErrUnknownToken)

	again, err := h.router.RouteRequest(ctx, h.request(noSessionBody))
	require.NoError(t, err)
	assert.NotEqual(t, route.Token, again.Token)
	assert.Equal(t, int64(1), h.metrics.Snapshot().ExpiredTokens)
}
