// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/config"
	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/kv"
	"github.com/traylinx/switchAIRelay/internal/metrics"
	"github.com/traylinx/switchAIRelay/internal/pricing"
	"github.com/traylinx/switchAIRelay/internal/quota"
	"github.com/traylinx/switchAIRelay/internal/ratelimit"
	"github.com/traylinx/switchAIRelay/internal/registry"
	"github.com/traylinx/switchAIRelay/internal/router"
	"github.com/traylinx/switchAIRelay/internal/selector"
	"github.com/traylinx/switchAIRelay/internal/sticky"
	"github.com/traylinx/switchAIRelay/internal/store"
	"github.com/traylinx/switchAIRelay/internal/wallet"
)

const (
	testClientKey   = "sk-relay-1"
	testAdminSecret = "admin-secret"
)

var serverStart = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	server *Server
	clock  *clock.Fake
	reg    *registry.AccountRegistry
	router *router.Router
}

func newTestServer(t *testing.T, adminSecret string, accountIDs ...string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	clk := clock.NewFake(serverStart)
	repo := store.NewMemoryStore()
	m := metrics.New(10)

	reg := registry.New(nil, clk)
	for i, id := range accountIDs {
		require.NoError(t, reg.Upsert(domain.Account{
			ID:          id,
			Name:        id,
			Platform:    domain.PlatformClaude,
			Type:        domain.AccountShared,
			Priority:    i + 1,
			Status:      domain.StatusActive,
			IsEnabled:   true,
			Credentials: domain.Credentials{AccessToken: "token-" + id},
		}))
	}
	require.NoError(t, repo.SaveAPIKey(ctx, domain.APIKey{
		ID:          "key-1",
		Key:         testClientKey,
		OwnerID:     "owner-1",
		Permissions: domain.ServiceAll,
		IsEnabled:   true,
	}))

	ledger := wallet.New(repo, wallet.Options{Clock: clk, Metrics: m})
	_, err := ledger.Recharge(ctx, "owner-1", domain.Dollars(10), "initial")
	require.NoError(t, err)

	monitor := ratelimit.New(reg, ratelimit.Options{Clock: clk, Metrics: m})
	r := router.New(router.Deps{
		Guard:    quota.New(repo, ledger, quota.Options{Clock: clk, Metrics: m, RequireWallet: true}),
		Selector: selector.New(reg, sticky.NewIndex(kv.NewMemoryStore(clk), time.Hour), clk),
		Registry: reg,
		Monitor:  monitor,
		Ledger:   ledger,
		Pricing:  pricing.NewTable(nil),
		Metrics:  m,
		Clock:    clk,
	}, router.Options{})

	cfg := config.Default()
	if adminSecret != "" {
		hash, errHash := bcrypt.GenerateFromPassword([]byte(adminSecret), bcrypt.MinCost)
		require.NoError(t, errHash)
		cfg.Admin.SecretKey = string(hash)
	}

	srv := NewServer(cfg, Deps{
		Router:   r,
		Pending:  r,
		Accounts: reg,
		Wallets:  ledger,
		Metrics:  m,
		Cooldown: monitor.Cooldown(),
		Clock:    clk,
	})
	return &testServer{server: srv, clock: clk, reg: reg, router: r}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	return rr
}

func clientAuth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testClientKey}
}

func adminAuth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminSecret}
}

const routeBody = `{"platform":"claude","estimated_cost_micros":1000,"body":{"model":"claude-sonnet-4","max_tokens":100}}`

func (ts *testServer) route(t *testing.T) string {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/v1/route", routeBody, clientAuth())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	token := gjson.Get(rr.Body.String(), "token").String()
	require.NotEmpty(t, token)
	return token
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, "")
	rr := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", gjson.Get(rr.Body.String(), "status").String())
	assert.NotEmpty(t, rr.Header().Get(RequestIDHeader))
}

func TestRouteAndComplete(t *testing.T) {
	ts := newTestServer(t, "", "acc-a")

	rr := ts.do(t, http.MethodPost, "/v1/route", routeBody, clientAuth())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := rr.Body.String()
	assert.Equal(t, "acc-a", gjson.Get(body, "account_id").String())
	assert.Equal(t, "token-acc-a", gjson.Get(body, "credentials.access_token").String())
	assert.Equal(t, "claude-sonnet-4", gjson.Get(body, "upstream_model").String())
	assert.Equal(t, "claude-sonnet-4", gjson.Get(body, "body.model").String())
	assert.Equal(t, int64(1000), gjson.Get(body, "estimated_cost_micros").Int())
	token := gjson.Get(body, "token").String()
	assert.Equal(t, 1, ts.router.Pending())

	complete := `{"token":"` + token + `","request_log_id":"req-1","cost_micros":2500,"outcome":{"kind":"success","status_code":200,"input_tokens":10,"output_tokens":20}}`
	rr = ts.do(t, http.MethodPost, "/v1/complete", complete, clientAuth())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body = rr.Body.String()
	assert.Equal(t, "req-1", gjson.Get(body, "request_log_id").String())
	assert.Equal(t, int64(2500), gjson.Get(body, "charged_micros").Int())
	assert.Equal(t, int64(10_000_000-2500), gjson.Get(body, "balance_after_micros").Int())
	assert.Equal(t, "active", gjson.Get(body, "account_status").String())
	assert.Zero(t, ts.router.Pending())

	// The token is single use.
	rr = ts.do(t, http.MethodPost, "/v1/complete", complete, clientAuth())
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "unknown_token", gjson.Get(rr.Body.String(), "error.type").String())
}

func TestRoute_AlternateKeyHeaders(t *testing.T) {
	ts := newTestServer(t, "", "acc-a")
	for _, header := range []string{"x-api-key", "x-goog-api-key"} {
		rr := ts.do(t, http.MethodPost, "/v1/route", routeBody, map[string]string{header: testClientKey})
		assert.Equal(t, http.StatusOK, rr.Code, header)
	}
}

func TestRoute_Rejections(t *testing.T) {
	ts := newTestServer(t, "", "acc-a")

	rr := ts.do(t, http.MethodPost, "/v1/route", routeBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "key_invalid", gjson.Get(rr.Body.String(), "error.type").String())

	rr = ts.do(t, http.MethodPost, "/v1/route", `{"platform":"azure","model":"x"}`, clientAuth())
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/route", `{"platform":"claude"}`, clientAuth())
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/route", `not json`, clientAuth())
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/route", `{"platform":"claude","model":"claude-sonnet-4","estimated_cost_micros":20000000}`, clientAuth())
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Equal(t, "insufficient_balance", gjson.Get(rr.Body.String(), "error.type").String())
}

func TestComplete_RateLimitedSetsRetryAfter(t *testing.T) {
	ts := newTestServer(t, "", "acc-a")
	token := ts.route(t)

	complete := `{"token":"` + token + `","outcome":{"kind":"upstream_rate_limited","status_code":429,"headers":{"Retry-After":"30"}}}`
	rr := ts.do(t, http.MethodPost, "/v1/complete", complete, clientAuth())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "rate_limited", gjson.Get(rr.Body.String(), "account_status").String())
	assert.Zero(t, gjson.Get(rr.Body.String(), "charged_micros").Int())

	rr = ts.do(t, http.MethodPost, "/v1/route", routeBody, clientAuth())
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "all_accounts_rate_limited", gjson.Get(rr.Body.String(), "error.type").String())
	assert.Equal(t, "30", rr.Header().Get("Retry-After"))

	ts.clock.Advance(31 * time.Second)
	rr = ts.do(t, http.MethodPost, "/v1/route", routeBody, clientAuth())
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestComplete_InvalidRequests(t *testing.T) {
	ts := newTestServer(t, "", "acc-a")
	token := ts.route(t)

	rr := ts.do(t, http.MethodPost, "/v1/complete", `{"outcome":{"kind":"success"}}`, clientAuth())
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/complete", `{"token":"`+token+`","outcome":{"kind":"exploded"}}`, clientAuth())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 1, ts.router.Pending(), "a rejected report leaves the token redeemable")
}

func TestAdmin_Auth(t *testing.T) {
	disabled := newTestServer(t, "", "acc-a")
	rr := disabled.do(t, http.MethodGet, "/admin/accounts", "", adminAuth())
	assert.Equal(t, http.StatusForbidden, rr.Code)

	ts := newTestServer(t, testAdminSecret, "acc-a")
	rr = ts.do(t, http.MethodGet, "/admin/accounts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = ts.do(t, http.MethodGet, "/admin/accounts", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = ts.do(t, http.MethodGet, "/admin/accounts", "", map[string]string{"X-Management-Key": testAdminSecret})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAdmin_Accounts(t *testing.T) {
	ts := newTestServer(t, testAdminSecret, "acc-a", "acc-b")

	rr := ts.do(t, http.MethodGet, "/admin/accounts", "", adminAuth())
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Equal(t, int64(2), gjson.Get(body, "accounts.#").Int())
	assert.Equal(t, "acc-a", gjson.Get(body, "accounts.0.id").String())
	assert.True(t, gjson.Get(body, "accounts.0.schedulable").Bool())
	assert.NotContains(t, body, "token-acc-a")

	rr = ts.do(t, http.MethodPut, "/admin/accounts/acc-a/enabled", `{"enabled":false}`, adminAuth())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.False(t, gjson.Get(rr.Body.String(), "enabled").Bool())
	acc, ok := ts.reg.Get("acc-a")
	require.True(t, ok)
	assert.False(t, acc.IsEnabled)

	rr = ts.do(t, http.MethodPost, "/v1/route", routeBody, clientAuth())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "acc-b", gjson.Get(rr.Body.String(), "account_id").String())

	rr = ts.do(t, http.MethodPut, "/admin/accounts/missing/enabled", `{"enabled":true}`, adminAuth())
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodPut, "/admin/accounts/acc-a/enabled", `{}`, adminAuth())
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodGet, "/admin/accounts?platform=gemini", "", adminAuth())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(0), gjson.Get(rr.Body.String(), "accounts.#").Int())
}

func TestAdmin_Wallets(t *testing.T) {
	ts := newTestServer(t, testAdminSecret, "acc-a")

	token := ts.route(t)
	rr := ts.do(t, http.MethodGet, "/admin/wallets/owner-1", "", adminAuth())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(10_000_000), gjson.Get(rr.Body.String(), "balance_micros").Int())
	assert.Equal(t, int64(1000), gjson.Get(rr.Body.String(), "held_micros").Int())
	assert.Equal(t, int64(10_000_000-1000), gjson.Get(rr.Body.String(), "available_micros").Int())

	complete := `{"token":"` + token + `","request_log_id":"req-9","cost_micros":4000,"outcome":{"kind":"success"}}`
	rr = ts.do(t, http.MethodPost, "/v1/complete", complete, clientAuth())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodPost, "/admin/wallets/owner-1/refund", `{"request_log_id":"req-9"}`, adminAuth())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "refund", gjson.Get(rr.Body.String(), "type").String())
	assert.Equal(t, int64(4000), gjson.Get(rr.Body.String(), "amount_micros").Int())
	assert.Equal(t, int64(10_000_000), gjson.Get(rr.Body.String(), "balance_after_micros").Int())

	rr = ts.do(t, http.MethodPost, "/admin/wallets/owner-1/refund", `{"request_log_id":"req-9"}`, adminAuth())
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = ts.do(t, http.MethodPost, "/admin/wallets/owner-1/refund", `{"request_log_id":"nope"}`, adminAuth())
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodPost, "/admin/wallets/owner-1/recharge", `{"amount":5}`, adminAuth())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, int64(15_000_000), gjson.Get(rr.Body.String(), "balance_after_micros").Int())

	rr = ts.do(t, http.MethodPost, "/admin/wallets/owner-1/recharge", `{"amount":-1}`, adminAuth())
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodGet, "/admin/wallets/owner-1?limit=2", "", adminAuth())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(2), gjson.Get(rr.Body.String(), "transactions.#").Int())
	assert.Equal(t, "recharge", gjson.Get(rr.Body.String(), "transactions.0.type").String())

	rr = ts.do(t, http.MethodGet, "/admin/wallets/ghost", "", adminAuth())
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdmin_Metrics(t *testing.T) {
	ts := newTestServer(t, testAdminSecret, "acc-a")
	ts.route(t)

	rr := ts.do(t, http.MethodGet, "/admin/metrics", "", adminAuth())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(1), gjson.Get(rr.Body.String(), "pending_tokens").Int())
	assert.Equal(t, int64(1), gjson.Get(rr.Body.String(), "relay.admissions").Int())
}
