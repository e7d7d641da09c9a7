// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Hooks.Enabled = true
	cfg.Hooks.Dir = filepath.Join(t.TempDir(), "hooks")
	cfg.Seed = config.SeedConfig{
		Accounts: []config.SeedAccount{{ID: "claude-a", Platform: "claude", Priority: 1}},
		APIKeys:  []config.SeedAPIKey{{ID: "key-1", Key: "sk-test", Owner: "owner-1"}},
		Wallets:  []config.SeedWallet{{Owner: "owner-1", Balance: 10}},
	}
	return cfg
}

func TestBuild_RoutesSeededAccount(t *testing.T) {
	cfg := testConfig(t)
	svc, err := Build(context.Background(), cfg, clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	defer func() { _ = svc.Shutdown(context.Background()) }()

	body, _ := json.Marshal(map[string]any{"platform": "claude", "model": "claude-sonnet-4", "estimated_cost_micros": 1000})
	req := httptest.NewRequest(http.MethodPost, "/v1/route", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	svc.Server().Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Token     string `json:"token"`
		AccountID string `json:"account_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "claude-a", resp.AccountID)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, 1, svc.router.Pending())
}

func TestBuild_RejectsInvalidSeed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Seed.Wallets = []config.SeedWallet{{Owner: "owner-1", Balance: -5}}

	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestService_ShutdownIsIdempotent(t *testing.T) {
	svc, err := Build(context.Background(), testConfig(t), nil)
	require.NoError(t, err)

	require.NoError(t, svc.Shutdown(context.Background()))
	require.NoError(t, svc.Shutdown(context.Background()))
}

func TestService_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Host = "127.0.0.1"
	svc, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSanitizeError(t *testing.T) {
	err := errors.New(`dial postgres://relay:hunter2@db:5432/relay failed; password=hunter2`)
	got := sanitizeError(err, "open store").Error()

	assert.NotContains(t, got, "hunter2")
	assert.Contains(t, got, "open store: ")
	assert.Contains(t, got, "postgres://relay:***@db:5432")
	assert.Nil(t, sanitizeError(nil, "noop"))
}
