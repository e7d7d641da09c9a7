// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/hooks"
	"github.com/traylinx/switchAIRelay/internal/metrics"
	"github.com/traylinx/switchAIRelay/internal/registry"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*hooks.EventContext
}

func (p *recordingPublisher) PublishAsync(ev *hooks.EventContext) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func newMonitor(t *testing.T) (*Monitor, *registry.AccountRegistry, *clock.Fake, *recordingPublisher) {
	t.Helper()
	c := clock.NewFake(parseNow)
	reg := registry.New(nil, c)
	require.NoError(t, reg.Upsert(domain.Account{
		ID: "acc-a", Platform: domain.PlatformClaude, Type: domain.AccountShared,
		Priority: 1, Status: domain.StatusActive, IsEnabled: true,
	}))
	events := &recordingPublisher{}
	m := New(reg, Options{Clock: c, Events: events, Metrics: metrics.New(10)})
	return m, reg, c, events
}

func TestMonitor_RateLimitAndLazyRecovery(t *testing.T) {
	m, reg, c, events := newMonitor(t)
	ctx := context.Background()

	info := domain.RateLimitInfo{StatusCode: 429, RetryAfterSeconds: 60, Timestamp: c.Now(), LimitType: domain.LimitRequests, ErrorMessage: "slow down"}
	acc, err := m.OnUpstreamRateLimited(ctx, "acc-a", info)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRateLimited, acc.Status)
	require.NotNil(t, acc.RateLimitedUntil)
	assert.Equal(t, c.Now().Add(60*time.Second), *acc.RateLimitedUntil)
	assert.Contains(t, acc.LastError, "slow down")
	assert.False(t, acc.Schedulable(c.Now()))

	c.Advance(61 * time.Second)
	stored, _ := reg.Get("acc-a")
	assert.True(t, stored.Schedulable(c.Now()), "cooldown ends without any timer")

	acc, err = m.OnUpstreamSuccess(ctx, "acc-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, acc.Status)
	assert.Nil(t, acc.RateLimitedUntil)
	assert.Empty(t, acc.LastError)

	require.Len(t, events.events, 1)
	assert.Equal(t, hooks.EventUpstreamRateLimited, events.events[0].Event)
	assert.Equal(t, "acc-a", events.events[0].AccountID)
}

func TestMonitor_MissingRetryUsesDefaultCooldown(t *testing.T) {
	m, _, c, _ := newMonitor(t)
	acc, err := m.OnUpstreamRateLimited(context.Background(), "acc-a", domain.RateLimitInfo{StatusCode: 429})
	require.NoError(t, err)
	require.NotNil(t, acc.RateLimitedUntil)
	assert.Equal(t, c.Now().Add(DefaultCooldown), *acc.RateLimitedUntil)
}

func TestMonitor_AuthFailureMovesToError(t *testing.T) {
	m, reg, c, events := newMonitor(t)
	acc, err := m.OnUpstreamAuthFailure(context.Background(), "acc-a", 401, "invalid x-api-key")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, acc.Status)

	c.Advance(time.Hour)
	stored, _ := reg.Get("acc-a")
	assert.False(t, stored.Schedulable(c.Now()))

	require.Len(t, events.events, 1)
	assert.Equal(t, hooks.EventAccountError, events.events[0].Event)
}

func TestMonitor_RateLimitDoesNotReviveErroredAccount(t *testing.T) {
	m, reg, c, _ := newMonitor(t)
	ctx := context.Background()

	_, err := m.OnUpstreamAuthFailure(ctx, "acc-a", 401, "invalid x-api-key")
	require.NoError(t, err)
	// A request already in flight on the same account reports a 429 afterwards.
	acc, err := m.OnUpstreamRateLimited(ctx, "acc-a", domain.RateLimitInfo{StatusCode: 429, RetryAfterSeconds: 60})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, acc.Status)
	assert.Contains(t, acc.LastError, "invalid x-api-key")

	c.Advance(61 * time.Second)
	stored, _ := reg.Get("acc-a")
	assert.Equal(t, domain.StatusError, stored.Status)
	assert.False(t, stored.Schedulable(c.Now()))
}

func TestMonitor_EmptyLimitTypeReportsUnknown(t *testing.T) {
	m, _, _, events := newMonitor(t)
	acc, err := m.OnUpstreamRateLimited(context.Background(), "acc-a", domain.RateLimitInfo{StatusCode: 429})
	require.NoError(t, err)
	assert.Equal(t, "rate limited (unknown)", acc.LastError)
	require.Len(t, events.events, 1)
	assert.Equal(t, string(domain.LimitUnknown), events.events[0].Reason)
}

func TestMonitor_UnknownAccount(t *testing.T) {
	m, _, _, _ := newMonitor(t)
	_, err := m.OnUpstreamRateLimited(context.Background(), "missing", domain.RateLimitInfo{RetryAfterSeconds: 5})
	require.ErrorIs(t, err, registry.ErrUnknownAccount)
}
