// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccount_SchedulableLazyRecovery(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	until := now.Add(time.Minute)
	acc := Account{IsEnabled: true, Status: StatusRateLimited, RateLimitedUntil: &until}

	assert.False(t, acc.Schedulable(now))
	assert.False(t, acc.Schedulable(until.Add(-time.Nanosecond)))
	assert.True(t, acc.Schedulable(until))
	assert.True(t, acc.Schedulable(until.Add(time.Second)))

	acc.IsEnabled = false
	assert.False(t, acc.Schedulable(until.Add(time.Second)))
}

func TestAccount_SchedulableStatuses(t *testing.T) {
	now := time.Now()
	for _, tt := range []struct {
		status AccountStatus
		want   bool
	}{
		{StatusActive, true},
		{StatusRateLimited, true},
		{StatusError, false},
		{StatusDisabled, false},
	} {
		acc := Account{IsEnabled: true, Status: tt.status}
		assert.Equal(t, tt.want, acc.Schedulable(now), tt.status)
	}
}

func TestAccount_ResolveModel(t *testing.T) {
	open := Account{}
	model, ok := open.ResolveModel("claude-sonnet-4")
	assert.True(t, ok)
	assert.Equal(t, "claude-sonnet-4", model)

	mapped := Account{SupportedModels: map[string]string{
		"sonnet": "claude-sonnet-4-20250514",
		"opus":   "",
	}}
	model, ok = mapped.ResolveModel("sonnet")
	assert.True(t, ok)
	assert.Equal(t, "claude-sonnet-4-20250514", model)

	model, ok = mapped.ResolveModel("opus")
	assert.True(t, ok)
	assert.Equal(t, "opus", model)

	model, ok = mapped.ResolveModel("claude-sonnet-4-20250514")
	assert.True(t, ok)
	assert.Equal(t, "claude-sonnet-4-20250514", model)

	_, ok = mapped.ResolveModel("haiku")
	assert.False(t, ok)
}

func TestAccount_CloneIsDeep(t *testing.T) {
	until := time.Now()
	acc := Account{RateLimitedUntil: &until, SupportedModels: map[string]string{"a": "b"}}
	cp := acc.Clone()
	cp.SupportedModels["a"] = "c"
	*cp.RateLimitedUntil = until.Add(time.Hour)

	assert.Equal(t, "b", acc.SupportedModels["a"])
	assert.Equal(t, until, *acc.RateLimitedUntil)
}
