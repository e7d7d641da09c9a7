// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ratelimit turns upstream responses into account state changes.
// Cooldowns are recorded as an end time on the account; recovery is lazy and
// happens the next time the account is considered for selection.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/hooks"
	"github.com/traylinx/switchAIRelay/internal/metrics"
	"github.com/traylinx/switchAIRelay/internal/registry"
)

// DefaultCooldown applies when an upstream rate limit carries no retry hint.
const DefaultCooldown = 60 * time.Second

// Options configures a Monitor.
type Options struct {
	Clock           clock.Clock
	Events          hooks.Publisher
	Metrics         *metrics.Metrics
	DefaultCooldown time.Duration
}

// Monitor applies upstream outcomes to account health.
type Monitor struct {
	registry *registry.AccountRegistry
	clock    clock.Clock
	events   hooks.Publisher
	metrics  *metrics.Metrics
	cooldown time.Duration
}

// New creates a Monitor over reg.
func New(reg *registry.AccountRegistry, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(0)
	}
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = DefaultCooldown
	}
	return &Monitor{
		registry: reg,
		clock:    opts.Clock,
		events:   opts.Events,
		metrics:  opts.Metrics,
		cooldown: opts.DefaultCooldown,
	}
}

// Cooldown returns the cooldown used when a signal has no retry hint.
func (m *Monitor) Cooldown() time.Duration { return m.cooldown }

// OnUpstreamRateLimited marks the account rate limited until the end of the
// cooldown described by info.
func (m *Monitor) OnUpstreamRateLimited(ctx context.Context, accountID string, info domain.RateLimitInfo) (domain.Account, error) {
	if info.Timestamp.IsZero() {
		info.Timestamp = m.clock.Now()
	}
	if info.RetryAfterSeconds <= 0 {
		info.RetryAfterSeconds = int(m.cooldown.Seconds())
	}
	if info.LimitType == "" {
		info.LimitType = domain.LimitUnknown
	}
	until := info.RateLimitedUntil()
	reason := fmt.Sprintf("rate limited (%s)", info.LimitType)
	if info.ErrorMessage != "" {
		reason += ": " + info.ErrorMessage
	}

	acc, err := m.registry.MarkRateLimited(accountID, until, reason)
	if err != nil {
		return domain.Account{}, err
	}
	m.metrics.RecordUpstreamRateLimited()
	log.WithFields(log.Fields{
		"account":     accountID,
		"platform":    acc.Platform,
		"limit_type":  info.LimitType,
		"retry_after": info.RetryAfterSeconds,
	}).Warn("ratelimit: account cooling down")
	m.publish(&hooks.EventContext{
		Event:        hooks.EventUpstreamRateLimited,
		Platform:     string(acc.Platform),
		AccountID:    accountID,
		Reason:       string(info.LimitType),
		ErrorMessage: info.ErrorMessage,
		Data: map[string]any{
			"status_code":         info.StatusCode,
			"retry_after_seconds": info.RetryAfterSeconds,
			"rate_limited_until":  until.UTC().Format(time.RFC3339),
		},
	})
	return acc, nil
}

// OnUpstreamSuccess clears the account's last error and materializes an elapsed cooldown.
func (m *Monitor) OnUpstreamSuccess(ctx context.Context, accountID string) (domain.Account, error) {
	return m.registry.MarkHealthy(accountID)
}

// OnUpstreamAuthFailure takes the account out of rotation until an operator re-enables it.
func (m *Monitor) OnUpstreamAuthFailure(ctx context.Context, accountID string, statusCode int, message string) (domain.Account, error) {
	reason := fmt.Sprintf("upstream rejected credentials (%d)", statusCode)
	if message != "" {
		reason += ": " + message
	}
	acc, err := m.registry.MarkError(accountID, reason)
	if err != nil {
		return domain.Account{}, err
	}
	m.metrics.RecordUpstreamError()
	log.WithFields(log.Fields{"account": accountID, "status": statusCode}).Error("ratelimit: account credentials rejected")
	m.publish(&hooks.EventContext{
		Event:        hooks.EventAccountError,
		Platform:     string(acc.Platform),
		AccountID:    accountID,
		Reason:       "auth_failure",
		ErrorMessage: message,
		Data:         map[string]any{"status_code": statusCode},
	})
	return acc, nil
}

// OnUpstreamError records a transient upstream failure. Account state is unchanged.
func (m *Monitor) OnUpstreamError(ctx context.Context, accountID string, platform domain.Platform, statusCode int, message string) {
	m.metrics.RecordUpstreamError()
	log.WithFields(log.Fields{"account": accountID, "status": statusCode}).Warn("ratelimit: upstream error")
	m.publish(&hooks.EventContext{
		Event:        hooks.EventUpstreamError,
		Platform:     string(platform),
		AccountID:    accountID,
		ErrorMessage: message,
		Data:         map[string]any{"status_code": statusCode},
	})
}

func (m *Monitor) publish(ev *hooks.EventContext) {
	if m.events == nil {
		return
	}
	ev.Timestamp = m.clock.Now()
	m.events.PublishAsync(ev)
}
