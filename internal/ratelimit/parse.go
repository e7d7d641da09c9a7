// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/traylinx/switchAIRelay/internal/domain"
)

// StatusOverloaded is Anthropic's non-standard "overloaded" status.
const StatusOverloaded = 529

const maxMessageLen = 300

// IsRateLimited reports whether an upstream status code is a rate-limit signal.
func IsRateLimited(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode == StatusOverloaded
}

// IsAuthFailure reports whether an upstream status code means the credentials were refused.
func IsAuthFailure(statusCode int) bool {
	return statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden
}

// budget names one upstream rate-limit budget and its headers.
type budget struct {
	limit     domain.LimitType
	remaining string
	reset     string
	// rfc3339 is true for absolute reset timestamps, false for relative durations.
	rfc3339 bool
}

var budgets = []budget{
	{domain.LimitRequests, "anthropic-ratelimit-requests-remaining", "anthropic-ratelimit-requests-reset", true},
	{domain.LimitTokens, "anthropic-ratelimit-tokens-remaining", "anthropic-ratelimit-tokens-reset", true},
	{domain.LimitInputTokens, "anthropic-ratelimit-input-tokens-remaining", "anthropic-ratelimit-input-tokens-reset", true},
	{domain.LimitOutputTokens, "anthropic-ratelimit-output-tokens-remaining", "anthropic-ratelimit-output-tokens-reset", true},
	{domain.LimitRequests, "x-ratelimit-remaining-requests", "x-ratelimit-reset-requests", false},
	{domain.LimitTokens, "x-ratelimit-remaining-tokens", "x-ratelimit-reset-tokens", false},
}

// ParseRateLimit builds a RateLimitInfo from an upstream rate-limit response.
// The cooldown comes from Retry-After, then from exhausted provider budget
// headers, then from a retryDelay in the error body, and finally defaultRetry.
func ParseRateLimit(statusCode int, header http.Header, body []byte, now time.Time, defaultRetry time.Duration) domain.RateLimitInfo {
	info := domain.RateLimitInfo{
		StatusCode:   statusCode,
		ErrorMessage: errorMessage(body),
		Timestamp:    now,
		LimitType:    domain.LimitUnknown,
	}

	wait, found := retryAfter(header.Get("Retry-After"), now)
	limitType, budgetWait, budgetFound := exhaustedBudget(header, now)
	if budgetFound {
		info.LimitType = limitType
		if !found {
			wait, found = budgetWait, true
		}
	}
	if !found {
		wait, found = bodyRetryDelay(body)
	}
	if !found {
		wait = defaultRetry
	}
	if info.LimitType == domain.LimitUnknown {
		info.LimitType = classify(statusCode, info.ErrorMessage)
	}

	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	info.RetryAfterSeconds = secs
	return info
}

func retryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return at.Sub(now), true
	}
	return 0, false
}

// exhaustedBudget returns the longest wait among budgets whose remaining count is zero.
func exhaustedBudget(header http.Header, now time.Time) (domain.LimitType, time.Duration, bool) {
	var (
		limit domain.LimitType
		wait  time.Duration
		found bool
	)
	for _, b := range budgets {
		if strings.TrimSpace(header.Get(b.remaining)) != "0" {
			continue
		}
		raw := strings.TrimSpace(header.Get(b.reset))
		if raw == "" {
			continue
		}
		var d time.Duration
		if b.rfc3339 {
			at, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				continue
			}
			d = at.Sub(now)
		} else {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				continue
			}
			d = parsed
		}
		if !found || d > wait {
			limit, wait, found = b.limit, d, true
		}
	}
	return limit, wait, found
}

// bodyRetryDelay reads Gemini's google.rpc.RetryInfo detail.
func bodyRetryDelay(body []byte) (time.Duration, bool) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return 0, false
	}
	for _, v := range gjson.GetBytes(body, "error.details.#.retryDelay").Array() {
		if d, err := time.ParseDuration(v.String()); err == nil {
			return d, true
		}
	}
	return 0, false
}

func errorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "error"} {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.Str != "" {
				return truncate(r.Str)
			}
		}
	}
	return truncate(strings.TrimSpace(string(body)))
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	return s[:maxMessageLen]
}

func classify(statusCode int, msg string) domain.LimitType {
	m := strings.ToLower(msg)
	switch {
	case statusCode == StatusOverloaded || strings.Contains(m, "overloaded"):
		return domain.LimitOverloaded
	case strings.Contains(m, "input tokens"):
		return domain.LimitInputTokens
	case strings.Contains(m, "output tokens"):
		return domain.LimitOutputTokens
	case strings.Contains(m, "tokens"):
		return domain.LimitTokens
	case strings.Contains(m, "quota"), strings.Contains(m, "resource_exhausted"), strings.Contains(m, "resource has been exhausted"):
		return domain.LimitQuota
	case strings.Contains(m, "requests"), strings.Contains(m, "rate limit"):
		return domain.LimitRequests
	}
	return domain.LimitUnknown
}
