// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/traylinx/switchAIRelay/internal/domain"
)

var parseNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestParseRateLimit(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    http.Header
		body      string
		wantRetry int
		wantLimit domain.LimitType
		wantMsg   string
	}{
		{
			name:      "retry-after seconds",
			status:    429,
			header:    http.Header{"Retry-After": []string{"42"}},
			body:      `{"type":"error","error":{"type":"rate_limit_error","message":"Number of requests has exceeded your rate limit"}}`,
			wantRetry: 42,
			wantLimit: domain.LimitRequests,
			wantMsg:   "Number of requests has exceeded your rate limit",
		},
		{
			name:      "retry-after http date",
			status:    429,
			header:    http.Header{"Retry-After": []string{parseNow.Add(90 * time.Second).Format(http.TimeFormat)}},
			wantRetry: 90,
			wantLimit: domain.LimitUnknown,
		},
		{
			name:   "anthropic exhausted token budget",
			status: 429,
			header: http.Header{
				"Anthropic-Ratelimit-Requests-Remaining": []string{"12"},
				"Anthropic-Ratelimit-Requests-Reset":     []string{parseNow.Add(5 * time.Second).Format(time.RFC3339)},
				"Anthropic-Ratelimit-Tokens-Remaining":   []string{"0"},
				"Anthropic-Ratelimit-Tokens-Reset":       []string{parseNow.Add(30 * time.Second).Format(time.RFC3339)},
			},
			body:      `{"error":{"message":"rate limited"}}`,
			wantRetry: 30,
			wantLimit: domain.LimitTokens,
			wantMsg:   "rate limited",
		},
		{
			name:   "relative reset durations",
			status: 429,
			header: http.Header{
				"X-Ratelimit-Remaining-Requests": []string{"0"},
				"X-Ratelimit-Reset-Requests":     []string{"1m0s"},
				"X-Ratelimit-Remaining-Tokens":   []string{"0"},
				"X-Ratelimit-Reset-Tokens":       []string{"6s"},
			},
			wantRetry: 60,
			wantLimit: domain.LimitRequests,
		},
		{
			name:      "gemini retry delay in body",
			status:    429,
			header:    http.Header{},
			body:      `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"17s"}]}}`,
			wantRetry: 17,
			wantLimit: domain.LimitQuota,
			wantMsg:   "Resource has been exhausted (e.g. check quota).",
		},
		{
			name:      "overloaded falls back to default",
			status:    StatusOverloaded,
			header:    http.Header{},
			body:      `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
			wantRetry: 60,
			wantLimit: domain.LimitOverloaded,
			wantMsg:   "Overloaded",
		},
		{
			name:      "plain text body",
			status:    429,
			header:    http.Header{},
			body:      "too many input tokens",
			wantRetry: 60,
			wantLimit: domain.LimitInputTokens,
			wantMsg:   "too many input tokens",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := ParseRateLimit(tt.status, tt.header, []byte(tt.body), parseNow, time.Minute)
			assert.Equal(t, tt.status, info.StatusCode)
			assert.Equal(t, tt.wantRetry, info.RetryAfterSeconds)
			assert.Equal(t, tt.wantLimit, info.LimitType)
			assert.Equal(t, tt.wantMsg, info.ErrorMessage)
			assert.Equal(t, parseNow, info.Timestamp)
		})
	}
}

func TestParseRateLimit_PastResetClampsToOneSecond(t *testing.T) {
	header := http.Header{"Retry-After": []string{parseNow.Add(-time.Minute).Format(http.TimeFormat)}}
	info := ParseRateLimit(429, header, nil, parseNow, time.Minute)
	assert.Equal(t, 1, info.RetryAfterSeconds)
}

func TestStatusClassifiers(t *testing.T) {
	assert.True(t, IsRateLimited(429))
	assert.True(t, IsRateLimited(529))
	assert.False(t, IsRateLimited(500))
	assert.True(t, IsAuthFailure(401))
	assert.True(t, IsAuthFailure(403))
	assert.False(t, IsAuthFailure(429))
}
