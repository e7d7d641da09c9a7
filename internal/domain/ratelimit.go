// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package domain

import "time"

// LimitType names which upstream budget produced a rate-limit signal.
type LimitType string

const (
	LimitRequests     LimitType = "requests"
	LimitTokens       LimitType = "tokens"
	LimitInputTokens  LimitType = "input_tokens"
	LimitOutputTokens LimitType = "output_tokens"
	LimitQuota        LimitType = "quota"
	LimitOverloaded   LimitType = "overloaded"
	LimitUnknown      LimitType = "unknown"
)

// RateLimitInfo is the transient description of one upstream 429. Only its effect on the
// account is stored.
type RateLimitInfo struct {
	StatusCode        int
	ErrorMessage      string
	RetryAfterSeconds int
	Timestamp         time.Time
	LimitType         LimitType
}

// RateLimitedUntil is the end of the cooldown the signal imposes.
func (i RateLimitInfo) RateLimitedUntil() time.Time {
	return i.Timestamp.Add(time.Duration(i.RetryAfterSeconds) * time.Second)
}
