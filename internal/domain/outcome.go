// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package domain

// OutcomeKind is the terminal state of a dispatched request.
type OutcomeKind string

const (
	OutcomeSuccess             OutcomeKind = "success"
	OutcomeUpstreamError       OutcomeKind = "upstream_error"
	OutcomeUpstreamRateLimited OutcomeKind = "upstream_rate_limited"
	OutcomeCancelled           OutcomeKind = "cancelled"
)

// Usage is the metered token count reported by the upstream.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Outcome is what the transport collaborator reports back after the upstream call.
type Outcome struct {
	Kind       OutcomeKind
	Usage      Usage
	StatusCode int
	Message    string
	// RateLimit is set when Kind is OutcomeUpstreamRateLimited.
	RateLimit *RateLimitInfo
}
