// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package domain

import (
	"fmt"
	"net/http"
	"time"
)

// Reason is the machine-readable cause of an admission or selection failure.
type Reason string

const (
	ReasonKeyInvalid          Reason = "key_invalid"
	ReasonServiceForbidden    Reason = "service_forbidden"
	ReasonModelForbidden      Reason = "model_forbidden"
	ReasonClientForbidden     Reason = "client_forbidden"
	ReasonConcurrencyExceeded Reason = "concurrency_exceeded"
	ReasonRateWindowExceeded  Reason = "rate_window_exceeded"
	ReasonDailyCostExceeded   Reason = "daily_cost_exceeded"
	ReasonMonthlyCostExceeded Reason = "monthly_cost_exceeded"
	ReasonTotalCostExceeded   Reason = "total_cost_exceeded"
	ReasonTokenLimitExceeded  Reason = "token_limit_exceeded"
	ReasonInsufficientBalance Reason = "insufficient_balance"

	ReasonBoundAccountUnavailable Reason = "bound_account_unavailable"
	ReasonAllAccountsRateLimited  Reason = "all_accounts_rate_limited"
	ReasonNoAvailableAccount      Reason = "no_available_account"
)

// AdmissionError rejects a request before any account is chosen.
type AdmissionError struct {
	Reason  Reason
	Message string
}

func (e *AdmissionError) Error() string {
	if e == nil {
		return "admission: rejected"
	}
	if e.Message == "" {
		return fmt.Sprintf("admission: %s", e.Reason)
	}
	return fmt.Sprintf("admission: %s: %s", e.Reason, e.Message)
}

// Is matches any AdmissionError carrying the same reason, so sentinels work with errors.Is.
func (e *AdmissionError) Is(target error) bool {
	t, ok := target.(*AdmissionError)
	return ok && e != nil && t.Reason == e.Reason
}

// HTTPStatus maps the rejection to a client-facing status code.
func (e *AdmissionError) HTTPStatus() int {
	switch e.Reason {
	case ReasonKeyInvalid:
		return http.StatusUnauthorized
	case ReasonServiceForbidden, ReasonModelForbidden, ReasonClientForbidden:
		return http.StatusForbidden
	case ReasonInsufficientBalance:
		return http.StatusPaymentRequired
	default:
		return http.StatusTooManyRequests
	}
}

// Reject builds an AdmissionError with a formatted message.
func Reject(reason Reason, format string, args ...any) *AdmissionError {
	return &AdmissionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrKeyInvalid          = &AdmissionError{Reason: ReasonKeyInvalid}
	ErrServiceForbidden    = &AdmissionError{Reason: ReasonServiceForbidden}
	ErrModelForbidden      = &AdmissionError{Reason: ReasonModelForbidden}
	ErrClientForbidden     = &AdmissionError{Reason: ReasonClientForbidden}
	ErrConcurrencyExceeded = &AdmissionError{Reason: ReasonConcurrencyExceeded}
	ErrRateWindowExceeded  = &AdmissionError{Reason: ReasonRateWindowExceeded}
	ErrDailyCostExceeded   = &AdmissionError{Reason: ReasonDailyCostExceeded}
	ErrMonthlyCostExceeded = &AdmissionError{Reason: ReasonMonthlyCostExceeded}
	ErrTotalCostExceeded   = &AdmissionError{Reason: ReasonTotalCostExceeded}
	ErrTokenLimitExceeded  = &AdmissionError{Reason: ReasonTokenLimitExceeded}
	ErrInsufficientBalance = &AdmissionError{Reason: ReasonInsufficientBalance}
)

// SelectionError reports that no upstream account could be chosen.
type SelectionError struct {
	Reason   Reason
	Platform Platform
	// RetryAt is the earliest moment a cooling account becomes schedulable again.
	RetryAt *time.Time
	Message string
}

func (e *SelectionError) Error() string {
	if e == nil {
		return "selection: failed"
	}
	msg := fmt.Sprintf("selection: %s for %s", e.Reason, e.Platform)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RetryAt != nil {
		msg += fmt.Sprintf(" (retry at %s)", e.RetryAt.UTC().Format(time.RFC3339))
	}
	return msg
}

// Is matches any SelectionError carrying the same reason.
func (e *SelectionError) Is(target error) bool {
	t, ok := target.(*SelectionError)
	return ok && e != nil && t.Reason == e.Reason
}

// Retryable is true only for AllAccountsRateLimited.
func (e *SelectionError) Retryable() bool {
	return e.Reason == ReasonAllAccountsRateLimited
}

// RetryAfter returns the wait until RetryAt relative to now, never negative.
func (e *SelectionError) RetryAfter(now time.Time) time.Duration {
	if e.RetryAt == nil || !now.Before(*e.RetryAt) {
		return 0
	}
	return e.RetryAt.Sub(now)
}

// HTTPStatus maps the selection failure to a client-facing status code.
func (e *SelectionError) HTTPStatus() int {
	if e.Reason == ReasonAllAccountsRateLimited {
		return http.StatusTooManyRequests
	}
	return http.StatusServiceUnavailable
}

var (
	ErrBoundAccountUnavailable = &SelectionError{Reason: ReasonBoundAccountUnavailable}
	ErrAllAccountsRateLimited  = &SelectionError{Reason: ReasonAllAccountsRateLimited}
	ErrNoAvailableAccount      = &SelectionError{Reason: ReasonNoAvailableAccount}
)

// UpstreamError is surfaced after the upstream call failed and retries, if any, are exhausted.
type UpstreamError struct {
	AccountID  string
	StatusCode int
	Message    string
	RateLimit  *RateLimitInfo
	Attempts   int
}

func (e *UpstreamError) Error() string {
	if e.RateLimit != nil {
		return fmt.Sprintf("upstream: rate limited after %d attempt(s): %s", e.Attempts, e.Message)
	}
	return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus is always a gateway-class status for upstream failures.
func (e *UpstreamError) HTTPStatus() int {
	return http.StatusBadGateway
}

// StatusCoder is implemented by every typed error in the taxonomy.
type StatusCoder interface {
	error
	HTTPStatus() int
}
