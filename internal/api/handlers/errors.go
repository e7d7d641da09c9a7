// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package handlers holds helpers shared by the relay and management HTTP handlers.
package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/registry"
	"github.com/traylinx/switchAIRelay/internal/router"
	"github.com/traylinx/switchAIRelay/internal/wallet"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Type    string     `json:"type"`
	Message string     `json:"message"`
	RetryAt *time.Time `json:"retry_at,omitempty"`
}

// WriteError maps err to a status code and writes the error envelope. Retryable
// selection failures and upstream rate limits carry a Retry-After header.
func WriteError(c *gin.Context, err error, now time.Time) {
	status, detail := Classify(err)

	var selErr *domain.SelectionError
	if errors.As(err, &selErr) && selErr.Retryable() {
		detail.RetryAt = selErr.RetryAt
		setRetryAfter(c, selErr.RetryAfter(now))
	}
	var upErr *domain.UpstreamError
	if errors.As(err, &upErr) && upErr.RateLimit != nil {
		until := upErr.RateLimit.RateLimitedUntil()
		detail.RetryAt = &until
		setRetryAfter(c, until.Sub(now))
	}

	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
		log.WithError(err).Error("request failed")
	}
	c.AbortWithStatusJSON(status, ErrorBody{Error: detail})
}

// Classify returns the HTTP status and error type for err.
func Classify(err error) (int, ErrorDetail) {
	detail := ErrorDetail{Type: "internal_error", Message: err.Error()}

	var admErr *domain.AdmissionError
	if errors.As(err, &admErr) {
		detail.Type = string(admErr.Reason)
		return admErr.HTTPStatus(), detail
	}
	var selErr *domain.SelectionError
	if errors.As(err, &selErr) {
		detail.Type = string(selErr.Reason)
		return selErr.HTTPStatus(), detail
	}
	var upErr *domain.UpstreamError
	if errors.As(err, &upErr) {
		detail.Type = "upstream_error"
		if upErr.RateLimit != nil {
			detail.Type = "upstream_rate_limited"
		}
		return upErr.HTTPStatus(), detail
	}

	switch {
	case errors.Is(err, router.ErrUnknownToken):
		detail.Type = "unknown_token"
		return http.StatusNotFound, detail
	case errors.Is(err, registry.ErrUnknownAccount):
		detail.Type = "unknown_account"
		return http.StatusNotFound, detail
	case errors.Is(err, wallet.ErrWalletNotFound):
		detail.Type = "wallet_not_found"
		return http.StatusNotFound, detail
	case errors.Is(err, wallet.ErrNotCharged):
		detail.Type = "not_charged"
		return http.StatusNotFound, detail
	case errors.Is(err, wallet.ErrInvalidAmount):
		detail.Type = "invalid_amount"
		return http.StatusBadRequest, detail
	case errors.Is(err, wallet.ErrWalletSuspended):
		detail.Type = "wallet_suspended"
		return http.StatusConflict, detail
	case errors.Is(err, wallet.ErrAlreadyRefunded):
		detail.Type = "already_refunded"
		return http.StatusConflict, detail
	}

	var coder domain.StatusCoder
	if errors.As(err, &coder) {
		return coder.HTTPStatus(), detail
	}
	return http.StatusInternalServerError, detail
}

// BadRequest writes a 400 envelope.
func BadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{Type: "invalid_request", Message: message}})
}

func setRetryAfter(c *gin.Context, wait time.Duration) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
}
