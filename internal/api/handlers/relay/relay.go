// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package relay exposes routing decisions over HTTP. A caller asks for a route,
// performs the upstream call itself and reports the outcome with the admission token.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/traylinx/switchAIRelay/internal/api/handlers"
	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/ratelimit"
	"github.com/traylinx/switchAIRelay/internal/router"
	"github.com/traylinx/switchAIRelay/internal/util"
)

// ClientIDHeader names the calling client for key client restrictions.
const ClientIDHeader = "X-Relay-Client"

// Router is the subset of the routing facade the handler needs.
type Router interface {
	RouteRequest(ctx context.Context, req router.Request) (*router.Route, error)
	RecordCompletion(ctx context.Context, token, requestLogID string, actualCost domain.Money, outcome domain.Outcome) (*router.Completion, error)
}

// Handler serves /v1/route and /v1/complete.
type Handler struct {
	router   Router
	clock    clock.Clock
	cooldown time.Duration
}

// NewHandler creates a relay handler. cooldown is applied to rate-limit reports
// that carry no retry hint.
func NewHandler(r Router, c clock.Clock, cooldown time.Duration) *Handler {
	if c == nil {
		c = clock.System{}
	}
	if cooldown <= 0 {
		cooldown = ratelimit.DefaultCooldown
	}
	return &Handler{router: r, clock: c, cooldown: cooldown}
}

// RouteRequest is the body of POST /v1/route.
type RouteRequest struct {
	Platform    string `json:"platform"`
	Service     string `json:"service,omitempty"`
	Model       string `json:"model,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	SessionHash string `json:"session_hash,omitempty"`
	MaxTokens   int64  `json:"max_tokens,omitempty"`
	// EstimatedCostMicros overrides the estimate derived from Body.
	EstimatedCostMicros int64           `json:"estimated_cost_micros,omitempty"`
	Body                json.RawMessage `json:"body,omitempty"`
}

// RouteResponse is returned by POST /v1/route.
type RouteResponse struct {
	Token               string             `json:"token"`
	ExpiresAt           time.Time          `json:"expires_at"`
	AccountID           string             `json:"account_id"`
	AccountName         string             `json:"account_name"`
	Platform            domain.Platform    `json:"platform"`
	UpstreamModel       string             `json:"upstream_model"`
	Credentials         domain.Credentials `json:"credentials"`
	Bound               bool               `json:"bound"`
	Sticky              bool               `json:"sticky"`
	EstimatedCostMicros int64              `json:"estimated_cost_micros"`
	Body                json.RawMessage    `json:"body,omitempty"`
}

// OutcomeReport describes how the upstream call ended.
type OutcomeReport struct {
	// Kind is success, upstream_error, upstream_rate_limited or cancelled.
	Kind         domain.OutcomeKind `json:"kind"`
	StatusCode   int                `json:"status_code,omitempty"`
	Message      string             `json:"message,omitempty"`
	InputTokens  int64              `json:"input_tokens,omitempty"`
	OutputTokens int64              `json:"output_tokens,omitempty"`
	// Headers and Body are the upstream response, used to parse the rate-limit cooldown.
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// CompleteRequest is the body of POST /v1/complete.
type CompleteRequest struct {
	Token        string        `json:"token"`
	RequestLogID string        `json:"request_log_id,omitempty"`
	CostMicros   int64         `json:"cost_micros,omitempty"`
	Outcome      OutcomeReport `json:"outcome"`
}

// CompleteResponse is returned by POST /v1/complete.
type CompleteResponse struct {
	RequestLogID  string             `json:"request_log_id"`
	Outcome       domain.OutcomeKind `json:"outcome"`
	AccountID     string             `json:"account_id"`
	AccountStatus string             `json:"account_status"`
	CostMicros    int64              `json:"cost_micros"`
	ChargedMicros int64              `json:"charged_micros"`
	TransactionID string             `json:"transaction_id,omitempty"`
	BalanceAfter  *int64             `json:"balance_after_micros,omitempty"`
}

// Route handles POST /v1/route.
func (h *Handler) Route(c *gin.Context) {
	var body RouteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		handlers.BadRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	platform, ok := domain.ParsePlatform(body.Platform)
	if !ok {
		handlers.BadRequest(c, "unknown platform "+body.Platform)
		return
	}
	var service domain.Service
	if strings.TrimSpace(body.Service) != "" {
		svc, okSvc := domain.ParseService(body.Service)
		if !okSvc || svc == domain.ServiceAll {
			handlers.BadRequest(c, "unknown service "+body.Service)
			return
		}
		service = svc
	}
	model := strings.TrimSpace(body.Model)
	if model == "" && len(body.Body) > 0 {
		model = gjson.GetBytes(body.Body, "model").String()
	}
	if model == "" {
		handlers.BadRequest(c, "model is required")
		return
	}
	clientID := body.ClientID
	if clientID == "" {
		clientID = c.GetHeader(ClientIDHeader)
	}

	key := APIKeyFromRequest(c)
	req := router.Request{
		KeyValue:      key,
		Platform:      platform,
		Service:       service,
		Model:         model,
		ClientID:      clientID,
		Body:          body.Body,
		SessionHash:   body.SessionHash,
		EstimatedCost: domain.Money(body.EstimatedCostMicros),
		MaxTokens:     body.MaxTokens,
	}
	route, err := h.router.RouteRequest(c.Request.Context(), req)
	if err != nil {
		log.WithFields(log.Fields{
			"request_id": c.GetString("request_id"),
			"key":        util.HideAPIKey(key),
			"platform":   platform,
			"model":      model,
		}).Debugf("route refused: %v", err)
		handlers.WriteError(c, err, h.clock.Now())
		return
	}

	c.JSON(http.StatusOK, RouteResponse{
		Token:               route.Token,
		ExpiresAt:           route.ExpiresAt,
		AccountID:           route.Account.ID,
		AccountName:         route.Account.Name,
		Platform:            route.Account.Platform,
		UpstreamModel:       route.UpstreamModel,
		Credentials:         route.Credentials,
		Bound:               route.Bound,
		Sticky:              route.Sticky,
		EstimatedCostMicros: int64(route.EstimatedCost),
		Body:                route.Body,
	})
}

// Complete handles POST /v1/complete.
func (h *Handler) Complete(c *gin.Context) {
	var body CompleteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		handlers.BadRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		handlers.BadRequest(c, "token is required")
		return
	}
	outcome, err := h.outcome(body.Outcome)
	if err != nil {
		handlers.BadRequest(c, err.Error())
		return
	}

	done, err := h.router.RecordCompletion(c.Request.Context(), body.Token, body.RequestLogID, domain.Money(body.CostMicros), outcome)
	if done == nil {
		handlers.WriteError(c, err, h.clock.Now())
		return
	}
	if err != nil {
		// Bookkeeping errors after the outcome was applied are logged, not surfaced.
		log.WithFields(log.Fields{
			"request_id":     c.GetString("request_id"),
			"request_log_id": done.RequestLogID,
		}).Warnf("completion recorded with errors: %v", err)
	}

	resp := CompleteResponse{
		RequestLogID:  done.RequestLogID,
		Outcome:       done.Outcome,
		AccountID:     done.Account.ID,
		AccountStatus: string(done.Account.Status),
		CostMicros:    int64(done.Cost),
		ChargedMicros: int64(done.Charged),
	}
	if done.Transaction != nil {
		resp.TransactionID = done.Transaction.ID
		after := int64(done.Transaction.BalanceAfter)
		resp.BalanceAfter = &after
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) outcome(r OutcomeReport) (domain.Outcome, error) {
	out := domain.Outcome{
		Kind:       r.Kind,
		StatusCode: r.StatusCode,
		Message:    r.Message,
		Usage:      domain.Usage{InputTokens: r.InputTokens, OutputTokens: r.OutputTokens},
	}
	switch r.Kind {
	case domain.OutcomeSuccess, domain.OutcomeUpstreamError, domain.OutcomeCancelled:
	case domain.OutcomeUpstreamRateLimited:
		status := r.StatusCode
		if status == 0 {
			status = http.StatusTooManyRequests
		}
		header := make(http.Header, len(r.Headers))
		for k, v := range r.Headers {
			header.Set(k, v)
		}
		info := ratelimit.ParseRateLimit(status, header, r.Body, h.clock.Now(), h.cooldown)
		if r.Message != "" {
			info.ErrorMessage = r.Message
		}
		out.StatusCode = status
		out.RateLimit = &info
	default:
		return domain.Outcome{}, fmt.Errorf("unknown outcome kind %q", r.Kind)
	}
	return out, nil
}

// APIKeyFromRequest extracts the client key from Authorization, x-api-key or x-goog-api-key.
func APIKeyFromRequest(c *gin.Context) string {
	if auth := strings.TrimSpace(c.GetHeader("Authorization")); auth != "" {
		if parts := strings.SplitN(auth, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return auth
	}
	if v := strings.TrimSpace(c.GetHeader("x-api-key")); v != "" {
		return v
	}
	return strings.TrimSpace(c.GetHeader("x-goog-api-key"))
}
