// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package management provides the admin endpoints: account state, wallets and metrics.
package management

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/api/handlers"
	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/metrics"
	"github.com/traylinx/switchAIRelay/internal/wallet"
)

// Accounts is the registry surface used by the admin API.
type Accounts interface {
	All() []domain.Account
	SetEnabled(id string, enabled bool) (domain.Account, error)
}

// Wallets is the ledger surface used by the admin API.
type Wallets interface {
	Balance(ctx context.Context, ownerID string) (*wallet.Balance, error)
	Transactions(ctx context.Context, ownerID string, limit int) ([]domain.WalletTransaction, error)
	Recharge(ctx context.Context, ownerID string, amount domain.Money, description string) (*domain.WalletTransaction, error)
	Refund(ctx context.Context, ownerID, requestLogID string) (*domain.WalletTransaction, error)
}

// PendingCounter reports outstanding admission tokens.
type PendingCounter interface {
	Pending() int
}

// Options wires the handler's collaborators.
type Options struct {
	Accounts Accounts
	Wallets  Wallets
	Metrics  *metrics.Metrics
	Pending  PendingCounter
	// Verify checks a presented admin secret. A nil Verify disables the admin API.
	Verify func(secret string) bool
	Clock  clock.Clock
}

// Handler serves /admin.
type Handler struct {
	opts Options
}

// NewHandler creates an admin handler.
func NewHandler(opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Handler{opts: opts}
}

// Middleware authenticates admin requests with a Bearer token or X-Management-Key header.
func (h *Handler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.opts.Verify == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, handlers.ErrorBody{Error: handlers.ErrorDetail{Type: "admin_disabled", Message: "admin API is disabled"}})
			return
		}
		secret := strings.TrimSpace(c.GetHeader("X-Management-Key"))
		if secret == "" {
			auth := c.GetHeader("Authorization")
			if parts := strings.SplitN(auth, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				secret = strings.TrimSpace(parts[1])
			}
		}
		if secret == "" || !h.opts.Verify(secret) {
			log.WithField("client", c.ClientIP()).Warn("admin request with invalid secret")
			c.AbortWithStatusJSON(http.StatusUnauthorized, handlers.ErrorBody{Error: handlers.ErrorDetail{Type: "unauthorized", Message: "invalid admin secret"}})
			return
		}
		c.Next()
	}
}

// AccountView is the admin representation of an account. Credentials are never exposed.
type AccountView struct {
	ID               string               `json:"id"`
	Name             string               `json:"name"`
	Platform         domain.Platform      `json:"platform"`
	Type             domain.AccountType   `json:"type"`
	Priority         int                  `json:"priority"`
	Status           domain.AccountStatus `json:"status"`
	Schedulable      bool                 `json:"schedulable"`
	RateLimitedUntil *time.Time           `json:"rate_limited_until,omitempty"`
	LastUsedAt       time.Time            `json:"last_used_at"`
	UsageCount       int64                `json:"usage_count"`
	Enabled          bool                 `json:"enabled"`
	LastError        string               `json:"last_error,omitempty"`
	Models           []string             `json:"models,omitempty"`
}

func accountView(a domain.Account, now time.Time) AccountView {
	v := AccountView{
		ID:               a.ID,
		Name:             a.Name,
		Platform:         a.Platform,
		Type:             a.Type,
		Priority:         a.Priority,
		Status:           a.Status,
		Schedulable:      a.Schedulable(now),
		RateLimitedUntil: a.RateLimitedUntil,
		LastUsedAt:       a.LastUsedAt,
		UsageCount:       a.UsageCount,
		Enabled:          a.IsEnabled,
		LastError:        a.LastError,
	}
	for alias := range a.SupportedModels {
		v.Models = append(v.Models, alias)
	}
	sort.Strings(v.Models)
	return v
}

// ListAccounts handles GET /admin/accounts. An optional ?platform= filters the list.
func (h *Handler) ListAccounts(c *gin.Context) {
	var platform domain.Platform
	if raw := c.Query("platform"); raw != "" {
		p, ok := domain.ParsePlatform(raw)
		if !ok {
			handlers.BadRequest(c, "unknown platform "+raw)
			return
		}
		platform = p
	}
	now := h.opts.Clock.Now()
	accounts := h.opts.Accounts.All()
	out := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		if platform != "" && a.Platform != platform {
			continue
		}
		out = append(out, accountView(a, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetAccountEnabled handles PUT /admin/accounts/:id/enabled.
func (h *Handler) SetAccountEnabled(c *gin.Context) {
	var body enabledRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
		handlers.BadRequest(c, `body must be {"enabled": true|false}`)
		return
	}
	acc, err := h.opts.Accounts.SetEnabled(c.Param("id"), *body.Enabled)
	if err != nil {
		handlers.WriteError(c, err, h.opts.Clock.Now())
		return
	}
	log.WithFields(log.Fields{"account_id": acc.ID, "enabled": acc.IsEnabled}).Info("account toggled by admin")
	c.JSON(http.StatusOK, accountView(acc, h.opts.Clock.Now()))
}

// TransactionView is the admin representation of a journal entry.
type TransactionView struct {
	ID           string                   `json:"id"`
	Type         domain.TransactionType   `json:"type"`
	AmountMicros int64                    `json:"amount_micros"`
	Amount       string                   `json:"amount"`
	BalanceAfter int64                    `json:"balance_after_micros"`
	RequestLogID *string                  `json:"request_log_id,omitempty"`
	Status       domain.TransactionStatus `json:"status"`
	Description  string                   `json:"description,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
}

func transactionView(tx domain.WalletTransaction) TransactionView {
	return TransactionView{
		ID:           tx.ID,
		Type:         tx.Type,
		AmountMicros: int64(tx.Amount),
		Amount:       tx.Amount.String(),
		BalanceAfter: int64(tx.BalanceAfter),
		RequestLogID: tx.RequestLogID,
		Status:       tx.Status,
		Description:  tx.Description,
		CreatedAt:    tx.CreatedAt,
	}
}

// WalletView is the admin representation of a wallet with its recent journal.
type WalletView struct {
	OwnerID              string              `json:"owner_id"`
	Status               domain.WalletStatus `json:"status"`
	BalanceMicros        int64               `json:"balance_micros"`
	Balance              string              `json:"balance"`
	HeldMicros           int64               `json:"held_micros"`
	AvailableMicros      int64               `json:"available_micros"`
	TotalUsedMicros      int64               `json:"total_used_micros"`
	TotalRechargedMicros int64               `json:"total_recharged_micros"`
	Transactions         []TransactionView   `json:"transactions"`
}

// GetWallet handles GET /admin/wallets/:owner. ?limit= bounds the journal, default 50.
func (h *Handler) GetWallet(c *gin.Context) {
	owner := c.Param("owner")
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			handlers.BadRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	bal, err := h.opts.Wallets.Balance(c.Request.Context(), owner)
	if err != nil {
		handlers.WriteError(c, err, h.opts.Clock.Now())
		return
	}
	txs, err := h.opts.Wallets.Transactions(c.Request.Context(), owner, limit)
	if err != nil {
		handlers.WriteError(c, err, h.opts.Clock.Now())
		return
	}
	view := WalletView{
		OwnerID:              bal.Wallet.OwnerID,
		Status:               bal.Wallet.Status,
		BalanceMicros:        int64(bal.Wallet.Balance),
		Balance:              bal.Wallet.Balance.String(),
		HeldMicros:           int64(bal.Held),
		AvailableMicros:      int64(bal.Available),
		TotalUsedMicros:      int64(bal.Wallet.TotalUsed),
		TotalRechargedMicros: int64(bal.Wallet.TotalRecharged),
		Transactions:         make([]TransactionView, 0, len(txs)),
	}
	for _, tx := range txs {
		view.Transactions = append(view.Transactions, transactionView(tx))
	}
	c.JSON(http.StatusOK, view)
}

type rechargeRequest struct {
	// Amount is in dollars; AmountMicros wins when both are set.
	Amount       float64 `json:"amount"`
	AmountMicros int64   `json:"amount_micros"`
	Description  string  `json:"description"`
}

// Recharge handles POST /admin/wallets/:owner/recharge.
func (h *Handler) Recharge(c *gin.Context) {
	var body rechargeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		handlers.BadRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	amount := domain.Money(body.AmountMicros)
	if amount == 0 {
		amount = domain.Dollars(body.Amount)
	}
	desc := body.Description
	if desc == "" {
		desc = "admin recharge"
	}
	tx, err := h.opts.Wallets.Recharge(c.Request.Context(), c.Param("owner"), amount, desc)
	if err != nil {
		handlers.WriteError(c, err, h.opts.Clock.Now())
		return
	}
	c.JSON(http.StatusOK, transactionView(*tx))
}

type refundRequest struct {
	RequestLogID string `json:"request_log_id"`
}

// Refund handles POST /admin/wallets/:owner/refund.
func (h *Handler) Refund(c *gin.Context) {
	var body refundRequest
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.RequestLogID) == "" {
		handlers.BadRequest(c, "request_log_id is required")
		return
	}
	tx, err := h.opts.Wallets.Refund(c.Request.Context(), c.Param("owner"), body.RequestLogID)
	if err != nil {
		handlers.WriteError(c, err, h.opts.Clock.Now())
		return
	}
	c.JSON(http.StatusOK, transactionView(*tx))
}

// GetMetrics handles GET /admin/metrics.
func (h *Handler) GetMetrics(c *gin.Context) {
	resp := gin.H{}
	if h.opts.Metrics != nil {
		resp["relay"] = h.opts.Metrics.Snapshot()
	}
	if h.opts.Pending != nil {
		resp["pending_tokens"] = h.opts.Pending.Pending()
	}
	c.JSON(http.StatusOK, resp)
}
