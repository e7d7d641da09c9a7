// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wallet implements the prepaid balance ledger. Every balance change is
// journaled as a transaction in the same repository write that updates the
// wallet, so the balance always equals the sum of its transactions.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/hooks"
	"github.com/traylinx/switchAIRelay/internal/metrics"
	"github.com/traylinx/switchAIRelay/internal/store"
	"github.com/traylinx/switchAIRelay/internal/util"
)

var (
	ErrWalletNotFound  = errors.New("wallet: not found")
	ErrWalletSuspended = errors.New("wallet: suspended")
	ErrInvalidAmount   = errors.New("wallet: amount must be positive")
	ErrNotCharged      = errors.New("wallet: no deduction for request")
	ErrAlreadyRefunded = errors.New("wallet: deduction already refunded")
)

const (
	maxWriteAttempts  = 3
	settledCacheLimit = 10000
	defaultListLimit  = 50
)

// Options configures a Ledger.
type Options struct {
	Clock   clock.Clock
	Events  hooks.Publisher
	Metrics *metrics.Metrics
	// LowBalanceThreshold triggers a low_balance event when a charge crosses it. Zero disables.
	LowBalanceThreshold domain.Money
}

// Ledger owns wallet balances and admission holds.
type Ledger struct {
	repo       store.WalletRepository
	clock      clock.Clock
	events     hooks.Publisher
	metrics    *metrics.Metrics
	lowBalance domain.Money
	locks      *util.KeyedMutex

	mu    sync.Mutex
	holds map[string]domain.Money

	// settled remembers recent charges by request log id. A nil value marks a
	// settlement that produced no transaction.
	settledMu    sync.Mutex
	settled      map[string]*domain.WalletTransaction
	settledOrder []string
}

// New creates a Ledger over repo.
func New(repo store.WalletRepository, opts Options) *Ledger {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(0)
	}
	return &Ledger{
		repo:       repo,
		clock:      opts.Clock,
		events:     opts.Events,
		metrics:    opts.Metrics,
		lowBalance: opts.LowBalanceThreshold,
		locks:      util.NewKeyedMutex(),
		holds:      make(map[string]domain.Money),
		settled:    make(map[string]*domain.WalletTransaction),
	}
}

// Hold is an admission-time reservation against a wallet's available balance.
type Hold struct {
	OwnerID string
	Amount  domain.Money

	ledger *Ledger
	once   sync.Once
}

// Release returns the reserved amount. Calling it more than once is harmless.
func (h *Hold) Release() {
	if h == nil || h.ledger == nil {
		return
	}
	h.once.Do(func() {
		h.ledger.mu.Lock()
		defer h.ledger.mu.Unlock()
		left := h.ledger.holds[h.OwnerID] - h.Amount
		if left <= 0 {
			delete(h.ledger.holds, h.OwnerID)
			return
		}
		h.ledger.holds[h.OwnerID] = left
	})
}

// Held returns the total amount currently reserved for ownerID.
func (l *Ledger) Held(ownerID string) domain.Money {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holds[ownerID]
}

// Reserve places a hold of amount on the owner's wallet. It fails with
// domain.ErrInsufficientBalance when the wallet is missing, not active, or its
// available balance (balance minus existing holds) is below amount.
func (l *Ledger) Reserve(ctx context.Context, ownerID string, amount domain.Money) (*Hold, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	unlock := l.locks.Lock(ownerID)
	defer unlock()

	w, err := l.repo.LoadWallet(ctx, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.Reject(domain.ReasonInsufficientBalance, "no wallet for owner %s", ownerID)
		}
		return nil, fmt.Errorf("wallet: load %s: %w", ownerID, err)
	}
	if w.Status != domain.WalletActive {
		return nil, domain.Reject(domain.ReasonInsufficientBalance, "wallet is %s", w.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	available := w.Balance - l.holds[ownerID]
	if available < amount {
		return nil, domain.Reject(domain.ReasonInsufficientBalance, "available %s below estimate %s", available, amount)
	}
	l.holds[ownerID] += amount
	return &Hold{OwnerID: ownerID, Amount: amount, ledger: l}, nil
}

// Charge deducts actual from the owner's wallet for requestLogID and releases
// hold. A repeated requestLogID returns the original transaction without a
// second deduction. The deduction is clamped to the balance; the uncollected
// remainder is reported as a charge_shortfall event. A zero cost produces no
// transaction and returns nil.
func (l *Ledger) Charge(ctx context.Context, ownerID, requestLogID string, actual domain.Money, hold *Hold) (*domain.WalletTransaction, error) {
	defer hold.Release()

	if requestLogID != "" {
		if tx, ok := l.recall(requestLogID); ok {
			return tx, nil
		}
	}

	unlock := l.locks.Lock(ownerID)
	defer unlock()

	if requestLogID != "" {
		if tx, ok := l.recall(requestLogID); ok {
			return tx, nil
		}
		existing, err := l.repo.FindTransactionByRequestLogID(ctx, requestLogID)
		switch {
		case err == nil:
			l.remember(requestLogID, existing)
			return existing, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("wallet: lookup charge %s: %w", requestLogID, err)
		}
	}

	if actual <= 0 {
		l.remember(requestLogID, nil)
		return nil, nil
	}

	var (
		tx     *domain.WalletTransaction
		before domain.Wallet
		err    error
	)
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		var w *domain.Wallet
		w, err = l.repo.LoadWallet(ctx, ownerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, ownerID)
			}
			return nil, fmt.Errorf("wallet: load %s: %w", ownerID, err)
		}
		before = *w

		amount := domain.MinMoney(actual, w.Balance)
		if amount <= 0 {
			l.remember(requestLogID, nil)
			l.reportShortfall(before, requestLogID, actual, 0)
			return nil, nil
		}

		now := l.clock.Now()
		next := *w
		next.Balance -= amount
		next.TotalUsed += amount
		next.LastUsedAt = now
		tx = newTransaction(w, domain.TxDeduct, -amount, now)
		tx.Description = "usage charge"
		if requestLogID != "" {
			id := requestLogID
			tx.RequestLogID = &id
		}

		err = l.repo.SaveWalletTransaction(ctx, next, *tx)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrDuplicateRequestLog) {
			existing, errFind := l.repo.FindTransactionByRequestLogID(ctx, requestLogID)
			if errFind != nil {
				return nil, fmt.Errorf("wallet: lookup charge %s: %w", requestLogID, errFind)
			}
			l.remember(requestLogID, existing)
			return existing, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("wallet: charge %s: %w", ownerID, err)
		}
		log.WithFields(log.Fields{"owner": ownerID, "attempt": attempt}).Debug("wallet: version conflict, reloading")
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: charge %s: %w", ownerID, err)
	}

	charged := -tx.Amount
	l.metrics.RecordCharge(int64(charged))
	if requestLogID != "" {
		l.remember(requestLogID, tx)
	}
	if charged < actual {
		l.reportShortfall(before, requestLogID, actual, charged)
	}
	l.checkLowBalance(before, tx.BalanceAfter)
	return tx, nil
}

// Recharge credits amount to the owner's wallet, creating the wallet when it
// does not exist yet. Only suspended wallets refuse recharges.
func (l *Ledger) Recharge(ctx context.Context, ownerID string, amount domain.Money, description string) (*domain.WalletTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	unlock := l.locks.Lock(ownerID)
	defer unlock()

	return l.write(ctx, ownerID, true, func(w *domain.Wallet, now time.Time) (*domain.WalletTransaction, domain.Wallet, error) {
		if w.Status == domain.WalletSuspended {
			return nil, domain.Wallet{}, ErrWalletSuspended
		}
		next := *w
		next.Balance += amount
		next.TotalRecharged += amount
		tx := newTransaction(w, domain.TxRecharge, amount, now)
		tx.Description = description
		return tx, next, nil
	})
}

// Refund credits back a completed deduction identified by requestLogID and marks it refunded.
func (l *Ledger) Refund(ctx context.Context, ownerID, requestLogID string) (*domain.WalletTransaction, error) {
	unlock := l.locks.Lock(ownerID)
	defer unlock()

	orig, err := l.repo.FindTransactionByRequestLogID(ctx, requestLogID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotCharged, requestLogID)
		}
		return nil, fmt.Errorf("wallet: lookup charge %s: %w", requestLogID, err)
	}
	if orig.Type != domain.TxDeduct {
		return nil, fmt.Errorf("%w: %s", ErrNotCharged, requestLogID)
	}
	if orig.Status == domain.TxRefunded {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRefunded, requestLogID)
	}

	tx, err := l.write(ctx, ownerID, false, func(w *domain.Wallet, now time.Time) (*domain.WalletTransaction, domain.Wallet, error) {
		if w.ID != orig.WalletID {
			return nil, domain.Wallet{}, fmt.Errorf("%w: %s belongs to another wallet", ErrNotCharged, requestLogID)
		}
		credit := -orig.Amount
		next := *w
		next.Balance += credit
		next.TotalUsed -= credit
		tx := newTransaction(w, domain.TxRefund, credit, now)
		tx.Description = "refund of " + requestLogID
		return tx, next, nil
	})
	if err != nil {
		return nil, err
	}
	if err = l.repo.MarkTransactionRefunded(ctx, orig.ID); err != nil {
		return nil, fmt.Errorf("wallet: mark %s refunded: %w", orig.ID, err)
	}
	l.forget(requestLogID)
	l.metrics.RecordRefund()
	return tx, nil
}

// Balance is a read-only view of a wallet and its outstanding holds.
type Balance struct {
	Wallet    domain.Wallet
	Held      domain.Money
	Available domain.Money
}

// Balance returns the owner's wallet together with its current holds.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (*Balance, error) {
	w, err := l.repo.LoadWallet(ctx, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, ownerID)
		}
		return nil, fmt.Errorf("wallet: load %s: %w", ownerID, err)
	}
	held := l.Held(ownerID)
	return &Balance{Wallet: *w, Held: held, Available: w.Balance - held}, nil
}

// Transactions lists the owner's most recent transactions, newest first.
func (l *Ledger) Transactions(ctx context.Context, ownerID string, limit int) ([]domain.WalletTransaction, error) {
	w, err := l.repo.LoadWallet(ctx, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, ownerID)
		}
		return nil, fmt.Errorf("wallet: load %s: %w", ownerID, err)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return l.repo.ListTransactions(ctx, w.ID, limit)
}

type mutation func(w *domain.Wallet, now time.Time) (*domain.WalletTransaction, domain.Wallet, error)

// write loads the wallet and persists the mutation, reloading on version conflicts.
// The caller holds the owner lock.
func (l *Ledger) write(ctx context.Context, ownerID string, create bool, fn mutation) (*domain.WalletTransaction, error) {
	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		w, err := l.repo.LoadWallet(ctx, ownerID)
		if errors.Is(err, store.ErrNotFound) && create {
			w = &domain.Wallet{ID: uuid.NewString(), OwnerID: ownerID, Status: domain.WalletActive}
			if err = l.repo.SaveWallet(ctx, *w); err != nil {
				return nil, fmt.Errorf("wallet: create %s: %w", ownerID, err)
			}
		}
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, ownerID)
			}
			return nil, fmt.Errorf("wallet: load %s: %w", ownerID, err)
		}

		tx, next, err := fn(w, l.clock.Now())
		if err != nil {
			return nil, err
		}
		lastErr = l.repo.SaveWalletTransaction(ctx, next, *tx)
		if lastErr == nil {
			return tx, nil
		}
		if !errors.Is(lastErr, store.ErrVersionConflict) {
			return nil, fmt.Errorf("wallet: write %s: %w", ownerID, lastErr)
		}
	}
	return nil, fmt.Errorf("wallet: write %s: %w", ownerID, lastErr)
}

func newTransaction(w *domain.Wallet, kind domain.TransactionType, delta domain.Money, now time.Time) *domain.WalletTransaction {
	return &domain.WalletTransaction{
		ID:            uuid.NewString(),
		WalletID:      w.ID,
		Type:          kind,
		Amount:        delta,
		BalanceBefore: w.Balance,
		BalanceAfter:  w.Balance + delta,
		Status:        domain.TxCompleted,
		CreatedAt:     now,
	}
}

func (l *Ledger) reportShortfall(w domain.Wallet, requestLogID string, actual, charged domain.Money) {
	missing := actual - charged
	l.metrics.RecordShortfall(int64(missing))
	log.WithFields(log.Fields{
		"owner":       w.OwnerID,
		"request_log": requestLogID,
		"actual":      actual.String(),
		"charged":     charged.String(),
	}).Warn("wallet: charge clamped to balance")
	l.publish(&hooks.EventContext{
		Event:   hooks.EventChargeShortfall,
		OwnerID: w.OwnerID,
		Reason:  "balance_exhausted",
		Data: map[string]any{
			"request_log_id":   requestLogID,
			"actual_micros":    int64(actual),
			"charged_micros":   int64(charged),
			"shortfall_micros": int64(missing),
		},
	})
}

func (l *Ledger) checkLowBalance(before domain.Wallet, after domain.Money) {
	if l.lowBalance <= 0 || before.Balance < l.lowBalance || after >= l.lowBalance {
		return
	}
	l.publish(&hooks.EventContext{
		Event:   hooks.EventLowBalance,
		OwnerID: before.OwnerID,
		Data: map[string]any{
			"balance_micros":   int64(after),
			"threshold_micros": int64(l.lowBalance),
		},
	})
}

func (l *Ledger) publish(ev *hooks.EventContext) {
	if l.events == nil {
		return
	}
	ev.Timestamp = l.clock.Now()
	l.events.PublishAsync(ev)
}

func (l *Ledger) recall(requestLogID string) (*domain.WalletTransaction, bool) {
	l.settledMu.Lock()
	defer l.settledMu.Unlock()
	tx, ok := l.settled[requestLogID]
	return tx, ok
}

func (l *Ledger) remember(requestLogID string, tx *domain.WalletTransaction) {
	if requestLogID == "" {
		return
	}
	l.settledMu.Lock()
	defer l.settledMu.Unlock()
	if _, ok := l.settled[requestLogID]; !ok {
		l.settledOrder = append(l.settledOrder, requestLogID)
	}
	l.settled[requestLogID] = tx
	for len(l.settledOrder) > settledCacheLimit {
		delete(l.settled, l.settledOrder[0])
		l.settledOrder = l.settledOrder[1:]
	}
}

func (l *Ledger) forget(requestLogID string) {
	l.settledMu.Lock()
	delete(l.settled, requestLogID)
	l.settledMu.Unlock()
}
