// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/hooks"
	"github.com/traylinx/switchAIRelay/internal/metrics"
	"github.com/traylinx/switchAIRelay/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*hooks.EventContext
}

func (p *recordingPublisher) PublishAsync(ev *hooks.EventContext) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) of(event hooks.HookEvent) []*hooks.EventContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*hooks.EventContext
	for _, ev := range p.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	repo    *store.MemoryStore
	ledger  *Ledger
	events  *recordingPublisher
	metrics *metrics.Metrics
	clock   *clock.Fake
}

func newFixture(t *testing.T, funded domain.Money, threshold domain.Money) *fixture {
	t.Helper()
	f := &fixture{
		repo:    store.NewMemoryStore(),
		events:  &recordingPublisher{},
		metrics: metrics.New(10),
		clock:   clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)),
	}
	f.ledger = New(f.repo, Options{Clock: f.clock, Events: f.events, Metrics: f.metrics, LowBalanceThreshold: threshold})
	require.NoError(t, f.repo.SaveWallet(context.Background(), domain.Wallet{ID: "w-1", OwnerID: "owner-1", Status: domain.WalletActive}))
	if funded > 0 {
		_, err := f.ledger.Recharge(context.Background(), "owner-1", funded, "initial")
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) balance(t *testing.T) domain.Money {
	t.Helper()
	w, err := f.repo.LoadWallet(context.Background(), "owner-1")
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) journalSum(t *testing.T) domain.Money {
	t.Helper()
	txs, err := f.repo.ListTransactions(context.Background(), "w-1", 0)
	require.NoError(t, err)
	var sum domain.Money
	for _, tx := range txs {
		sum += tx.Amount
	}
	return sum
}

func TestReserve_CountsOutstandingHolds(t *testing.T) {
	f := newFixture(t, domain.Dollars(1), 0)
	ctx := context.Background()

	first, err := f.ledger.Reserve(ctx, "owner-1", domain.Dollars(0.60))
	require.NoError(t, err)

	_, err = f.ledger.Reserve(ctx, "owner-1", domain.Dollars(0.50))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	first.Release()
	first.Release()
	assert.Equal(t, domain.Money(0), f.ledger.Held("owner-1"))

	second, err := f.ledger.Reserve(ctx, "owner-1", domain.Dollars(0.50))
	require.NoError(t, err)
	assert.Equal(t, domain.Dollars(0.50), f.ledger.Held("owner-1"))
	second.Release()
}

func TestReserve_RejectsMissingOrInactiveWallet(t *testing.T) {
	f := newFixture(t, domain.Dollars(1), 0)
	ctx := context.Background()

	_, err := f.ledger.Reserve(ctx, "nobody", domain.Dollars(0.01))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	w, err := f.repo.LoadWallet(ctx, "owner-1")
	require.NoError(t, err)
	w.Status = domain.WalletFrozen
	require.NoError(t, f.repo.SaveWallet(ctx, *w))

	_, err = f.ledger.Reserve(ctx, "owner-1", domain.Dollars(0.01))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestCharge_IsIdempotentPerRequestLog(t *testing.T) {
	f := newFixture(t, domain.Dollars(1), 0)
	ctx := context.Background()

	hold, err := f.ledger.Reserve(ctx, "owner-1", domain.Dollars(0.40))
	require.NoError(t, err)

	tx, err := f.ledger.Charge(ctx, "owner-1", "req-1", domain.Dollars(0.30), hold)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, -domain.Dollars(0.30), tx.Amount)
	assert.Equal(t, domain.Money(0), f.ledger.Held("owner-1"))

	again, err := f.ledger.Charge(ctx, "owner-1", "req-1", domain.Dollars(0.30), nil)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, again.ID)

	// A ledger without the in-memory index still finds the charge in the repository.
	fresh := New(f.repo, Options{Clock: f.clock})
	replay, err := fresh.Charge(ctx, "owner-1", "req-1", domain.Dollars(0.30), nil)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, replay.ID)

	assert.Equal(t, domain.Dollars(0.70), f.balance(t))
	assert.Equal(t, f.balance(t), f.journalSum(t))
}

func TestCharge_ClampsToBalanceAndReportsShortfall(t *testing.T) {
	f := newFixture(t, domain.Dollars(0.10), 0)
	ctx := context.Background()

	tx, err := f.ledger.Charge(ctx, "owner-1", "req-1", domain.Dollars(0.25), nil)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, -domain.Dollars(0.10), tx.Amount)
	assert.Equal(t, domain.Money(0), tx.BalanceAfter)
	assert.Equal(t, domain.Money(0), f.balance(t))

	shortfalls := f.events.of(hooks.EventChargeShortfall)
	require.Len(t, shortfalls, 1)
	assert.Equal(t, "owner-1", shortfalls[0].OwnerID)
	assert.Equal(t, int64(150_000), shortfalls[0].Data["shortfall_micros"])

	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Shortfalls)
	assert.Equal(t, int64(150_000), snap.ShortfallMicros)

	// An empty wallet produces no transaction, only another shortfall.
	tx, err = f.ledger.Charge(ctx, "owner-1", "req-2", domain.Dollars(0.05), nil)
	require.NoError(t, err)
	assert.Nil(t, tx)
	assert.Len(t, f.events.of(hooks.EventChargeShortfall), 2)
	assert.Equal(t, f.balance(t), f.journalSum(t))
}

func TestCharge_ZeroCostWritesNothing(t *testing.T) {
	f := newFixture(t, domain.Dollars(1), 0)
	tx, err := f.ledger.Charge(context.Background(), "owner-1", "req-1", 0, nil)
	require.NoError(t, err)
	assert.Nil(t, tx)
	txs, err := f.repo.ListTransactions(context.Background(), "w-1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestCharge_PublishesLowBalanceOnCrossing(t *testing.T) {
	f := newFixture(t, domain.Dollars(1), domain.Dollars(0.50))
	ctx := context.Background()

	_, err := f.ledger.Charge(ctx, "owner-1", "req-1", domain.Dollars(0.40), nil)
	require.NoError(t, err)
	assert.Empty(t, f.events.of(hooks.EventLowBalance))

	_, err = f.ledger.Charge(ctx, "owner-1", "req-2", domain.Dollars(0.20), nil)
	require.NoError(t, err)
	low := f.events.of(hooks.EventLowBalance)
	require.Len(t, low, 1)
	assert.Equal(t, int64(400_000), low[0].Data["balance_micros"])

	_, err = f.ledger.Charge(ctx, "owner-1", "req-3", domain.Dollars(0.10), nil)
	require.NoError(t, err)
	assert.Len(t, f.events.of(hooks.EventLowBalance), 1)
}

func TestRecharge(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()

	_, err := f.ledger.Recharge(ctx, "owner-1", 0, "nothing")
	require.ErrorIs(t, err, ErrInvalidAmount)

	w, err := f.repo.LoadWallet(ctx, "owner-1")
	require.NoError(t, err)
	w.Status = domain.WalletFrozen
	require.NoError(t, f.repo.SaveWallet(ctx, *w))

	tx, err := f.ledger.Recharge(ctx, "owner-1", domain.Dollars(2), "top up")
	require.NoError(t, err)
	assert.Equal(t, domain.TxRecharge, tx.Type)
	assert.Equal(t, domain.Dollars(2), f.balance(t))

	w, err = f.repo.LoadWallet(ctx, "owner-1")
	require.NoError(t, err)
	w.Status = domain.WalletSuspended
	require.NoError(t, f.repo.SaveWallet(ctx, *w))
	_, err = f.ledger.Recharge(ctx, "owner-1", domain.Dollars(1), "top up")
	require.ErrorIs(t, err, ErrWalletSuspended)

	_, err = f.ledger.Recharge(ctx, "owner-2", domain.Dollars(3), "first deposit")
	require.NoError(t, err)
	bal, err := f.ledger.Balance(ctx, "owner-2")
	require.NoError(t, err)
	assert.Equal(t, domain.Dollars(3), bal.Wallet.Balance)
	assert.Equal(t, domain.Dollars(3), bal.Available)
}

func TestRefund(t *testing.T) {
	f := newFixture(t, domain.Dollars(1), 0)
	ctx := context.Background()

	_, err := f.ledger.Refund(ctx, "owner-1", "req-unknown")
	require.ErrorIs(t, err, ErrNotCharged)

	_, err = f.ledger.Charge(ctx, "owner-1", "req-1", domain.Dollars(0.25), nil)
	require.NoError(t, err)

	refund, err := f.ledger.Refund(ctx, "owner-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxRefund, refund.Type)
	assert.Equal(t, domain.Dollars(0.25), refund.Amount)
	assert.Nil(t, refund.RequestLogID)
	assert.Equal(t, domain.Dollars(1), f.balance(t))

	_, err = f.ledger.Refund(ctx, "owner-1", "req-1")
	require.ErrorIs(t, err, ErrAlreadyRefunded)

	// The refunded request is not charged a second time.
	tx, err := f.ledger.Charge(ctx, "owner-1", "req-1", domain.Dollars(0.25), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TxRefunded, tx.Status)
	assert.Equal(t, domain.Dollars(1), f.balance(t))
	assert.Equal(t, f.balance(t), f.journalSum(t))
}

func TestCharge_ConcurrentChargesSerializePerOwner(t *testing.T) {
	f := newFixture(t, domain.Dollars(1), 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ledger.Charge(ctx, "owner-1", fmt.Sprintf("req-%d", i), domain.Dollars(0.01), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, domain.Dollars(0.50), f.balance(t))
	assert.Equal(t, f.balance(t), f.journalSum(t))
	assert.Equal(t, int64(50), f.metrics.Snapshot().Charges)
}

func TestTransactions_NewestFirst(t *testing.T) {
	f := newFixture(t, domain.Dollars(1), 0)
	ctx := context.Background()
	f.clock.Advance(time.Minute)
	_, err := f.ledger.Charge(ctx, "owner-1", "req-1", domain.Dollars(0.10), nil)
	require.NoError(t, err)

	txs, err := f.ledger.Transactions(ctx, "owner-1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, domain.TxDeduct, txs[0].Type)
	assert.Equal(t, domain.TxRecharge, txs[1].Type)

	_, err = f.ledger.Transactions(ctx, "nobody", 0)
	require.ErrorIs(t, err, ErrWalletNotFound)
}
