// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/store"
)

type ledgerOp struct {
	Kind   int // 0 recharge, 1 charge, 2 refund
	Amount int64
	Target int
}

func genLedgerOp() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.Int64Range(0, 2_000_000),
		gen.IntRange(0, 30),
	).Map(func(values []interface{}) ledgerOp {
		return ledgerOp{Kind: values[0].(int), Amount: values[1].(int64), Target: values[2].(int)}
	})
}

func TestLedger_BalanceEqualsJournal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("balance equals the sum of transactions and never goes negative", prop.ForAll(
		func(ops []ledgerOp) bool {
			ctx := context.Background()
			repo := store.NewMemoryStore()
			ledger := New(repo, Options{})
			if err := repo.SaveWallet(ctx, domain.Wallet{ID: "w-p", OwnerID: "owner-p", Status: domain.WalletActive}); err != nil {
				return false
			}
			for i, op := range ops {
				switch op.Kind {
				case 0:
					if op.Amount > 0 {
						if _, err := ledger.Recharge(ctx, "owner-p", domain.Money(op.Amount), "prop"); err != nil {
							return false
						}
					}
				case 1:
					if _, err := ledger.Charge(ctx, "owner-p", fmt.Sprintf("req-%d", i), domain.Money(op.Amount), nil); err != nil {
						return false
					}
				case 2:
					_, _ = ledger.Refund(ctx, "owner-p", fmt.Sprintf("req-%d", op.Target%(i+1)))
				}
			}

			w, err := repo.LoadWallet(ctx, "owner-p")
			if err != nil {
				return false
			}
			txs, err := repo.ListTransactions(ctx, "w-p", 0)
			if err != nil {
				return false
			}
			var sum domain.Money
			for _, tx := range txs {
				sum += tx.Amount
				if tx.BalanceAfter != tx.BalanceBefore+tx.Amount {
					return false
				}
			}
			return w.Balance >= 0 && w.Balance == sum && w.Balance == w.TotalRecharged-w.TotalUsed
		},
		gen.SliceOf(genLedgerOp()),
	))

	properties.TestingRun(t)
}
