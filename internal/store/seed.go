// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/domain"
)

// Seed holds records provisioned from configuration at startup.
type Seed struct {
	Accounts []domain.Account
	APIKeys  []domain.APIKey
	Wallets  []domain.Wallet
}

// ApplySeed writes seeded accounts and keys, and creates seeded wallets that
// do not exist yet. Existing wallets keep their balance and journal. Existing
// accounts only take the configured fields from the seed; health, usage and the
// operator's enabled flag survive restarts.
func ApplySeed(ctx context.Context, repo Repository, seed Seed, now time.Time) error {
	stored := make(map[domain.Platform]map[string]domain.Account)
	for _, acc := range seed.Accounts {
		existing, ok := stored[acc.Platform]
		if !ok {
			loaded, err := repo.LoadEligibleAccounts(ctx, acc.Platform)
			if err != nil {
				return fmt.Errorf("seed account %s: %w", acc.ID, err)
			}
			existing = make(map[string]domain.Account, len(loaded))
			for _, a := range loaded {
				existing[a.ID] = a
			}
			stored[acc.Platform] = existing
		}
		if prev, found := existing[acc.ID]; found {
			acc = mergeSeedAccount(prev, acc)
		}
		if err := repo.SaveAccountState(ctx, acc); err != nil {
			return fmt.Errorf("seed account %s: %w", acc.ID, err)
		}
	}
	for _, key := range seed.APIKeys {
		existing, err := repo.LoadAPIKey(ctx, key.Key)
		switch {
		case err == nil:
			// Preserve accumulated usage across restarts.
			key.TokensUsed = existing.TokensUsed
			key.DailyCostUsed = existing.DailyCostUsed
			key.MonthlyCostUsed = existing.MonthlyCostUsed
			key.TotalCostUsed = existing.TotalCostUsed
			key.UsagePeriodStart = existing.UsagePeriodStart
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("seed api key %s: %w", key.ID, err)
		}
		if err = repo.SaveAPIKey(ctx, key); err != nil {
			return fmt.Errorf("seed api key %s: %w", key.ID, err)
		}
	}
	for _, w := range seed.Wallets {
		_, err := repo.LoadWallet(ctx, w.OwnerID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("seed wallet %s: %w", w.OwnerID, err)
		}
		initial := w.Balance
		w.Balance, w.TotalRecharged, w.TotalUsed, w.Version = 0, 0, 0, 0
		if err = repo.SaveWallet(ctx, w); err != nil {
			return fmt.Errorf("seed wallet %s: %w", w.OwnerID, err)
		}
		if initial <= 0 {
			continue
		}
		// The opening balance is journaled so balance always equals the sum of transactions.
		funded := w
		funded.Balance, funded.TotalRecharged = initial, initial
		tx := domain.WalletTransaction{
			ID:            uuid.NewString(),
			WalletID:      w.ID,
			Type:          domain.TxRecharge,
			Amount:        initial,
			BalanceBefore: 0,
			BalanceAfter:  initial,
			Status:        domain.TxCompleted,
			Description:   "initial balance",
			CreatedAt:     now,
		}
		if err = repo.SaveWalletTransaction(ctx, funded, tx); err != nil {
			return fmt.Errorf("seed wallet %s: %w", w.OwnerID, err)
		}
	}
	log.Infof("seeded %d accounts, %d api keys, %d wallets", len(seed.Accounts), len(seed.APIKeys), len(seed.Wallets))
	return nil
}

// mergeSeedAccount applies the configured fields of seeded onto the stored row.
// A seed that disables the account always wins over the stored flag.
func mergeSeedAccount(stored, seeded domain.Account) domain.Account {
	out := stored
	out.Name = seeded.Name
	out.Type = seeded.Type
	out.Priority = seeded.Priority
	out.SupportedModels = seeded.SupportedModels
	out.Credentials = seeded.Credentials
	if !seeded.IsEnabled {
		out.IsEnabled = false
	}
	return out
}
