// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/traylinx/switchAIRelay/internal/domain"
)

// MemoryStore is a Repository kept entirely in process memory.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]domain.Account
	keys         map[string]domain.APIKey // by key value
	wallets      map[string]domain.Wallet // by owner id
	transactions []domain.WalletTransaction
	byRequestLog map[string]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]domain.Account),
		keys:         make(map[string]domain.APIKey),
		wallets:      make(map[string]domain.Wallet),
		byRequestLog: make(map[string]int),
	}
}

func (s *MemoryStore) LoadEligibleAccounts(_ context.Context, platform domain.Platform) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Account, 0)
	for _, acc := range s.accounts {
		if acc.Platform == platform {
			out = append(out, acc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveAccountState(_ context.Context, account domain.Account) error {
	s.mu.Lock()
	s.accounts[account.ID] = account.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadAPIKey(_ context.Context, keyValue string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyValue]
	if !ok {
		return nil, ErrNotFound
	}
	cp := k.Clone()
	return &cp, nil
}

func (s *MemoryStore) SaveAPIKey(_ context.Context, key domain.APIKey) error {
	s.mu.Lock()
	s.keys[key.Key] = key.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveAPIKeyUsage(_ context.Context, key domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.keys[key.Key]
	if !ok {
		return ErrNotFound
	}
	stored.TokensUsed = key.TokensUsed
	stored.DailyCostUsed = key.DailyCostUsed
	stored.MonthlyCostUsed = key.MonthlyCostUsed
	stored.TotalCostUsed = key.TotalCostUsed
	stored.UsagePeriodStart = key.UsagePeriodStart
	stored.Version++
	s.keys[key.Key] = stored
	return nil
}

func (s *MemoryStore) LoadWallet(_ context.Context, ownerID string) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (s *MemoryStore) SaveWallet(_ context.Context, wallet domain.Wallet) error {
	s.mu.Lock()
	s.wallets[wallet.OwnerID] = wallet
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveWalletTransaction(_ context.Context, wallet domain.Wallet, tx domain.WalletTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.wallets[wallet.OwnerID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != wallet.Version {
		return ErrVersionConflict
	}
	if tx.RequestLogID != nil {
		if _, dup := s.byRequestLog[*tx.RequestLogID]; dup {
			return ErrDuplicateRequestLog
		}
		s.byRequestLog[*tx.RequestLogID] = len(s.transactions)
	}
	wallet.Version++
	s.wallets[wallet.OwnerID] = wallet
	s.transactions = append(s.transactions, tx)
	return nil
}

func (s *MemoryStore) FindTransactionByRequestLogID(_ context.Context, requestLogID string) (*domain.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byRequestLog[requestLogID]
	if !ok {
		return nil, ErrNotFound
	}
	tx := s.transactions[idx]
	return &tx, nil
}

// ListTransactions returns the newest transactions first. A non-positive limit returns all.
func (s *MemoryStore) ListTransactions(_ context.Context, walletID string, limit int) ([]domain.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.WalletTransaction, 0)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].WalletID != walletID {
			continue
		}
		out = append(out, s.transactions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkTransactionRefunded(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.transactions {
		if s.transactions[i].ID == txID {
			s.transactions[i].Status = domain.TxRefunded
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Close() error { return nil }
