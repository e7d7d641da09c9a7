// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store provides durable repositories for upstream accounts, API keys
// and wallets. Two implementations exist: an in-memory store for tests and
// single-node development, and a database/sql store that runs on PostgreSQL
// (pgx) or SQLite.
package store

import (
	"context"
	"errors"

	"github.com/traylinx/switchAIRelay/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict is returned when an optimistic wallet update lost a race.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrDuplicateRequestLog is returned when a transaction reuses a request log id.
	ErrDuplicateRequestLog = errors.New("store: duplicate request log id")
)

// AccountRepository persists upstream accounts.
type AccountRepository interface {
	// LoadEligibleAccounts returns every account registered for platform,
	// including disabled ones, so operators can re-enable them at runtime.
	LoadEligibleAccounts(ctx context.Context, platform domain.Platform) ([]domain.Account, error)
	// SaveAccountState inserts or fully replaces the account row.
	SaveAccountState(ctx context.Context, account domain.Account) error
}

// APIKeyRepository persists API keys and their usage counters.
type APIKeyRepository interface {
	LoadAPIKey(ctx context.Context, keyValue string) (*domain.APIKey, error)
	// SaveAPIKey inserts or fully replaces a key definition.
	SaveAPIKey(ctx context.Context, key domain.APIKey) error
	// SaveAPIKeyUsage writes only the usage counters and period anchor.
	SaveAPIKeyUsage(ctx context.Context, key domain.APIKey) error
}

// WalletRepository persists wallets and their transaction journal.
type WalletRepository interface {
	LoadWallet(ctx context.Context, ownerID string) (*domain.Wallet, error)
	// SaveWallet inserts or fully replaces a wallet row without touching the journal.
	SaveWallet(ctx context.Context, wallet domain.Wallet) error
	// SaveWalletTransaction appends tx and writes the wallet balance atomically.
	// wallet.Version must equal the stored version; it is incremented on success.
	SaveWalletTransaction(ctx context.Context, wallet domain.Wallet, tx domain.WalletTransaction) error
	FindTransactionByRequestLogID(ctx context.Context, requestLogID string) (*domain.WalletTransaction, error)
	ListTransactions(ctx context.Context, walletID string, limit int) ([]domain.WalletTransaction, error)
	MarkTransactionRefunded(ctx context.Context, txID string) error
}

// Repository bundles every repository the relay needs.
type Repository interface {
	AccountRepository
	APIKeyRepository
	WalletRepository
	Close() error
}
