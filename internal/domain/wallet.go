// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package domain

import "time"

// WalletStatus gates admission and recharges.
type WalletStatus string

const (
	WalletActive    WalletStatus = "active"
	WalletFrozen    WalletStatus = "frozen"
	WalletSuspended WalletStatus = "suspended"
)

// Wallet is a tenant's prepaid balance. Balance always equals the sum of its transaction deltas.
type Wallet struct {
	ID             string
	OwnerID        string
	Balance        Money
	TotalUsed      Money
	TotalRecharged Money
	Status         WalletStatus
	LastUsedAt     time.Time
	Version        int64
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxRecharge TransactionType = "recharge"
	TxDeduct   TransactionType = "deduct"
	TxRefund   TransactionType = "refund"
)

// TransactionStatus tracks whether a deduction has since been refunded.
type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxRefunded  TransactionStatus = "refunded"
)

// WalletTransaction is one immutable balance change. Amount is the signed delta.
type WalletTransaction struct {
	ID            string
	WalletID      string
	Type          TransactionType
	Amount        Money
	BalanceBefore Money
	BalanceAfter  Money
	RequestLogID  *string
	Status        TransactionStatus
	Description   string
	CreatedAt     time.Time
}
