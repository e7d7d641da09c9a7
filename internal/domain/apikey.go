// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package domain

import (
	"strings"
	"time"
)

// APIKey is a tenant credential with its own limits and usage counters.
type APIKey struct {
	ID          string
	Key         string
	Name        string
	OwnerID     string
	Permissions Service
	// BoundAccounts pins the key to one account per platform.
	BoundAccounts map[Platform]string

	TokenLimit int64
	TokensUsed int64

	// RateLimitWindow is expressed in minutes.
	RateLimitWindow   int
	RateLimitRequests int
	ConcurrencyLimit  int

	DailyCostLimit   Money
	MonthlyCostLimit Money
	TotalCostLimit   Money
	DailyCostUsed    Money
	MonthlyCostUsed  Money
	TotalCostUsed    Money
	// UsagePeriodStart is the moment the daily counter was last reset.
	UsagePeriodStart time.Time

	EnableModelRestriction  bool
	RestrictedModels        []string
	EnableClientRestriction bool
	AllowedClients          []string

	ExpiresAt *time.Time
	IsEnabled bool
	Version   int64
}

// Clone returns a deep copy of the key.
func (k *APIKey) Clone() APIKey {
	out := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		out.ExpiresAt = &t
	}
	if k.BoundAccounts != nil {
		out.BoundAccounts = make(map[Platform]string, len(k.BoundAccounts))
		for p, id := range k.BoundAccounts {
			out.BoundAccounts[p] = id
		}
	}
	out.RestrictedModels = append([]string(nil), k.RestrictedModels...)
	out.AllowedClients = append([]string(nil), k.AllowedClients...)
	return out
}

// Expired reports whether the key has passed its expiry at now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// BoundAccount returns the account id bound for platform, if any.
func (k *APIKey) BoundAccount(p Platform) (string, bool) {
	id, ok := k.BoundAccounts[p]
	return id, ok && id != ""
}

// ModelRestricted reports whether model is on the key's deny list.
func (k *APIKey) ModelRestricted(model string) bool {
	if !k.EnableModelRestriction {
		return false
	}
	for _, m := range k.RestrictedModels {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

// ClientAllowed reports whether clientID passes the key's client allow list.
func (k *APIKey) ClientAllowed(clientID string) bool {
	if !k.EnableClientRestriction {
		return true
	}
	for _, c := range k.AllowedClients {
		if strings.EqualFold(c, clientID) {
			return true
		}
	}
	return false
}
