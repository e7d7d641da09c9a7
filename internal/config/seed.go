// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/store"
)

// SeedConfig lists records provisioned into the store at startup.
type SeedConfig struct {
	Accounts []SeedAccount `yaml:"accounts"`
	APIKeys  []SeedAPIKey  `yaml:"api-keys"`
	Wallets  []SeedWallet  `yaml:"wallets"`
}

// SeedAccount describes an upstream account.
type SeedAccount struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"`
	// Type is "shared" (default) or "dedicated".
	Type     string `yaml:"type"`
	Priority int    `yaml:"priority"`
	Disabled bool   `yaml:"disabled"`
	// Models maps client aliases to upstream model names. Empty accepts every model.
	Models      map[string]string  `yaml:"models"`
	Credentials domain.Credentials `yaml:"credentials"`
}

// SeedAPIKey describes a client API key and its limits. Cost limits are in dollars.
type SeedAPIKey struct {
	ID                string            `yaml:"id"`
	Key               string            `yaml:"key"`
	Name              string            `yaml:"name"`
	Owner             string            `yaml:"owner"`
	Permissions       string            `yaml:"permissions"`
	BoundAccounts     map[string]string `yaml:"bound-accounts"`
	TokenLimit        int64             `yaml:"token-limit"`
	RateLimitWindow   int               `yaml:"rate-limit-window"`
	RateLimitRequests int               `yaml:"rate-limit-requests"`
	ConcurrencyLimit  int               `yaml:"concurrency-limit"`
	DailyCostLimit    float64           `yaml:"daily-cost-limit"`
	MonthlyCostLimit  float64           `yaml:"monthly-cost-limit"`
	TotalCostLimit    float64           `yaml:"total-cost-limit"`
	RestrictedModels  []string          `yaml:"restricted-models"`
	AllowedClients    []string          `yaml:"allowed-clients"`
	ExpiresAt         *time.Time        `yaml:"expires-at"`
	Disabled          bool              `yaml:"disabled"`
}

// SeedWallet opens a wallet with an initial balance in dollars.
type SeedWallet struct {
	Owner   string  `yaml:"owner"`
	Balance float64 `yaml:"balance"`
	Status  string  `yaml:"status"`
}

// Sanitize trims identifiers and drops entries that cannot identify a record.
func (s *SeedConfig) Sanitize() {
	accounts := s.Accounts[:0]
	for _, a := range s.Accounts {
		a.ID = strings.TrimSpace(a.ID)
		a.Platform = strings.TrimSpace(a.Platform)
		if a.ID == "" {
			continue
		}
		if a.Priority == 0 {
			a.Priority = domain.DefaultPriority
		}
		accounts = append(accounts, a)
	}
	s.Accounts = accounts

	keys := s.APIKeys[:0]
	for _, k := range s.APIKeys {
		k.Key = strings.TrimSpace(k.Key)
		k.Owner = strings.TrimSpace(k.Owner)
		if k.Key == "" {
			continue
		}
		if strings.TrimSpace(k.ID) == "" {
			k.ID = k.Key
		}
		keys = append(keys, k)
	}
	s.APIKeys = keys

	wallets := s.Wallets[:0]
	for _, w := range s.Wallets {
		w.Owner = strings.TrimSpace(w.Owner)
		if w.Owner == "" {
			continue
		}
		wallets = append(wallets, w)
	}
	s.Wallets = wallets
}

// Build converts the seed section into store records.
func (s *SeedConfig) Build() (store.Seed, error) {
	var out store.Seed
	for _, a := range s.Accounts {
		acc, err := a.account()
		if err != nil {
			return store.Seed{}, err
		}
		out.Accounts = append(out.Accounts, acc)
	}
	for _, k := range s.APIKeys {
		key, err := k.apiKey()
		if err != nil {
			return store.Seed{}, err
		}
		out.APIKeys = append(out.APIKeys, key)
	}
	for _, w := range s.Wallets {
		wallet, err := w.wallet()
		if err != nil {
			return store.Seed{}, err
		}
		out.Wallets = append(out.Wallets, wallet)
	}
	return out, nil
}

func (a SeedAccount) account() (domain.Account, error) {
	platform, ok := domain.ParsePlatform(a.Platform)
	if !ok {
		return domain.Account{}, fmt.Errorf("config: account %s: unknown platform %q", a.ID, a.Platform)
	}
	accType := domain.AccountShared
	switch strings.ToLower(strings.TrimSpace(a.Type)) {
	case "", string(domain.AccountShared):
	case string(domain.AccountDedicated):
		accType = domain.AccountDedicated
	default:
		return domain.Account{}, fmt.Errorf("config: account %s: unknown type %q", a.ID, a.Type)
	}
	priority := a.Priority
	if priority == 0 {
		priority = domain.DefaultPriority
	}
	if priority < domain.MinPriority || priority > domain.MaxPriority {
		return domain.Account{}, fmt.Errorf("config: account %s: priority %d outside %d-%d", a.ID, priority, domain.MinPriority, domain.MaxPriority)
	}
	name := a.Name
	if name == "" {
		name = a.ID
	}
	return domain.Account{
		ID:              a.ID,
		Name:            name,
		Platform:        platform,
		Type:            accType,
		Priority:        priority,
		Status:          domain.StatusActive,
		SupportedModels: a.Models,
		IsEnabled:       !a.Disabled,
		Credentials:     a.Credentials,
	}, nil
}

func (k SeedAPIKey) apiKey() (domain.APIKey, error) {
	perm, ok := domain.ParseService(k.Permissions)
	if !ok {
		return domain.APIKey{}, fmt.Errorf("config: api key %s: unknown permissions %q", k.ID, k.Permissions)
	}
	var bound map[domain.Platform]string
	for p, id := range k.BoundAccounts {
		platform, okPlatform := domain.ParsePlatform(p)
		if !okPlatform {
			return domain.APIKey{}, fmt.Errorf("config: api key %s: unknown bound platform %q", k.ID, p)
		}
		if bound == nil {
			bound = make(map[domain.Platform]string, len(k.BoundAccounts))
		}
		bound[platform] = strings.TrimSpace(id)
	}
	return domain.APIKey{
		ID:                      k.ID,
		Key:                     k.Key,
		Name:                    k.Name,
		OwnerID:                 k.Owner,
		Permissions:             perm,
		BoundAccounts:           bound,
		TokenLimit:              k.TokenLimit,
		RateLimitWindow:         k.RateLimitWindow,
		RateLimitRequests:       k.RateLimitRequests,
		ConcurrencyLimit:        k.ConcurrencyLimit,
		DailyCostLimit:          domain.Dollars(k.DailyCostLimit),
		MonthlyCostLimit:        domain.Dollars(k.MonthlyCostLimit),
		TotalCostLimit:          domain.Dollars(k.TotalCostLimit),
		EnableModelRestriction:  len(k.RestrictedModels) > 0,
		RestrictedModels:        k.RestrictedModels,
		EnableClientRestriction: len(k.AllowedClients) > 0,
		AllowedClients:          k.AllowedClients,
		ExpiresAt:               k.ExpiresAt,
		IsEnabled:               !k.Disabled,
	}, nil
}

func (w SeedWallet) wallet() (domain.Wallet, error) {
	status := domain.WalletActive
	switch domain.WalletStatus(strings.ToLower(strings.TrimSpace(w.Status))) {
	case "", domain.WalletActive:
	case domain.WalletFrozen:
		status = domain.WalletFrozen
	case domain.WalletSuspended:
		status = domain.WalletSuspended
	default:
		return domain.Wallet{}, fmt.Errorf("config: wallet %s: unknown status %q", w.Owner, w.Status)
	}
	if w.Balance < 0 {
		return domain.Wallet{}, fmt.Errorf("config: wallet %s: negative balance", w.Owner)
	}
	return domain.Wallet{
		ID:      "wallet-" + w.Owner,
		OwnerID: w.Owner,
		Balance: domain.Dollars(w.Balance),
		Status:  status,
	}, nil
}
