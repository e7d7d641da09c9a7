// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package domain

import (
	"strings"
	"time"
)

// AccountType controls whether an account joins the shared pool or only serves bound keys.
type AccountType string

const (
	AccountShared    AccountType = "shared"
	AccountDedicated AccountType = "dedicated"
)

// AccountStatus is the health state of an upstream account.
type AccountStatus string

const (
	StatusActive      AccountStatus = "active"
	StatusRateLimited AccountStatus = "rate_limited"
	StatusError       AccountStatus = "error"
	StatusDisabled    AccountStatus = "disabled"
)

// Account priorities range from MinPriority to MaxPriority; lower wins.
const (
	MinPriority     = 1
	MaxPriority     = 100
	DefaultPriority = 50
)

// Credentials carries the secrets an adapter needs to authenticate upstream.
type Credentials struct {
	AccessToken string `json:"access_token,omitempty" yaml:"access-token,omitempty"`
	APIKey      string `json:"api_key,omitempty" yaml:"api-key,omitempty"`
	ProjectID   string `json:"project_id,omitempty" yaml:"project-id,omitempty"`
	BaseURL     string `json:"base_url,omitempty" yaml:"base-url,omitempty"`
}

// Account is a credential set for one upstream provider, schedulable by the router.
type Account struct {
	ID               string
	Name             string
	Platform         Platform
	Type             AccountType
	Priority         int
	Status           AccountStatus
	RateLimitedUntil *time.Time
	LastUsedAt       time.Time
	UsageCount       int64
	// SupportedModels maps a client-facing alias to the upstream model name.
	// An empty map means every model of the platform's family is accepted.
	SupportedModels map[string]string
	IsEnabled       bool
	LastError       string
	Credentials     Credentials
	Version         int64
}

// Clone returns a deep copy safe to hand out of the registry.
func (a *Account) Clone() Account {
	out := *a
	if a.RateLimitedUntil != nil {
		t := *a.RateLimitedUntil
		out.RateLimitedUntil = &t
	}
	if a.SupportedModels != nil {
		out.SupportedModels = make(map[string]string, len(a.SupportedModels))
		for k, v := range a.SupportedModels {
			out.SupportedModels[k] = v
		}
	}
	return out
}

// CoolingDown reports whether the account is inside a rate-limit cooldown at now.
func (a *Account) CoolingDown(now time.Time) bool {
	return a.Status == StatusRateLimited && a.RateLimitedUntil != nil && now.Before(*a.RateLimitedUntil)
}

// Schedulable reports whether the account may receive traffic at now. A rate-limited account
// whose cooldown has elapsed counts as active without any explicit reactivation.
func (a *Account) Schedulable(now time.Time) bool {
	if !a.IsEnabled {
		return false
	}
	switch a.Status {
	case StatusActive:
		return true
	case StatusRateLimited:
		return !a.CoolingDown(now)
	default:
		return false
	}
}

// Broken reports whether the account is out of rotation for reasons an operator must fix.
func (a *Account) Broken() bool {
	return !a.IsEnabled || a.Status == StatusError || a.Status == StatusDisabled
}

// ResolveModel maps a requested model to the upstream model name using SupportedModels.
// The boolean is false when the account has an explicit model list that does not cover model.
func (a *Account) ResolveModel(model string) (string, bool) {
	if len(a.SupportedModels) == 0 {
		return model, true
	}
	if upstream, ok := a.SupportedModels[model]; ok {
		if upstream == "" {
			return model, true
		}
		return upstream, true
	}
	for _, upstream := range a.SupportedModels {
		if strings.EqualFold(upstream, model) {
			return upstream, true
		}
	}
	return "", false
}
