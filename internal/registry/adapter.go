// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/traylinx/switchAIRelay/internal/domain"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultGeminiBaseURL    = "https://generativelanguage.googleapis.com"
)

// Adapter captures the per-platform behaviour the selector and router need.
type Adapter interface {
	Platform() domain.Platform
	// Match reports whether the account can serve model and returns the upstream model name.
	Match(account *domain.Account, model string) (string, bool)
	// Credentials returns the credentials the caller should present upstream.
	Credentials(account *domain.Account) domain.Credentials
	// RewriteModel replaces the model in a client request body with the upstream name.
	RewriteModel(body []byte, upstreamModel string) ([]byte, error)
}

// DefaultAdapters returns one adapter per known platform.
func DefaultAdapters() map[domain.Platform]Adapter {
	return map[domain.Platform]Adapter{
		domain.PlatformClaude:        claudeAdapter{platform: domain.PlatformClaude, oauth: true},
		domain.PlatformClaudeConsole: claudeAdapter{platform: domain.PlatformClaudeConsole},
		domain.PlatformGemini:        geminiAdapter{},
	}
}

// claudeAdapter serves both the OAuth subscription platform and the Console API-key platform.
type claudeAdapter struct {
	platform domain.Platform
	oauth    bool
}

func (a claudeAdapter) Platform() domain.Platform { return a.platform }

func (a claudeAdapter) Match(account *domain.Account, model string) (string, bool) {
	if len(account.SupportedModels) == 0 && !isClaudeFamily(model) {
		return "", false
	}
	return account.ResolveModel(model)
}

func (a claudeAdapter) Credentials(account *domain.Account) domain.Credentials {
	creds := account.Credentials
	if a.oauth {
		creds.APIKey = ""
	} else {
		creds.AccessToken = ""
	}
	if creds.BaseURL == "" {
		creds.BaseURL = defaultAnthropicBaseURL
	}
	return creds
}

func (a claudeAdapter) RewriteModel(body []byte, upstreamModel string) ([]byte, error) {
	return setModel(body, upstreamModel, true)
}

type geminiAdapter struct{}

func (geminiAdapter) Platform() domain.Platform { return domain.PlatformGemini }

func (geminiAdapter) Match(account *domain.Account, model string) (string, bool) {
	if len(account.SupportedModels) == 0 && !strings.Contains(strings.ToLower(model), "gemini") {
		return "", false
	}
	return account.ResolveModel(model)
}

func (geminiAdapter) Credentials(account *domain.Account) domain.Credentials {
	creds := account.Credentials
	if creds.BaseURL == "" {
		creds.BaseURL = defaultGeminiBaseURL
	}
	return creds
}

// RewriteModel only touches bodies that carry a model field; native Gemini
// requests address the model in the URL path instead.
func (geminiAdapter) RewriteModel(body []byte, upstreamModel string) ([]byte, error) {
	return setModel(body, upstreamModel, false)
}

func setModel(body []byte, model string, always bool) ([]byte, error) {
	if len(body) == 0 || model == "" {
		return body, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("registry: request body is not valid JSON")
	}
	if !always && !gjson.GetBytes(body, "model").Exists() {
		return body, nil
	}
	if gjson.GetBytes(body, "model").String() == model {
		return body, nil
	}
	out, err := sjson.SetBytes(body, "model", model)
	if err != nil {
		return nil, fmt.Errorf("registry: rewrite model: %w", err)
	}
	return out, nil
}

var claudeAliases = []string{"claude", "sonnet", "opus", "haiku"}

func isClaudeFamily(model string) bool {
	lower := strings.ToLower(model)
	for _, alias := range claudeAliases {
		if strings.Contains(lower, alias) {
			return true
		}
	}
	return false
}
