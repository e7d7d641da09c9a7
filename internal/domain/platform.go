// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package domain

import "strings"

// Platform identifies the upstream provider family an account belongs to.
type Platform string

const (
	PlatformClaude        Platform = "claude"
	PlatformClaudeConsole Platform = "claude-console"
	PlatformGemini        Platform = "gemini"
)

// Platforms lists every platform the registry schedules.
var Platforms = []Platform{PlatformClaude, PlatformClaudeConsole, PlatformGemini}

// ParsePlatform normalizes a platform name. The boolean is false for unknown platforms.
func ParsePlatform(s string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Platforms {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// Service is the inbound API family an API key may be permitted to use.
type Service string

const (
	ServiceAll    Service = "all"
	ServiceClaude Service = "claude"
	ServiceGemini Service = "gemini"
	ServiceOpenAI Service = "openai"
)

// ParseService normalizes a service permission value; empty input means ServiceAll.
func ParseService(s string) (Service, bool) {
	switch Service(strings.ToLower(strings.TrimSpace(s))) {
	case "", ServiceAll:
		return ServiceAll, true
	case ServiceClaude:
		return ServiceClaude, true
	case ServiceGemini:
		return ServiceGemini, true
	case ServiceOpenAI:
		return ServiceOpenAI, true
	}
	return "", false
}

// DefaultService returns the service implied by routing to the given platform when the caller
// did not name one explicitly.
func (p Platform) DefaultService() Service {
	if p == PlatformGemini {
		return ServiceGemini
	}
	return ServiceClaude
}

// Allows reports whether a key holding permission s may call service req.
func (s Service) Allows(req Service) bool {
	return s == ServiceAll || s == req
}
