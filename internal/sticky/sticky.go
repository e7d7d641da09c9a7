// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sticky maps conversation fingerprints to upstream accounts so that
// follow-up turns of one conversation keep hitting the same prompt cache.
package sticky

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/kv"
)

// DefaultTTL is used when the index is created with a non-positive TTL.
const DefaultTTL = time.Hour

// hashLen is the number of hex characters kept from the SHA-256 digest.
const hashLen = 32

// Index stores session hash to account id mappings in a kv.Store.
type Index struct {
	store kv.Store
	ttl   time.Duration
}

// NewIndex creates an index with the given default TTL.
func NewIndex(store kv.Store, ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Index{store: store, ttl: ttl}
}

// TTL returns the default entry lifetime.
func (i *Index) TTL() time.Duration { return i.ttl }

func key(platform domain.Platform, hash string) string {
	return "sticky:" + string(platform) + ":" + hash
}

// Get returns the account previously bound to hash on platform.
func (i *Index) Get(ctx context.Context, platform domain.Platform, hash string) (string, bool, error) {
	if hash == "" {
		return "", false, nil
	}
	v, ok, err := i.store.Get(ctx, key(platform, hash))
	if err != nil {
		return "", false, fmt.Errorf("sticky: get: %w", err)
	}
	return v, ok && v != "", nil
}

// Put binds hash to accountID. A non-positive ttl uses the index default.
func (i *Index) Put(ctx context.Context, platform domain.Platform, hash, accountID string, ttl time.Duration) error {
	if hash == "" || accountID == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = i.ttl
	}
	if err := i.store.Put(ctx, key(platform, hash), accountID, ttl); err != nil {
		return fmt.Errorf("sticky: put: %w", err)
	}
	return nil
}

// DeriveHash fingerprints a chat request body. Content marked with
// cache_control is preferred, then the system prompt, then the first message.
// An empty string means the body carries nothing usable.
func DeriveHash(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	root := gjson.ParseBytes(body)

	if cached := cacheControlText(root); cached != "" {
		return digest(cached)
	}
	if system := textOf(root.Get("system")); system != "" {
		return digest(system)
	}
	// Gemini native bodies carry systemInstruction and contents.
	if system := textOf(root.Get("systemInstruction")); system != "" {
		return digest(system)
	}
	for _, path := range []string{"messages.0", "contents.0"} {
		first := root.Get(path)
		if !first.Exists() {
			continue
		}
		text := textOf(first.Get("content"))
		if text == "" {
			text = textOf(first.Get("parts"))
		}
		if text != "" {
			return digest(text)
		}
	}
	return ""
}

// cacheControlText concatenates every system block and message content block
// that carries a cache_control marker.
func cacheControlText(root gjson.Result) string {
	var b strings.Builder
	collect := func(block gjson.Result) {
		if block.Get("cache_control").Exists() {
			b.WriteString(block.Get("text").String())
		}
	}
	if system := root.Get("system"); system.IsArray() {
		system.ForEach(func(_, block gjson.Result) bool {
			collect(block)
			return true
		})
	}
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		if content := msg.Get("content"); content.IsArray() {
			content.ForEach(func(_, block gjson.Result) bool {
				collect(block)
				return true
			})
		}
		return true
	})
	return b.String()
}

// textOf flattens a string, a list of text blocks, or an object with parts.
func textOf(v gjson.Result) string {
	switch {
	case !v.Exists():
		return ""
	case v.Type == gjson.String:
		return v.String()
	case v.IsArray():
		var b strings.Builder
		v.ForEach(func(_, block gjson.Result) bool {
			if block.Type == gjson.String {
				b.WriteString(block.String())
			} else {
				b.WriteString(block.Get("text").String())
			}
			return true
		})
		return b.String()
	case v.IsObject():
		if parts := v.Get("parts"); parts.Exists() {
			return textOf(parts)
		}
		return v.Get("text").String()
	}
	return ""
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLen]
}
