// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package kv defines the small expiring key/value contract used for sticky
// session affinity, with an in-memory implementation.
package kv

import (
	"context"
	"sync"
	"time"

	"github.com/traylinx/switchAIRelay/internal/clock"
)

// Store is an expiring string key/value store.
type Store interface {
	// Get returns the value for key. Expired entries are reported as absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Put writes value under key. A non-positive ttl never expires.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

type entry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore keeps entries in process memory and expires them lazily on read
// and during Sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries map[string]entry
}

// NewMemoryStore creates an empty store. A nil clock uses the system clock.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryStore{clock: c, entries: make(map[string]entry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	now := s.clock.Now()
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		s.mu.Lock()
		if cur, still := s.entries[key]; still && cur == e {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// Sweep drops every expired entry and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, including ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
