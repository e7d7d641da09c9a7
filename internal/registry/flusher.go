// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/store"
)

// flushInterval bounds how long a dirty account waits when no signal arrives.
const flushInterval = 2 * time.Second

// flusher coalesces account writes: only the newest state per account is kept
// and written by a single background goroutine.
type flusher struct {
	repo   store.AccountRepository
	mu     sync.Mutex
	dirty  map[string]domain.Account
	signal chan struct{}
	// saveMu serializes flush passes so an older snapshot can never overwrite a newer one.
	saveMu sync.Mutex
}

func newFlusher(repo store.AccountRepository) *flusher {
	return &flusher{
		repo:   repo,
		dirty:  make(map[string]domain.Account),
		signal: make(chan struct{}, 1),
	}
}

func (f *flusher) enqueue(acc domain.Account) {
	if f.repo == nil {
		return
	}
	f.mu.Lock()
	if cur, ok := f.dirty[acc.ID]; !ok || cur.Version <= acc.Version {
		f.dirty[acc.ID] = acc
	}
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *flusher) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dirty)
}

func (f *flusher) run(ctx context.Context) {
	if f.repo == nil {
		return
	}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final pass with a fresh context so shutdown does not drop state.
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := f.flush(finalCtx); err != nil {
				log.WithError(err).Warn("registry: final account flush incomplete")
			}
			cancel()
			return
		case <-f.signal:
		case <-ticker.C:
		}
		if err := f.flush(ctx); err != nil {
			log.WithError(err).Debug("registry: account flush will retry")
		}
	}
}

func (f *flusher) flush(ctx context.Context) error {
	if f.repo == nil {
		return nil
	}
	f.saveMu.Lock()
	defer f.saveMu.Unlock()

	f.mu.Lock()
	batch := f.dirty
	f.dirty = make(map[string]domain.Account, len(batch))
	f.mu.Unlock()

	var firstErr error
	for id, acc := range batch {
		if err := f.repo.SaveAccountState(ctx, acc); err != nil {
			log.WithFields(log.Fields{"account": id}).WithError(err).Warn("registry: persist account state failed")
			if firstErr == nil {
				firstErr = err
			}
			f.requeue(acc)
		}
	}
	return firstErr
}

func (f *flusher) requeue(acc domain.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, newer := f.dirty[acc.ID]; !newer {
		f.dirty[acc.ID] = acc
	}
}
