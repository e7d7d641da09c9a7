// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/traylinx/switchAIRelay/internal/clock"
)

// SQLKV is a kv.Store backed by the sticky session table, so affinity
// survives restarts and is shared between relay instances.
type SQLKV struct {
	store *SQLStore
	clock clock.Clock
}

// StickyKV returns a kv.Store over the sticky session table.
func (s *SQLStore) StickyKV(c clock.Clock) *SQLKV {
	if c == nil {
		c = clock.System{}
	}
	return &SQLKV{store: s, clock: c}
}

func (k *SQLKV) Get(ctx context.Context, key string) (string, bool, error) {
	query := fmt.Sprintf("SELECT account_id, expires_at FROM %s WHERE session_key = $1", k.store.fullTableName(stickyTable))
	var (
		value     string
		expiresAt sql.NullTime
	)
	err := k.store.db.QueryRowContext(ctx, query, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sql kv: get %s: %w", key, err)
	}
	if expiresAt.Valid && !k.clock.Now().Before(expiresAt.Time) {
		return "", false, nil
	}
	return value, true, nil
}

func (k *SQLKV) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: k.clock.Now().Add(ttl).UTC(), Valid: true}
	}
	query := fmt.Sprintf(`INSERT INTO %s (session_key, account_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (session_key) DO UPDATE SET account_id = excluded.account_id, expires_at = excluded.expires_at`,
		k.store.fullTableName(stickyTable))
	if _, err := k.store.db.ExecContext(ctx, query, key, value, expiresAt); err != nil {
		return fmt.Errorf("sql kv: put %s: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes sticky rows whose TTL elapsed and returns how many were removed.
func (k *SQLKV) PurgeExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1", k.store.fullTableName(stickyTable))
	res, err := k.store.db.ExecContext(ctx, query, k.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sql kv: purge expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
