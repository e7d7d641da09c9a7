// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/domain"
)

const (
	accountsTable     = "relay_accounts"
	apiKeysTable      = "relay_api_keys"
	walletsTable      = "relay_wallets"
	transactionsTable = "relay_wallet_transactions"
	stickyTable       = "relay_sticky_sessions"
)

// SQLStoreConfig captures configuration required to open the SQL store.
type SQLStoreConfig struct {
	// Driver is "pgx" for PostgreSQL or "sqlite3".
	Driver string
	DSN    string
	// Schema is an optional PostgreSQL schema prefix.
	Schema string
}

// SQLStore implements Repository on top of database/sql.
type SQLStore struct {
	db  *sql.DB
	cfg SQLStoreConfig
}

// NewSQLStore opens the database, verifies connectivity and ensures the schema exists.
func NewSQLStore(ctx context.Context, cfg SQLStoreConfig) (*SQLStore, error) {
	cfg.Driver = strings.TrimSpace(cfg.Driver)
	switch cfg.Driver {
	case "postgres", "postgresql":
		cfg.Driver = "pgx"
	case "sqlite":
		cfg.Driver = "sqlite3"
	}
	if cfg.Driver != "pgx" && cfg.Driver != "sqlite3" {
		return nil, fmt.Errorf("sql store: unsupported driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sql store: DSN is required")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql store: open database: %w", err)
	}
	if cfg.Driver == "sqlite3" {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY under load.
		db.SetMaxOpenConns(1)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sql store: ping database: %w", err)
	}
	s := &SQLStore{db: db, cfg: cfg}
	if err = s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) fullTableName(name string) string {
	if strings.TrimSpace(s.cfg.Schema) == "" || s.cfg.Driver == "sqlite3" {
		return quoteIdentifier(name)
	}
	return quoteIdentifier(s.cfg.Schema) + "." + quoteIdentifier(name)
}

func quoteIdentifier(identifier string) string {
	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

func (s *SQLStore) timestampType() string {
	if s.cfg.Driver == "sqlite3" {
		return "TIMESTAMP"
	}
	return "TIMESTAMPTZ"
}

// EnsureSchema creates the relay tables when they do not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	ts := s.timestampType()
	if s.cfg.Driver == "pgx" && strings.TrimSpace(s.cfg.Schema) != "" {
		if _, err := s.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdentifier(s.cfg.Schema)); err != nil {
			return fmt.Errorf("sql store: create schema: %w", err)
		}
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			platform TEXT NOT NULL,
			account_type TEXT NOT NULL,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			rate_limited_until %s NULL,
			last_used_at %s NULL,
			usage_count BIGINT NOT NULL DEFAULT 0,
			supported_models TEXT NOT NULL DEFAULT '{}',
			is_enabled BOOLEAN NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			credentials TEXT NOT NULL DEFAULT '{}',
			version BIGINT NOT NULL DEFAULT 0
		)`, s.fullTableName(accountsTable), ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			key_value TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			permissions TEXT NOT NULL,
			bound_accounts TEXT NOT NULL DEFAULT '{}',
			token_limit BIGINT NOT NULL DEFAULT 0,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			rate_limit_window INTEGER NOT NULL DEFAULT 0,
			rate_limit_requests INTEGER NOT NULL DEFAULT 0,
			concurrency_limit INTEGER NOT NULL DEFAULT 0,
			daily_cost_limit BIGINT NOT NULL DEFAULT 0,
			monthly_cost_limit BIGINT NOT NULL DEFAULT 0,
			total_cost_limit BIGINT NOT NULL DEFAULT 0,
			daily_cost_used BIGINT NOT NULL DEFAULT 0,
			monthly_cost_used BIGINT NOT NULL DEFAULT 0,
			total_cost_used BIGINT NOT NULL DEFAULT 0,
			usage_period_start %s NULL,
			enable_model_restriction BOOLEAN NOT NULL DEFAULT FALSE,
			restricted_models TEXT NOT NULL DEFAULT '[]',
			enable_client_restriction BOOLEAN NOT NULL DEFAULT FALSE,
			allowed_clients TEXT NOT NULL DEFAULT '[]',
			expires_at %s NULL,
			is_enabled BOOLEAN NOT NULL,
			version BIGINT NOT NULL DEFAULT 0
		)`, s.fullTableName(apiKeysTable), ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL UNIQUE,
			balance BIGINT NOT NULL,
			total_used BIGINT NOT NULL DEFAULT 0,
			total_recharged BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			last_used_at %s NULL,
			version BIGINT NOT NULL DEFAULT 0
		)`, s.fullTableName(walletsTable), ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL,
			tx_type TEXT NOT NULL,
			amount BIGINT NOT NULL,
			balance_before BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			request_log_id TEXT NULL UNIQUE,
			status TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL
		)`, s.fullTableName(transactionsTable), ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			session_key TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			expires_at %s NULL
		)`, s.fullTableName(stickyTable), ts),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sql store: ensure schema: %w", err)
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullTimeValue(t time.Time) sql.NullTime {
	return nullTime(&t)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func marshalColumn(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ---- accounts ----

const accountColumns = "id, name, platform, account_type, priority, status, rate_limited_until, last_used_at, usage_count, supported_models, is_enabled, last_error, credentials, version"

func (s *SQLStore) LoadEligibleAccounts(ctx context.Context, platform domain.Platform) ([]domain.Account, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE platform = $1 ORDER BY id", accountColumns, s.fullTableName(accountsTable))
	rows, err := s.db.QueryContext(ctx, query, string(platform))
	if err != nil {
		return nil, fmt.Errorf("sql store: load accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	accounts := make([]domain.Account, 0)
	for rows.Next() {
		var (
			acc          domain.Account
			platformStr  string
			typeStr      string
			statusStr    string
			limitedUntil sql.NullTime
			lastUsed     sql.NullTime
			modelsRaw    string
			credsRaw     string
		)
		if err = rows.Scan(&acc.ID, &acc.Name, &platformStr, &typeStr, &acc.Priority, &statusStr,
			&limitedUntil, &lastUsed, &acc.UsageCount, &modelsRaw, &acc.IsEnabled, &acc.LastError,
			&credsRaw, &acc.Version); err != nil {
			return nil, fmt.Errorf("sql store: scan account: %w", err)
		}
		acc.Platform = domain.Platform(platformStr)
		acc.Type = domain.AccountType(typeStr)
		acc.Status = domain.AccountStatus(statusStr)
		acc.RateLimitedUntil = timePtr(limitedUntil)
		if lastUsed.Valid {
			acc.LastUsedAt = lastUsed.Time
		}
		if modelsRaw != "" {
			if errUnmarshal := json.Unmarshal([]byte(modelsRaw), &acc.SupportedModels); errUnmarshal != nil {
				log.WithError(errUnmarshal).Warnf("sql store: account %s has invalid supported_models", acc.ID)
			}
		}
		if credsRaw != "" {
			if errUnmarshal := json.Unmarshal([]byte(credsRaw), &acc.Credentials); errUnmarshal != nil {
				log.WithError(errUnmarshal).Warnf("sql store: account %s has invalid credentials", acc.ID)
			}
		}
		accounts = append(accounts, acc)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("sql store: iterate accounts: %w", err)
	}
	return accounts, nil
}

func (s *SQLStore) SaveAccountState(ctx context.Context, account domain.Account) error {
	models := account.SupportedModels
	if models == nil {
		models = map[string]string{}
	}
	modelsRaw, err := marshalColumn(models)
	if err != nil {
		return fmt.Errorf("sql store: encode supported models: %w", err)
	}
	credsRaw, err := marshalColumn(account.Credentials)
	if err != nil {
		return fmt.Errorf("sql store: encode credentials: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			platform = excluded.platform,
			account_type = excluded.account_type,
			priority = excluded.priority,
			status = excluded.status,
			rate_limited_until = excluded.rate_limited_until,
			last_used_at = excluded.last_used_at,
			usage_count = excluded.usage_count,
			supported_models = excluded.supported_models,
			is_enabled = excluded.is_enabled,
			last_error = excluded.last_error,
			credentials = excluded.credentials,
			version = excluded.version`, s.fullTableName(accountsTable), accountColumns)
	if _, err = s.db.ExecContext(ctx, query,
		account.ID, account.Name, string(account.Platform), string(account.Type), account.Priority,
		string(account.Status), nullTime(account.RateLimitedUntil), nullTimeValue(account.LastUsedAt),
		account.UsageCount, modelsRaw, account.IsEnabled, account.LastError, credsRaw, account.Version,
	); err != nil {
		return fmt.Errorf("sql store: save account %s: %w", account.ID, err)
	}
	return nil
}

// ---- api keys ----

const apiKeyColumns = "id, key_value, name, owner_id, permissions, bound_accounts, token_limit, tokens_used, rate_limit_window, rate_limit_requests, concurrency_limit, daily_cost_limit, monthly_cost_limit, total_cost_limit, daily_cost_used, monthly_cost_used, total_cost_used, usage_period_start, enable_model_restriction, restricted_models, enable_client_restriction, allowed_clients, expires_at, is_enabled, version"

func (s *SQLStore) LoadAPIKey(ctx context.Context, keyValue string) (*domain.APIKey, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE key_value = $1", apiKeyColumns, s.fullTableName(apiKeysTable))
	var (
		k           domain.APIKey
		permissions string
		boundRaw    string
		periodStart sql.NullTime
		restricted  string
		allowed     string
		expiresAt   sql.NullTime
		dailyLimit  int64
		monthLimit  int64
		totalLimit  int64
		dailyUsed   int64
		monthUsed   int64
		totalUsed   int64
	)
	err := s.db.QueryRowContext(ctx, query, keyValue).Scan(
		&k.ID, &k.Key, &k.Name, &k.OwnerID, &permissions, &boundRaw, &k.TokenLimit, &k.TokensUsed,
		&k.RateLimitWindow, &k.RateLimitRequests, &k.ConcurrencyLimit,
		&dailyLimit, &monthLimit, &totalLimit, &dailyUsed, &monthUsed, &totalUsed,
		&periodStart, &k.EnableModelRestriction, &restricted, &k.EnableClientRestriction, &allowed,
		&expiresAt, &k.IsEnabled, &k.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sql store: load api key: %w", err)
	}
	k.Permissions = domain.Service(permissions)
	k.DailyCostLimit, k.MonthlyCostLimit, k.TotalCostLimit = domain.Money(dailyLimit), domain.Money(monthLimit), domain.Money(totalLimit)
	k.DailyCostUsed, k.MonthlyCostUsed, k.TotalCostUsed = domain.Money(dailyUsed), domain.Money(monthUsed), domain.Money(totalUsed)
	if periodStart.Valid {
		k.UsagePeriodStart = periodStart.Time
	}
	k.ExpiresAt = timePtr(expiresAt)
	if boundRaw != "" {
		if err = json.Unmarshal([]byte(boundRaw), &k.BoundAccounts); err != nil {
			return nil, fmt.Errorf("sql store: decode bound accounts for key %s: %w", k.ID, err)
		}
	}
	if restricted != "" {
		if err = json.Unmarshal([]byte(restricted), &k.RestrictedModels); err != nil {
			return nil, fmt.Errorf("sql store: decode restricted models for key %s: %w", k.ID, err)
		}
	}
	if allowed != "" {
		if err = json.Unmarshal([]byte(allowed), &k.AllowedClients); err != nil {
			return nil, fmt.Errorf("sql store: decode allowed clients for key %s: %w", k.ID, err)
		}
	}
	return &k, nil
}

func (s *SQLStore) SaveAPIKey(ctx context.Context, key domain.APIKey) error {
	bound := key.BoundAccounts
	if bound == nil {
		bound = map[domain.Platform]string{}
	}
	boundRaw, err := marshalColumn(bound)
	if err != nil {
		return fmt.Errorf("sql store: encode bound accounts: %w", err)
	}
	restricted, err := marshalColumn(nonNilStrings(key.RestrictedModels))
	if err != nil {
		return fmt.Errorf("sql store: encode restricted models: %w", err)
	}
	allowed, err := marshalColumn(nonNilStrings(key.AllowedClients))
	if err != nil {
		return fmt.Errorf("sql store: encode allowed clients: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (id) DO UPDATE SET
			key_value = excluded.key_value,
			name = excluded.name,
			owner_id = excluded.owner_id,
			permissions = excluded.permissions,
			bound_accounts = excluded.bound_accounts,
			token_limit = excluded.token_limit,
			rate_limit_window = excluded.rate_limit_window,
			rate_limit_requests = excluded.rate_limit_requests,
			concurrency_limit = excluded.concurrency_limit,
			daily_cost_limit = excluded.daily_cost_limit,
			monthly_cost_limit = excluded.monthly_cost_limit,
			total_cost_limit = excluded.total_cost_limit,
			enable_model_restriction = excluded.enable_model_restriction,
			restricted_models = excluded.restricted_models,
			enable_client_restriction = excluded.enable_client_restriction,
			allowed_clients = excluded.allowed_clients,
			expires_at = excluded.expires_at,
			is_enabled = excluded.is_enabled,
			version = excluded.version`, s.fullTableName(apiKeysTable), apiKeyColumns)
	if _, err = s.db.ExecContext(ctx, query,
		key.ID, key.Key, key.Name, key.OwnerID, string(key.Permissions), boundRaw, key.TokenLimit, key.TokensUsed,
		key.RateLimitWindow, key.RateLimitRequests, key.ConcurrencyLimit,
		int64(key.DailyCostLimit), int64(key.MonthlyCostLimit), int64(key.TotalCostLimit),
		int64(key.DailyCostUsed), int64(key.MonthlyCostUsed), int64(key.TotalCostUsed),
		nullTimeValue(key.UsagePeriodStart), key.EnableModelRestriction, restricted,
		key.EnableClientRestriction, allowed, nullTime(key.ExpiresAt), key.IsEnabled, key.Version,
	); err != nil {
		return fmt.Errorf("sql store: save api key %s: %w", key.ID, err)
	}
	return nil
}

func (s *SQLStore) SaveAPIKeyUsage(ctx context.Context, key domain.APIKey) error {
	query := fmt.Sprintf(`UPDATE %s SET tokens_used = $1, daily_cost_used = $2, monthly_cost_used = $3,
		total_cost_used = $4, usage_period_start = $5, version = version + 1 WHERE id = $6`, s.fullTableName(apiKeysTable))
	res, err := s.db.ExecContext(ctx, query, key.TokensUsed, int64(key.DailyCostUsed), int64(key.MonthlyCostUsed),
		int64(key.TotalCostUsed), nullTimeValue(key.UsagePeriodStart), key.ID)
	if err != nil {
		return fmt.Errorf("sql store: save api key usage %s: %w", key.ID, err)
	}
	if n, errRows := res.RowsAffected(); errRows == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// ---- wallets ----

const walletColumns = "id, owner_id, balance, total_used, total_recharged, status, last_used_at, version"

func (s *SQLStore) LoadWallet(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE owner_id = $1", walletColumns, s.fullTableName(walletsTable))
	var (
		w         domain.Wallet
		balance   int64
		used      int64
		recharged int64
		status    string
		lastUsed  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, ownerID).Scan(&w.ID, &w.OwnerID, &balance, &used, &recharged, &status, &lastUsed, &w.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sql store: load wallet: %w", err)
	}
	w.Balance, w.TotalUsed, w.TotalRecharged = domain.Money(balance), domain.Money(used), domain.Money(recharged)
	w.Status = domain.WalletStatus(status)
	if lastUsed.Valid {
		w.LastUsedAt = lastUsed.Time
	}
	return &w, nil
}

func (s *SQLStore) SaveWallet(ctx context.Context, wallet domain.Wallet) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			balance = excluded.balance,
			total_used = excluded.total_used,
			total_recharged = excluded.total_recharged,
			status = excluded.status,
			last_used_at = excluded.last_used_at,
			version = excluded.version`, s.fullTableName(walletsTable), walletColumns)
	if _, err := s.db.ExecContext(ctx, query, wallet.ID, wallet.OwnerID, int64(wallet.Balance), int64(wallet.TotalUsed),
		int64(wallet.TotalRecharged), string(wallet.Status), nullTimeValue(wallet.LastUsedAt), wallet.Version); err != nil {
		return fmt.Errorf("sql store: save wallet %s: %w", wallet.ID, err)
	}
	return nil
}

func (s *SQLStore) SaveWalletTransaction(ctx context.Context, wallet domain.Wallet, tx domain.WalletTransaction) (err error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql store: begin wallet transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = dbTx.Rollback()
		}
	}()

	if tx.RequestLogID != nil {
		var existing string
		lookup := fmt.Sprintf("SELECT id FROM %s WHERE request_log_id = $1", s.fullTableName(transactionsTable))
		switch errLookup := dbTx.QueryRowContext(ctx, lookup, *tx.RequestLogID).Scan(&existing); {
		case errLookup == nil:
			err = ErrDuplicateRequestLog
			return err
		case !errors.Is(errLookup, sql.ErrNoRows):
			err = fmt.Errorf("sql store: check request log id: %w", errLookup)
			return err
		}
	}

	update := fmt.Sprintf(`UPDATE %s SET balance = $1, total_used = $2, total_recharged = $3, status = $4,
		last_used_at = $5, version = version + 1 WHERE id = $6 AND version = $7`, s.fullTableName(walletsTable))
	res, err := dbTx.ExecContext(ctx, update, int64(wallet.Balance), int64(wallet.TotalUsed), int64(wallet.TotalRecharged),
		string(wallet.Status), nullTimeValue(wallet.LastUsedAt), wallet.ID, wallet.Version)
	if err != nil {
		err = fmt.Errorf("sql store: update wallet %s: %w", wallet.ID, err)
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		err = fmt.Errorf("sql store: update wallet %s: %w", wallet.ID, err)
		return err
	}
	if n == 0 {
		err = ErrVersionConflict
		return err
	}

	var requestLogID sql.NullString
	if tx.RequestLogID != nil {
		requestLogID = sql.NullString{String: *tx.RequestLogID, Valid: true}
	}
	insert := fmt.Sprintf(`INSERT INTO %s (id, wallet_id, tx_type, amount, balance_before, balance_after, request_log_id, status, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.fullTableName(transactionsTable))
	if _, err = dbTx.ExecContext(ctx, insert, tx.ID, tx.WalletID, string(tx.Type), int64(tx.Amount), int64(tx.BalanceBefore),
		int64(tx.BalanceAfter), requestLogID, string(tx.Status), tx.Description, tx.CreatedAt.UTC()); err != nil {
		err = fmt.Errorf("sql store: insert wallet transaction: %w", err)
		return err
	}
	if err = dbTx.Commit(); err != nil {
		err = fmt.Errorf("sql store: commit wallet transaction: %w", err)
		return err
	}
	return nil
}

const transactionColumns = "id, wallet_id, tx_type, amount, balance_before, balance_after, request_log_id, status, description, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (domain.WalletTransaction, error) {
	var (
		tx           domain.WalletTransaction
		txType       string
		amount       int64
		before       int64
		after        int64
		requestLogID sql.NullString
		status       string
	)
	if err := row.Scan(&tx.ID, &tx.WalletID, &txType, &amount, &before, &after, &requestLogID, &status, &tx.Description, &tx.CreatedAt); err != nil {
		return tx, err
	}
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)
	tx.Amount, tx.BalanceBefore, tx.BalanceAfter = domain.Money(amount), domain.Money(before), domain.Money(after)
	if requestLogID.Valid {
		id := requestLogID.String
		tx.RequestLogID = &id
	}
	return tx, nil
}

func (s *SQLStore) FindTransactionByRequestLogID(ctx context.Context, requestLogID string) (*domain.WalletTransaction, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE request_log_id = $1", transactionColumns, s.fullTableName(transactionsTable))
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, requestLogID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sql store: find transaction: %w", err)
	}
	return &tx, nil
}

func (s *SQLStore) ListTransactions(ctx context.Context, walletID string, limit int) ([]domain.WalletTransaction, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE wallet_id = $1 ORDER BY created_at DESC, id DESC", transactionColumns, s.fullTableName(transactionsTable))
	args := []any{walletID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sql store: list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]domain.WalletTransaction, 0)
	for rows.Next() {
		tx, errScan := scanTransaction(rows)
		if errScan != nil {
			return nil, fmt.Errorf("sql store: scan transaction: %w", errScan)
		}
		out = append(out, tx)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("sql store: iterate transactions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) MarkTransactionRefunded(ctx context.Context, txID string) error {
	query := fmt.Sprintf("UPDATE %s SET status = $1 WHERE id = $2", s.fullTableName(transactionsTable))
	res, err := s.db.ExecContext(ctx, query, string(domain.TxRefunded), txID)
	if err != nil {
		return fmt.Errorf("sql store: mark refunded %s: %w", txID, err)
	}
	if n, errRows := res.RowsAffected(); errRows == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
