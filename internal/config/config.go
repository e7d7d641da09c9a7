// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the relay configuration from YAML. Defaults are applied
// before unmarshal so absent keys keep them, and Sanitize passes clamp values
// that would otherwise disable a component by accident.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/traylinx/switchAIRelay/internal/domain"
	"github.com/traylinx/switchAIRelay/internal/pricing"
)

// Environment overrides for secrets that should not live in the config file.
const (
	EnvStoreDSN    = "RELAY_STORE_DSN"
	EnvAdminSecret = "RELAY_ADMIN_SECRET"
)

const (
	DefaultPort            = 8320
	DefaultStickyTTL       = time.Hour
	DefaultMaxAttempts     = 3
	DefaultCooldown        = 60 * time.Second
	DefaultTokenTTL        = 10 * time.Minute
	DefaultReapInterval    = 30 * time.Second
	DefaultKeyCacheTTL     = 30 * time.Second
	DefaultUsageQueueSize  = 1024
	DefaultLowBalanceFloor = 1.0
)

// Config represents the relay's configuration, loaded from a YAML file.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Admin   AdminConfig   `yaml:"admin" json:"-"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	Routing RoutingConfig `yaml:"routing" json:"routing"`
	Billing BillingConfig `yaml:"billing" json:"billing"`
	Hooks   HooksConfig   `yaml:"hooks" json:"hooks"`
	Usage   UsageConfig   `yaml:"usage" json:"usage"`

	// Pricing overrides the built-in per-model rates.
	Pricing []PriceOverride `yaml:"pricing" json:"pricing"`

	// Seed provisions accounts, keys and wallets into the store at startup.
	Seed SeedConfig `yaml:"seed" json:"-"`

	// adminSecretFromEnv is set when the admin secret came from the environment
	// and must not be written back to the file.
	adminSecretFromEnv bool
}

// ServerConfig controls the HTTP listener and process logging.
type ServerConfig struct {
	// Host is the interface to bind. Empty binds all interfaces.
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	// Debug enables debug-level logging and gin debug mode.
	Debug    bool   `yaml:"debug" json:"debug"`
	LogLevel string `yaml:"log-level" json:"log-level"`
	// LoggingToFile writes logs to rotating files under LogDir instead of stdout.
	LoggingToFile bool   `yaml:"logging-to-file" json:"logging-to-file"`
	LogDir        string `yaml:"log-dir" json:"log-dir"`
	// LogsMaxTotalSizeMB limits the total size of LogDir. Zero disables the cleaner.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AdminConfig protects the /admin endpoints.
type AdminConfig struct {
	// SecretKey is bcrypt hashed on load when given in plaintext. An empty key disables /admin.
	SecretKey string `yaml:"secret-key" json:"-"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "memory", "pgx" (postgres) or "sqlite3".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
	Schema string `yaml:"schema" json:"schema"`
}

// Persistent reports whether the store outlives the process.
func (s StoreConfig) Persistent() bool {
	return s.Driver != "" && s.Driver != "memory"
}

// RoutingConfig tunes account selection and admission token handling.
type RoutingConfig struct {
	StickyTTL       time.Duration `yaml:"sticky-ttl" json:"sticky-ttl"`
	MaxAttempts     int           `yaml:"max-attempts" json:"max-attempts"`
	DefaultCooldown time.Duration `yaml:"default-cooldown" json:"default-cooldown"`
	TokenTTL        time.Duration `yaml:"token-ttl" json:"token-ttl"`
	ReapInterval    time.Duration `yaml:"reap-interval" json:"reap-interval"`
	KeyCacheTTL     time.Duration `yaml:"key-cache-ttl" json:"key-cache-ttl"`
	// Timezone is the IANA zone in which daily and monthly cost counters roll over.
	Timezone string `yaml:"timezone" json:"timezone"`
}

// Location resolves Timezone, falling back to UTC.
func (r RoutingConfig) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BillingConfig controls wallet enforcement.
type BillingConfig struct {
	// RequireWallet rejects keys whose owner has no wallet.
	RequireWallet bool `yaml:"require-wallet" json:"require-wallet"`
	// LowBalanceThreshold is in dollars. Zero disables low_balance events.
	LowBalanceThreshold float64 `yaml:"low-balance-threshold" json:"low-balance-threshold"`
}

// HooksConfig points at the hook definition directory.
type HooksConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir"`
	Watch   bool   `yaml:"watch" json:"watch"`
}

// UsageConfig controls the JSONL usage log.
type UsageConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	LogFile    string `yaml:"log-file" json:"log-file"`
	MaxSizeMB  int    `yaml:"max-size-mb" json:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups" json:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days" json:"max-age-days"`
	Compress   bool   `yaml:"compress" json:"compress"`
	QueueSize  int    `yaml:"queue-size" json:"queue-size"`
}

// PriceOverride sets the dollar price per million tokens for a model or model prefix.
type PriceOverride struct {
	Model         string  `yaml:"model" json:"model"`
	InputPerMTok  float64 `yaml:"input-per-mtok" json:"input-per-mtok"`
	OutputPerMTok float64 `yaml:"output-per-mtok" json:"output-per-mtok"`
}

// PricingOverrides converts the configured overrides into pricing rates.
func (cfg *Config) PricingOverrides() map[string]pricing.Rate {
	if len(cfg.Pricing) == 0 {
		return nil
	}
	out := make(map[string]pricing.Rate, len(cfg.Pricing))
	for _, p := range cfg.Pricing {
		out[p.Model] = pricing.Rate{
			InputPerMTok:  domain.Dollars(p.InputPerMTok),
			OutputPerMTok: domain.Dollars(p.OutputPerMTok),
		}
	}
	return out
}

// Threshold returns the low balance threshold in microdollars.
func (b BillingConfig) Threshold() domain.Money {
	return domain.Dollars(b.LowBalanceThreshold)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	cfg.Server.Port = DefaultPort
	cfg.Server.LogLevel = "info"
	cfg.Server.LogDir = "logs"
	cfg.Store.Driver = "memory"
	cfg.Routing.StickyTTL = DefaultStickyTTL
	cfg.Routing.MaxAttempts = DefaultMaxAttempts
	cfg.Routing.DefaultCooldown = DefaultCooldown
	cfg.Routing.TokenTTL = DefaultTokenTTL
	cfg.Routing.ReapInterval = DefaultReapInterval
	cfg.Routing.KeyCacheTTL = DefaultKeyCacheTTL
	cfg.Routing.Timezone = "UTC"
	cfg.Billing.LowBalanceThreshold = DefaultLowBalanceFloor
	cfg.Hooks.Dir = "hooks"
	cfg.Usage.LogFile = "logs/usage.jsonl"
	cfg.Usage.QueueSize = DefaultUsageQueueSize
}

// LoadConfig reads configFile. It fails when the file is missing.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile. When optional is true a missing or
// empty file yields the defaults.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configFile)
	if err != nil {
		if !optional || !(os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		data = nil
	}

	if len(data) > 0 {
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err = cfg.hashAdminSecret(configFile, len(data) > 0); err != nil {
		return nil, err
	}

	cfg.SanitizeServer()
	cfg.SanitizeStore()
	cfg.SanitizeRouting()
	cfg.SanitizeBilling()
	cfg.SanitizeUsage()
	cfg.SanitizePricing()
	cfg.Seed.Sanitize()

	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvStoreDSN)); v != "" {
		cfg.Store.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAdminSecret)); v != "" {
		cfg.Admin.SecretKey = v
		cfg.adminSecretFromEnv = true
	}
}

// hashAdminSecret replaces a plaintext admin secret with its bcrypt hash and, when the
// secret came from the file, persists the hash so it is not re-hashed on the next start.
func (cfg *Config) hashAdminSecret(configFile string, fromFile bool) error {
	cfg.Admin.SecretKey = strings.TrimSpace(cfg.Admin.SecretKey)
	if cfg.Admin.SecretKey == "" || looksLikeBcrypt(cfg.Admin.SecretKey) {
		return nil
	}
	hashed, err := hashSecret(cfg.Admin.SecretKey)
	if err != nil {
		return fmt.Errorf("failed to hash admin secret: %w", err)
	}
	cfg.Admin.SecretKey = hashed
	if cfg.adminSecretFromEnv || !fromFile {
		return nil
	}
	if err = UpdateNestedScalar(configFile, []string{"admin", "secret-key"}, hashed); err != nil {
		log.WithError(err).Warn("could not persist hashed admin secret")
	}
	return nil
}

// SanitizeServer clamps listener and log settings.
func (cfg *Config) SanitizeServer() {
	cfg.Server.Host = strings.TrimSpace(cfg.Server.Host)
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		cfg.Server.Port = DefaultPort
	}
	cfg.Server.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Server.LogLevel))
	if cfg.Server.Debug {
		cfg.Server.LogLevel = "debug"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Server.LogDir) == "" {
		cfg.Server.LogDir = "logs"
	}
	if cfg.Server.LogsMaxTotalSizeMB < 0 {
		cfg.Server.LogsMaxTotalSizeMB = 0
	}
}

// SanitizeStore normalizes driver aliases.
func (cfg *Config) SanitizeStore() {
	driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	switch driver {
	case "", "memory", "mem":
		driver = "memory"
	case "postgres", "postgresql", "pg":
		driver = "pgx"
	case "sqlite":
		driver = "sqlite3"
	}
	cfg.Store.Driver = driver
	cfg.Store.DSN = strings.TrimSpace(cfg.Store.DSN)
	cfg.Store.Schema = strings.TrimSpace(cfg.Store.Schema)
}

// SanitizeRouting restores defaults for non-positive durations and counts.
func (cfg *Config) SanitizeRouting() {
	r := &cfg.Routing
	if r.StickyTTL <= 0 {
		r.StickyTTL = DefaultStickyTTL
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.DefaultCooldown <= 0 {
		r.DefaultCooldown = DefaultCooldown
	}
	if r.TokenTTL <= 0 {
		r.TokenTTL = DefaultTokenTTL
	}
	if r.ReapInterval <= 0 {
		r.ReapInterval = DefaultReapInterval
	}
	if r.KeyCacheTTL <= 0 {
		r.KeyCacheTTL = DefaultKeyCacheTTL
	}
	r.Timezone = strings.TrimSpace(r.Timezone)
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			log.Warnf("unknown routing timezone %q, using UTC", r.Timezone)
			r.Timezone = "UTC"
		}
	}
}

// SanitizeBilling clamps a negative threshold to zero.
func (cfg *Config) SanitizeBilling() {
	if cfg.Billing.LowBalanceThreshold < 0 {
		cfg.Billing.LowBalanceThreshold = 0
	}
}

// SanitizeUsage fills the usage log defaults.
func (cfg *Config) SanitizeUsage() {
	cfg.Usage.LogFile = strings.TrimSpace(cfg.Usage.LogFile)
	if cfg.Usage.LogFile == "" {
		cfg.Usage.Enabled = false
	}
	if cfg.Usage.QueueSize <= 0 {
		cfg.Usage.QueueSize = DefaultUsageQueueSize
	}
}

// SanitizePricing drops overrides without a model and lowercases model names.
func (cfg *Config) SanitizePricing() {
	out := cfg.Pricing[:0]
	for _, p := range cfg.Pricing {
		p.Model = strings.ToLower(strings.TrimSpace(p.Model))
		if p.Model == "" || p.InputPerMTok < 0 || p.OutputPerMTok < 0 {
			continue
		}
		out = append(out, p)
	}
	cfg.Pricing = out
}

// VerifyAdminSecret compares a presented secret with the configured hash.
func (cfg *Config) VerifyAdminSecret(presented string) bool {
	if cfg.Admin.SecretKey == "" || presented == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(cfg.Admin.SecretKey), []byte(presented)) == nil
}

func looksLikeBcrypt(s string) bool {
	return len(s) > 4 && (s[:4] == "$2a$" || s[:4] == "$2b$" || s[:4] == "$2y$")
}

func hashSecret(secret string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedBytes), nil
}
