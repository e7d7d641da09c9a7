// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/api"
	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/config"
	"github.com/traylinx/switchAIRelay/internal/hooks"
	"github.com/traylinx/switchAIRelay/internal/kv"
	"github.com/traylinx/switchAIRelay/internal/metrics"
	"github.com/traylinx/switchAIRelay/internal/pricing"
	"github.com/traylinx/switchAIRelay/internal/quota"
	"github.com/traylinx/switchAIRelay/internal/ratelimit"
	"github.com/traylinx/switchAIRelay/internal/registry"
	"github.com/traylinx/switchAIRelay/internal/router"
	"github.com/traylinx/switchAIRelay/internal/selector"
	"github.com/traylinx/switchAIRelay/internal/sticky"
	"github.com/traylinx/switchAIRelay/internal/store"
	"github.com/traylinx/switchAIRelay/internal/usage"
	"github.com/traylinx/switchAIRelay/internal/wallet"
)

const metricsSamples = 1000

// Service owns every relay component and their lifecycle.
type Service struct {
	cfg   *config.Config
	clock clock.Clock

	repo      store.Repository
	sqlStore  *store.SQLStore
	stickyMem *kv.MemoryStore
	stickySQL *store.SQLKV

	registry *registry.AccountRegistry
	bus      *hooks.EventBus
	hooks    *hooks.HookManager
	metrics  *metrics.Metrics
	ledger   *wallet.Ledger
	usage    *usage.Recorder
	router   *router.Router
	server   *api.Server

	shutdownOnce sync.Once
}

// Build wires the components described by cfg. The store is opened and
// seeded, and accounts are loaded, before Build returns.
func Build(ctx context.Context, cfg *config.Config, c clock.Clock) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("relay: config is nil")
	}
	if c == nil {
		c = clock.System{}
	}
	s := &Service{cfg: cfg, clock: c}
	if err := s.openStore(ctx); err != nil {
		return nil, err
	}

	seed, err := cfg.Seed.Build()
	if err != nil {
		s.closeStore()
		return nil, err
	}
	if err = store.ApplySeed(ctx, s.repo, seed, c.Now()); err != nil {
		s.closeStore()
		return nil, fmt.Errorf("relay: apply seed: %w", err)
	}

	s.registry = registry.New(s.repo, c)
	if err = s.registry.Load(ctx); err != nil {
		s.closeStore()
		return nil, fmt.Errorf("relay: load accounts: %w", err)
	}

	var stickyStore kv.Store
	if s.sqlStore != nil {
		s.stickySQL = s.sqlStore.StickyKV(c)
		stickyStore = s.stickySQL
	} else {
		s.stickyMem = kv.NewMemoryStore(c)
		stickyStore = s.stickyMem
	}
	idx := sticky.NewIndex(stickyStore, cfg.Routing.StickyTTL)

	s.bus = hooks.NewEventBus()
	if cfg.Hooks.Enabled {
		if err = s.startHooks(); err != nil {
			s.bus.Shutdown()
			s.closeStore()
			return nil, err
		}
	}

	s.metrics = metrics.New(metricsSamples)
	s.ledger = wallet.New(s.repo, wallet.Options{
		Clock:               c,
		Events:              s.bus,
		Metrics:             s.metrics,
		LowBalanceThreshold: cfg.Billing.Threshold(),
	})
	guard := quota.New(s.repo, s.ledger, quota.Options{
		Clock:         c,
		Location:      cfg.Routing.Location(),
		Events:        s.bus,
		Metrics:       s.metrics,
		RequireWallet: cfg.Billing.RequireWallet,
		DefinitionTTL: cfg.Routing.KeyCacheTTL,
	})
	monitor := ratelimit.New(s.registry, ratelimit.Options{
		Clock:           c,
		Events:          s.bus,
		Metrics:         s.metrics,
		DefaultCooldown: cfg.Routing.DefaultCooldown,
	})

	s.usage, err = usage.NewRecorder(usage.Config{
		Enabled:    cfg.Usage.Enabled,
		Path:       cfg.Usage.LogFile,
		MaxSizeMB:  cfg.Usage.MaxSizeMB,
		MaxBackups: cfg.Usage.MaxBackups,
		MaxAgeDays: cfg.Usage.MaxAgeDays,
		Compress:   cfg.Usage.Compress,
		QueueSize:  cfg.Usage.QueueSize,
	})
	if err != nil {
		s.stopHooks()
		s.closeStore()
		return nil, fmt.Errorf("relay: open usage log: %w", err)
	}

	s.router = router.New(router.Deps{
		Guard:    guard,
		Selector: selector.New(s.registry, idx, c),
		Registry: s.registry,
		Monitor:  monitor,
		Ledger:   s.ledger,
		Pricing:  pricing.NewTable(cfg.PricingOverrides()),
		Usage:    s.usage,
		Events:   s.bus,
		Metrics:  s.metrics,
		Clock:    c,
	}, router.Options{
		TokenTTL:    cfg.Routing.TokenTTL,
		MaxAttempts: cfg.Routing.MaxAttempts,
	})

	s.server = api.NewServer(cfg, api.Deps{
		Router:   s.router,
		Pending:  s.router,
		Accounts: s.registry,
		Wallets:  s.ledger,
		Metrics:  s.metrics,
		Cooldown: monitor.Cooldown(),
		Clock:    c,
	})
	return s, nil
}

func (s *Service) openStore(ctx context.Context) error {
	if !s.cfg.Store.Persistent() {
		s.repo = store.NewMemoryStore()
		log.Info("using in-memory store; state is lost on restart")
		return nil
	}
	sqlStore, err := store.NewSQLStore(ctx, store.SQLStoreConfig{
		Driver: s.cfg.Store.Driver,
		DSN:    s.cfg.Store.DSN,
		Schema: s.cfg.Store.Schema,
	})
	if err != nil {
		return sanitizeError(err, "relay: open store")
	}
	s.sqlStore = sqlStore
	s.repo = sqlStore
	log.Infof("using %s store", s.cfg.Store.Driver)
	return nil
}

func (s *Service) startHooks() error {
	manager, err := hooks.NewHookManager(s.cfg.Hooks.Dir, s.bus)
	if err != nil {
		return err
	}
	hooks.RegisterDisableAccountAction(manager, s.registry)
	if err = manager.LoadHooks(); err != nil {
		return fmt.Errorf("relay: load hooks: %w", err)
	}
	manager.SubscribeToAllEvents()
	if s.cfg.Hooks.Watch {
		if err = manager.StartWatcher(); err != nil {
			log.Warnf("hook watcher not started: %v", err)
		}
	}
	s.hooks = manager
	return nil
}

// Server returns the HTTP server.
func (s *Service) Server() *api.Server {
	return s.server
}

// Run serves HTTP and runs the background loops until ctx is cancelled, then
// shuts everything down.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	defer func() {
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Errorf("service shutdown returned error: %v", err)
		}
	}()

	loopCtx, stopLoops := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.registry.Start(loopCtx)
	}()
	go func() {
		defer wg.Done()
		s.reapLoop(loopCtx)
	}()
	defer func() {
		stopLoops()
		wg.Wait()
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay: http server: %w", err)
		}
		return nil
	}
}

func (s *Service) reapLoop(ctx context.Context) {
	interval := s.cfg.Routing.ReapInterval
	if interval <= 0 {
		interval = config.DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

// reap expires stale admission tokens and sticky bindings.
func (s *Service) reap(ctx context.Context) {
	if n := s.router.ReapExpired(); n > 0 {
		log.Debugf("reaped %d expired admission tokens", n)
	}
	switch {
	case s.stickySQL != nil:
		if n, err := s.stickySQL.PurgeExpired(ctx); err != nil {
			log.Warnf("purge sticky sessions: %v", err)
		} else if n > 0 {
			log.Debugf("purged %d expired sticky sessions", n)
		}
	case s.stickyMem != nil:
		s.stickyMem.Sweep()
	}
}

// Shutdown stops the HTTP server, persists pending account state and closes
// every resource. It is safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		if s.server != nil {
			if err := s.server.Stop(ctx); err != nil {
				log.Errorf("error stopping API server: %v", err)
				shutdownErr = err
			}
		}
		if s.registry != nil {
			if err := s.registry.Flush(ctx); err != nil {
				log.Errorf("failed to flush account state: %v", err)
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}
		if s.usage != nil {
			if err := s.usage.Close(); err != nil {
				log.Errorf("failed to close usage log: %v", err)
			}
		}
		s.stopHooks()
		s.closeStore()
	})
	return shutdownErr
}

func (s *Service) stopHooks() {
	if s.hooks != nil {
		s.hooks.Stop()
	}
	if s.bus != nil {
		s.bus.Shutdown()
	}
}

func (s *Service) closeStore() {
	if s.repo == nil {
		return
	}
	if err := s.repo.Close(); err != nil {
		log.Errorf("failed to close store: %v", err)
	}
}
