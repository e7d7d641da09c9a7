// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api wires the relay and admin handlers into a gin engine and owns
// the HTTP server lifecycle.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/api/handlers/management"
	"github.com/traylinx/switchAIRelay/internal/api/handlers/relay"
	"github.com/traylinx/switchAIRelay/internal/buildinfo"
	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/config"
	"github.com/traylinx/switchAIRelay/internal/metrics"
)

// Deps are the components the HTTP surface exposes.
type Deps struct {
	Router   relay.Router
	Pending  management.PendingCounter
	Accounts management.Accounts
	Wallets  management.Wallets
	Metrics  *metrics.Metrics
	// Cooldown applies to reported rate limits without a retry hint.
	Cooldown time.Duration
	Clock    clock.Clock
}

// Server is the relay HTTP server.
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
	server *http.Server
}

// NewServer builds the gin engine and registers every route.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), RequestID(), AccessLog())

	s := &Server{
		cfg:    cfg,
		engine: engine,
		server: &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.setupRoutes(deps)
	return s
}

func (s *Server) setupRoutes(deps Deps) {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": buildinfo.Version,
			"commit":  buildinfo.Commit,
		})
	})

	relayHandler := relay.NewHandler(deps.Router, deps.Clock, deps.Cooldown)
	v1 := s.engine.Group("/v1")
	v1.POST("/route", relayHandler.Route)
	v1.POST("/complete", relayHandler.Complete)

	opts := management.Options{
		Accounts: deps.Accounts,
		Wallets:  deps.Wallets,
		Metrics:  deps.Metrics,
		Pending:  deps.Pending,
		Clock:    deps.Clock,
	}
	if s.cfg.Admin.SecretKey != "" {
		opts.Verify = s.cfg.VerifyAdminSecret
	}
	admin := management.NewHandler(opts)
	group := s.engine.Group("/admin", admin.Middleware())
	group.GET("/accounts", admin.ListAccounts)
	group.PUT("/accounts/:id/enabled", admin.SetAccountEnabled)
	group.GET("/wallets/:owner", admin.GetWallet)
	group.POST("/wallets/:owner/recharge", admin.Recharge)
	group.POST("/wallets/:owner/refund", admin.Refund)
	group.GET("/metrics", admin.GetMetrics)
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Stop is called. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	log.Infof("relay listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
