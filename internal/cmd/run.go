// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cmd builds the relay service from configuration and runs it until
// the process is signalled.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/traylinx/switchAIRelay/internal/clock"
	"github.com/traylinx/switchAIRelay/internal/config"
)

// StartService builds the relay and serves until SIGINT or SIGTERM.
func StartService(cfg *config.Config) error {
	ctxSignal, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	service, err := Build(ctxSignal, cfg, clock.System{})
	if err != nil {
		return fmt.Errorf("failed to build relay service: %w", err)
	}

	err = service.Run(ctxSignal)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("relay service exited with error: %w", err)
	}
	return nil
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(://[^:@/]+):([^@]+)@`),
	regexp.MustCompile(`\b(password|secret|token|key)=[^\s]+`),
}

// sanitizeError strips credentials from err before it is logged. DSNs tend
// to leak into driver errors.
func sanitizeError(err error, prefix string) error {
	if err == nil {
		return nil
	}
	msg := sensitivePatterns[0].ReplaceAllString(err.Error(), "$1:***@")
	msg = sensitivePatterns[1].ReplaceAllString(msg, "$1=***")
	return fmt.Errorf("%s: %s", prefix, msg)
}
