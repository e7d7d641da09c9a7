// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics tracks routing, admission and billing counters for the relay
// and exposes them as a point-in-time snapshot for the admin API.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds process-wide relay counters. All methods are safe for concurrent use.
type Metrics struct {
	admissions        atomic.Int64
	selections        atomic.Int64
	stickyHits        atomic.Int64
	upstreamRateLimit atomic.Int64
	upstreamErrors    atomic.Int64
	retries           atomic.Int64
	charges           atomic.Int64
	chargedMicros     atomic.Int64
	shortfalls        atomic.Int64
	shortfallMicros   atomic.Int64
	refunds           atomic.Int64
	expiredTokens     atomic.Int64

	inFlight atomic.Int64

	rejectionsMu sync.RWMutex
	rejections   map[string]int64

	selectionFailuresMu sync.RWMutex
	selectionFailures   map[string]int64

	// Route latency in microseconds, most recent maxSamples only.
	latencyMu      sync.RWMutex
	latencySamples []int64
	maxSamples     int

	startTime time.Time
}

// New creates a Metrics instance keeping at most maxSamples latency samples.
func New(maxSamples int) *Metrics {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &Metrics{
		rejections:        make(map[string]int64),
		selectionFailures: make(map[string]int64),
		latencySamples:    make([]int64, 0, maxSamples),
		maxSamples:        maxSamples,
		startTime:         time.Now(),
	}
}

// RecordAdmission counts an admitted request and raises the in-flight gauge.
func (m *Metrics) RecordAdmission() {
	m.admissions.Add(1)
	m.inFlight.Add(1)
}

// RecordRelease lowers the in-flight gauge.
func (m *Metrics) RecordRelease() {
	m.inFlight.Add(-1)
}

// RecordRejection counts an admission rejection by reason.
func (m *Metrics) RecordRejection(reason string) {
	m.rejectionsMu.Lock()
	m.rejections[reason]++
	m.rejectionsMu.Unlock()
}

// RecordSelection counts a successful selection and its routing latency.
func (m *Metrics) RecordSelection(sticky bool, latency time.Duration) {
	m.selections.Add(1)
	if sticky {
		m.stickyHits.Add(1)
	}
	m.recordLatency(latency.Microseconds())
}

func (m *Metrics) RecordSelectionFailure(reason string) {
	m.selectionFailuresMu.Lock()
	m.selectionFailures[reason]++
	m.selectionFailuresMu.Unlock()
}

func (m *Metrics) RecordUpstreamRateLimited() { m.upstreamRateLimit.Add(1) }

func (m *Metrics) RecordUpstreamError() { m.upstreamErrors.Add(1) }

func (m *Metrics) RecordRetry() { m.retries.Add(1) }

func (m *Metrics) RecordRefund() { m.refunds.Add(1) }

// RecordExpiredToken counts admission tokens reclaimed by the reaper.
func (m *Metrics) RecordExpiredToken() { m.expiredTokens.Add(1) }

// RecordCharge counts a wallet deduction of amountMicros.
func (m *Metrics) RecordCharge(amountMicros int64) {
	m.charges.Add(1)
	m.chargedMicros.Add(amountMicros)
}

// RecordShortfall counts a clamped charge and the uncollected amount.
func (m *Metrics) RecordShortfall(missingMicros int64) {
	m.shortfalls.Add(1)
	m.shortfallMicros.Add(missingMicros)
}

func (m *Metrics) recordLatency(sample int64) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	m.latencySamples = append(m.latencySamples, sample)
	if len(m.latencySamples) > m.maxSamples {
		m.latencySamples = m.latencySamples[len(m.latencySamples)-m.maxSamples:]
	}
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() *Snapshot {
	m.rejectionsMu.RLock()
	rejections := make(map[string]int64, len(m.rejections))
	for k, v := range m.rejections {
		rejections[k] = v
	}
	m.rejectionsMu.RUnlock()

	m.selectionFailuresMu.RLock()
	failures := make(map[string]int64, len(m.selectionFailures))
	for k, v := range m.selectionFailures {
		failures[k] = v
	}
	m.selectionFailuresMu.RUnlock()

	m.latencyMu.RLock()
	latency := calculateLatencyStats(m.latencySamples)
	m.latencyMu.RUnlock()

	return &Snapshot{
		Admissions:         m.admissions.Load(),
		Rejections:         rejections,
		Selections:         m.selections.Load(),
		StickyHits:         m.stickyHits.Load(),
		SelectionFailures:  failures,
		UpstreamRateLimits: m.upstreamRateLimit.Load(),
		UpstreamErrors:     m.upstreamErrors.Load(),
		Retries:            m.retries.Load(),
		Charges:            m.charges.Load(),
		ChargedMicros:      m.chargedMicros.Load(),
		Shortfalls:         m.shortfalls.Load(),
		ShortfallMicros:    m.shortfallMicros.Load(),
		Refunds:            m.refunds.Load(),
		ExpiredTokens:      m.expiredTokens.Load(),
		InFlight:           m.inFlight.Load(),
		RouteLatency:       latency,
		UptimeSeconds:      int64(time.Since(m.startTime).Seconds()),
		Timestamp:          time.Now(),
	}
}

func calculateLatencyStats(samples []int64) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, s := range sorted {
		sum += s
	}
	return LatencyStats{
		AverageMicros: sum / int64(len(sorted)),
		MinMicros:     sorted[0],
		MaxMicros:     sorted[len(sorted)-1],
		P95Micros:     sorted[(len(sorted)*95-1)/100],
		Samples:       int64(len(sorted)),
	}
}

// Snapshot is a serializable point-in-time view of the relay metrics.
type Snapshot struct {
	Admissions         int64            `json:"admissions"`
	Rejections         map[string]int64 `json:"rejections"`
	Selections         int64            `json:"selections"`
	StickyHits         int64            `json:"sticky_hits"`
	SelectionFailures  map[string]int64 `json:"selection_failures"`
	UpstreamRateLimits int64            `json:"upstream_rate_limits"`
	UpstreamErrors     int64            `json:"upstream_errors"`
	Retries            int64            `json:"retries"`
	Charges            int64            `json:"charges"`
	ChargedMicros      int64            `json:"charged_micros"`
	Shortfalls         int64            `json:"shortfalls"`
	ShortfallMicros    int64            `json:"shortfall_micros"`
	Refunds            int64            `json:"refunds"`
	ExpiredTokens      int64            `json:"expired_tokens"`
	InFlight           int64            `json:"in_flight"`
	RouteLatency       LatencyStats     `json:"route_latency"`
	UptimeSeconds      int64            `json:"uptime_seconds"`
	Timestamp          time.Time        `json:"timestamp"`
}

// LatencyStats summarizes the retained latency samples.
type LatencyStats struct {
	AverageMicros int64 `json:"average_us"`
	MinMicros     int64 `json:"min_us"`
	MaxMicros     int64 `json:"max_us"`
	P95Micros     int64 `json:"p95_us"`
	Samples       int64 `json:"samples"`
}
