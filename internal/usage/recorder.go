// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package usage writes one JSON line per completed request to a rotating log file.
package usage

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Record describes one completed (or abandoned) routed request.
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	RequestLogID  string    `json:"request_log_id"`
	KeyID         string    `json:"key_id"`
	OwnerID       string    `json:"owner_id,omitempty"`
	Platform      string    `json:"platform"`
	AccountID     string    `json:"account_id"`
	Model         string    `json:"model"`
	UpstreamModel string    `json:"upstream_model,omitempty"`
	Outcome       string    `json:"outcome"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	CostMicros    int64     `json:"cost_micros"`
	ChargedMicros int64     `json:"charged_micros"`
	Attempts      int       `json:"attempts,omitempty"`
	Sticky        bool      `json:"sticky,omitempty"`
	Bound         bool      `json:"bound,omitempty"`
	DurationMs    int64     `json:"duration_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Config holds configuration for the usage recorder.
type Config struct {
	// Enabled toggles usage logging.
	Enabled bool

	// Path is the JSONL file path.
	Path string

	// MaxSizeMB is the maximum size in megabytes before rotation.
	// Default: 100 MB.
	MaxSizeMB int

	// MaxBackups is the maximum number of rotated files to retain.
	// Default: 10.
	MaxBackups int

	// MaxAgeDays is the maximum number of days to retain rotated files.
	// Default: 30 days.
	MaxAgeDays int

	Compress bool

	// QueueSize bounds the number of records waiting to be written.
	// Default: 1024.
	QueueSize int
}

// Recorder encodes records on a background goroutine. Record never blocks; a
// full queue drops the record.
type Recorder struct {
	enabled bool
	out     io.WriteCloser
	encoder *json.Encoder

	queue   chan Record
	done    chan struct{}
	closed  atomic.Bool
	closeMu sync.RWMutex
	dropped atomic.Int64
	written atomic.Int64
}

// NewRecorder creates a recorder. A disabled config yields a no-op recorder.
func NewRecorder(cfg Config) (*Recorder, error) {
	if !cfg.Enabled || cfg.Path == "" {
		return &Recorder{}, nil
	}
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 10
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	file := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return newRecorder(file, cfg.QueueSize), nil
}

func newRecorder(out io.WriteCloser, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		enabled: true,
		out:     out,
		encoder: json.NewEncoder(out),
		queue:   make(chan Record, queueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues rec for writing.
func (r *Recorder) Record(rec Record) {
	if r == nil || !r.enabled {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed.Load() {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		log.WithField("request_log", rec.RequestLogID).Warn("usage: queue full, dropping record")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		if err := r.encoder.Encode(rec); err != nil {
			log.WithFields(log.Fields{
				"error":       err.Error(),
				"request_log": rec.RequestLogID,
				"account":     rec.AccountID,
			}).Error("usage: failed to write record")
			continue
		}
		r.written.Add(1)
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns how many records reached the output.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Close drains the queue and closes the output file.
func (r *Recorder) Close() error {
	if r == nil || !r.enabled {
		return nil
	}
	r.closeMu.Lock()
	if r.closed.Swap(true) {
		r.closeMu.Unlock()
		return nil
	}
	close(r.queue)
	r.closeMu.Unlock()
	<-r.done
	return r.out.Close()
}
