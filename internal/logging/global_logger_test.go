// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFormatter_FormatsFieldsInOrder(t *testing.T) {
	entry := &log.Entry{
		Time:    time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		Level:   log.WarnLevel,
		Message: "account rate limited\n",
		Data: log.Fields{
			"request_id": "a1b2c3d4",
			"until":      "12:31:00",
			"account_id": "acc-1",
		},
	}

	out, err := (&LogFormatter{}).Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "[2026-03-01 12:30:00] [a1b2c3d4] [warn ] account rate limited | account_id=acc-1, until=12:31:00\n", string(out))
}

func TestLogFormatter_NoRequestID(t *testing.T) {
	entry := &log.Entry{
		Time:    time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		Level:   log.InfoLevel,
		Message: "started",
		Data:    log.Fields{},
	}

	out, err := (&LogFormatter{}).Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "[2026-03-01 12:30:00] [--------] [info ] started\n", string(out))
}

func TestEnforceLogDirSize_RemovesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	write := func(name string, size int, age time.Duration) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
		require.NoError(t, os.Chtimes(p, now.Add(-age), now.Add(-age)))
		return p
	}
	oldest := write("relay-1.log", 400, 3*time.Hour)
	older := write("relay-2.log.gz", 400, 2*time.Hour)
	current := write("relay.log", 400, time.Hour)
	other := write("notes.txt", 4000, 4*time.Hour)

	removed, err := enforceLogDirSize(dir, 500, current)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, oldest)
	assert.NoFileExists(t, older)
	assert.FileExists(t, current)
	assert.FileExists(t, other)
}

func TestEnforceLogDirSize_MissingDir(t *testing.T) {
	removed, err := enforceLogDirSize(filepath.Join(t.TempDir(), "absent"), 1, "")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSetLevel(t *testing.T) {
	prev := log.GetLevel()
	defer log.SetLevel(prev)

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	require.NoError(t, SetLevel(""))
	assert.Equal(t, log.InfoLevel, log.GetLevel())
	assert.Error(t, SetLevel("loud"))
}
