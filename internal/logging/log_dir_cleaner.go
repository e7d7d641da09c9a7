// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const logDirCleanInterval = time.Minute

var cleanerStop chan struct{}

// configureLogDirCleanerLocked restarts the background cleaner. Callers hold writerMu.
func configureLogDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopLogDirCleanerLocked()
	if maxTotalSizeMB <= 0 {
		return
	}
	limit := int64(maxTotalSizeMB) * 1024 * 1024
	stop := make(chan struct{})
	cleanerStop = stop

	go func() {
		ticker := time.NewTicker(logDirCleanInterval)
		defer ticker.Stop()
		for {
			if removed, err := enforceLogDirSize(logDir, limit, protectedPath); err != nil {
				log.WithError(err).Debug("log dir cleanup failed")
			} else if removed > 0 {
				log.WithField("removed", removed).Debug("removed old log files")
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

func stopLogDirCleanerLocked() {
	if cleanerStop != nil {
		close(cleanerStop)
		cleanerStop = nil
	}
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

// enforceLogDirSize deletes the oldest .log and .gz files in dir until their total size fits
// within limit. protectedPath is never removed.
func enforceLogDirSize(dir string, limit int64, protectedPath string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var files []logFile
	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".log") && !strings.HasSuffix(name, ".gz") {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(dir, name), size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}
	if total <= limit {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	removed := 0
	for _, f := range files {
		if total <= limit {
			break
		}
		if protectedPath != "" && filepath.Clean(f.path) == filepath.Clean(protectedPath) {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
		removed++
	}
	return removed, nil
}
