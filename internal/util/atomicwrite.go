// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// WriteOptions configures WriteFileAtomic.
type WriteOptions struct {
	// Backup copies an existing target to <path>.bak before it is replaced.
	Backup bool
	// Perm is the mode of a newly created file. Zero keeps the mode of an
	// existing target, or 0600.
	Perm os.FileMode
}

// WriteFileAtomic writes data to a temporary sibling of path, fsyncs it and
// renames it over path. Readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, opts WriteOptions) error {
	perm := opts.Perm
	if perm == 0 {
		perm = 0o600
		if info, err := os.Stat(path); err == nil {
			perm = info.Mode().Perm()
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%s", path, uuid.NewString())
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s: %w", tempPath, err)
	}
	cleanupTemp := true
	defer func() {
		if cleanupTemp {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err = tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err = tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if opts.Backup {
		if _, errStat := os.Stat(path); errStat == nil {
			if errCopy := copyFile(path, path+".bak", perm); errCopy != nil {
				log.Warnf("failed to back up %s: %v", path, errCopy)
			}
		}
	}

	if err = os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	cleanupTemp = false

	if err = syncDir(dir); err != nil {
		log.Debugf("failed to sync directory %s: %v", dir, err)
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err = out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
