// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/jeranaias/minivault/internal/util"
)

// maxLineSize bounds a single record when reading the log back.
const maxLineSize = 16 * 1024 * 1024

// FileRecorder appends records to a newline-delimited JSON file.
//
// Each Append opens the file, writes one line, flushes and closes it, all
// under a mutex, so concurrent requests never interleave partial lines and
// no handle is held between writes.
type FileRecorder struct {
	path string
	mu   sync.Mutex
}

// NewFileRecorder ensures the log directory and file exist.
func NewFileRecorder(path string) (*FileRecorder, error) {
	if err := util.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("failed to ensure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to init log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to init log file: %w", err)
	}
	return &FileRecorder{path: path}, nil
}

// Path returns the log file location.
func (r *FileRecorder) Path() string {
	return r.path
}

// Append writes rec as one JSON line.
func (r *FileRecorder) Append(_ context.Context, rec InteractionRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open append: %w", err)
	}

	w := bufio.NewWriter(f)
	if _, err := w.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close log: %w", err)
	}
	return nil
}

// Recent returns the last n records in file order. Lines that do not
// decode are skipped. n <= 0 returns every record.
func (r *FileRecorder) Recent(ctx context.Context, n int) ([]InteractionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open read: %w", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var records []InteractionRecord
	for s.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec InteractionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
		if n > 0 && len(records) > n {
			records = records[1:]
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return records, nil
}

// Close is a no-op; the file is never held open between writes.
func (r *FileRecorder) Close() error {
	return nil
}
