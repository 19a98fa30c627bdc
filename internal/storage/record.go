// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"time"
)

// TimestampFormat is ISO-8601 in UTC with millisecond precision, the same
// shape existing log consumers already parse (2024-05-01T12:00:00.000Z).
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Supported recorder backends.
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// InteractionRecord is one logged prompt/response exchange. Field order
// matches the on-disk JSON layout.
type InteractionRecord struct {
	Timestamp string `json:"timestamp"`
	Prompt    string `json:"prompt"`
	Response  string `json:"response"`
}

// NewRecord stamps a record with the current UTC time.
func NewRecord(prompt, response string) InteractionRecord {
	return newRecordAt(time.Now(), prompt, response)
}

func newRecordAt(t time.Time, prompt, response string) InteractionRecord {
	return InteractionRecord{
		Timestamp: t.UTC().Format(TimestampFormat),
		Prompt:    prompt,
		Response:  response,
	}
}

// Recorder is an append-only store of interaction records. Implementations
// must be safe for concurrent use.
type Recorder interface {
	// Append durably writes one record.
	Append(ctx context.Context, rec InteractionRecord) error
	// Recent returns up to n of the newest records, oldest first.
	Recent(ctx context.Context, n int) ([]InteractionRecord, error)
	Close() error
}

// Open creates the recorder for backend at path. The parent directory is
// created when missing.
func Open(backend, path string) (Recorder, error) {
	switch backend {
	case BackendJSONL, "":
		return NewFileRecorder(path)
	case BackendSQLite:
		return NewSQLiteRecorder(path)
	default:
		return nil, fmt.Errorf("unknown log backend %q", backend)
	}
}
