// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists interaction records for MiniVault.
//
// Every completed prompt/response exchange is appended to a durable log.
// Records are never updated or deleted once written.
//
// # Key Types
//
//   - InteractionRecord: one logged exchange
//   - Recorder: the append/read contract used by the server
//   - FileRecorder: newline-delimited JSON file (the default, logs/log.jsonl)
//   - SQLiteRecorder: the same records in an SQLite table
//
// # Usage
//
//	rec, err := storage.Open("jsonl", "logs/log.jsonl")
//	if err != nil {
//	    return err
//	}
//	defer rec.Close()
//	err = rec.Append(ctx, storage.NewRecord("hello", "world"))
package storage
