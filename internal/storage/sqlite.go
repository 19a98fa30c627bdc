// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jeranaias/minivault/internal/util"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS interactions (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	prompt    TEXT NOT NULL,
	response  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interactions_timestamp ON interactions(timestamp);
`

// SQLiteRecorder stores records in an SQLite database. Rows are only ever
// inserted.
type SQLiteRecorder struct {
	db   *sql.DB
	path string
}

// NewSQLiteRecorder opens (creating if needed) the database at path.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	if err := util.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("failed to ensure log dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer keeps inserts serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteRecorder{db: db, path: path}, nil
}

// Path returns the database file location.
func (r *SQLiteRecorder) Path() string {
	return r.path
}

// Append inserts one record.
func (r *SQLiteRecorder) Append(ctx context.Context, rec InteractionRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO interactions (timestamp, prompt, response) VALUES (?, ?, ?)`,
		rec.Timestamp, rec.Prompt, rec.Response,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Recent returns up to n of the newest records, oldest first. n <= 0
// returns every record.
func (r *SQLiteRecorder) Recent(ctx context.Context, n int) ([]InteractionRecord, error) {
	query := `SELECT timestamp, prompt, response FROM (
		SELECT id, timestamp, prompt, response FROM interactions ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`
	limit := n
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []InteractionRecord
	for rows.Next() {
		var rec InteractionRecord
		if err := rows.Scan(&rec.Timestamp, &rec.Prompt, &rec.Response); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
