// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formqueue

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage persists queue state in a local SQLite database, surviving
// app restarts the same way browser local storage survives page reloads.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the backing store and its table.
func NewSQLiteStorage(db *sql.DB) (*SQLiteStorage, error) {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _offline_kv (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage table: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// OpenSQLiteStorage opens a database file at path and wraps it.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage database: %w", err)
	}
	storage, err := NewSQLiteStorage(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return storage, nil
}

// Get implements Storage.
func (s *SQLiteStorage) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM _offline_kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, true, nil
}

// Set implements Storage.
func (s *SQLiteStorage) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO _offline_kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
