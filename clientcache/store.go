// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clientcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/spark/lib/sqlitepool"
)

// ErrNotFound is returned by Load when the device has no cached row.
var ErrNotFound = errors.New("clientcache: not found")

// ClientInfo is what the key exchange needs before its handshake.
type ClientInfo struct {
	UserID       string    `cbor:"1,keyasint"`
	KMSCluster   string    `cbor:"2,keyasint"`
	KMSPublicKey string    `cbor:"3,keyasint"`
	UpdatedAt    time.Time `cbor:"4,keyasint"`
}

const schema = `
CREATE TABLE IF NOT EXISTS client_info (
	device_url TEXT PRIMARY KEY,
	record     BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Store is a SQLite-backed ClientInfo cache. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// Open opens or creates the cache database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clientcache: %w", err)
	}
	return &Store{pool: pool, logger: logger, now: time.Now}, nil
}

// Load returns the cached info for deviceURL, or ErrNotFound.
func (s *Store) Load(ctx context.Context, deviceURL string) (ClientInfo, error) {
	var info ClientInfo
	found := false
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT record FROM client_info WHERE device_url = ?`, &sqlitex.ExecOptions{
			Args: []any{deviceURL},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, record)
				decoded, err := decodeRecord(record)
				if err != nil {
					return err
				}
				info, found = decoded, true
				return nil
			},
		})
	})
	if err != nil {
		return ClientInfo{}, fmt.Errorf("clientcache: loading %s: %w", deviceURL, err)
	}
	if !found {
		return ClientInfo{}, ErrNotFound
	}
	return info, nil
}

// Save stores info for deviceURL, replacing any previous row.
func (s *Store) Save(ctx context.Context, deviceURL string, info ClientInfo) error {
	if info.UpdatedAt.IsZero() {
		info.UpdatedAt = s.now().UTC()
	}
	record, err := encodeRecord(info)
	if err != nil {
		return fmt.Errorf("clientcache: encoding record: %w", err)
	}
	err = s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO client_info (device_url, record, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(device_url) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{deviceURL, record, info.UpdatedAt.Unix()}})
	})
	if err != nil {
		return fmt.Errorf("clientcache: saving %s: %w", deviceURL, err)
	}
	s.logger.Debug("client info cached", "device_url", deviceURL)
	return nil
}

// Delete removes the row for deviceURL. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, deviceURL string) error {
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM client_info WHERE device_url = ?`,
			&sqlitex.ExecOptions{Args: []any{deviceURL}})
	})
	if err != nil {
		return fmt.Errorf("clientcache: deleting %s: %w", deviceURL, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}
