// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens pooled zombiezen SQLite connections with the
// project's standard pragmas (WAL journal, NORMAL sync, a busy timeout)
// and a per-connection setup hook for schema creation.
//
// Callers borrow a connection for the duration of one statement or
// transaction:
//
//	err := pool.With(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "SELECT ...", &sqlitex.ExecOptions{...})
//	})
package sqlitepool
