// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clientcache persists the bootstrap client info (the caller's
// user id and the KMS cluster with its static public key) so a
// restarted process can go straight to the ephemeral key handshake.
//
// Rows live in one SQLite table keyed by device URL. The payload is a
// CBOR record with integer keys, so fields can be added without a
// schema migration. A row this version cannot fully decode is treated
// as a miss.
package clientcache
