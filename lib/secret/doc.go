// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material and bearer tokens in memory the
// garbage collector never sees.
//
// A [Buffer] is an anonymous mmap region, mlocked against swap and
// excluded from core dumps. Close zeroes, unlocks and unmaps it; any
// read after Close panics. The engine keeps the negotiated ephemeral
// key and the access token in Buffers, converting to string only at
// JWE and HTTP boundaries.
package secret
