// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package jwe is the content cipher shared by messages, file
// references and KMS payloads, built on go-jose.
//
// Key material is a JWK string of type "oct" holding a 32-byte key.
// Ciphertext is a five-segment compact JWE with content encryption
// A256GCM. The "dir" algorithm uses the key material directly and
// leaves the encrypted-key segment empty. The "ECDH-ES" algorithm is
// used once per session for the KMS handshake response, addressed to
// a P-256 [EphemeralKeypair] whose public half goes out as a JWK.
//
// Failures wrap one of ErrMalformed, ErrInvalidKey or
// ErrAuthentication so callers can classify them with errors.Is.
package jwe
