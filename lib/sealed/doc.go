// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for the one-shot envelopes sent
// to a KMS cluster's static key.
//
// The cluster publishes an age X25519 recipient. A client seals its
// ECDHE handshake request to that recipient; only the cluster can
// open it. Ciphertext travels base64-encoded inside the JSON
// kmsMessages array. Private keys and opened plaintext are returned as
// secret.Buffer values.
package sealed
