// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package activity is the end-to-end encryption engine of the SDK. It
// negotiates keys with the key management service (KMS), encrypts and
// decrypts message content and file metadata, and holds back requests
// until the keys they need are available.
//
// The [Dispatcher] is the entry point. Its parts, leaf first:
//
//   - [KeyStore]: per-conversation encryption URL, key material and
//     upload space, plus key material by URL.
//   - [KeyExchangeSession]: the bootstrap state machine (client info,
//     then the ECDHE handshake under a timeout) and key retrieval and
//     creation under the negotiated ephemeral key. The transitions are
//     a pure function from (state, event) to (state, effects).
//   - [PendingActivityQueue]: operations waiting on a key, URL or
//     upload space, released in per-conversation order.
//   - [MessageCodec]: mention markup and content encryption.
//   - [ConversationResolver]: encryption URL and upload space lookup.
//
// Every public call takes a completion callback that runs exactly
// once. Failures are [*Error] values; use [KindOf] or [IsKind] to
// inspect them. Bootstrap failures reach every queued operation;
// per-conversation failures reach only the operations waiting on that
// conversation or key.
//
// KMS responses arrive out of band, normally on the push channel, and
// are handed in with [Dispatcher.ReceiveKMSMessages]. Responses the
// relay returns inline are processed the same way.
package activity
