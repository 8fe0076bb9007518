// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"errors"
	"strings"
)

// ErrorKind classifies a failure delivered to a completion callback.
type ErrorKind int

const (
	// ClientInfoFetchFailed: the identity or KMS cluster lookup during
	// bootstrap failed. Broadcast to every queued operation.
	ClientInfoFetchFailed ErrorKind = iota + 1
	// EphemeralKeyFetchFailed: the ECDHE handshake failed or did not
	// complete within the ephemeral key timeout. Broadcast.
	EphemeralKeyFetchFailed
	// KMSInfoFetchFailed: GET /kms failed. Appears wrapped inside a
	// ClientInfoFetchFailed error.
	KMSInfoFetchFailed
	// KeyMaterialFetchFailed: a key retrieval or creation request
	// failed. Scoped to operations waiting on that key.
	KeyMaterialFetchFailed
	// EncryptionURLFetchFailed: the conversation metadata lookup
	// failed. Scoped to that conversation.
	EncryptionURLFetchFailed
	// SpaceURLFetchFailed: the upload space allocation failed. Scoped
	// to that conversation's shares.
	SpaceURLFetchFailed
	// CryptoFailed: encryption, decryption or payload decoding failed.
	CryptoFailed
	// TransportFailed: a backend request failed.
	TransportFailed
	// InvalidRequest: the call was missing required data.
	InvalidRequest
	// Canceled: the dispatcher was closed before the operation ran.
	Canceled
)

var kindNames = map[ErrorKind]string{
	ClientInfoFetchFailed:    "client info fetch failed",
	EphemeralKeyFetchFailed:  "ephemeral key fetch failed",
	KMSInfoFetchFailed:       "kms info fetch failed",
	KeyMaterialFetchFailed:   "key material fetch failed",
	EncryptionURLFetchFailed: "encryption url fetch failed",
	SpaceURLFetchFailed:      "space url fetch failed",
	CryptoFailed:             "crypto failed",
	TransportFailed:          "transport failed",
	InvalidRequest:           "invalid request",
	Canceled:                 "canceled",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown error"
}

// Error is the typed error every callback receives. Extract it with
// errors.As, or use [KindOf] and [IsKind].
type Error struct {
	Kind ErrorKind
	// ConversationID and URI scope the failure when it is scoped.
	ConversationID string
	URI            string
	Err            error
}

func (e *Error) Error() string {
	var builder strings.Builder
	builder.WriteString("activity: ")
	builder.WriteString(e.Kind.String())
	if e.ConversationID != "" {
		builder.WriteString(" (conversation ")
		builder.WriteString(e.ConversationID)
		builder.WriteString(")")
	}
	if e.URI != "" {
		builder.WriteString(" (key ")
		builder.WriteString(e.URI)
		builder.WriteString(")")
	}
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the outermost *Error in err's chain, or
// zero if there is none.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return 0
}

// IsKind reports whether any *Error in err's chain has kind.
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		var typed *Error
		if !errors.As(err, &typed) {
			return false
		}
		if typed.Kind == kind {
			return true
		}
		err = typed.Err
	}
	return false
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
