// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jwe

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"

	"gopkg.in/square/go-jose.v2"
)

// PublicKey is the public half of an ECDH-ES keypair, serialized as an
// "EC" P-256 JWK.
type PublicKey = jose.JSONWebKey

// EphemeralKeypair is a one-use P-256 keypair. The private half never
// leaves this package.
type EphemeralKeypair struct {
	private *ecdsa.PrivateKey
	Public  PublicKey
}

// GenerateEphemeral creates a fresh P-256 keypair.
func GenerateEphemeral() (*EphemeralKeypair, error) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("jwe: generating ephemeral key: %w", err)
	}
	return &EphemeralKeypair{
		private: private,
		Public:  jose.JSONWebKey{Key: &private.PublicKey},
	}, nil
}

// Close drops the private key. Later OpenECDH calls fail.
func (k *EphemeralKeypair) Close() error {
	if k != nil {
		k.private = nil
	}
	return nil
}

// SealECDH encrypts plaintext to recipient with ECDH-ES and A256GCM.
func SealECDH(plaintext []byte, recipient PublicKey) (string, error) {
	public, ok := recipient.Key.(*ecdsa.PublicKey)
	if !ok || public.Curve.Params().Name != elliptic.P256().Params().Name {
		return "", fmt.Errorf("%w: recipient is %T, want a P-256 public key", ErrInvalidKey, recipient.Key)
	}
	return seal(plaintext, jose.Recipient{Algorithm: jose.ECDH_ES, Key: public})
}

// OpenECDH decrypts an ECDH-ES token addressed to recipient.
func OpenECDH(token string, recipient *EphemeralKeypair) ([]byte, error) {
	object, err := parse(token, jose.ECDH_ES)
	if err != nil {
		return nil, err
	}
	if recipient == nil || recipient.private == nil {
		return nil, fmt.Errorf("%w: ephemeral keypair is closed", ErrInvalidKey)
	}
	return open(object, recipient.private)
}
