// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jwe

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/square/go-jose.v2"
)

// KeySize is the length of every content key: an A256GCM key.
const KeySize = 32

// Header values written by this package.
const (
	AlgorithmDirect   = string(jose.DIRECT)
	AlgorithmECDHES   = string(jose.ECDH_ES)
	EncryptionA256GCM = string(jose.A256GCM)
)

var (
	// ErrMalformed reports a token that does not parse or uses an
	// unexpected algorithm.
	ErrMalformed = errors.New("jwe: malformed input")
	// ErrInvalidKey reports key material of the wrong type or size.
	ErrInvalidKey = errors.New("jwe: invalid key")
	// ErrAuthentication reports a failed decryption: wrong key or
	// tampered ciphertext.
	ErrAuthentication = errors.New("jwe: authentication failed")
)

// Header is the part of a token's protected header used for routing.
type Header struct {
	Algorithm string
	KeyID     string
}

// GenerateKey returns fresh key material.
func GenerateKey() (string, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("jwe: generating key: %w", err)
	}
	return FormatKey(raw)
}

// FormatKey serializes a raw key as an "oct" JWK.
func FormatKey(raw []byte) (string, error) {
	if len(raw) != KeySize {
		return "", fmt.Errorf("%w: key is %d bytes, want %d", ErrInvalidKey, len(raw), KeySize)
	}
	encoded, err := json.Marshal(jose.JSONWebKey{Key: raw})
	if err != nil {
		return "", fmt.Errorf("jwe: encoding key: %w", err)
	}
	return string(encoded), nil
}

// ParseKey extracts the raw key bytes from "oct" JWK key material.
func ParseKey(material string) ([]byte, error) {
	var key jose.JSONWebKey
	if err := key.UnmarshalJSON([]byte(material)); err != nil {
		return nil, fmt.Errorf("%w: key material is not a JWK: %v", ErrInvalidKey, err)
	}
	raw, ok := key.Key.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: key type %T, want an oct key", ErrInvalidKey, key.Key)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrInvalidKey, len(raw), KeySize)
	}
	return raw, nil
}

// Encrypt seals plaintext under key material with "dir" and A256GCM.
func Encrypt(plaintext []byte, material string) (string, error) {
	return EncryptWithKeyID(plaintext, material, "")
}

// EncryptWithKeyID is Encrypt with a "kid" header naming the key.
func EncryptWithKeyID(plaintext []byte, material, keyID string) (string, error) {
	raw, err := ParseKey(material)
	if err != nil {
		return "", err
	}
	return seal(plaintext, jose.Recipient{Algorithm: jose.DIRECT, Key: raw, KeyID: keyID})
}

// Decrypt opens a "dir" token with key material.
func Decrypt(token, material string) ([]byte, error) {
	object, err := parse(token, jose.DIRECT)
	if err != nil {
		return nil, err
	}
	raw, err := ParseKey(material)
	if err != nil {
		return nil, err
	}
	return open(object, raw)
}

// ParseHeader decodes the protected header without decrypting.
func ParseHeader(token string) (*Header, error) {
	object, err := parse(token, "")
	if err != nil {
		return nil, err
	}
	return &Header{Algorithm: object.Header.Algorithm, KeyID: object.Header.KeyID}, nil
}

// Cipher adapts the package functions to an encrypt/decrypt interface.
type Cipher struct{}

// Encrypt calls the package Encrypt.
func (Cipher) Encrypt(plaintext []byte, material string) (string, error) {
	return Encrypt(plaintext, material)
}

// Decrypt calls the package Decrypt.
func (Cipher) Decrypt(token, material string) ([]byte, error) {
	return Decrypt(token, material)
}

func seal(plaintext []byte, recipient jose.Recipient) (string, error) {
	encrypter, err := jose.NewEncrypter(jose.A256GCM, recipient, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	object, err := encrypter.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("jwe: encrypting: %w", err)
	}
	token, err := object.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("jwe: serializing: %w", err)
	}
	return token, nil
}

// parse accepts only the five-segment compact form. A non-empty
// algorithm must match the header.
func parse(token string, algorithm jose.KeyAlgorithm) (*jose.JSONWebEncryption, error) {
	if strings.Count(token, ".") != 4 {
		return nil, fmt.Errorf("%w: not a compact JWE", ErrMalformed)
	}
	object, err := jose.ParseEncrypted(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if algorithm != "" && object.Header.Algorithm != string(algorithm) {
		return nil, fmt.Errorf("%w: algorithm %q, want %q", ErrMalformed, object.Header.Algorithm, algorithm)
	}
	return object, nil
}

func open(object *jose.JSONWebEncryption, key any) ([]byte, error) {
	plaintext, err := object.Decrypt(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}
