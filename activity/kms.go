// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/spark/lib/jwe"
)

// KMS request methods and fixed URIs.
const (
	kmsMethodCreate   = "create"
	kmsMethodRetrieve = "retrieve"

	kmsEphemeralPath = "/ecdhe"
	kmsKeysURI       = "/keys"

	// kmsUnusedDestination is the relay destination for requests
	// wrapped under the ephemeral key; the kid header routes them.
	kmsUnusedDestination = "unused"
)

type kmsCredential struct {
	UserID string `json:"userId"`
	Bearer string `json:"bearer"`
}

type kmsClient struct {
	ClientID   string        `json:"clientId"`
	Credential kmsCredential `json:"credential"`
}

// kmsRequest is the plaintext of every KMS request.
type kmsRequest struct {
	RequestID string         `json:"requestId"`
	Client    kmsClient      `json:"client"`
	Method    string         `json:"method"`
	URI       string         `json:"uri"`
	JWK       *jwe.PublicKey `json:"jwk,omitempty"`
	Count     int            `json:"count,omitempty"`
}

// kmsKey is a key in a KMS response. JWK is either a JWK object or a
// string holding one.
type kmsKey struct {
	URI string          `json:"uri"`
	JWK json.RawMessage `json:"jwk,omitempty"`
}

func (k kmsKey) material() (string, error) {
	raw := bytes.TrimSpace(k.JWK)
	if len(raw) == 0 {
		return "", fmt.Errorf("key %s has no jwk", k.URI)
	}
	if raw[0] == '"' {
		var material string
		if err := json.Unmarshal(raw, &material); err != nil {
			return "", fmt.Errorf("key %s: %w", k.URI, err)
		}
		raw = []byte(material)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return "", fmt.Errorf("key %s: jwk is not JSON: %w", k.URI, err)
	}
	if _, err := jwe.ParseKey(compact.String()); err != nil {
		return "", fmt.Errorf("key %s: %w", k.URI, err)
	}
	return compact.String(), nil
}

// kmsResponse is the decrypted payload of every KMS response.
type kmsResponse struct {
	RequestID string   `json:"requestId,omitempty"`
	Status    int      `json:"status"`
	Reason    string   `json:"reason,omitempty"`
	Key       *kmsKey  `json:"key,omitempty"`
	Keys      []kmsKey `json:"keys,omitempty"`
}

func (r *kmsResponse) failed() error {
	if r.Status >= 300 {
		if r.Reason != "" {
			return fmt.Errorf("kms status %d: %s", r.Status, r.Reason)
		}
		return fmt.Errorf("kms status %d", r.Status)
	}
	return nil
}

// fingerprintSet remembers the most recent KMS messages so a
// redelivered push is processed once.
type fingerprintSet struct {
	seen  map[[32]byte]struct{}
	order [][32]byte
	limit int
}

func newFingerprintSet(limit int) *fingerprintSet {
	return &fingerprintSet{seen: make(map[[32]byte]struct{}), limit: limit}
}

// add reports whether fingerprint was new.
func (s *fingerprintSet) add(fingerprint [32]byte) bool {
	if _, ok := s.seen[fingerprint]; ok {
		return false
	}
	if len(s.order) == s.limit {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
	s.seen[fingerprint] = struct{}{}
	s.order = append(s.order, fingerprint)
	return true
}
