// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"sort"
	"sync"
)

// KeyRecord is a copy of one conversation's key state.
type KeyRecord struct {
	ConversationID string
	// EncryptionURL names the KMS key protecting the conversation.
	EncryptionURL string
	// KeyMaterial is the JWK for EncryptionURL. Never set without
	// EncryptionURL.
	KeyMaterial string
	// UploadSpaceURL is where shared files are uploaded.
	UploadSpaceURL string
}

// Ready reports whether the conversation can encrypt.
func (r KeyRecord) Ready() bool {
	return r.EncryptionURL != "" && r.KeyMaterial != ""
}

// KeyStore caches per-conversation key records and key material by
// URL. Records are created on first reference and never removed. Safe
// for concurrent use.
type KeyStore struct {
	mu        sync.Mutex
	records   map[string]*KeyRecord
	materials map[string]string
}

// NewKeyStore returns an empty KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		records:   make(map[string]*KeyRecord),
		materials: make(map[string]string),
	}
}

// Get returns the record for conversationID, creating it if needed.
func (s *KeyStore) Get(conversationID string) KeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recordLocked(conversationID)
}

// Lookup returns the record without creating one.
func (s *KeyStore) Lookup(conversationID string) (KeyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[conversationID]
	if !ok {
		return KeyRecord{}, false
	}
	return *record, true
}

// SetEncryptionURL stores url if the conversation has none yet and
// returns the URL in effect afterwards. Key material already known for
// that URL is filled in.
func (s *KeyStore) SetEncryptionURL(conversationID, url string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.recordLocked(conversationID)
	if record.EncryptionURL == "" && url != "" {
		record.EncryptionURL = url
		record.KeyMaterial = s.materials[url]
	}
	return record.EncryptionURL
}

// ObserveEncryptionURL applies a URL seen on an activity. A different
// URL replaces the stored one and clears the key; rotated reports
// that. Key material already known for the new URL is filled in.
func (s *KeyStore) ObserveEncryptionURL(conversationID, url string) (rotated bool) {
	if url == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.recordLocked(conversationID)
	if record.EncryptionURL == url {
		return false
	}
	rotated = record.EncryptionURL != ""
	record.EncryptionURL = url
	record.KeyMaterial = s.materials[url]
	return rotated
}

// SetKeyMaterial stores material for url and fills every record using
// that URL.
func (s *KeyStore) SetKeyMaterial(url, material string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materials[url] = material
	for _, record := range s.records {
		if record.EncryptionURL == url {
			record.KeyMaterial = material
		}
	}
}

// SetKey assigns a freshly created key to a conversation.
func (s *KeyStore) SetKey(conversationID, url, material string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materials[url] = material
	record := s.recordLocked(conversationID)
	record.EncryptionURL = url
	record.KeyMaterial = material
}

// SetUploadSpaceURL stores the conversation's upload space.
func (s *KeyStore) SetUploadSpaceURL(conversationID, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(conversationID).UploadSpaceURL = url
}

// MaterialFor returns the key material known for url, or "".
func (s *KeyStore) MaterialFor(url string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.materials[url]
}

// Snapshot returns copies of all records sorted by conversation id.
func (s *KeyStore) Snapshot() []KeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]KeyRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ConversationID < records[j].ConversationID
	})
	return records
}

func (s *KeyStore) recordLocked(conversationID string) *KeyRecord {
	record, ok := s.records[conversationID]
	if !ok {
		record = &KeyRecord{ConversationID: conversationID}
		s.records[conversationID] = record
	}
	return record
}
