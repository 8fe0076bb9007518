// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/spark/messaging"
)

type conversationBackend interface {
	GetConversation(ctx context.Context, conversationID string) (*messaging.Conversation, error)
	AllocateSpace(ctx context.Context, conversationID string) (*messaging.Space, error)
}

// keyRequester is the part of the key exchange the resolver drives.
type keyRequester interface {
	RequestKeyMaterial(uri string)
	CreateKey(conversationID string)
}

// resolverObserver receives resolution outcomes.
type resolverObserver interface {
	encryptionURLResolved(conversationID, url string)
	encryptionURLFailed(conversationID string, err error)
	spaceURLResolved(conversationID string)
	spaceURLFailed(conversationID string, err error)
}

// ConversationResolver discovers a conversation's encryption URL,
// creating a key when there is none, and its upload space. Concurrent
// resolutions of the same conversation share one request.
type ConversationResolver struct {
	backend  conversationBackend
	keys     *KeyStore
	session  keyRequester
	logger   *slog.Logger
	observer resolverObserver
	ctx      context.Context

	mu     sync.Mutex
	urls   map[string]bool
	spaces map[string]bool
	closed bool
	tasks  sync.WaitGroup
}

func newConversationResolver(ctx context.Context, backend conversationBackend, keys *KeyStore, session keyRequester, observer resolverObserver, logger *slog.Logger) *ConversationResolver {
	return &ConversationResolver{
		backend:  backend,
		keys:     keys,
		session:  session,
		logger:   logger,
		observer: observer,
		ctx:      ctx,
		urls:     make(map[string]bool),
		spaces:   make(map[string]bool),
	}
}

// ResolveEncryptionURL looks up the conversation's key URL in the
// background. A URL found is stored first-writer-wins and its key is
// requested; no URL means a new key is created.
func (r *ConversationResolver) ResolveEncryptionURL(conversationID string) {
	if !r.begin(r.urls, conversationID) {
		return
	}
	go func() {
		defer r.end(r.urls, conversationID)

		conversation, err := r.backend.GetConversation(r.ctx, conversationID)
		if err != nil {
			r.logger.Warn("encryption url lookup failed", "conversation_id", conversationID, "error", err)
			r.observer.encryptionURLFailed(conversationID, &Error{
				Kind:           EncryptionURLFetchFailed,
				ConversationID: conversationID,
				Err:            err,
			})
			return
		}

		fetched := conversation.KeyURL()
		if fetched == "" {
			r.logger.Info("conversation has no key, creating one", "conversation_id", conversationID)
			r.session.CreateKey(conversationID)
			return
		}
		url := r.keys.SetEncryptionURL(conversationID, fetched)
		if url != fetched {
			r.logger.Debug("keeping concurrently discovered encryption url",
				"conversation_id", conversationID,
				"encryption_url", url,
				"fetched_url", fetched,
			)
		}
		if r.keys.MaterialFor(url) == "" {
			r.session.RequestKeyMaterial(url)
		}
		r.observer.encryptionURLResolved(conversationID, url)
	}()
}

// ResolveUploadSpaceURL allocates the conversation's upload space in
// the background.
func (r *ConversationResolver) ResolveUploadSpaceURL(conversationID string) {
	if !r.begin(r.spaces, conversationID) {
		return
	}
	go func() {
		defer r.end(r.spaces, conversationID)

		space, err := r.backend.AllocateSpace(r.ctx, conversationID)
		if err != nil {
			r.logger.Warn("upload space allocation failed", "conversation_id", conversationID, "error", err)
			r.observer.spaceURLFailed(conversationID, &Error{
				Kind:           SpaceURLFetchFailed,
				ConversationID: conversationID,
				Err:            err,
			})
			return
		}
		r.keys.SetUploadSpaceURL(conversationID, space.SpaceURL)
		r.observer.spaceURLResolved(conversationID)
	}()
}

// begin claims conversationID in inFlight and registers the lookup
// with Close. It reports false when a lookup is already running or the
// resolver is closed.
func (r *ConversationResolver) begin(inFlight map[string]bool, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || inFlight[conversationID] {
		return false
	}
	inFlight[conversationID] = true
	r.tasks.Add(1)
	return true
}

func (r *ConversationResolver) end(inFlight map[string]bool, conversationID string) {
	r.mu.Lock()
	delete(inFlight, conversationID)
	r.mu.Unlock()
	r.tasks.Done()
}

// Close refuses new lookups and waits for running ones. Cancel the
// resolver's context first so they return promptly.
func (r *ConversationResolver) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.tasks.Wait()
}
