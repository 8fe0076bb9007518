// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/spark/clientcache"
	"github.com/bureau-foundation/spark/lib/clock"
	"github.com/bureau-foundation/spark/lib/jwe"
	"github.com/bureau-foundation/spark/lib/sealed"
	"github.com/bureau-foundation/spark/lib/secret"
	"github.com/bureau-foundation/spark/messaging"
)

// DefaultEphemeralKeyTimeout bounds the wait for the handshake
// response.
const DefaultEphemeralKeyTimeout = 20 * time.Second

// seenMessageLimit is how many KMS message fingerprints are kept for
// duplicate suppression.
const seenMessageLimit = 512

// kmsBackend is the subset of the backend the key exchange uses.
type kmsBackend interface {
	AccessToken(ctx context.Context) (string, error)
	UserInfo(ctx context.Context) (*messaging.UserInfo, error)
	KMSInfo(ctx context.Context) (*messaging.KMSInfo, error)
	SendKMSMessages(ctx context.Context, request messaging.KMSMessageRequest) (*messaging.KMSMessageResponse, error)
}

// ClientInfoCache persists bootstrap client info across restarts.
// [clientcache.Store] implements it. Load returns
// [clientcache.ErrNotFound] for an unknown device.
type ClientInfoCache interface {
	Load(ctx context.Context, deviceURL string) (clientcache.ClientInfo, error)
	Save(ctx context.Context, deviceURL string, info clientcache.ClientInfo) error
	Delete(ctx context.Context, deviceURL string) error
}

// exchangeObserver receives the session's outcomes. Calls are made
// without any session lock held.
type exchangeObserver interface {
	exchangeReady()
	exchangeFailed(err error)
	keyMaterialArrived(uri string)
	keyMaterialFailed(uri string, err error)
	keyCreated(conversationID, uri string)
	keyCreateFailed(conversationID string, err error)
}

type ephemeralKey struct {
	uri      string
	material *secret.Buffer
}

func (k *ephemeralKey) close() {
	if k != nil && k.material != nil {
		k.material.Close()
	}
}

type handshake struct {
	attempt   int
	requestID string
	keypair   *jwe.EphemeralKeypair
}

// retrieval is an outstanding key retrieval.
type retrieval struct {
	requestID string
	uri       string
}

// creation is a conversation waiting for a freshly created key.
type creation struct {
	requestID      string
	conversationID string
}

type sessionConfig struct {
	backend   kmsBackend
	keys      *KeyStore
	cache     ClientInfoCache
	clock     clock.Clock
	timeout   time.Duration
	deviceURL string
	logger    *slog.Logger
	observer  exchangeObserver
}

// KeyExchangeSession negotiates the ephemeral key with the KMS and
// retrieves or creates conversation keys under it. There is one per
// dispatcher.
type KeyExchangeSession struct {
	backend   kmsBackend
	keys      *KeyStore
	cache     ClientInfoCache
	clock     clock.Clock
	timeout   time.Duration
	deviceURL string
	logger    *slog.Logger
	observer  exchangeObserver

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      exchangeState
	info       clientInfo
	handshake  *handshake
	ephemeral  *ephemeralKey
	timer      *clock.Timer
	retrievals map[string]*retrieval
	creations  []*creation
	seen       *fingerprintSet
	closed     bool

	// tasks counts goroutines Close waits for. Add only with mu held
	// and closed false.
	tasks sync.WaitGroup
}

func newKeyExchangeSession(config sessionConfig) *KeyExchangeSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &KeyExchangeSession{
		backend:    config.backend,
		keys:       config.keys,
		cache:      config.cache,
		clock:      config.clock,
		timeout:    config.timeout,
		deviceURL:  config.deviceURL,
		logger:     config.logger,
		observer:   config.observer,
		ctx:        ctx,
		cancel:     cancel,
		retrievals: make(map[string]*retrieval),
		seen:       newFingerprintSet(seenMessageLimit),
	}
}

// State returns the current bootstrap phase.
func (s *KeyExchangeSession) State() ExchangeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.phase
}

// Bootstrap starts the exchange if it is uninitialized or failed. It
// is a no-op while a bootstrap is running or after it succeeded.
func (s *KeyExchangeSession) Bootstrap() {
	s.fire(eventBootstrap{})
}

func (s *KeyExchangeSession) fire(event exchangeEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if key, ok := event.(eventEphemeralKey); ok {
			key.key.close()
		}
		return
	}
	previous := s.state
	next, effects := transition(s.state, event)
	s.state = next
	s.mu.Unlock()

	if next.phase != previous.phase {
		s.logger.Info("key exchange state changed",
			"from", previous.phase.String(),
			"to", next.phase.String(),
			"attempt", next.attempt,
		)
	}
	for _, effect := range effects {
		s.apply(effect)
	}
}

// spawnLocked runs task on a goroutine Close waits for. Must hold mu
// with the session open.
func (s *KeyExchangeSession) spawnLocked(task func()) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		task()
	}()
}

// enter registers the caller's goroutine with Close. It reports false
// once the session is closed; otherwise the caller must call
// s.tasks.Done.
func (s *KeyExchangeSession) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.tasks.Add(1)
	return true
}

func (s *KeyExchangeSession) apply(effect exchangeEffect) {
	switch effect := effect.(type) {
	case effectFetchClientInfo:
		attempt := effect.attempt
		s.mu.Lock()
		if !s.closed {
			s.spawnLocked(func() { s.fetchClientInfo(attempt) })
		}
		s.mu.Unlock()

	case effectSendHandshake:
		attempt, info := effect.attempt, effect.info
		s.mu.Lock()
		s.info = info
		if !s.closed {
			s.spawnLocked(func() { s.sendHandshake(attempt, info) })
		}
		s.mu.Unlock()

	case effectArmTimer:
		attempt := effect.attempt
		timer := s.clock.AfterFunc(s.timeout, func() {
			if !s.enter() {
				return
			}
			defer s.tasks.Done()
			s.fire(eventTimeout{attempt: attempt, after: s.timeout})
		})
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.timer = timer
		if s.closed {
			timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()

	case effectCancelTimer:
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()

	case effectInstallEphemeral:
		s.mu.Lock()
		s.ephemeral.close()
		s.ephemeral = effect.key
		s.closeHandshakeLocked()
		s.mu.Unlock()
		s.logger.Info("ephemeral key established", "key_uri", effect.key.uri)

	case effectDiscardEphemeral:
		effect.key.close()
		s.logger.Warn("discarded ephemeral key for a stale handshake", "key_uri", effect.key.uri)

	case effectAbandonHandshake:
		s.mu.Lock()
		s.closeHandshakeLocked()
		s.mu.Unlock()

	case effectForgetClientInfo:
		if s.cache != nil {
			if err := s.cache.Delete(s.ctx, s.deviceURL); err != nil {
				s.logger.Warn("failed to drop cached client info", "device_url", s.deviceURL, "error", err)
			}
		}

	case effectFailQueued:
		s.logger.Error("key exchange failed", "error", effect.err)
		s.observer.exchangeFailed(effect.err)

	case effectResume:
		s.observer.exchangeReady()
	}
}

func (s *KeyExchangeSession) closeHandshakeLocked() {
	if s.handshake != nil {
		s.handshake.keypair.Close()
		s.handshake = nil
	}
}

func (s *KeyExchangeSession) fetchClientInfo(attempt int) {
	if info, ok := s.cachedClientInfo(); ok {
		s.fire(eventClientInfo{attempt: attempt, info: info})
		return
	}

	var (
		waitGroup sync.WaitGroup
		user      *messaging.UserInfo
		userErr   error
		kms       *messaging.KMSInfo
		kmsErr    error
	)
	waitGroup.Add(2)
	go func() {
		defer waitGroup.Done()
		user, userErr = s.backend.UserInfo(s.ctx)
	}()
	go func() {
		defer waitGroup.Done()
		kms, kmsErr = s.backend.KMSInfo(s.ctx)
		if kmsErr == nil {
			kmsErr = sealed.ParsePublicKey(kms.StaticPublicKey)
		}
	}()
	waitGroup.Wait()

	if userErr != nil || kmsErr != nil {
		var causes []error
		if userErr != nil {
			causes = append(causes, fmt.Errorf("user info: %w", userErr))
		}
		if kmsErr != nil {
			causes = append(causes, &Error{Kind: KMSInfoFetchFailed, Err: kmsErr})
		}
		s.fire(eventClientInfoFailed{
			attempt: attempt,
			err:     &Error{Kind: ClientInfoFetchFailed, Err: errors.Join(causes...)},
		})
		return
	}

	info := clientInfo{userID: user.ID, cluster: kms.Cluster, publicKey: kms.StaticPublicKey}
	if s.cache != nil {
		err := s.cache.Save(s.ctx, s.deviceURL, clientcache.ClientInfo{
			UserID:       info.userID,
			KMSCluster:   info.cluster,
			KMSPublicKey: info.publicKey,
		})
		if err != nil {
			s.logger.Warn("failed to cache client info", "device_url", s.deviceURL, "error", err)
		}
	}
	s.fire(eventClientInfo{attempt: attempt, info: info})
}

func (s *KeyExchangeSession) cachedClientInfo() (clientInfo, bool) {
	if s.cache == nil {
		return clientInfo{}, false
	}
	cached, err := s.cache.Load(s.ctx, s.deviceURL)
	if err != nil {
		if !errors.Is(err, clientcache.ErrNotFound) {
			s.logger.Warn("failed to load cached client info", "device_url", s.deviceURL, "error", err)
		}
		return clientInfo{}, false
	}
	if cached.UserID == "" || cached.KMSCluster == "" || sealed.ParsePublicKey(cached.KMSPublicKey) != nil {
		return clientInfo{}, false
	}
	s.logger.Debug("using cached client info", "device_url", s.deviceURL, "kms_cluster", cached.KMSCluster)
	return clientInfo{userID: cached.UserID, cluster: cached.KMSCluster, publicKey: cached.KMSPublicKey}, true
}

func (s *KeyExchangeSession) sendHandshake(attempt int, info clientInfo) {
	fail := func(kind ErrorKind, err error) {
		s.fire(eventHandshakeFailed{attempt: attempt, err: &Error{Kind: EphemeralKeyFetchFailed, Err: newError(kind, err)}})
	}

	keypair, err := jwe.GenerateEphemeral()
	if err != nil {
		fail(CryptoFailed, err)
		return
	}
	token, err := s.backend.AccessToken(s.ctx)
	if err != nil {
		keypair.Close()
		fail(TransportFailed, err)
		return
	}
	requestID := uuid.NewString()
	request := kmsRequest{
		RequestID: requestID,
		Client:    s.client(info.userID, token),
		Method:    kmsMethodCreate,
		URI:       info.cluster + kmsEphemeralPath,
		JWK:       &keypair.Public,
	}
	encoded, err := json.Marshal(request)
	if err != nil {
		keypair.Close()
		fail(CryptoFailed, err)
		return
	}
	envelope, err := sealed.Seal(encoded, info.publicKey)
	secret.Zero(encoded)
	if err != nil {
		keypair.Close()
		fail(CryptoFailed, err)
		return
	}

	s.mu.Lock()
	if s.closed || s.state != (exchangeState{phase: ExchangeFetchingEphemeralKey, attempt: attempt}) {
		s.mu.Unlock()
		keypair.Close()
		return
	}
	s.closeHandshakeLocked()
	s.handshake = &handshake{attempt: attempt, requestID: requestID, keypair: keypair}
	s.mu.Unlock()

	s.logger.Debug("sending ephemeral key handshake", "request_id", requestID, "kms_cluster", info.cluster)
	response, err := s.backend.SendKMSMessages(s.ctx, messaging.KMSMessageRequest{
		KMSMessages: []string{envelope},
		Destination: info.cluster,
	})
	if err != nil {
		fail(TransportFailed, err)
		return
	}
	s.deliverInline(response)
}

func (s *KeyExchangeSession) client(userID, token string) kmsClient {
	return kmsClient{
		ClientID:   s.deviceURL,
		Credential: kmsCredential{UserID: userID, Bearer: token},
	}
}

func (s *KeyExchangeSession) deliverInline(response *messaging.KMSMessageResponse) {
	if response == nil || len(response.KMSMessages) == 0 {
		return
	}
	if err := s.ReceiveKMSMessages(response.KMSMessages); err != nil {
		s.logger.Warn("inline kms response could not be processed", "error", err)
	}
}

// RequestKeyMaterial asks the KMS for the key at uri. A request
// already in flight for uri makes this a no-op. Before the exchange is
// ready it bootstraps instead; readiness resumes every missing key.
func (s *KeyExchangeSession) RequestKeyMaterial(uri string) {
	if uri == "" {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.state.phase != ExchangeReady {
		s.mu.Unlock()
		s.Bootstrap()
		return
	}
	if _, inFlight := s.retrievals[uri]; inFlight || s.keys.MaterialFor(uri) != "" {
		s.mu.Unlock()
		return
	}
	pending := &retrieval{requestID: uuid.NewString(), uri: uri}
	s.retrievals[uri] = pending
	s.logger.Debug("requesting key material", "encryption_url", uri, "request_id", pending.requestID)
	s.spawnLocked(func() {
		s.sendKeyRequest(kmsRequest{RequestID: pending.requestID, Method: kmsMethodRetrieve, URI: uri}, func(err error) {
			s.mu.Lock()
			if s.retrievals[uri] == pending {
				delete(s.retrievals, uri)
			}
			s.mu.Unlock()
			s.logger.Warn("key retrieval request failed", "encryption_url", uri, "error", err)
			s.observer.keyMaterialFailed(uri, &Error{Kind: KeyMaterialFetchFailed, URI: uri, Err: err})
		})
	})
	s.mu.Unlock()
}

// CreateKey asks the KMS for a new key for a conversation that has
// none. At most one creation per conversation is outstanding.
func (s *KeyExchangeSession) CreateKey(conversationID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.state.phase != ExchangeReady {
		s.mu.Unlock()
		s.Bootstrap()
		return
	}
	for _, waiting := range s.creations {
		if waiting.conversationID == conversationID {
			s.mu.Unlock()
			return
		}
	}
	pending := &creation{requestID: uuid.NewString(), conversationID: conversationID}
	s.creations = append(s.creations, pending)
	s.logger.Debug("requesting new key", "conversation_id", conversationID, "request_id", pending.requestID)
	s.spawnLocked(func() {
		s.sendKeyRequest(kmsRequest{RequestID: pending.requestID, Method: kmsMethodCreate, URI: kmsKeysURI, Count: 1}, func(err error) {
			s.mu.Lock()
			s.removeCreationLocked(pending)
			s.mu.Unlock()
			s.logger.Warn("key creation request failed", "conversation_id", conversationID, "error", err)
			s.observer.keyCreateFailed(conversationID, &Error{Kind: KeyMaterialFetchFailed, ConversationID: conversationID, Err: err})
		})
	})
	s.mu.Unlock()
}

func (s *KeyExchangeSession) removeCreationLocked(target *creation) bool {
	for index, waiting := range s.creations {
		if waiting == target {
			s.creations = append(s.creations[:index], s.creations[index+1:]...)
			return true
		}
	}
	return false
}

func (s *KeyExchangeSession) sendKeyRequest(request kmsRequest, onFailure func(error)) {
	token, err := s.backend.AccessToken(s.ctx)
	if err != nil {
		onFailure(err)
		return
	}

	s.mu.Lock()
	request.Client = s.client(s.info.userID, token)
	ephemeral := s.ephemeral
	if ephemeral == nil {
		s.mu.Unlock()
		onFailure(fmt.Errorf("no ephemeral key"))
		return
	}
	encoded, err := json.Marshal(request)
	if err != nil {
		s.mu.Unlock()
		onFailure(err)
		return
	}
	wrapped, err := jwe.EncryptWithKeyID(encoded, ephemeral.material.String(), ephemeral.uri)
	s.mu.Unlock()
	secret.Zero(encoded)
	if err != nil {
		onFailure(newError(CryptoFailed, err))
		return
	}

	response, err := s.backend.SendKMSMessages(s.ctx, messaging.KMSMessageRequest{
		KMSMessages: []string{wrapped},
		Destination: kmsUnusedDestination,
	})
	if err != nil {
		onFailure(newError(TransportFailed, err))
		return
	}
	s.deliverInline(response)
}

// ReceiveKMSMessages processes KMS responses from the push channel or
// an inline relay response. Each message that cannot be decrypted or
// decoded contributes a CryptoFailed error to the joined result; the
// others are still processed. Redelivered messages are ignored.
func (s *KeyExchangeSession) ReceiveKMSMessages(messages []string) error {
	var errs []error
	for _, message := range messages {
		if err := s.receive(message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *KeyExchangeSession) receive(message string) error {
	s.mu.Lock()
	fresh := s.seen.add(blake3.Sum256([]byte(message)))
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	if !fresh {
		s.logger.Debug("ignoring redelivered kms message")
		return nil
	}

	header, err := jwe.ParseHeader(message)
	if err != nil {
		return &Error{Kind: CryptoFailed, Err: fmt.Errorf("kms message: %w", err)}
	}
	if header.Algorithm == jwe.AlgorithmECDHES {
		return s.receiveHandshake(message)
	}
	return s.receiveKeyResponse(message)
}

func (s *KeyExchangeSession) receiveHandshake(message string) error {
	s.mu.Lock()
	pending := s.handshake
	if pending == nil {
		s.mu.Unlock()
		s.logger.Warn("ephemeral key response without a pending handshake")
		return nil
	}
	plaintext, err := jwe.OpenECDH(message, pending.keypair)
	s.mu.Unlock()
	if err != nil {
		return &Error{Kind: CryptoFailed, Err: fmt.Errorf("ephemeral key response: %w", err)}
	}

	var response kmsResponse
	if err := json.Unmarshal(plaintext, &response); err != nil {
		return &Error{Kind: CryptoFailed, Err: fmt.Errorf("ephemeral key response: %w", err)}
	}
	if response.RequestID != "" && response.RequestID != pending.requestID {
		s.logger.Warn("ephemeral key response for another handshake", "request_id", response.RequestID)
		return nil
	}
	if err := response.failed(); err != nil {
		s.fire(eventHandshakeFailed{attempt: pending.attempt, err: &Error{Kind: EphemeralKeyFetchFailed, Err: err}})
		return nil
	}
	if response.Key == nil || response.Key.URI == "" {
		return &Error{Kind: CryptoFailed, Err: fmt.Errorf("ephemeral key response has no key uri")}
	}
	material, err := response.Key.material()
	if err != nil {
		return &Error{Kind: CryptoFailed, Err: fmt.Errorf("ephemeral key response: %w", err)}
	}

	buffer, err := secret.NewFromString(material)
	if err != nil {
		return &Error{Kind: CryptoFailed, Err: err}
	}
	s.fire(eventEphemeralKey{attempt: pending.attempt, key: &ephemeralKey{uri: response.Key.URI, material: buffer}})
	return nil
}

func (s *KeyExchangeSession) receiveKeyResponse(message string) error {
	s.mu.Lock()
	if s.ephemeral == nil {
		s.mu.Unlock()
		return &Error{Kind: CryptoFailed, Err: fmt.Errorf("kms response before the ephemeral key")}
	}
	plaintext, err := jwe.Decrypt(message, s.ephemeral.material.String())
	s.mu.Unlock()
	if err != nil {
		return &Error{Kind: CryptoFailed, Err: fmt.Errorf("kms response: %w", err)}
	}
	var response kmsResponse
	if err := json.Unmarshal(plaintext, &response); err != nil {
		return &Error{Kind: CryptoFailed, Err: fmt.Errorf("kms response: %w", err)}
	}

	pendingRetrieval, pendingCreation := s.correlate(&response)
	switch {
	case pendingRetrieval != nil:
		return s.completeRetrieval(pendingRetrieval, &response)
	case pendingCreation != nil:
		return s.completeCreation(pendingCreation, &response)
	default:
		s.logger.Warn("dropping kms response with no matching request",
			"request_id", response.RequestID,
			"status", response.Status,
		)
		return nil
	}
}

// correlate finds and removes the request a response answers: by
// request id first, then by key uri, then the oldest key creation.
func (s *KeyExchangeSession) correlate(response *kmsResponse) (*retrieval, *creation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if response.RequestID != "" {
		for uri, pending := range s.retrievals {
			if pending.requestID == response.RequestID {
				delete(s.retrievals, uri)
				return pending, nil
			}
		}
		for _, pending := range s.creations {
			if pending.requestID == response.RequestID {
				s.removeCreationLocked(pending)
				return nil, pending
			}
		}
	}
	if response.Key != nil {
		if pending, ok := s.retrievals[response.Key.URI]; ok {
			delete(s.retrievals, response.Key.URI)
			return pending, nil
		}
	}
	if len(response.Keys) > 0 && len(s.creations) > 0 {
		pending := s.creations[0]
		s.creations = s.creations[1:]
		return nil, pending
	}
	return nil, nil
}

func (s *KeyExchangeSession) completeRetrieval(pending *retrieval, response *kmsResponse) error {
	fail := func(err error) {
		s.logger.Warn("key retrieval failed", "encryption_url", pending.uri, "error", err)
		s.observer.keyMaterialFailed(pending.uri, &Error{Kind: KeyMaterialFetchFailed, URI: pending.uri, Err: err})
	}
	if err := response.failed(); err != nil {
		fail(err)
		return nil
	}
	if response.Key == nil {
		fail(fmt.Errorf("kms response has no key"))
		return nil
	}
	if response.Key.URI != pending.uri {
		fail(fmt.Errorf("kms returned key %s", response.Key.URI))
		return nil
	}
	material, err := response.Key.material()
	if err != nil {
		decodeErr := &Error{Kind: CryptoFailed, URI: pending.uri, Err: err}
		fail(decodeErr)
		return decodeErr
	}

	s.keys.SetKeyMaterial(pending.uri, material)
	s.logger.Info("key material stored", "encryption_url", pending.uri)
	s.observer.keyMaterialArrived(pending.uri)
	return nil
}

func (s *KeyExchangeSession) completeCreation(pending *creation, response *kmsResponse) error {
	fail := func(err error) {
		s.logger.Warn("key creation failed", "conversation_id", pending.conversationID, "error", err)
		s.observer.keyCreateFailed(pending.conversationID, &Error{
			Kind:           KeyMaterialFetchFailed,
			ConversationID: pending.conversationID,
			Err:            err,
		})
	}
	if err := response.failed(); err != nil {
		fail(err)
		return nil
	}
	if len(response.Keys) == 0 || response.Keys[0].URI == "" {
		fail(fmt.Errorf("kms response has no created key"))
		return nil
	}
	created := response.Keys[0]
	material, err := created.material()
	if err != nil {
		decodeErr := &Error{Kind: CryptoFailed, ConversationID: pending.conversationID, Err: err}
		fail(decodeErr)
		return decodeErr
	}

	s.keys.SetKey(pending.conversationID, created.URI, material)
	s.logger.Info("created conversation key",
		"conversation_id", pending.conversationID,
		"encryption_url", created.URI,
	)
	s.observer.keyCreated(pending.conversationID, created.URI)
	return nil
}

// Close stops the timer, cancels in-flight requests, waits for them to
// return and releases key memory. It must not be called from an
// observer callback.
func (s *KeyExchangeSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.tasks.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHandshakeLocked()
	s.ephemeral.close()
	s.ephemeral = nil
}
