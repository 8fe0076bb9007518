// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/spark/lib/clock"
	"github.com/bureau-foundation/spark/lib/jwe"
	"github.com/bureau-foundation/spark/messaging"
)

// Backend is everything the dispatcher needs from the server.
// [*messaging.Client] implements it.
type Backend interface {
	kmsBackend
	conversationBackend
	fileBackend
	LookupConversationByEmail(ctx context.Context, email string) (*messaging.Conversation, error)
	ListActivities(ctx context.Context, options messaging.ListActivitiesOptions) ([]messaging.Activity, error)
	GetActivity(ctx context.Context, activityID string) (*messaging.Activity, error)
	PostActivity(ctx context.Context, activity messaging.Activity) (*messaging.Activity, error)
	SetTyping(ctx context.Context, conversationID string, typing bool) error
	Flag(ctx context.Context, activityURL string) (*messaging.Flag, error)
	Unflag(ctx context.Context, flagID string) error
}

var _ Backend = (*messaging.Client)(nil)

// Config holds configuration for creating a Dispatcher.
type Config struct {
	// Backend is the server. Required.
	Backend Backend
	// DeviceURL identifies this client to the KMS. Required.
	DeviceURL string
	// Cipher encrypts content. Defaults to jwe.Cipher.
	Cipher Cipher
	// ClientInfoCache, if set, persists bootstrap client info.
	ClientInfoCache ClientInfoCache
	// Clock drives the ephemeral key timeout. Defaults to the real
	// clock.
	Clock clock.Clock
	// EphemeralKeyTimeout defaults to DefaultEphemeralKeyTimeout.
	EphemeralKeyTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// OnMessage receives each activity passed to ReceiveActivity once
	// it is decoded, or the error that prevented decoding.
	OnMessage func(*Message, error)
}

// Dispatcher is the client entry point. Every request's callback is
// called exactly once: immediately when the key is known, or after the
// key exchange, resolution and key retrieval it waits on.
//
// Post, share, acknowledge and delete to one conversation go out in
// call order, one at a time. Their callbacks run on that serial
// goroutine and should not block. Reads run concurrently.
type Dispatcher struct {
	backend   Backend
	codec     *MessageCodec
	files     *fileTransfer
	keys      *KeyStore
	queue     *PendingActivityQueue
	session   *KeyExchangeSession
	resolver  *ConversationResolver
	writes    *serialExecutor
	inbound   *serialExecutor
	logger    *slog.Logger
	onMessage func(*Message, error)

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders readiness checks and enqueues against releases.
	// Nothing calls out of the dispatcher while holding it.
	mu     sync.Mutex
	closed bool

	// tasks counts goroutines Close waits for. Add only with mu held
	// and closed false.
	tasks sync.WaitGroup
}

// New validates config and returns a Dispatcher. Nothing is fetched
// until the first request needs a key.
func New(config Config) (*Dispatcher, error) {
	if config.Backend == nil {
		return nil, fmt.Errorf("activity: Backend is required")
	}
	if config.DeviceURL == "" {
		return nil, fmt.Errorf("activity: DeviceURL is required")
	}
	cipher := config.Cipher
	if cipher == nil {
		cipher = jwe.Cipher{}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	timeout := config.EphemeralKeyTimeout
	if timeout <= 0 {
		timeout = DefaultEphemeralKeyTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		backend:   config.Backend,
		codec:     NewMessageCodec(cipher),
		files:     &fileTransfer{backend: config.Backend, cipher: cipher},
		keys:      NewKeyStore(),
		queue:     NewPendingActivityQueue(),
		writes:    newSerialExecutor(),
		inbound:   newSerialExecutor(),
		logger:    logger,
		onMessage: config.OnMessage,
		ctx:       ctx,
		cancel:    cancel,
	}
	d.session = newKeyExchangeSession(sessionConfig{
		backend:   config.Backend,
		keys:      d.keys,
		cache:     config.ClientInfoCache,
		clock:     clk,
		timeout:   timeout,
		deviceURL: config.DeviceURL,
		logger:    logger,
		observer:  d,
	})
	d.resolver = newConversationResolver(ctx, config.Backend, d.keys, d.session, d, logger)
	return d, nil
}

// ExchangeState returns the key exchange phase.
func (d *Dispatcher) ExchangeState() ExchangeState {
	return d.session.State()
}

// Pending returns the number of queued operations.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Keys returns the key store.
func (d *Dispatcher) Keys() *KeyStore {
	return d.keys
}

// Post sends a post, or a share when request.Files is non-empty.
func (d *Dispatcher) Post(request PostRequest, callback func(*Message, error)) {
	if callback == nil {
		callback = func(*Message, error) {}
	}
	switch {
	case request.ConversationID == "" && request.ToPersonEmail == "":
		callback(nil, &Error{Kind: InvalidRequest, Err: fmt.Errorf("a conversation id or person email is required")})
		return
	case request.Content.IsEmpty() && len(request.Files) == 0:
		callback(nil, &Error{Kind: InvalidRequest, ConversationID: request.ConversationID, Err: fmt.Errorf("nothing to post")})
		return
	}
	if _, err := EncodeMentions(request.Content); err != nil {
		callback(nil, &Error{Kind: InvalidRequest, ConversationID: request.ConversationID, Err: err})
		return
	}

	if request.ConversationID != "" {
		d.enqueuePost(request, callback)
		return
	}
	spawned := d.spawn(func() {
		conversation, err := d.backend.LookupConversationByEmail(d.ctx, request.ToPersonEmail)
		if err != nil {
			callback(nil, &Error{Kind: TransportFailed, Err: err})
			return
		}
		request.ConversationID = conversation.ID
		if url := conversation.KeyURL(); url != "" {
			d.keys.SetEncryptionURL(conversation.ID, url)
		}
		d.enqueuePost(request, callback)
	})
	if !spawned {
		callback(nil, canceledError(""))
	}
}

func (d *Dispatcher) enqueuePost(request PostRequest, callback func(*Message, error)) {
	kind := OperationPost
	if len(request.Files) > 0 {
		kind = OperationShare
	}
	d.submit(&PendingOperation{
		Kind:           kind,
		ConversationID: request.ConversationID,
		execute: func(record KeyRecord) {
			callback(d.sendPost(record, request))
		},
		fail: func(err error) { callback(nil, err) },
	})
}

func (d *Dispatcher) sendPost(record KeyRecord, request PostRequest) (*Message, error) {
	var files []uploadedFile
	for _, file := range request.Files {
		uploaded, err := d.files.upload(d.ctx, record.UploadSpaceURL, file)
		if err != nil {
			return nil, err
		}
		files = append(files, uploaded)
	}

	object, err := d.codec.EncodeContent(request.Content, files, record.KeyMaterial)
	if err != nil {
		return nil, err
	}
	verb := messaging.VerbPost
	if len(files) > 0 {
		verb = messaging.VerbShare
	}
	posted, err := d.backend.PostActivity(d.ctx, messaging.Activity{
		Verb:             verb,
		Object:           object,
		Target:           conversationTarget(record.ConversationID),
		EncryptionKeyURL: record.EncryptionURL,
		ClientTempID:     uuid.NewString(),
	})
	if err != nil {
		return nil, &Error{Kind: TransportFailed, ConversationID: record.ConversationID, Err: err}
	}
	d.logger.Debug("posted activity",
		"conversation_id", record.ConversationID,
		"activity_id", posted.ID,
		"verb", verb,
	)

	message, err := d.codec.DecodeActivity(posted, record.KeyMaterial)
	if err != nil {
		message = &Message{
			ID:             posted.ID,
			URL:            posted.URL,
			ConversationID: record.ConversationID,
			Verb:           verb,
			Published:      posted.Published,
			Content:        request.Content,
			EncryptionURL:  record.EncryptionURL,
		}
	}
	return message, nil
}

// Acknowledge marks messageID as read.
func (d *Dispatcher) Acknowledge(conversationID, messageID string, callback func(error)) {
	d.reference(OperationAcknowledge, messaging.VerbAcknowledge, conversationID, messageID, callback)
}

// Delete deletes messageID.
func (d *Dispatcher) Delete(conversationID, messageID string, callback func(error)) {
	d.reference(OperationDelete, messaging.VerbDelete, conversationID, messageID, callback)
}

func (d *Dispatcher) reference(kind OperationKind, verb, conversationID, messageID string, callback func(error)) {
	if callback == nil {
		callback = func(error) {}
	}
	if conversationID == "" || messageID == "" {
		callback(&Error{Kind: InvalidRequest, ConversationID: conversationID, Err: fmt.Errorf("%s needs a conversation id and a message id", verb)})
		return
	}
	d.submit(&PendingOperation{
		Kind:           kind,
		ConversationID: conversationID,
		execute: func(record KeyRecord) {
			_, err := d.backend.PostActivity(d.ctx, messaging.Activity{
				Verb:             verb,
				Object:           &messaging.ActivityObject{ObjectType: messaging.ObjectActivity, ID: messageID},
				Target:           conversationTarget(conversationID),
				EncryptionKeyURL: record.EncryptionURL,
				ClientTempID:     uuid.NewString(),
			})
			if err != nil {
				callback(&Error{Kind: TransportFailed, ConversationID: conversationID, Err: err})
				return
			}
			callback(nil)
		},
		fail: callback,
	})
}

func conversationTarget(conversationID string) *messaging.ActivityTarget {
	return &messaging.ActivityTarget{ObjectType: messaging.ObjectConversation, ID: conversationID}
}

// List fetches a page of conversationID's activities and decodes each.
// Items that cannot be decoded come back with Message.Err set; the
// batch itself fails only when the fetch does.
func (d *Dispatcher) List(conversationID string, options ListOptions, callback func([]*Message, error)) {
	if callback == nil {
		callback = func([]*Message, error) {}
	}
	if conversationID == "" {
		callback(nil, &Error{Kind: InvalidRequest, Err: fmt.Errorf("a conversation id is required")})
		return
	}
	spawned := d.spawn(func() {
		activities, err := d.backend.ListActivities(d.ctx, messaging.ListActivitiesOptions{
			ConversationID:    conversationID,
			Limit:             options.Limit,
			Since:             options.Since,
			Before:            options.Before,
			Around:            options.Around,
			LastActivityFirst: options.LastActivityFirst,
		})
		if err != nil {
			callback(nil, &Error{Kind: TransportFailed, ConversationID: conversationID, Err: err})
			return
		}
		d.decodeBatch(conversationID, activities, callback)
	})
	if !spawned {
		callback(nil, canceledError(conversationID))
	}
}

func (d *Dispatcher) decodeBatch(conversationID string, activities []messaging.Activity, callback func([]*Message, error)) {
	messages := make([]*Message, len(activities))
	groups := make(map[string][]int)
	var urls []string
	for index := range activities {
		url := activities[index].EncryptionKeyURL
		if url == "" {
			messages[index] = d.decodeItem(&activities[index], "")
			continue
		}
		if _, ok := groups[url]; !ok {
			urls = append(urls, url)
		}
		groups[url] = append(groups[url], index)
	}
	if len(urls) == 0 {
		callback(messages, nil)
		return
	}

	var remaining atomic.Int32
	remaining.Store(int32(len(urls)))
	finish := func() {
		if remaining.Add(-1) == 0 {
			callback(messages, nil)
		}
	}
	for _, url := range urls {
		indices := groups[url]
		d.submit(&PendingOperation{
			Kind:           OperationList,
			ConversationID: conversationID,
			EncryptionURL:  url,
			execute: func(record KeyRecord) {
				for _, index := range indices {
					messages[index] = d.decodeItem(&activities[index], record.KeyMaterial)
				}
				finish()
			},
			fail: func(err error) {
				for _, index := range indices {
					messages[index] = failedItem(&activities[index], err)
				}
				finish()
			},
		})
	}
}

func (d *Dispatcher) decodeItem(activity *messaging.Activity, material string) *Message {
	message, err := d.codec.DecodeActivity(activity, material)
	if err != nil {
		d.logger.Warn("list item could not be decoded",
			"activity_id", activity.ID,
			"encryption_url", activity.EncryptionKeyURL,
			"error", err,
		)
		return failedItem(activity, err)
	}
	return message
}

func failedItem(activity *messaging.Activity, err error) *Message {
	return &Message{
		ID:             activity.ID,
		URL:            activity.URL,
		ConversationID: activity.ConversationID(),
		Verb:           activity.Verb,
		Published:      activity.Published,
		EncryptionURL:  activity.EncryptionKeyURL,
		Err:            err,
	}
}

// Get fetches and decodes one message.
func (d *Dispatcher) Get(messageID string, callback func(*Message, error)) {
	if callback == nil {
		callback = func(*Message, error) {}
	}
	if messageID == "" {
		callback(nil, &Error{Kind: InvalidRequest, Err: fmt.Errorf("a message id is required")})
		return
	}
	spawned := d.spawn(func() {
		activity, err := d.backend.GetActivity(d.ctx, messageID)
		if err != nil {
			callback(nil, &Error{Kind: TransportFailed, Err: err})
			return
		}
		if activity.EncryptionKeyURL == "" {
			callback(d.codec.DecodeActivity(activity, ""))
			return
		}
		d.submit(&PendingOperation{
			Kind:           OperationGet,
			ConversationID: activity.ConversationID(),
			EncryptionURL:  activity.EncryptionKeyURL,
			execute: func(record KeyRecord) {
				callback(d.codec.DecodeActivity(activity, record.KeyMaterial))
			},
			fail: func(err error) { callback(nil, err) },
		})
	})
	if !spawned {
		callback(nil, canceledError(""))
	}
}

// ReceiveActivity accepts an activity from the push channel. The
// decoded message, or the error, goes to Config.OnMessage. A new
// encryption URL for the conversation replaces its key.
func (d *Dispatcher) ReceiveActivity(activity messaging.Activity) {
	deliver := d.deliver
	url := activity.EncryptionKeyURL
	if url == "" {
		deliver(d.codec.DecodeActivity(&activity, ""))
		return
	}
	conversationID := activity.ConversationID()
	if conversationID != "" {
		d.observeEncryptionURL(conversationID, url)
	}
	d.submit(&PendingOperation{
		Kind:           OperationReceive,
		ConversationID: conversationID,
		EncryptionURL:  url,
		execute: func(record KeyRecord) {
			deliver(d.codec.DecodeActivity(&activity, record.KeyMaterial))
		},
		fail: func(err error) { deliver(nil, err) },
	})
}

// observeEncryptionURL applies the rotation rule: a new URL clears the
// conversation's key and the key for the new URL is requested.
func (d *Dispatcher) observeEncryptionURL(conversationID, url string) {
	if !d.keys.ObserveEncryptionURL(conversationID, url) {
		return
	}
	d.logger.Info("conversation key rotated", "conversation_id", conversationID, "encryption_url", url)
	if d.keys.MaterialFor(url) == "" {
		d.session.RequestKeyMaterial(url)
	}
}

func (d *Dispatcher) deliver(message *Message, err error) {
	if d.onMessage == nil {
		if err != nil {
			d.logger.Warn("incoming activity could not be decoded", "error", err)
		}
		return
	}
	d.onMessage(message, err)
}

// ReceiveKMSMessages accepts KMS responses from the push channel. The
// returned error joins one CryptoFailed error per message that could
// not be decoded.
func (d *Dispatcher) ReceiveKMSMessages(messages []string) error {
	return d.session.ReceiveKMSMessages(messages)
}

// SetTyping starts or stops the typing indicator. No key is needed.
func (d *Dispatcher) SetTyping(conversationID string, typing bool, callback func(error)) {
	if callback == nil {
		callback = func(error) {}
	}
	spawned := d.spawn(func() {
		if err := d.backend.SetTyping(d.ctx, conversationID, typing); err != nil {
			callback(&Error{Kind: TransportFailed, ConversationID: conversationID, Err: err})
			return
		}
		callback(nil)
	})
	if !spawned {
		callback(canceledError(conversationID))
	}
}

// Flag flags the message at activityURL.
func (d *Dispatcher) Flag(activityURL string, callback func(*messaging.Flag, error)) {
	if callback == nil {
		callback = func(*messaging.Flag, error) {}
	}
	spawned := d.spawn(func() {
		flag, err := d.backend.Flag(d.ctx, activityURL)
		if err != nil {
			callback(nil, &Error{Kind: TransportFailed, Err: err})
			return
		}
		callback(flag, nil)
	})
	if !spawned {
		callback(nil, canceledError(""))
	}
}

// Unflag removes a flag.
func (d *Dispatcher) Unflag(flagID string, callback func(error)) {
	if callback == nil {
		callback = func(error) {}
	}
	spawned := d.spawn(func() {
		if err := d.backend.Unflag(d.ctx, flagID); err != nil {
			callback(&Error{Kind: TransportFailed, Err: err})
			return
		}
		callback(nil)
	})
	if !spawned {
		callback(canceledError(""))
	}
}

// DownloadFile fetches and decrypts file into directory and reports
// the written path. A non-nil progress receives the fraction of the
// ciphertext received so far, from 0 to 1.
func (d *Dispatcher) DownloadFile(file File, directory string, progress func(float64), callback func(string, error)) {
	d.download(file.Name, file.URL, file.key, directory, progress, callback)
}

// DownloadThumbnail fetches and decrypts file's thumbnail.
func (d *Dispatcher) DownloadThumbnail(file File, directory string, progress func(float64), callback func(string, error)) {
	if file.Thumbnail == nil {
		if callback != nil {
			callback("", &Error{Kind: InvalidRequest, Err: fmt.Errorf("%s has no thumbnail", file.Name)})
		}
		return
	}
	d.download("thumbnail-"+file.Name, file.Thumbnail.URL, file.Thumbnail.key, directory, progress, callback)
}

func (d *Dispatcher) download(name, url, key, directory string, progress func(float64), callback func(string, error)) {
	if callback == nil {
		callback = func(string, error) {}
	}
	spawned := d.spawn(func() {
		data, err := d.files.download(d.ctx, url, key, progress)
		if err != nil {
			callback("", err)
			return
		}
		callback(save(directory, name, data))
	})
	if !spawned {
		callback("", canceledError(""))
	}
}

// spawn runs task on a goroutine Close waits for. It reports false,
// without running task, once the dispatcher is closed.
func (d *Dispatcher) spawn(task func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.spawnLocked(task)
	return true
}

func (d *Dispatcher) spawnLocked(task func()) {
	d.tasks.Add(1)
	go func() {
		defer d.tasks.Done()
		task()
	}()
}

// Close cancels in-flight requests, fails every queued operation with
// Canceled and stops the key exchange. It returns once every goroutine
// the dispatcher started has returned, so it must not be called from a
// callback.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.session.Close()
	d.resolver.Close()
	count := d.queue.FailAll(func(*PendingOperation) bool { return true }, canceledError(""))
	d.writes.Close()
	d.inbound.Close()
	d.writes.Wait()
	d.inbound.Wait()
	d.tasks.Wait()
	if count > 0 {
		d.logger.Info("canceled queued operations", "count", count)
	}
}
