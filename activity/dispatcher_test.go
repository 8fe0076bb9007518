// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/spark/clientcache"
	"github.com/bureau-foundation/spark/lib/jwe"
	"github.com/bureau-foundation/spark/lib/secret"
	"github.com/bureau-foundation/spark/lib/testutil"
	"github.com/bureau-foundation/spark/messaging"
)

const keyURL = "kms://kms.example.com/keys/c1"

func decryptPosted(t *testing.T, server *testServer, activity messaging.Activity) string {
	t.Helper()
	plaintext, err := jwe.Decrypt(activity.Object.Content, server.material(activity.EncryptionKeyURL))
	if err != nil {
		t.Fatalf("decrypting posted content failed: %v", err)
	}
	return string(plaintext)
}

func TestPostBootstrapsKeyExchange(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	d := newTestDispatcher(t, server)

	if state := d.ExchangeState(); state != ExchangeUninitialized {
		t.Fatalf("ExchangeState = %v before any request", state)
	}

	result := receive(t, d.post("c1", "hello"), "waiting for post")
	if result.err != nil {
		t.Fatalf("Post failed: %v", result.err)
	}
	if result.message.Content.PlainText != "hello" || result.message.EncryptionURL != keyURL {
		t.Errorf("message = %+v", result.message)
	}
	if state := d.ExchangeState(); state != ExchangeReady {
		t.Errorf("ExchangeState = %v, want ready", state)
	}

	posted := server.postedActivities()
	if len(posted) != 1 {
		t.Fatalf("server received %d activities, want 1", len(posted))
	}
	if posted[0].EncryptionKeyURL != keyURL {
		t.Errorf("EncryptionKeyURL = %q, want %q", posted[0].EncryptionKeyURL, keyURL)
	}
	if posted[0].Object.Content == "hello" {
		t.Error("content was posted in plain text")
	}
	if got := decryptPosted(t, server, posted[0]); got != "hello" {
		t.Errorf("decrypted content = %q, want hello", got)
	}
	if posted[0].ClientTempID == "" {
		t.Error("post has no clientTempId")
	}
	if got := len(server.requests(kmsMethodRetrieve)); got != 1 {
		t.Errorf("kms retrieve requests = %d, want 1", got)
	}

	// The session is ready and the key known, so a second post runs
	// without any further KMS traffic.
	result = receive(t, d.post("c1", "again"), "waiting for second post")
	if result.err != nil {
		t.Fatalf("second Post failed: %v", result.err)
	}
	if got := len(server.requests(kmsMethodRetrieve)); got != 1 {
		t.Errorf("kms retrieve requests = %d after second post, want 1", got)
	}
}

func TestPostCreatesKey(t *testing.T) {
	for _, dropRequestIDs := range []bool{false, true} {
		name := "with request id"
		if dropRequestIDs {
			name = "without request id"
		}
		t.Run(name, func(t *testing.T) {
			server := newTestServer(t)
			server.addConversation("fresh", "")
			server.set(func(s *testServer) { s.dropRequestIDs = dropRequestIDs })
			d := newTestDispatcher(t, server)

			result := receive(t, d.post("fresh", "first words"), "waiting for post")
			if result.err != nil {
				t.Fatalf("Post failed: %v", result.err)
			}
			if result.message.EncryptionURL != "/keys/1" {
				t.Errorf("EncryptionURL = %q, want /keys/1", result.message.EncryptionURL)
			}
			record := d.Keys().Get("fresh")
			if record.EncryptionURL != "/keys/1" || record.KeyMaterial == "" {
				t.Errorf("record = %+v", record)
			}
			posted := server.postedActivities()
			if len(posted) != 1 {
				t.Fatalf("server received %d activities, want 1", len(posted))
			}
			if got := decryptPosted(t, server, posted[0]); got != "first words" {
				t.Errorf("decrypted content = %q", got)
			}
			creates := server.requests(kmsMethodCreate)
			if len(creates) != 2 {
				t.Fatalf("kms create requests = %d, want the handshake and one key", len(creates))
			}
			if creates[1].URI != kmsKeysURI || creates[1].Count != 1 {
				t.Errorf("key create request = %+v", creates[1])
			}
		})
	}
}

func TestWritesKeepCallOrder(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	server.set(func(s *testServer) { s.inline = false })
	d := newTestDispatcher(t, server)

	first := d.post("c1", "a")
	second := d.post("c1", "b")
	if pending := d.Pending(); pending != 2 {
		t.Fatalf("Pending = %d, want 2", pending)
	}

	d.deliverPushes(t, server, 1) // ephemeral key
	d.deliverPushes(t, server, 1) // conversation key

	for _, results := range []chan postResult{first, second} {
		if result := receive(t, results, "waiting for post"); result.err != nil {
			t.Fatalf("Post failed: %v", result.err)
		}
	}
	posted := server.postedActivities()
	if len(posted) != 2 {
		t.Fatalf("server received %d activities, want 2", len(posted))
	}
	if a, b := decryptPosted(t, server, posted[0]), decryptPosted(t, server, posted[1]); a != "a" || b != "b" {
		t.Errorf("posted in order %q, %q; want a, b", a, b)
	}
	if pending := d.Pending(); pending != 0 {
		t.Errorf("Pending = %d, want 0", pending)
	}
}

func TestRequestKeyMaterialOnce(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	server.set(func(s *testServer) { s.inline = false })
	d := newTestDispatcher(t, server)

	d.session.Bootstrap()
	d.deliverPushes(t, server, 1)
	if state := d.ExchangeState(); state != ExchangeReady {
		t.Fatalf("ExchangeState = %v, want ready", state)
	}

	for range 3 {
		d.session.RequestKeyMaterial(keyURL)
	}
	d.ReceiveActivity(server.encryptedActivity("c1", "in-1", keyURL, "one"))
	d.ReceiveActivity(server.encryptedActivity("c1", "in-2", keyURL, "two"))

	response := receive(t, server.pushes, "waiting for the key response")
	testutil.RequireNoReceive[string](t, server.pushes, 100*time.Millisecond, "a second key request was sent")
	if got := len(server.requests(kmsMethodRetrieve)); got != 1 {
		t.Fatalf("kms retrieve requests = %d, want 1", got)
	}

	if err := d.ReceiveKMSMessages([]string{response}); err != nil {
		t.Fatalf("ReceiveKMSMessages failed: %v", err)
	}
	for _, want := range []string{"one", "two"} {
		received := receive(t, d.messages, "waiting for incoming message")
		if received.err != nil {
			t.Fatalf("incoming message failed: %v", received.err)
		}
		if received.message.Content.PlainText != want {
			t.Errorf("incoming message = %q, want %q", received.message.Content.PlainText, want)
		}
	}
}

func TestEphemeralKeyTimeout(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	server.addConversation("c2", "kms://kms.example.com/keys/c2")
	server.set(func(s *testServer) { s.holdHandshake = true })
	d := newTestDispatcher(t, server)

	first := d.post("c1", "a")
	second := d.post("c2", "b")

	// The timer is armed before the handshake goes out; advancing early
	// would abandon the attempt before the server ever sees it.
	receive(t, server.handshakes, "waiting for the first handshake")
	d.clock.WaitForTimers(1)
	d.clock.Advance(DefaultEphemeralKeyTimeout)

	for _, results := range []chan postResult{first, second} {
		result := receive(t, results, "waiting for timeout")
		if !IsKind(result.err, EphemeralKeyFetchFailed) {
			t.Errorf("error = %v, want EphemeralKeyFetchFailed", result.err)
		}
	}
	if pending := d.Pending(); pending != 0 {
		t.Errorf("Pending = %d after timeout, want 0", pending)
	}
	if state := d.ExchangeState(); state != ExchangeFailed {
		t.Errorf("ExchangeState = %v, want failed", state)
	}

	// The next request starts a fresh bootstrap.
	server.set(func(s *testServer) { s.holdHandshake = false })
	result := receive(t, d.post("c1", "retry"), "waiting for retried post")
	if result.err != nil {
		t.Fatalf("Post after timeout failed: %v", result.err)
	}
	if handshakes := len(server.requests(kmsMethodCreate)); handshakes != 2 {
		t.Errorf("handshakes = %d, want 2", handshakes)
	}
}

func TestClientInfoFailure(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	server.set(func(s *testServer) { s.failKMSInfo = true })
	d := newTestDispatcher(t, server)

	result := receive(t, d.post("c1", "hello"), "waiting for post")
	if KindOf(result.err) != ClientInfoFetchFailed {
		t.Errorf("error kind = %v, want ClientInfoFetchFailed", KindOf(result.err))
	}
	if !IsKind(result.err, KMSInfoFetchFailed) {
		t.Errorf("error %v does not carry KMSInfoFetchFailed", result.err)
	}
	if !messaging.IsStatus(result.err, 503) {
		t.Errorf("error %v does not carry the 503", result.err)
	}
	if state := d.ExchangeState(); state != ExchangeFailed {
		t.Errorf("ExchangeState = %v, want failed", state)
	}
}

func TestClientInfoCache(t *testing.T) {
	cache, err := clientcache.Open(filepath.Join(t.TempDir(), "client.db"), nil)
	if err != nil {
		t.Fatalf("clientcache.Open failed: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	withCache := func(config *Config) { config.ClientInfoCache = cache }

	for attempt := range 2 {
		d := newTestDispatcher(t, server, withCache)
		if result := receive(t, d.post("c1", "hello"), "waiting for post"); result.err != nil {
			t.Fatalf("Post %d failed: %v", attempt, result.err)
		}
		d.Close()
	}

	server.mu.Lock()
	userCalls, kmsInfoCalls := server.userCalls, server.kmsInfoCalls
	server.mu.Unlock()
	if userCalls != 1 || kmsInfoCalls != 1 {
		t.Errorf("client info fetched %d/%d times, want once", userCalls, kmsInfoCalls)
	}
}

func TestListDegradesPerItem(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	otherURL := "kms://kms.example.com/keys/old"
	server.addKey(otherURL)

	corrupt := server.encryptedActivity("c1", "bad", keyURL, "x")
	corrupt.Object.Content = "garbage"
	server.setActivities("c1",
		server.encryptedActivity("c1", "m1", keyURL, "one"),
		corrupt,
		server.encryptedActivity("c1", "m2", otherURL, "two"),
		messaging.Activity{ID: "m3", Verb: messaging.VerbPost, Object: &messaging.ActivityObject{ObjectType: messaging.ObjectComment, DisplayName: "three"}},
	)
	d := newTestDispatcher(t, server)

	type listResult struct {
		messages []*Message
		err      error
	}
	results := make(chan listResult, 1)
	d.List("c1", ListOptions{Limit: 10}, func(messages []*Message, err error) {
		results <- listResult{messages: messages, err: err}
	})
	result := receive(t, results, "waiting for list")
	if result.err != nil {
		t.Fatalf("List failed: %v", result.err)
	}
	if len(result.messages) != 4 {
		t.Fatalf("List returned %d messages, want 4", len(result.messages))
	}
	for index, want := range []string{"one", "", "two", "three"} {
		message := result.messages[index]
		if want == "" {
			if !IsKind(message.Err, CryptoFailed) || message.ID != "bad" {
				t.Errorf("item %d = %+v, want a CryptoFailed item", index, message)
			}
			continue
		}
		if message.Err != nil || message.Content.PlainText != want {
			t.Errorf("item %d = %q (err %v), want %q", index, message.Content.PlainText, message.Err, want)
		}
	}
	if got := len(server.requests(kmsMethodRetrieve)); got != 2 {
		t.Errorf("kms retrieve requests = %d, want one per key", got)
	}
}

func TestReceiveRotatesKey(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	rotatedURL := "kms://kms.example.com/keys/c1-v2"
	server.addKey(rotatedURL)
	d := newTestDispatcher(t, server)

	if result := receive(t, d.post("c1", "before"), "waiting for post"); result.err != nil {
		t.Fatalf("Post failed: %v", result.err)
	}

	d.ReceiveActivity(server.encryptedActivity("c1", "in-1", rotatedURL, "rotated"))
	received := receive(t, d.messages, "waiting for incoming message")
	if received.err != nil || received.message.Content.PlainText != "rotated" {
		t.Fatalf("incoming message = %+v, err %v", received.message, received.err)
	}
	if record := d.Keys().Get("c1"); record.EncryptionURL != rotatedURL {
		t.Errorf("EncryptionURL = %q after rotation, want %q", record.EncryptionURL, rotatedURL)
	}

	if result := receive(t, d.post("c1", "after"), "waiting for post"); result.err != nil {
		t.Fatalf("Post failed: %v", result.err)
	}
	posted := server.postedActivities()
	if len(posted) != 2 || posted[1].EncryptionKeyURL != rotatedURL {
		t.Fatalf("posted = %+v, want the second post under %s", posted, rotatedURL)
	}
	if got := decryptPosted(t, server, posted[1]); got != "after" {
		t.Errorf("decrypted content = %q", got)
	}
}

func TestShareRoundTrip(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	d := newTestDispatcher(t, server)

	directory := t.TempDir()
	document := filepath.Join(directory, "notes.txt")
	thumbnail := filepath.Join(directory, "notes.png")
	if err := os.WriteFile(document, []byte("the quarterly numbers"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(thumbnail, []byte("tiny image"), 0o600); err != nil {
		t.Fatal(err)
	}

	var (
		progressMu sync.Mutex
		progress   float64
	)
	results := make(chan postResult, 1)
	d.Post(PostRequest{
		ConversationID: "c1",
		Content:        MessageContent{PlainText: "see attached"},
		Files: []LocalFile{{
			Path:      document,
			Thumbnail: &LocalThumbnail{Path: thumbnail, Width: 16, Height: 16},
			Progress: func(fraction float64) {
				progressMu.Lock()
				progress = fraction
				progressMu.Unlock()
			},
		}},
	}, func(message *Message, err error) {
		results <- postResult{message: message, err: err}
	})

	result := receive(t, results, "waiting for share")
	if result.err != nil {
		t.Fatalf("share failed: %v", result.err)
	}
	progressMu.Lock()
	if progress != 1 {
		t.Errorf("final progress = %v, want 1", progress)
	}
	progressMu.Unlock()

	message := result.message
	if message.Verb != messaging.VerbShare || len(message.Files) != 1 {
		t.Fatalf("message = %+v", message)
	}
	file := message.Files[0]
	if file.Name != "notes.txt" || file.MimeType != "text/plain" || file.Size != int64(len("the quarterly numbers")) {
		t.Errorf("file = %+v", file)
	}

	server.mu.Lock()
	for name, blob := range server.blobs {
		if string(blob) == "the quarterly numbers" || string(blob) == "tiny image" {
			t.Errorf("blob %s was uploaded in plain text", name)
		}
	}
	server.mu.Unlock()

	type downloadResult struct {
		path string
		err  error
	}
	downloads := make(chan downloadResult, 2)
	output := t.TempDir()
	var fractions []float64
	recordProgress := func(fraction float64) {
		progressMu.Lock()
		fractions = append(fractions, fraction)
		progressMu.Unlock()
	}
	d.DownloadFile(file, output, recordProgress, func(path string, err error) { downloads <- downloadResult{path, err} })
	downloaded := receive(t, downloads, "waiting for download")
	if downloaded.err != nil {
		t.Fatalf("DownloadFile failed: %v", downloaded.err)
	}
	progressMu.Lock()
	if len(fractions) == 0 || fractions[len(fractions)-1] != 1 {
		t.Errorf("download progress = %v, want it to end at 1", fractions)
	}
	for index, fraction := range fractions {
		if fraction < 0 || fraction > 1 || (index > 0 && fraction < fractions[index-1]) {
			t.Errorf("download progress = %v, want non-decreasing values in [0,1]", fractions)
			break
		}
	}
	progressMu.Unlock()
	data, err := os.ReadFile(downloaded.path)
	if err != nil {
		t.Fatalf("reading download failed: %v", err)
	}
	if string(data) != "the quarterly numbers" {
		t.Errorf("downloaded %q", data)
	}

	d.DownloadThumbnail(file, output, nil, func(path string, err error) { downloads <- downloadResult{path, err} })
	downloaded = receive(t, downloads, "waiting for thumbnail")
	if downloaded.err != nil {
		t.Fatalf("DownloadThumbnail failed: %v", downloaded.err)
	}
	if data, _ := os.ReadFile(downloaded.path); string(data) != "tiny image" {
		t.Errorf("thumbnail = %q", data)
	}
}

func TestCloseCancelsQueued(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	server.set(func(s *testServer) { s.holdHandshake = true })
	d := newTestDispatcher(t, server)

	queued := d.post("c1", "never sent")
	if pending := d.Pending(); pending != 1 {
		t.Fatalf("Pending = %d, want 1", pending)
	}
	d.Close()

	if result := receive(t, queued, "waiting for cancel"); !IsKind(result.err, Canceled) {
		t.Errorf("error = %v, want Canceled", result.err)
	}
	if result := receive(t, d.post("c1", "late"), "waiting for rejected post"); !IsKind(result.err, Canceled) {
		t.Errorf("error after Close = %v, want Canceled", result.err)
	}
	if len(server.postedActivities()) != 0 {
		t.Error("a canceled post reached the server")
	}
}

// blockingBackend holds client info requests until their context is
// canceled.
type blockingBackend struct {
	Backend
	started  chan struct{}
	returned atomic.Int32
}

func (b *blockingBackend) block(ctx context.Context) error {
	b.started <- struct{}{}
	<-ctx.Done()
	b.returned.Add(1)
	return ctx.Err()
}

func (b *blockingBackend) UserInfo(ctx context.Context) (*messaging.UserInfo, error) {
	return nil, b.block(ctx)
}

func (b *blockingBackend) KMSInfo(ctx context.Context) (*messaging.KMSInfo, error) {
	return nil, b.block(ctx)
}

func TestCloseWaitsForInFlightRequests(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	token, err := secret.NewFromString("test-token")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	authenticator := messaging.NewStaticToken(token)
	client, err := messaging.NewClient(messaging.ClientConfig{BaseURL: server.server.URL, Authenticator: authenticator})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	backend := &blockingBackend{Backend: client, started: make(chan struct{}, 2)}
	d := newTestDispatcher(t, server, func(config *Config) { config.Backend = backend })

	queued := d.post("c1", "never sent")
	typing := make(chan error, 1)
	d.SetTyping("c1", true, func(err error) { typing <- err })
	for range 2 {
		receive(t, backend.started, "waiting for client info requests")
	}

	d.Close()
	if returned := backend.returned.Load(); returned != 2 {
		t.Errorf("%d of 2 client info requests still running after Close", 2-returned)
	}
	if result := receive(t, queued, "waiting for cancel"); !IsKind(result.err, Canceled) {
		t.Errorf("error = %v, want Canceled", result.err)
	}
	// SetTyping either finished or was canceled; either way its
	// callback ran before Close returned.
	select {
	case <-typing:
	default:
		t.Error("SetTyping callback had not run when Close returned")
	}

	// Releasing the token after Close is the shutdown order the CLI
	// uses. Nothing may read it afterwards.
	authenticator.Close()
	if _, err := authenticator.AccessToken(context.Background()); !errors.Is(err, messaging.ErrTokenClosed) {
		t.Errorf("AccessToken after Close = %v, want ErrTokenClosed", err)
	}
}

func TestCloseWaitsForRunningWrite(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	d := newTestDispatcher(t, server)

	running := make(chan struct{})
	release := make(chan struct{})
	d.Post(PostRequest{ConversationID: "c1", Content: MessageContent{PlainText: "slow"}}, func(*Message, error) {
		close(running)
		<-release
	})
	receive(t, running, "waiting for the post callback")

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	testutil.RequireNoReceive[struct{}](t, closed, 50*time.Millisecond, "Close returned while a write callback was running")
	close(release)
	receive(t, closed, "waiting for Close")
}

func TestEncryptionURLFailureIsScoped(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	d := newTestDispatcher(t, server)

	missing := d.post("missing", "lost")
	found := d.post("c1", "kept")

	if result := receive(t, missing, "waiting for failed post"); !IsKind(result.err, EncryptionURLFetchFailed) {
		t.Errorf("error = %v, want EncryptionURLFetchFailed", result.err)
	}
	if result := receive(t, found, "waiting for post"); result.err != nil {
		t.Errorf("post to c1 failed: %v", result.err)
	}
	if pending := d.Pending(); pending != 0 {
		t.Errorf("Pending = %d, want 0", pending)
	}
}

func TestReceiveKMSMessagesErrors(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	d := newTestDispatcher(t, server)
	if result := receive(t, d.post("c1", "hello"), "waiting for post"); result.err != nil {
		t.Fatalf("Post failed: %v", result.err)
	}

	stranger, err := jwe.EncryptWithKeyID([]byte(`{"status":200}`), testKey(t), "kms://elsewhere/ecdhe/9")
	if err != nil {
		t.Fatalf("EncryptWithKeyID failed: %v", err)
	}
	err = d.ReceiveKMSMessages([]string{"not-a-token", stranger})
	if !IsKind(err, CryptoFailed) {
		t.Fatalf("error = %v, want CryptoFailed", err)
	}

	// A redelivered message is recognized before it is parsed.
	if err := d.ReceiveKMSMessages([]string{"not-a-token"}); err != nil {
		t.Errorf("redelivered message returned %v, want nil", err)
	}
	if state := d.ExchangeState(); state != ExchangeReady {
		t.Errorf("ExchangeState = %v, want ready", state)
	}
}

func TestAcknowledgeAndDelete(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	d := newTestDispatcher(t, server)

	result := receive(t, d.post("c1", "hello"), "waiting for post")
	if result.err != nil {
		t.Fatalf("Post failed: %v", result.err)
	}

	errs := make(chan error, 2)
	d.Acknowledge("c1", result.message.ID, func(err error) { errs <- err })
	d.Delete("c1", result.message.ID, func(err error) { errs <- err })
	for range 2 {
		if err := receive(t, errs, "waiting for reference"); err != nil {
			t.Fatalf("reference activity failed: %v", err)
		}
	}

	posted := server.postedActivities()
	if len(posted) != 3 {
		t.Fatalf("server received %d activities, want 3", len(posted))
	}
	for index, verb := range []string{messaging.VerbAcknowledge, messaging.VerbDelete} {
		activity := posted[index+1]
		if activity.Verb != verb || activity.Object.ID != result.message.ID || activity.EncryptionKeyURL != keyURL {
			t.Errorf("activity %d = %+v", index+1, activity)
		}
	}

	d.Acknowledge("c1", "", func(err error) { errs <- err })
	if err := receive(t, errs, "waiting for rejection"); !IsKind(err, InvalidRequest) {
		t.Errorf("error = %v, want InvalidRequest", err)
	}
}

func TestPostByEmail(t *testing.T) {
	server := newTestServer(t)
	d := newTestDispatcher(t, server)

	results := make(chan postResult, 1)
	d.Post(PostRequest{ToPersonEmail: "ann@example.com", Content: MessageContent{PlainText: "hi Ann"}},
		func(message *Message, err error) { results <- postResult{message, err} })
	result := receive(t, results, "waiting for post")
	if result.err != nil {
		t.Fatalf("Post failed: %v", result.err)
	}
	if result.message.ConversationID != "direct-ann@example.com" {
		t.Errorf("ConversationID = %q", result.message.ConversationID)
	}
}

func TestPostValidation(t *testing.T) {
	server := newTestServer(t)
	d := newTestDispatcher(t, server)

	requests := []PostRequest{
		{Content: MessageContent{PlainText: "nowhere"}},
		{ConversationID: "c1"},
		{ConversationID: "c1", Content: MessageContent{
			PlainText: "hi",
			Mentions:  []Mention{{ID: "p1", Start: 0, End: 9}},
		}},
	}
	for _, request := range requests {
		results := make(chan postResult, 1)
		d.Post(request, func(message *Message, err error) { results <- postResult{message, err} })
		if result := receive(t, results, "waiting for rejection"); !IsKind(result.err, InvalidRequest) {
			t.Errorf("Post(%+v) error = %v, want InvalidRequest", request, result.err)
		}
	}
	if state := d.ExchangeState(); state != ExchangeUninitialized {
		t.Errorf("ExchangeState = %v; an invalid request started the exchange", state)
	}
}

func TestGetAndTyping(t *testing.T) {
	server := newTestServer(t)
	server.addConversation("c1", keyURL)
	server.setActivities("c1", server.encryptedActivity("c1", "m1", keyURL, "stored"))
	d := newTestDispatcher(t, server)

	results := make(chan postResult, 1)
	d.Get("m1", func(message *Message, err error) { results <- postResult{message, err} })
	result := receive(t, results, "waiting for get")
	if result.err != nil {
		t.Fatalf("Get failed: %v", result.err)
	}
	if result.message.Content.PlainText != "stored" {
		t.Errorf("PlainText = %q", result.message.Content.PlainText)
	}

	errs := make(chan error, 1)
	d.SetTyping("c1", true, func(err error) { errs <- err })
	if err := receive(t, errs, "waiting for typing"); err != nil {
		t.Fatalf("SetTyping failed: %v", err)
	}
	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.typing) != 1 || server.typing[0].EventType != messaging.TypingStarted {
		t.Errorf("typing events = %+v", server.typing)
	}
}
