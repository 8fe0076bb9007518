// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/spark/lib/clock"
	"github.com/bureau-foundation/spark/lib/jwe"
	"github.com/bureau-foundation/spark/lib/sealed"
	"github.com/bureau-foundation/spark/lib/secret"
	"github.com/bureau-foundation/spark/lib/testutil"
	"github.com/bureau-foundation/spark/messaging"
)

const (
	testCluster   = "kms://kms.example.com"
	testDeviceURL = "https://devices.example.com/devices/test"
	testUserID    = "user-1"
	testWait      = 5 * time.Second
)

// testServer is an in-process backend and KMS. The KMS side opens real
// age envelopes and real JWE tokens, so requests are checked end to
// end.
type testServer struct {
	t      *testing.T
	server *httptest.Server
	kms    *sealed.Keypair

	// pushes receives KMS responses when inline delivery is off.
	pushes chan string
	// handshakes receives every ECDHE request as it arrives.
	handshakes chan kmsRequest

	mu sync.Mutex
	// inline returns KMS responses in the relay response body.
	inline bool
	// holdHandshake leaves ECDHE requests unanswered.
	holdHandshake bool
	// dropRequestIDs strips requestId from key responses.
	dropRequestIDs bool
	failKMSInfo    bool

	conversations map[string]string
	keys          map[string]string
	ephemeral     map[string]string
	activities    map[string][]messaging.Activity
	posted        []messaging.Activity
	kmsRequests   []kmsRequest
	blobs         map[string][]byte
	userCalls     int
	kmsInfoCalls  int
	typing        []messaging.TypingEvent
	nextID        int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })

	s := &testServer{
		t:             t,
		kms:           keypair,
		pushes:        make(chan string, 64),
		handshakes:    make(chan kmsRequest, 64),
		inline:        true,
		conversations: make(map[string]string),
		keys:          make(map[string]string),
		ephemeral:     make(map[string]string),
		activities:    make(map[string][]messaging.Activity),
		blobs:         make(map[string][]byte),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

// addConversation registers a conversation. A non-empty keyURL gets
// fresh key material.
func (s *testServer) addConversation(conversationID, keyURL string) string {
	s.t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = keyURL
	if keyURL == "" {
		return ""
	}
	if material, ok := s.keys[keyURL]; ok {
		return material
	}
	material, err := jwe.GenerateKey()
	if err != nil {
		s.t.Fatalf("GenerateKey failed: %v", err)
	}
	s.keys[keyURL] = material
	return material
}

// addKey creates material for keyURL without tying it to a
// conversation.
func (s *testServer) addKey(keyURL string) string {
	s.t.Helper()
	material, err := jwe.GenerateKey()
	if err != nil {
		s.t.Fatalf("GenerateKey failed: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyURL] = material
	return material
}

func (s *testServer) material(keyURL string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[keyURL]
}

func (s *testServer) postedActivities() []messaging.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messaging.Activity(nil), s.posted...)
}

func (s *testServer) requests(method string) []kmsRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []kmsRequest
	for _, request := range s.kmsRequests {
		if request.Method == method {
			matched = append(matched, request)
		}
	}
	return matched
}

// set applies update under the server lock. update must not call other
// testServer methods.
func (s *testServer) set(update func(*testServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(s)
}

// setActivities stores the history GET /activities returns for
// conversationID. Build the activities first: encryptedActivity takes
// the server lock.
func (s *testServer) setActivities(conversationID string, activities ...messaging.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[conversationID] = activities
}

func (s *testServer) client() *messaging.Client {
	s.t.Helper()
	token, err := secret.NewFromString("test-token")
	if err != nil {
		s.t.Fatalf("creating token: %v", err)
	}
	client, err := messaging.NewClient(messaging.ClientConfig{
		BaseURL:       s.server.URL,
		Authenticator: messaging.NewStaticToken(token),
	})
	if err != nil {
		s.t.Fatalf("NewClient failed: %v", err)
	}
	s.t.Cleanup(func() { token.Close() })
	return client
}

func (s *testServer) handle(writer http.ResponseWriter, request *http.Request) {
	path := request.URL.Path
	switch {
	case request.Method == http.MethodGet && path == "/users":
		s.mu.Lock()
		s.userCalls++
		s.mu.Unlock()
		writeJSON(writer, messaging.UserInfo{ID: testUserID})

	case request.Method == http.MethodGet && path == "/kms":
		s.mu.Lock()
		s.kmsInfoCalls++
		fail := s.failKMSInfo
		s.mu.Unlock()
		if fail {
			http.Error(writer, `{"message":"kms unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		writeJSON(writer, messaging.KMSInfo{Cluster: testCluster, StaticPublicKey: s.kms.PublicKey})

	case request.Method == http.MethodPost && path == "/kms/messages":
		s.handleKMS(writer, request)

	case request.Method == http.MethodPut && strings.HasPrefix(path, "/conversations/user/"):
		email := strings.TrimPrefix(path, "/conversations/user/")
		conversationID := "direct-" + email
		s.mu.Lock()
		keyURL, ok := s.conversations[conversationID]
		s.mu.Unlock()
		if !ok {
			s.addConversation(conversationID, "kms://kms.example.com/keys/direct")
			keyURL = "kms://kms.example.com/keys/direct"
		}
		writeJSON(writer, messaging.Conversation{ID: conversationID, EncryptionKeyURL: keyURL})

	case request.Method == http.MethodPut && strings.HasSuffix(path, "/space"):
		conversationID := strings.TrimSuffix(strings.TrimPrefix(path, "/conversations/"), "/space")
		writeJSON(writer, messaging.Space{SpaceURL: s.server.URL + "/spaces/" + conversationID})

	case request.Method == http.MethodGet && strings.HasPrefix(path, "/conversations/"):
		conversationID := strings.TrimPrefix(path, "/conversations/")
		s.mu.Lock()
		keyURL, ok := s.conversations[conversationID]
		s.mu.Unlock()
		if !ok {
			http.Error(writer, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(writer, messaging.Conversation{ID: conversationID, EncryptionKeyURL: keyURL})

	case request.Method == http.MethodPost && path == "/activities":
		var activity messaging.Activity
		if err := json.NewDecoder(request.Body).Decode(&activity); err != nil {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.nextID++
		activity.ID = fmt.Sprintf("activity-%d", s.nextID)
		activity.Actor = &messaging.Person{ID: testUserID}
		s.posted = append(s.posted, activity)
		s.mu.Unlock()
		writeJSON(writer, activity)

	case request.Method == http.MethodGet && path == "/activities":
		s.mu.Lock()
		items := s.activities[request.URL.Query().Get("conversationId")]
		s.mu.Unlock()
		writeJSON(writer, map[string]any{"items": items})

	case request.Method == http.MethodGet && strings.HasPrefix(path, "/activities/"):
		activityID := strings.TrimPrefix(path, "/activities/")
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, items := range s.activities {
			for _, activity := range items {
				if activity.ID == activityID {
					writeJSON(writer, activity)
					return
				}
			}
		}
		http.Error(writer, `{"message":"not found"}`, http.StatusNotFound)

	case request.Method == http.MethodPost && path == "/status/typing":
		var event messaging.TypingEvent
		json.NewDecoder(request.Body).Decode(&event)
		s.mu.Lock()
		s.typing = append(s.typing, event)
		s.mu.Unlock()
		writer.WriteHeader(http.StatusNoContent)

	case request.Method == http.MethodPost && strings.HasSuffix(path, "/upload_sessions"):
		s.mu.Lock()
		s.nextID++
		blob := fmt.Sprintf("blob-%d", s.nextID)
		s.mu.Unlock()
		writeJSON(writer, messaging.UploadSession{
			UploadURL:       s.server.URL + "/upload/" + blob,
			FinishUploadURL: s.server.URL + "/finish/" + blob,
		})

	case request.Method == http.MethodPut && strings.HasPrefix(path, "/upload/"):
		body, _ := io.ReadAll(request.Body)
		s.mu.Lock()
		s.blobs[strings.TrimPrefix(path, "/upload/")] = body
		s.mu.Unlock()
		writer.WriteHeader(http.StatusOK)

	case request.Method == http.MethodPost && strings.HasPrefix(path, "/finish/"):
		writeJSON(writer, messaging.FinishedUpload{DownloadURL: s.server.URL + "/download/" + strings.TrimPrefix(path, "/finish/")})

	case request.Method == http.MethodGet && strings.HasPrefix(path, "/download/"):
		s.mu.Lock()
		body, ok := s.blobs[strings.TrimPrefix(path, "/download/")]
		s.mu.Unlock()
		if !ok {
			http.Error(writer, "no such blob", http.StatusNotFound)
			return
		}
		writer.Write(body)

	default:
		s.t.Errorf("unexpected request: %s %s", request.Method, path)
		http.Error(writer, "unexpected", http.StatusNotFound)
	}
}

func (s *testServer) handleKMS(writer http.ResponseWriter, request *http.Request) {
	var body messaging.KMSMessageRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	var responses []string
	for _, message := range body.KMSMessages {
		response, err := s.answer(message, body.Destination)
		if err != nil {
			s.t.Errorf("kms could not process message: %v", err)
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		if response != "" {
			responses = append(responses, response)
		}
	}

	s.mu.Lock()
	inline := s.inline
	s.mu.Unlock()
	if inline {
		writeJSON(writer, messaging.KMSMessageResponse{KMSMessages: responses})
		return
	}
	for _, response := range responses {
		s.pushes <- response
	}
	writer.WriteHeader(http.StatusAccepted)
}

// answer returns the KMS response to one message, or "" when the
// message is held.
func (s *testServer) answer(message, destination string) (string, error) {
	if opened, err := sealed.Open(message, s.kms.PrivateKey); err == nil {
		defer opened.Close()
		return s.answerHandshake(opened.Bytes(), destination)
	}

	header, err := jwe.ParseHeader(message)
	if err != nil {
		return "", err
	}
	if destination != kmsUnusedDestination {
		return "", fmt.Errorf("key request destination %q", destination)
	}
	s.mu.Lock()
	material, ok := s.ephemeral[header.KeyID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown ephemeral key %q", header.KeyID)
	}
	plaintext, err := jwe.Decrypt(message, material)
	if err != nil {
		return "", err
	}
	var kmsReq kmsRequest
	if err := json.Unmarshal(plaintext, &kmsReq); err != nil {
		return "", err
	}
	if err := checkCredential(kmsReq); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.kmsRequests = append(s.kmsRequests, kmsReq)
	response := kmsResponse{RequestID: kmsReq.RequestID, Status: http.StatusOK}
	switch kmsReq.Method {
	case kmsMethodRetrieve:
		if key, ok := s.keys[kmsReq.URI]; ok {
			response.Key = &kmsKey{URI: kmsReq.URI, JWK: json.RawMessage(key)}
		} else {
			response.Status, response.Reason = http.StatusNotFound, "no such key"
		}
	case kmsMethodCreate:
		uri := fmt.Sprintf("/keys/%d", s.keyCreationsLocked())
		key, err := jwe.GenerateKey()
		if err != nil {
			s.mu.Unlock()
			return "", err
		}
		s.keys[uri] = key
		response.Status = http.StatusCreated
		response.Keys = []kmsKey{{URI: uri, JWK: json.RawMessage(key)}}
	}
	if s.dropRequestIDs {
		response.RequestID = ""
	}
	s.mu.Unlock()

	encoded, err := json.Marshal(response)
	if err != nil {
		return "", err
	}
	return jwe.EncryptWithKeyID(encoded, material, header.KeyID)
}

func (s *testServer) keyCreationsLocked() int {
	count := 0
	for _, request := range s.kmsRequests {
		if request.Method == kmsMethodCreate && request.URI == kmsKeysURI {
			count++
		}
	}
	return count
}

func (s *testServer) answerHandshake(plaintext []byte, destination string) (string, error) {
	var kmsReq kmsRequest
	if err := json.Unmarshal(plaintext, &kmsReq); err != nil {
		return "", err
	}
	if destination != testCluster || kmsReq.URI != testCluster+kmsEphemeralPath || kmsReq.JWK == nil {
		return "", fmt.Errorf("bad handshake: destination %q uri %q", destination, kmsReq.URI)
	}
	if err := checkCredential(kmsReq); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.kmsRequests = append(s.kmsRequests, kmsReq)
	hold := s.holdHandshake
	s.nextID++
	uri := fmt.Sprintf("%s/ecdhe/%d", testCluster, s.nextID)
	s.mu.Unlock()
	select {
	case s.handshakes <- kmsReq:
	default:
	}
	if hold {
		return "", nil
	}

	material, err := jwe.GenerateKey()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(kmsResponse{
		RequestID: kmsReq.RequestID,
		Status:    http.StatusCreated,
		Key:       &kmsKey{URI: uri, JWK: json.RawMessage(material)},
	})
	if err != nil {
		return "", err
	}
	token, err := jwe.SealECDH(payload, *kmsReq.JWK)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.ephemeral[uri] = material
	s.mu.Unlock()
	return token, nil
}

func checkCredential(request kmsRequest) error {
	if request.Client.ClientID != testDeviceURL {
		return fmt.Errorf("clientId %q", request.Client.ClientID)
	}
	if request.Client.Credential.UserID != testUserID || request.Client.Credential.Bearer != "test-token" {
		return fmt.Errorf("credential %+v", request.Client.Credential)
	}
	if request.RequestID == "" {
		return fmt.Errorf("request has no requestId")
	}
	return nil
}

func writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(value)
}

// encryptedActivity builds a stored post encrypted under keyURL's
// material.
func (s *testServer) encryptedActivity(conversationID, activityID, keyURL, text string) messaging.Activity {
	s.t.Helper()
	material := s.material(keyURL)
	content, err := jwe.Encrypt([]byte(text), material)
	if err != nil {
		s.t.Fatalf("Encrypt failed: %v", err)
	}
	return messaging.Activity{
		ID:               activityID,
		Verb:             messaging.VerbPost,
		Object:           &messaging.ActivityObject{ObjectType: messaging.ObjectComment, Content: content, DisplayName: content},
		Target:           &messaging.ActivityTarget{ObjectType: messaging.ObjectConversation, ID: conversationID},
		EncryptionKeyURL: keyURL,
	}
}

type testDispatcher struct {
	*Dispatcher
	clock    *clock.FakeClock
	messages chan receivedMessage
}

type receivedMessage struct {
	message *Message
	err     error
}

func newTestDispatcher(t *testing.T, server *testServer, options ...func(*Config)) *testDispatcher {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	messages := make(chan receivedMessage, 16)
	config := Config{
		Backend:   server.client(),
		DeviceURL: testDeviceURL,
		Clock:     fake,
		Logger:    slog.New(slog.DiscardHandler),
		OnMessage: func(message *Message, err error) {
			messages <- receivedMessage{message: message, err: err}
		},
	}
	for _, option := range options {
		option(&config)
	}
	dispatcher, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(dispatcher.Close)
	return &testDispatcher{Dispatcher: dispatcher, clock: fake, messages: messages}
}

type postResult struct {
	message *Message
	err     error
}

func (d *testDispatcher) post(conversationID, text string) chan postResult {
	results := make(chan postResult, 1)
	d.Post(PostRequest{ConversationID: conversationID, Content: MessageContent{PlainText: text}},
		func(message *Message, err error) {
			results <- postResult{message: message, err: err}
		})
	return results
}

// deliverPushes hands every pushed KMS response to the dispatcher until
// want have been delivered.
func (d *testDispatcher) deliverPushes(t *testing.T, server *testServer, want int) {
	t.Helper()
	for range want {
		message := receive(t, server.pushes, "waiting for a pushed kms response")
		if err := d.ReceiveKMSMessages([]string{message}); err != nil {
			t.Fatalf("ReceiveKMSMessages failed: %v", err)
		}
	}
}

func receive[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	return testutil.RequireReceive[T](t, ch, testWait, what)
}
