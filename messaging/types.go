// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "time"

// Activity verbs.
const (
	VerbPost        = "post"
	VerbShare       = "share"
	VerbAcknowledge = "acknowledge"
	VerbDelete      = "delete"
)

// Object and target types.
const (
	ObjectComment      = "comment"
	ObjectContent      = "content"
	ObjectActivity     = "activity"
	ObjectConversation = "conversation"
	ObjectPerson       = "person"
	ObjectGroupMention = "groupMention"
	ObjectFile         = "file"

	// ContentCategoryDocuments marks a share of arbitrary files.
	ContentCategoryDocuments = "documents"

	// GroupMentionAll is the only group mention the backend supports.
	GroupMentionAll = "all"
)

// UserInfo is the response of GET /users for the caller.
type UserInfo struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
}

// KMSInfo is the response of GET /kms.
type KMSInfo struct {
	// Cluster is the KMS cluster URI (e.g., "kms://kms.example.com").
	Cluster string `json:"kmsCluster"`
	// StaticPublicKey is the cluster's age X25519 recipient that
	// handshake requests are sealed to.
	StaticPublicKey string `json:"rsaPublicKey"`
}

// KMSMessageRequest is the body of POST {kms}/kms/messages.
type KMSMessageRequest struct {
	KMSMessages []string `json:"kmsMessages"`
	Destination string   `json:"destination"`
}

// KMSMessageResponse is the body of a KMS relay response or push
// event. The relay may answer inline; otherwise the responses arrive
// later on the push channel in the same shape.
type KMSMessageResponse struct {
	KMSMessages []string `json:"kmsMessages,omitempty"`
}

// Conversation is the subset of conversation metadata the SDK reads.
type Conversation struct {
	ID               string `json:"id"`
	URL              string `json:"url,omitempty"`
	EncryptionKeyURL string `json:"encryptionKeyUrl,omitempty"`
	// DefaultActivityEncryptionKeyURL is the legacy name of
	// EncryptionKeyURL.
	DefaultActivityEncryptionKeyURL string `json:"defaultActivityEncryptionKeyUrl,omitempty"`
}

// KeyURL returns the conversation's encryption key URL under either
// field name.
func (c *Conversation) KeyURL() string {
	if c.EncryptionKeyURL != "" {
		return c.EncryptionKeyURL
	}
	return c.DefaultActivityEncryptionKeyURL
}

// Space is the response of PUT conversations/{id}/space.
type Space struct {
	SpaceURL string `json:"spaceUrl"`
}

// Activity is one conversation activity. Content, DisplayName and file
// fields of Object are ciphertext when EncryptionKeyURL is set.
type Activity struct {
	ID               string          `json:"id,omitempty"`
	URL              string          `json:"url,omitempty"`
	Verb             string          `json:"verb"`
	Published        time.Time       `json:"published,omitzero"`
	Actor            *Person         `json:"actor,omitempty"`
	Object           *ActivityObject `json:"object,omitempty"`
	Target           *ActivityTarget `json:"target,omitempty"`
	EncryptionKeyURL string          `json:"encryptionKeyUrl,omitempty"`
	ClientTempID     string          `json:"clientTempId,omitempty"`
}

// ConversationID returns the target conversation, or "".
func (a *Activity) ConversationID() string {
	if a.Target == nil {
		return ""
	}
	return a.Target.ID
}

// Person identifies an actor.
type Person struct {
	ID           string `json:"id"`
	ObjectType   string `json:"objectType,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
}

// ActivityObject is the object of an activity.
type ActivityObject struct {
	ObjectType      string       `json:"objectType"`
	ID              string       `json:"id,omitempty"`
	Content         string       `json:"content,omitempty"`
	DisplayName     string       `json:"displayName,omitempty"`
	ContentCategory string       `json:"contentCategory,omitempty"`
	Mentions        *MentionList `json:"mentions,omitempty"`
	GroupMentions   *MentionList `json:"groupMentions,omitempty"`
	Files           *FileList    `json:"files,omitempty"`
}

// ActivityTarget is the conversation an activity belongs to.
type ActivityTarget struct {
	ObjectType string `json:"objectType"`
	ID         string `json:"id"`
}

// MentionList wraps mention items.
type MentionList struct {
	Items []MentionItem `json:"items"`
}

// MentionItem is a person or group mention.
type MentionItem struct {
	ObjectType string `json:"objectType"`
	ID         string `json:"id,omitempty"`
	GroupType  string `json:"groupType,omitempty"`
}

// FileList wraps file items.
type FileList struct {
	Items []FileItem `json:"items"`
}

// FileItem is one shared file. DisplayName and SecureContentReference
// are ciphertext.
type FileItem struct {
	ObjectType             string     `json:"objectType"`
	DisplayName            string     `json:"displayName,omitempty"`
	MimeType               string     `json:"mimeType,omitempty"`
	FileSize               int64      `json:"fileSize,omitempty"`
	SecureContentReference string     `json:"scr,omitempty"`
	Image                  *ImageItem `json:"image,omitempty"`
}

// ImageItem is a file's thumbnail.
type ImageItem struct {
	Width                  int    `json:"width,omitempty"`
	Height                 int    `json:"height,omitempty"`
	SecureContentReference string `json:"scr,omitempty"`
}

// ListActivitiesOptions selects a page of activities.
type ListActivitiesOptions struct {
	ConversationID string
	// Limit caps the number of items. Zero leaves it to the server.
	Limit int
	// Since, Before and Around map to sinceDate, maxDate and midDate.
	Since  time.Time
	Before time.Time
	Around time.Time
	// LastActivityFirst orders newest first.
	LastActivityFirst bool
}

// TypingEvent is the body of POST status/typing.
type TypingEvent struct {
	EventType      string `json:"eventType"`
	ConversationID string `json:"conversationId"`
}

// Typing event types.
const (
	TypingStarted = "status.start_typing"
	TypingStopped = "status.stop_typing"
)

// Flag is a flagged activity.
type Flag struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	FlagItem string `json:"flag-item"`
	State    string `json:"state"`
}

// UploadSession is the response of POST {spaceUrl}/upload_sessions.
type UploadSession struct {
	UploadURL       string `json:"uploadUrl"`
	FinishUploadURL string `json:"finishUploadUrl"`
}

// FinishedUpload is the response of POST {finishUploadUrl}.
type FinishedUpload struct {
	DownloadURL string `json:"downloadUrl"`
}
