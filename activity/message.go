// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import "time"

// MentionType is what a mention points at.
type MentionType string

const (
	// MentionPerson mentions one person by id.
	MentionPerson MentionType = "person"
	// MentionAll mentions everyone in the conversation.
	MentionAll MentionType = "all"
)

// Mention marks the runes [Start, End] of PlainText, both ends
// inclusive.
type Mention struct {
	ID    string
	Type  MentionType
	Start int
	End   int
}

// MessageContent is message text in plain and markup form. Mention
// ranges index PlainText.
type MessageContent struct {
	PlainText  string
	MarkupText string
	Mentions   []Mention
}

// IsEmpty reports whether there is no text.
func (c MessageContent) IsEmpty() bool {
	return c.PlainText == "" && c.MarkupText == ""
}

// LocalFile is a file to share.
type LocalFile struct {
	// Path is read when the share executes.
	Path string
	// Name overrides the base name of Path.
	Name string
	// MimeType overrides detection from the name's extension.
	MimeType string
	// Thumbnail, if set, is uploaded alongside the file.
	Thumbnail *LocalThumbnail
	// Progress receives the combined upload fraction in [0, 1].
	Progress func(float64)
}

// LocalThumbnail is a preview image for a LocalFile.
type LocalThumbnail struct {
	Path   string
	Width  int
	Height int
}

// File is a decrypted file attachment.
type File struct {
	Name      string
	MimeType  string
	Size      int64
	URL       string
	Thumbnail *Thumbnail

	key string
}

// Thumbnail is a decrypted file preview.
type Thumbnail struct {
	Width  int
	Height int
	URL    string

	key string
}

// Message is a decoded activity.
type Message struct {
	ID             string
	URL            string
	ConversationID string
	Verb           string
	Published      time.Time
	PersonID       string
	PersonEmail    string
	Content        MessageContent
	Files          []File
	// ObjectID is the target of an acknowledge or delete.
	ObjectID string
	// EncryptionURL is the key the activity was encrypted under.
	EncryptionURL string

	// MentionErr lists mention spans that could not be decoded. The
	// rest of the message is intact.
	MentionErr error
	// Err is set on list items that could not be decoded. Only the
	// identifying fields are filled in.
	Err error
}

// PostRequest describes a post or, when Files is non-empty, a share.
type PostRequest struct {
	// ConversationID or ToPersonEmail selects the conversation.
	ConversationID string
	ToPersonEmail  string
	Content        MessageContent
	Files          []LocalFile
}

// ListOptions selects a page of activities.
type ListOptions struct {
	Limit             int
	Since             time.Time
	Before            time.Time
	Around            time.Time
	LastActivityFirst bool
}
