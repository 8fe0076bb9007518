// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/spark/lib/jwe"
	"github.com/bureau-foundation/spark/messaging"
)

// Cipher is the content encryption primitive. Both methods take JWK
// key material. [jwe.Cipher] is the production implementation.
type Cipher interface {
	Encrypt(plaintext []byte, material string) (string, error)
	Decrypt(ciphertext, material string) ([]byte, error)
}

var _ Cipher = jwe.Cipher{}

// secureReference locates an uploaded file and holds the key its bytes
// are encrypted under. It travels encrypted in the scr field.
type secureReference struct {
	Location string `json:"loc"`
	Key      string `json:"key"`
}

// uploadedFile is a file whose encrypted bytes are already on the
// server.
type uploadedFile struct {
	name      string
	mimeType  string
	size      int64
	reference secureReference
	thumbnail *uploadedThumbnail
}

type uploadedThumbnail struct {
	width     int
	height    int
	reference secureReference
}

// MessageCodec converts between MessageContent and wire activities.
type MessageCodec struct {
	cipher Cipher
}

// NewMessageCodec returns a codec using cipher.
func NewMessageCodec(cipher Cipher) *MessageCodec {
	return &MessageCodec{cipher: cipher}
}

// EncodeContent builds the encrypted object of a post, or of a share
// when files is non-empty.
func (c *MessageCodec) EncodeContent(content MessageContent, files []uploadedFile, material string) (*messaging.ActivityObject, error) {
	object := &messaging.ActivityObject{ObjectType: messaging.ObjectComment}
	if len(files) > 0 {
		object.ObjectType = messaging.ObjectContent
		object.ContentCategory = messaging.ContentCategoryDocuments
	}

	if !content.IsEmpty() {
		markup, err := EncodeMentions(content)
		if err != nil {
			return nil, &Error{Kind: InvalidRequest, Err: err}
		}
		plain := content.PlainText
		if plain == "" {
			plain = markup
		}
		if object.Content, err = c.encrypt(markup, material); err != nil {
			return nil, err
		}
		if object.DisplayName, err = c.encrypt(plain, material); err != nil {
			return nil, err
		}
		object.Mentions, object.GroupMentions = mentionLists(content.Mentions)
	}

	if len(files) > 0 {
		object.Files = &messaging.FileList{Items: make([]messaging.FileItem, 0, len(files))}
		for _, file := range files {
			item, err := c.encodeFile(file, material)
			if err != nil {
				return nil, err
			}
			object.Files.Items = append(object.Files.Items, item)
		}
	}
	return object, nil
}

func mentionLists(mentions []Mention) (people, groups *messaging.MentionList) {
	for _, mention := range mentions {
		if mention.Type == MentionAll {
			if groups == nil {
				groups = &messaging.MentionList{}
			}
			groups.Items = append(groups.Items, messaging.MentionItem{
				ObjectType: messaging.ObjectGroupMention,
				GroupType:  messaging.GroupMentionAll,
			})
			continue
		}
		if people == nil {
			people = &messaging.MentionList{}
		}
		people.Items = append(people.Items, messaging.MentionItem{ObjectType: messaging.ObjectPerson, ID: mention.ID})
	}
	return people, groups
}

func (c *MessageCodec) encodeFile(file uploadedFile, material string) (messaging.FileItem, error) {
	item := messaging.FileItem{
		ObjectType: messaging.ObjectFile,
		MimeType:   file.mimeType,
		FileSize:   file.size,
	}
	var err error
	if item.DisplayName, err = c.encrypt(file.name, material); err != nil {
		return item, err
	}
	if item.SecureContentReference, err = c.encryptReference(file.reference, material); err != nil {
		return item, err
	}
	if file.thumbnail != nil {
		item.Image = &messaging.ImageItem{Width: file.thumbnail.width, Height: file.thumbnail.height}
		if item.Image.SecureContentReference, err = c.encryptReference(file.thumbnail.reference, material); err != nil {
			return item, err
		}
	}
	return item, nil
}

func (c *MessageCodec) encryptReference(reference secureReference, material string) (string, error) {
	encoded, err := json.Marshal(reference)
	if err != nil {
		return "", &Error{Kind: CryptoFailed, Err: fmt.Errorf("encoding secure content reference: %w", err)}
	}
	return c.encrypt(string(encoded), material)
}

func (c *MessageCodec) encrypt(plaintext, material string) (string, error) {
	ciphertext, err := c.cipher.Encrypt([]byte(plaintext), material)
	if err != nil {
		return "", &Error{Kind: CryptoFailed, Err: err}
	}
	return ciphertext, nil
}

// DecodeActivity decrypts activity with material. An activity without
// an encryption URL is decoded as plain text. Empty fields are not
// decrypted. A malformed mention span sets Message.MentionErr but does
// not fail the decode.
func (c *MessageCodec) DecodeActivity(activity *messaging.Activity, material string) (*Message, error) {
	message := &Message{
		ID:             activity.ID,
		URL:            activity.URL,
		ConversationID: activity.ConversationID(),
		Verb:           activity.Verb,
		Published:      activity.Published,
		EncryptionURL:  activity.EncryptionKeyURL,
	}
	if activity.Actor != nil {
		message.PersonID = activity.Actor.ID
		message.PersonEmail = activity.Actor.EmailAddress
	}
	object := activity.Object
	if object == nil {
		return message, nil
	}
	if object.ObjectType == messaging.ObjectActivity {
		message.ObjectID = object.ID
		return message, nil
	}

	encrypted := activity.EncryptionKeyURL != ""
	if encrypted && material == "" {
		return nil, &Error{Kind: CryptoFailed, URI: activity.EncryptionKeyURL, Err: fmt.Errorf("no key material")}
	}
	decrypt := func(value string) (string, error) {
		if value == "" || !encrypted {
			return value, nil
		}
		plaintext, err := c.cipher.Decrypt(value, material)
		if err != nil {
			return "", &Error{Kind: CryptoFailed, URI: activity.EncryptionKeyURL, Err: err}
		}
		return string(plaintext), nil
	}

	markup, err := decrypt(object.Content)
	if err != nil {
		return nil, err
	}
	displayName, err := decrypt(object.DisplayName)
	if err != nil {
		return nil, err
	}
	if markup != "" {
		message.Content, message.MentionErr = DecodeMarkup(markup)
	} else {
		message.Content = MessageContent{PlainText: displayName}
	}

	if object.Files != nil {
		for _, item := range object.Files.Items {
			file, err := c.decodeFile(item, decrypt)
			if err != nil {
				return nil, err
			}
			message.Files = append(message.Files, file)
		}
	}
	return message, nil
}

func (c *MessageCodec) decodeFile(item messaging.FileItem, decrypt func(string) (string, error)) (File, error) {
	file := File{MimeType: item.MimeType, Size: item.FileSize}
	var err error
	if file.Name, err = decrypt(item.DisplayName); err != nil {
		return file, err
	}
	reference, err := decodeReference(item.SecureContentReference, decrypt)
	if err != nil {
		return file, err
	}
	file.URL, file.key = reference.Location, reference.Key

	if item.Image != nil && item.Image.SecureContentReference != "" {
		thumbnail, err := decodeReference(item.Image.SecureContentReference, decrypt)
		if err != nil {
			return file, err
		}
		file.Thumbnail = &Thumbnail{
			Width:  item.Image.Width,
			Height: item.Image.Height,
			URL:    thumbnail.Location,
			key:    thumbnail.Key,
		}
	}
	return file, nil
}

func decodeReference(ciphertext string, decrypt func(string) (string, error)) (secureReference, error) {
	var reference secureReference
	if ciphertext == "" {
		return reference, nil
	}
	plaintext, err := decrypt(ciphertext)
	if err != nil {
		return reference, err
	}
	if err := json.Unmarshal([]byte(plaintext), &reference); err != nil {
		return reference, &Error{Kind: CryptoFailed, Err: fmt.Errorf("decoding secure content reference: %w", err)}
	}
	return reference, nil
}
