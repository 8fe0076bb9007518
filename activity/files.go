// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/spark/lib/jwe"
	"github.com/bureau-foundation/spark/messaging"
)

const defaultMimeType = "application/octet-stream"

type fileBackend interface {
	CreateUploadSession(ctx context.Context, spaceURL string, size int64) (*messaging.UploadSession, error)
	Upload(ctx context.Context, uploadURL string, body io.Reader, size int64, progress func(float64)) error
	FinishUpload(ctx context.Context, finishURL string, size int64) (*messaging.FinishedUpload, error)
	Download(ctx context.Context, downloadURL string, progress func(float64)) ([]byte, error)
}

// mimeTypeFor guesses a media type from name's extension.
func mimeTypeFor(name string) string {
	detected := mime.TypeByExtension(filepath.Ext(name))
	if detected == "" {
		return defaultMimeType
	}
	mediaType, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return defaultMimeType
	}
	return mediaType
}

// fileTransfer encrypts and uploads shared files and downloads and
// decrypts them again. Every file is encrypted under its own key,
// which travels in the secure content reference.
type fileTransfer struct {
	backend fileBackend
	cipher  Cipher
}

// upload sends file and its thumbnail into spaceURL. Progress is the
// mean of the file and thumbnail fractions.
func (f *fileTransfer) upload(ctx context.Context, spaceURL string, file LocalFile) (uploadedFile, error) {
	name := file.Name
	if name == "" {
		name = filepath.Base(file.Path)
	}
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = mimeTypeFor(name)
	}

	parts := 1
	if file.Thumbnail != nil {
		parts = 2
	}
	fractions := make([]float64, parts)
	report := func(part int) func(float64) {
		if file.Progress == nil {
			return nil
		}
		return func(fraction float64) {
			fractions[part] = fraction
			total := 0.0
			for _, value := range fractions {
				total += value
			}
			file.Progress(total / float64(parts))
		}
	}

	reference, size, err := f.uploadPlaintext(ctx, spaceURL, file.Path, report(0))
	if err != nil {
		return uploadedFile{}, fmt.Errorf("uploading %s: %w", name, err)
	}
	uploaded := uploadedFile{name: name, mimeType: mimeType, size: size, reference: reference}

	if file.Thumbnail != nil {
		thumbnailReference, _, err := f.uploadPlaintext(ctx, spaceURL, file.Thumbnail.Path, report(1))
		if err != nil {
			return uploadedFile{}, fmt.Errorf("uploading thumbnail of %s: %w", name, err)
		}
		uploaded.thumbnail = &uploadedThumbnail{
			width:     file.Thumbnail.Width,
			height:    file.Thumbnail.Height,
			reference: thumbnailReference,
		}
	}
	return uploaded, nil
}

func (f *fileTransfer) uploadPlaintext(ctx context.Context, spaceURL, path string, progress func(float64)) (secureReference, int64, error) {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return secureReference{}, 0, &Error{Kind: InvalidRequest, Err: err}
	}
	key, err := jwe.GenerateKey()
	if err != nil {
		return secureReference{}, 0, &Error{Kind: CryptoFailed, Err: err}
	}
	ciphertext, err := f.cipher.Encrypt(plaintext, key)
	if err != nil {
		return secureReference{}, 0, &Error{Kind: CryptoFailed, Err: err}
	}
	body := []byte(ciphertext)
	size := int64(len(body))

	session, err := f.backend.CreateUploadSession(ctx, spaceURL, size)
	if err != nil {
		return secureReference{}, 0, &Error{Kind: TransportFailed, Err: err}
	}
	if err := f.backend.Upload(ctx, session.UploadURL, bytes.NewReader(body), size, progress); err != nil {
		return secureReference{}, 0, &Error{Kind: TransportFailed, Err: err}
	}
	finished, err := f.backend.FinishUpload(ctx, session.FinishUploadURL, size)
	if err != nil {
		return secureReference{}, 0, &Error{Kind: TransportFailed, Err: err}
	}
	return secureReference{Location: finished.DownloadURL, Key: key}, int64(len(plaintext)), nil
}

// download fetches url and decrypts it with key. progress follows the
// fetch.
func (f *fileTransfer) download(ctx context.Context, url, key string, progress func(float64)) ([]byte, error) {
	if url == "" || key == "" {
		return nil, &Error{Kind: InvalidRequest, Err: fmt.Errorf("file has no secure content reference")}
	}
	ciphertext, err := f.backend.Download(ctx, url, progress)
	if err != nil {
		return nil, &Error{Kind: TransportFailed, Err: err}
	}
	plaintext, err := f.cipher.Decrypt(string(ciphertext), key)
	if err != nil {
		return nil, &Error{Kind: CryptoFailed, Err: err}
	}
	return plaintext, nil
}

// save writes data into directory under the base of name and returns
// the path.
func save(directory, name string, data []byte) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		base = "download"
	}
	path := filepath.Join(directory, base)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", &Error{Kind: InvalidRequest, Err: err}
	}
	return path, nil
}
