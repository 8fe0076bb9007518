// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// MaxDownloadSize bounds Download: 1 GB.
const MaxDownloadSize int64 = 1 << 30

// CreateUploadSession opens an upload of size bytes into spaceURL.
func (c *Client) CreateUploadSession(ctx context.Context, spaceURL string, size int64) (*UploadSession, error) {
	request := map[string]int64{"fileSize": size}
	body, err := c.doRequest(ctx, http.MethodPost, spaceURL+"/upload_sessions", request, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: create upload session: %w", err)
	}
	var response UploadSession
	if err := decode(body, &response, "upload session"); err != nil {
		return nil, err
	}
	if response.UploadURL == "" || response.FinishUploadURL == "" {
		return nil, fmt.Errorf("messaging: upload session response is missing uploadUrl or finishUploadUrl")
	}
	return &response, nil
}

// Upload PUTs size bytes from body to a pre-signed uploadURL. progress,
// if non-nil, receives the fraction sent in [0, 1].
func (c *Client) Upload(ctx context.Context, uploadURL string, body io.Reader, size int64, progress func(float64)) error {
	reader := body
	if progress != nil {
		reader = &progressReader{reader: body, total: size, report: progress}
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, reader)
	if err != nil {
		return fmt.Errorf("messaging: failed to create upload request: %w", err)
	}
	request.ContentLength = size
	request.Header.Set("Content-Type", "application/octet-stream")

	if _, err := c.send(request, 0); err != nil {
		return fmt.Errorf("messaging: upload: %w", err)
	}
	if progress != nil {
		progress(1)
	}
	return nil
}

// FinishUpload completes an upload and returns where it can be
// downloaded.
func (c *Client) FinishUpload(ctx context.Context, finishURL string, size int64) (*FinishedUpload, error) {
	request := map[string]int64{"size": size}
	body, err := c.doRequest(ctx, http.MethodPost, finishURL, request, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: finish upload: %w", err)
	}
	var response FinishedUpload
	if err := decode(body, &response, "finish upload"); err != nil {
		return nil, err
	}
	if response.DownloadURL == "" {
		return nil, fmt.Errorf("messaging: finish upload response has no downloadUrl")
	}
	return &response, nil
}

// Download fetches the bytes at downloadURL, up to MaxDownloadSize.
// progress, if non-nil, receives the fraction received in [0, 1].
func (c *Client) Download(ctx context.Context, downloadURL string, progress func(float64)) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create download request: %w", err)
	}
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+token)

	if progress != nil {
		progress(0)
	}
	body, err := c.sendReporting(request, MaxDownloadSize, progress)
	if err != nil {
		return nil, fmt.Errorf("messaging: download: %w", err)
	}
	if progress != nil {
		progress(1)
	}
	return body, nil
}

type progressReader struct {
	reader io.Reader
	total  int64
	sent   atomic.Int64
	report func(float64)
}

func (p *progressReader) Read(buffer []byte) (int, error) {
	count, err := p.reader.Read(buffer)
	if count > 0 && p.total > 0 {
		sent := p.sent.Add(int64(count))
		p.report(min(float64(sent)/float64(p.total), 1))
	}
	return count, err
}
