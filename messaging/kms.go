// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries a per-request UUID on KMS relay posts.
const RequestIDHeader = "Cisco-Request-ID"

// UserInfo returns the authenticated user.
func (c *Client) UserInfo(ctx context.Context) (*UserInfo, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/users", nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: user info failed: %w", err)
	}
	var response UserInfo
	if err := decode(body, &response, "user info"); err != nil {
		return nil, err
	}
	if response.ID == "" {
		return nil, fmt.Errorf("messaging: user info response has no id")
	}
	return &response, nil
}

// KMSInfo returns the KMS cluster and its static public key.
func (c *Client) KMSInfo(ctx context.Context) (*KMSInfo, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/kms", nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: kms info failed: %w", err)
	}
	var response KMSInfo
	if err := decode(body, &response, "kms info"); err != nil {
		return nil, err
	}
	if response.Cluster == "" || response.StaticPublicKey == "" {
		return nil, fmt.Errorf("messaging: kms info response is missing kmsCluster or rsaPublicKey")
	}
	return &response, nil
}

// SendKMSMessages relays encrypted KMS requests. Responses normally
// arrive on the push channel; any returned inline are in the result.
func (c *Client) SendKMSMessages(ctx context.Context, request KMSMessageRequest) (*KMSMessageResponse, error) {
	headers := http.Header{}
	headers.Set(RequestIDHeader, uuid.NewString())

	body, err := c.doRequest(ctx, http.MethodPost, c.kmsURL+"/kms/messages", request, nil, headers)
	if err != nil {
		return nil, fmt.Errorf("messaging: kms messages failed: %w", err)
	}
	var response KMSMessageResponse
	if len(body) == 0 {
		return &response, nil
	}
	if err := decode(body, &response, "kms messages"); err != nil {
		return nil, err
	}
	return &response, nil
}
