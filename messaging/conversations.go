// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// GetConversation fetches conversation metadata without activities or
// participants.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	query := url.Values{
		"includeActivities":   {"false"},
		"includeParticipants": {"false"},
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, query, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get conversation %s: %w", conversationID, err)
	}
	var response Conversation
	if err := decode(body, &response, "conversation"); err != nil {
		return nil, err
	}
	return &response, nil
}

// AllocateSpace returns the conversation's file upload space,
// creating it on first use.
func (c *Client) AllocateSpace(ctx context.Context, conversationID string) (*Space, error) {
	body, err := c.doRequest(ctx, http.MethodPut, "/conversations/"+url.PathEscape(conversationID)+"/space", nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: allocate space for %s: %w", conversationID, err)
	}
	var response Space
	if err := decode(body, &response, "space"); err != nil {
		return nil, err
	}
	if response.SpaceURL == "" {
		return nil, fmt.Errorf("messaging: space response for %s has no spaceUrl", conversationID)
	}
	return &response, nil
}

// LookupConversationByEmail returns the one-to-one conversation with
// the person at email, creating it if needed.
func (c *Client) LookupConversationByEmail(ctx context.Context, email string) (*Conversation, error) {
	query := url.Values{
		"activitiesLimit": {"0"},
		"compact":         {"true"},
	}
	body, err := c.doRequest(ctx, http.MethodPut, "/conversations/user/"+url.PathEscape(email), nil, query, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: conversation with %s: %w", email, err)
	}
	var response Conversation
	if err := decode(body, &response, "conversation"); err != nil {
		return nil, err
	}
	if response.ID == "" {
		return nil, fmt.Errorf("messaging: conversation response for %s has no id", email)
	}
	return &response, nil
}
