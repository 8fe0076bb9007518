// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ListActivities fetches a page of a conversation's activities.
func (c *Client) ListActivities(ctx context.Context, options ListActivitiesOptions) ([]Activity, error) {
	if options.ConversationID == "" {
		return nil, fmt.Errorf("messaging: ConversationID is required to list activities")
	}
	query := url.Values{"conversationId": {options.ConversationID}}
	if options.Limit > 0 {
		query.Set("limit", strconv.Itoa(options.Limit))
	}
	setDate(query, "sinceDate", options.Since)
	setDate(query, "maxDate", options.Before)
	setDate(query, "midDate", options.Around)
	if options.LastActivityFirst {
		query.Set("lastActivityFirst", "true")
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/activities", nil, query, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: list activities in %s: %w", options.ConversationID, err)
	}
	var response struct {
		Items []Activity `json:"items"`
	}
	if err := decode(body, &response, "activities"); err != nil {
		return nil, err
	}
	return response.Items, nil
}

// GetActivity fetches one activity by id.
func (c *Client) GetActivity(ctx context.Context, activityID string) (*Activity, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/activities/"+url.PathEscape(activityID), nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get activity %s: %w", activityID, err)
	}
	var response Activity
	if err := decode(body, &response, "activity"); err != nil {
		return nil, err
	}
	return &response, nil
}

// PostActivity publishes an activity and returns the server's copy.
func (c *Client) PostActivity(ctx context.Context, activity Activity) (*Activity, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/activities", activity, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: post %s activity: %w", activity.Verb, err)
	}
	var response Activity
	if err := decode(body, &response, "activity"); err != nil {
		return nil, err
	}
	return &response, nil
}

// SetTyping starts or stops the caller's typing indicator.
func (c *Client) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	event := TypingEvent{EventType: TypingStopped, ConversationID: conversationID}
	if typing {
		event.EventType = TypingStarted
	}
	if _, err := c.doRequest(ctx, http.MethodPost, "/status/typing", event, nil, nil); err != nil {
		return fmt.Errorf("messaging: typing status for %s: %w", conversationID, err)
	}
	return nil
}

// Flag flags the activity at activityURL for the caller.
func (c *Client) Flag(ctx context.Context, activityURL string) (*Flag, error) {
	request := Flag{FlagItem: activityURL, State: "flagged"}
	body, err := c.doRequest(ctx, http.MethodPost, "/flags", request, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: flag %s: %w", activityURL, err)
	}
	var response Flag
	if err := decode(body, &response, "flag"); err != nil {
		return nil, err
	}
	return &response, nil
}

// Unflag removes a flag.
func (c *Client) Unflag(ctx context.Context, flagID string) error {
	if _, err := c.doRequest(ctx, http.MethodDelete, "/flags/"+url.PathEscape(flagID), nil, nil, nil); err != nil {
		return fmt.Errorf("messaging: unflag %s: %w", flagID, err)
	}
	return nil
}

func setDate(query url.Values, key string, value time.Time) {
	if !value.IsZero() {
		query.Set(key, value.UTC().Format(time.RFC3339Nano))
	}
}
