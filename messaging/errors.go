// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
)

// APIError is a non-2xx response from the backend. Callers extract it
// with errors.As:
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound { ... }
type APIError struct {
	// StatusCode is the HTTP status.
	StatusCode int `json:"-"`
	// Message is the server's description, or the raw body when the
	// server did not send JSON.
	Message string `json:"message"`
	// TrackingID correlates the failure with server logs.
	TrackingID string `json:"trackingId,omitempty"`
	// Method and Path identify the failed request.
	Method string `json:"-"`
	Path   string `json:"-"`
}

func (e *APIError) Error() string {
	if e.TrackingID != "" {
		return fmt.Sprintf("messaging: %s %s: %d: %s (tracking id %s)", e.Method, e.Path, e.StatusCode, e.Message, e.TrackingID)
	}
	return fmt.Sprintf("messaging: %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// IsStatus reports whether err is an *APIError with the given status.
func IsStatus(err error, statusCode int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == statusCode
	}
	return false
}
