// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds HTTP response reads for JSON API clients.
//
// Backend and KMS responses are small JSON documents. Reading them
// through MaxResponseSize keeps a misbehaving server from exhausting
// memory. File downloads are not JSON and are capped separately by the
// caller.
package netutil

import (
	"io"
	"strings"
)

// MaxResponseSize bounds successful JSON response reads: 64 MB.
const MaxResponseSize int64 = 64 << 20

// MaxErrorBodySize bounds how much of an error response ends up in an
// error message.
const MaxErrorBodySize int64 = 4 << 10

// ErrorBody returns the readable prefix of an error response body with
// surrounding whitespace trimmed. A body longer than MaxErrorBodySize
// is cut off and marked with "...".
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxErrorBodySize+1))
	truncated := int64(len(data)) > MaxErrorBodySize
	if truncated {
		data = data[:MaxErrorBodySize]
	}
	text := strings.TrimSpace(string(data))
	if truncated {
		text += "..."
	}
	return text
}
