// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"io"
)

// maxTokenSize bounds ReadToken. Bearer tokens are a few kilobytes.
const maxTokenSize = 64 << 10

// ReadToken reads a single secret from reader, trims surrounding
// whitespace and moves it into a protected buffer. Used for tokens
// piped on stdin or read from a file.
func ReadToken(reader io.Reader) (*Buffer, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxTokenSize))
	if err != nil {
		Zero(data)
		return nil, fmt.Errorf("secret: reading token: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret: token is empty")
	}
	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
