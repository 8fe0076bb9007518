// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is the panic value for reads from a closed Buffer.
var ErrClosed = errors.New("secret: buffer is closed")

// Buffer holds a bearer token or an ephemeral KMS key outside the Go
// heap, locked into RAM and excluded from core dumps. Do not copy a
// Buffer after creation.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

// lockRegion maps size bytes of anonymous memory that cannot be
// swapped or dumped.
func lockRegion(size int) ([]byte, error) {
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap %d bytes: %w", size, err)
	}
	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unlockRegion(region)
		return nil, fmt.Errorf("secret: madvise: %w", err)
	}
	return region, nil
}

// unlockRegion zeroes and unmaps a region from lockRegion.
func unlockRegion(region []byte) error {
	Zero(region)
	return errors.Join(unix.Munlock(region), unix.Munmap(region))
}

// NewFromBytes moves source into a locked buffer, zeroing source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, errors.New("secret: empty value")
	}
	region, err := lockRegion(len(source))
	if err != nil {
		return nil, err
	}
	copy(region, source)
	Zero(source)
	return &Buffer{data: region}, nil
}

// NewFromString copies value into a locked buffer. The string itself
// stays on the heap until collected.
func NewFromString(value string) (*Buffer, error) {
	return NewFromBytes([]byte(value))
}

func (b *Buffer) contents() []byte {
	if b.data == nil {
		panic(ErrClosed)
	}
	return b.data
}

// Bytes returns the locked slice. Do not retain it past Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contents()
}

// String returns a heap copy for APIs that only take strings, such as
// JWE key parsing and the Authorization header.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.contents())
}

// Close zeroes and unmaps the memory. Closing twice is a no-op.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil
	}
	region := b.data
	b.data = nil
	if err := unlockRegion(region); err != nil {
		return fmt.Errorf("secret: releasing buffer: %w", err)
	}
	return nil
}

// Zero overwrites data with zeroes.
func Zero(data []byte) {
	clear(data)
}
