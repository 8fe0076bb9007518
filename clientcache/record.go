// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clientcache

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Rows hold ClientInfo as deterministic CBOR with integer keys. Times
// are stored as RFC 3339 text so the column stays readable from the
// sqlite3 shell with cbor tooling.
var (
	recordEncoding cbor.EncMode
	recordDecoding cbor.DecMode
)

func init() {
	options := cbor.CoreDetEncOptions()
	options.Time = cbor.TimeRFC3339Nano
	var err error
	recordEncoding, err = options.EncMode()
	if err != nil {
		panic("clientcache: record encoder: " + err.Error())
	}
	recordDecoding, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("clientcache: record decoder: " + err.Error())
	}
}

func encodeRecord(info ClientInfo) ([]byte, error) {
	return recordEncoding.Marshal(info)
}

// decodeRecord rejects rows with fields this version does not know, so
// a row written by a newer client is refetched instead of half-read.
func decodeRecord(data []byte) (ClientInfo, error) {
	var info ClientInfo
	if err := recordDecoding.Unmarshal(data, &info); err != nil {
		return ClientInfo{}, fmt.Errorf("decoding record: %w", err)
	}
	return info, nil
}
