// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package core

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidInfoHashLength returns when a string info hash does not decode
// into 20 bytes, mirroring ErrInvalidPeerIDLength's treatment of PeerID.
var ErrInvalidInfoHashLength = errors.New("info hash has invalid length")

// InfoHash is the 20-byte SHA-1 digest of the raw, unmodified byte range
// that encoded a torrent's info dictionary. It is the authoritative
// identifier for a torrent swarm; two metainfo files whose info dicts
// serialize differently (even if semantically equivalent) have different
// InfoHashes, since the hash is never computed from a re-serialized value.
type InfoHash [20]byte

// NewInfoHashFromHex parses an InfoHash from its 40-character hexadecimal
// encoding, as found in magnet links and torrent client logs.
func NewInfoHashFromHex(s string) (InfoHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return InfoHash{}, fmt.Errorf("decode hex: %s", err)
	}
	if len(b) != 20 {
		return InfoHash{}, ErrInvalidInfoHashLength
	}
	var h InfoHash
	copy(h[:], b)
	return h, nil
}

// NewInfoHashFromBytes computes the InfoHash of the exact raw bytes that
// encoded a torrent's info dictionary. Callers must pass the span produced
// by bencode.ExtractInfoSlice, never a re-serialized value.
func NewInfoHashFromBytes(b []byte) InfoHash {
	sum := sha1.Sum(b)
	return InfoHash(sum)
}

// Bytes returns h's raw 20 bytes.
func (h InfoHash) Bytes() []byte {
	return h[:]
}

// Hex encodes h in hexadecimal notation.
func (h InfoHash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String implements fmt.Stringer.
func (h InfoHash) String() string {
	return h.Hex()
}

// LessThan returns whether h is less than o, for deterministic ordering in
// logs and tests when more than one torrent is involved.
func (h InfoHash) LessThan(o InfoHash) bool {
	return bytes.Compare(h[:], o[:]) == -1
}
