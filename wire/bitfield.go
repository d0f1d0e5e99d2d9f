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
package wire

import "github.com/willf/bitset"

// EncodeBitfield packs an in-memory bitset into BEP 3's wire format: piece
// index (8*byte + bit_in_byte_from_MSB) maps to bit (8*byte +
// bit_in_byte_from_MSB). numPieces bounds how many trailing bits are
// meaningful; the rest of the final byte is zero-padded.
//
// This conversion is hand-written rather than delegated to
// bitset.BitSet.MarshalBinary: that method's own on-wire byte layout isn't
// guaranteed to match BEP 3's specific MSB-first-per-byte convention, and
// getting this wrong would silently corrupt which piece indices a peer is
// understood to hold.
func EncodeBitfield(bits *bitset.BitSet, numPieces int) []byte {
	out := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if bits.Test(uint(i)) {
			out[i/8] |= 1 << uint(7-(i%8))
		}
	}
	return out
}

// DecodeBitfield unpacks wire-format bitfield bytes into an in-memory
// bitset of numPieces bits. Returns an error if b's length doesn't match
// ceil(numPieces/8), or if any bit beyond numPieces-1 (a "trailing bit") is
// set -- per BEP 3, surplus high bits must be zero.
func DecodeBitfield(b []byte, numPieces int) (*bitset.BitSet, error) {
	wantLen := (numPieces + 7) / 8
	if len(b) != wantLen {
		return nil, errf("bitfield length %d, want %d for %d pieces", len(b), wantLen, numPieces)
	}
	bits := bitset.New(uint(numPieces))
	for i := 0; i < numPieces; i++ {
		if b[i/8]&(1<<uint(7-(i%8))) != 0 {
			bits.Set(uint(i))
		}
	}
	// Verify trailing bits in the final byte, beyond numPieces-1, are zero.
	if numPieces%8 != 0 {
		last := b[len(b)-1]
		trailingMask := byte(0xFF) >> uint(numPieces%8)
		if last&trailingMask != 0 {
			return nil, errf("bitfield has non-zero trailing bits referring to nonexistent pieces")
		}
	}
	return bits, nil
}
