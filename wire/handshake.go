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

import "github.com/goswarm/goswarm/core"

// ProtocolString is the fixed protocol identifier exchanged in the handshake.
const ProtocolString = "BitTorrent protocol"

// HandshakeLength is the fixed wire length of a handshake message.
const HandshakeLength = 1 + len(ProtocolString) + 8 + 20 + 20

// Handshake is the fixed 68-byte peer handshake.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// Encode serializes h into the 68-byte wire form:
// pstrlen(1) | pstr(19) | reserved(8) | info_hash(20) | peer_id(20).
func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeLength)
	buf[0] = byte(len(ProtocolString))
	copy(buf[1:], ProtocolString)
	// buf[1+len(ProtocolString) : 1+len(ProtocolString)+8] stays zero (reserved).
	off := 1 + len(ProtocolString) + 8
	copy(buf[off:off+20], h.InfoHash.Bytes())
	copy(buf[off+20:off+40], h.PeerID[:])
	return buf
}

// DecodeHandshake parses exactly HandshakeLength bytes into a Handshake.
// Any mismatch of pstrlen or pstr is a fatal ProtocolError -- the caller
// must abort the session.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLength {
		return Handshake{}, errf("handshake length %d, want %d", len(buf), HandshakeLength)
	}
	pstrlen := int(buf[0])
	if pstrlen != len(ProtocolString) {
		return Handshake{}, errf("handshake pstrlen %d, want %d", pstrlen, len(ProtocolString))
	}
	pstr := string(buf[1 : 1+pstrlen])
	if pstr != ProtocolString {
		return Handshake{}, errf("handshake pstr %q, want %q", pstr, ProtocolString)
	}
	off := 1 + pstrlen + 8
	var h Handshake
	copy(h.InfoHash[:], buf[off:off+20])
	copy(h.PeerID[:], buf[off+20:off+40])
	return h, nil
}
