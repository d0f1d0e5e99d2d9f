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

// Package wire implements the BitTorrent peer wire protocol: the fixed
// 68-byte handshake, the 4-byte-length-prefixed message framing, and the
// nine post-handshake message types.
package wire

import (
	"encoding/binary"
	"fmt"
	"time"
)

// KeepAliveInterval is how often a session should emit a KeepAlive message
// after a period of outbound idleness.
const KeepAliveInterval = 2 * time.Minute

// ID identifies a peer wire message type.
type ID byte

// The nine peer wire message ids.
const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	default:
		return fmt.Sprintf("ID(%d)", byte(id))
	}
}

// Message is a single decoded peer wire message. KeepAlive is represented by
// IsKeepAlive == true with every other field zero.
type Message struct {
	IsKeepAlive bool
	ID          ID

	// Have
	Index uint32

	// Bitfield
	BitfieldBytes []byte

	// Request / Cancel
	Begin  uint32
	Length uint32

	// Piece
	Block []byte
}

// KeepAliveMessage constructs a KeepAlive message.
func KeepAliveMessage() Message {
	return Message{IsKeepAlive: true}
}

// ChokeMessage, UnchokeMessage, InterestedMessage and NotInterestedMessage
// construct their respective zero-body messages.
func ChokeMessage() Message         { return Message{ID: Choke} }
func UnchokeMessage() Message       { return Message{ID: Unchoke} }
func InterestedMessage() Message    { return Message{ID: Interested} }
func NotInterestedMessage() Message { return Message{ID: NotInterested} }

// HaveMessage constructs a Have message for piece index.
func HaveMessage(index uint32) Message {
	return Message{ID: Have, Index: index}
}

// BitfieldMessage constructs a Bitfield message from its already-encoded
// wire bytes (see bitfield.go for the bit-layout helpers).
func BitfieldMessage(b []byte) Message {
	return Message{ID: Bitfield, BitfieldBytes: b}
}

// RequestMessage constructs a Request message.
func RequestMessage(index, begin, length uint32) Message {
	return Message{ID: Request, Index: index, Begin: begin, Length: length}
}

// CancelMessage constructs a Cancel message.
func CancelMessage(index, begin, length uint32) Message {
	return Message{ID: Cancel, Index: index, Begin: begin, Length: length}
}

// PieceMessage constructs a Piece message carrying block.
func PieceMessage(index, begin uint32, block []byte) Message {
	return Message{ID: Piece, Index: index, Begin: begin, Block: block}
}

// Error reports a malformed wire frame: an out-of-range message id, or a
// body length inconsistent with the message's id.
type Error struct {
	What string
}

func (e *Error) Error() string {
	return fmt.Sprintf("wire: %s", e.What)
}

func errf(format string, args ...interface{}) error {
	return &Error{What: fmt.Sprintf(format, args...)}
}

// Encode serializes m as it would appear on the wire: the 4-byte big-endian
// length prefix followed by the message id and body. KeepAlive encodes as
// just the 4-byte zero length prefix.
func Encode(m Message) []byte {
	if m.IsKeepAlive {
		return []byte{0, 0, 0, 0}
	}

	var body []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		body = nil
	case Have:
		body = make([]byte, 4)
		binary.BigEndian.PutUint32(body, m.Index)
	case Bitfield:
		body = m.BitfieldBytes
	case Request, Cancel:
		body = make([]byte, 12)
		binary.BigEndian.PutUint32(body[0:4], m.Index)
		binary.BigEndian.PutUint32(body[4:8], m.Begin)
		binary.BigEndian.PutUint32(body[8:12], m.Length)
	case Piece:
		body = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(body[0:4], m.Index)
		binary.BigEndian.PutUint32(body[4:8], m.Begin)
		copy(body[8:], m.Block)
	}

	out := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(1+len(body)))
	out[4] = byte(m.ID)
	copy(out[5:], body)
	return out
}

// decodeBody parses a message id and body (the bytes following the length
// prefix) into a Message.
func decodeBody(id byte, body []byte) (Message, error) {
	switch ID(id) {
	case Choke:
		return ChokeMessage(), nil
	case Unchoke:
		return UnchokeMessage(), nil
	case Interested:
		return InterestedMessage(), nil
	case NotInterested:
		return NotInterestedMessage(), nil
	case Have:
		if len(body) != 4 {
			return Message{}, errf("Have body length %d, want 4", len(body))
		}
		return HaveMessage(binary.BigEndian.Uint32(body)), nil
	case Bitfield:
		buf := make([]byte, len(body))
		copy(buf, body)
		return BitfieldMessage(buf), nil
	case Request:
		if len(body) != 12 {
			return Message{}, errf("Request body length %d, want 12", len(body))
		}
		return RequestMessage(
			binary.BigEndian.Uint32(body[0:4]),
			binary.BigEndian.Uint32(body[4:8]),
			binary.BigEndian.Uint32(body[8:12]),
		), nil
	case Cancel:
		if len(body) != 12 {
			return Message{}, errf("Cancel body length %d, want 12", len(body))
		}
		return CancelMessage(
			binary.BigEndian.Uint32(body[0:4]),
			binary.BigEndian.Uint32(body[4:8]),
			binary.BigEndian.Uint32(body[8:12]),
		), nil
	case Piece:
		if len(body) < 8 {
			return Message{}, errf("Piece body length %d, want >= 8", len(body))
		}
		block := make([]byte, len(body)-8)
		copy(block, body[8:])
		return PieceMessage(
			binary.BigEndian.Uint32(body[0:4]),
			binary.BigEndian.Uint32(body[4:8]),
			block,
		), nil
	default:
		return Message{}, errf("unknown message id %d", id)
	}
}
