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

import "encoding/binary"

// MaxMessageLength bounds the length prefix a Framer will accept, guarding
// against a peer claiming an absurd frame size and exhausting memory while
// we wait for the rest of it to arrive.
const MaxMessageLength = 1 << 20

// Framer incrementally reassembles peer wire messages out of a byte stream
// that may be delivered in arbitrarily small or large chunks. It never
// returns a partial message: bytes that don't yet form a complete frame
// stay buffered until Push is called again with more data.
type Framer struct {
	buf []byte
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Push appends chunk to the internal buffer and returns every complete
// message the buffer now contains, draining them from the front. It
// returns a WireError (via Error) if a length prefix or message id is
// malformed; the Framer must not be reused after an error.
func (f *Framer) Push(chunk []byte) ([]Message, error) {
	f.buf = append(f.buf, chunk...)

	var out []Message
	for {
		if len(f.buf) < 4 {
			break
		}
		length := binary.BigEndian.Uint32(f.buf[0:4])
		if length == 0 {
			out = append(out, KeepAliveMessage())
			f.buf = f.buf[4:]
			continue
		}
		if length > MaxMessageLength {
			return nil, errf("frame length %d exceeds max %d", length, MaxMessageLength)
		}
		total := 4 + int(length)
		if len(f.buf) < total {
			break
		}
		id := f.buf[4]
		body := f.buf[5:total]
		msg, err := decodeBody(id, body)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
		f.buf = f.buf[total:]
	}
	return out, nil
}
