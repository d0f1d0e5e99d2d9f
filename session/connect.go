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

// Package session implements one connected peer: the connect/handshake
// lifecycle and the steady-state read/write loop that exchanges framed
// wire messages with the scheduler via channels.
package session

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/goswarm/goswarm/core"
	"github.com/goswarm/goswarm/wire"
)

// NetworkError reports a transient failure establishing or maintaining a
// TCP connection to a peer: dial timeout, connection refused, reset, etc.
// It is fatal to the one session but never to the program.
type NetworkError struct {
	What string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("session: network error: %s", e.What)
}

// ProtocolError reports a handshake that failed validation: wrong pstrlen,
// wrong pstr, or (by the caller, who knows the expected value) a mismatched
// info hash. Fatal to the session.
type ProtocolError struct {
	What string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("session: protocol error: %s", e.What)
}

// connect dials addr with a timeout and performs the full handshake
// sequence described by the peer session lifecycle: send our handshake,
// read the remote's, and validate it against infoHash. Returns the live
// connection and the remote's peer id.
func connect(addr string, infoHash core.InfoHash, localPeerID core.PeerID, timeout time.Duration) (net.Conn, core.PeerID, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, core.PeerID{}, &NetworkError{What: fmt.Sprintf("dial %s: %s", addr, err)}
	}

	if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		nc.Close()
		return nil, core.PeerID{}, &NetworkError{What: fmt.Sprintf("set handshake deadline: %s", err)}
	}

	out := wire.Handshake{InfoHash: infoHash, PeerID: localPeerID}
	if _, err := nc.Write(out.Encode()); err != nil {
		nc.Close()
		return nil, core.PeerID{}, &NetworkError{What: fmt.Sprintf("write handshake: %s", err)}
	}

	buf := make([]byte, wire.HandshakeLength)
	if _, err := io.ReadFull(nc, buf); err != nil {
		nc.Close()
		return nil, core.PeerID{}, &NetworkError{What: fmt.Sprintf("read handshake: %s", err)}
	}
	in, err := wire.DecodeHandshake(buf)
	if err != nil {
		nc.Close()
		return nil, core.PeerID{}, &ProtocolError{What: err.Error()}
	}
	if in.InfoHash != infoHash {
		nc.Close()
		return nil, core.PeerID{}, &ProtocolError{What: "handshake info_hash mismatch"}
	}

	// Clear the handshake deadline; steady-state idle timeouts are managed
	// explicitly by the read loop.
	if err := nc.SetDeadline(time.Time{}); err != nil {
		nc.Close()
		return nil, core.PeerID{}, &NetworkError{What: fmt.Sprintf("clear deadline: %s", err)}
	}

	return nc, in.PeerID, nil
}
