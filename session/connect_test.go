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
package session

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goswarm/goswarm/core"
	"github.com/goswarm/goswarm/wire"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestConnectSucceedsOnMatchingInfoHash(t *testing.T) {
	require := require.New(t)

	l := listen(t)
	infoHash := core.InfoHash{1, 1, 1}
	localID := randPeerID(t)
	remoteID := randPeerID(t)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		acceptHandshake(t, conn, infoHash, remoteID)
	}()

	nc, gotRemoteID, err := connect(l.Addr().String(), infoHash, localID, time.Second)
	require.NoError(err)
	defer nc.Close()
	require.Equal(remoteID, gotRemoteID)
}

// TestConnectRejectsMismatchedInfoHash reproduces the specification's bad
// handshake scenario: the remote's handshake is well-formed but names a
// different torrent, so the session must fail immediately rather than
// continue as if the swarm matched.
func TestConnectRejectsMismatchedInfoHash(t *testing.T) {
	require := require.New(t)

	l := listen(t)
	wantHash := core.InfoHash{1}
	wrongHash := core.InfoHash{2}
	localID := randPeerID(t)
	remoteID := randPeerID(t)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, wire.HandshakeLength)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		out := wire.Handshake{InfoHash: wrongHash, PeerID: remoteID}
		conn.Write(out.Encode())
	}()

	_, _, err := connect(l.Addr().String(), wantHash, localID, time.Second)
	require.Error(err)
	var protoErr *ProtocolError
	require.ErrorAs(err, &protoErr)
}

func TestConnectFailsOnUnreachableAddr(t *testing.T) {
	_, _, err := connect("127.0.0.1:1", core.InfoHash{}, randPeerID(t), 200*time.Millisecond)
	require.Error(t, err)
}
