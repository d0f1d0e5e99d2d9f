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
package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goswarm/goswarm/bencode"
	"github.com/goswarm/goswarm/core"
	"github.com/goswarm/goswarm/metainfo"
)

func testParams() AnnounceParams {
	return AnnounceParams{
		InfoHash: core.InfoHash{1, 2, 3},
		PeerID:   core.PeerID{4, 5, 6},
		Port:     6881,
		Left:     1000,
	}
}

func compactPeerBytes(peers ...Peer) []byte {
	out := make([]byte, 0, 6*len(peers))
	for _, p := range peers {
		out = append(out, p.IP.To4()...)
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, p.Port)
		out = append(out, b...)
	}
	return out
}

func TestAnnounceHTTPCompactFormat(t *testing.T) {
	require := require.New(t)

	want := []Peer{
		{IP: net.IPv4(10, 0, 0, 1), Port: 6881},
		{IP: net.IPv4(10, 0, 0, 2), Port: 6882},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal("1", r.URL.Query().Get("compact"))
		resp := &bencode.Value{Kind: bencode.KindDict, DictKeys: []string{"interval", "peers"}, Dict: map[string]*bencode.Value{
			"interval": {Kind: bencode.KindInteger, Int: 1800},
			"peers":    {Kind: bencode.KindBytes, Bytes: compactPeerBytes(want...)},
		}}
		w.Write(bencode.Encode(resp))
	}))
	defer srv.Close()

	c := New(Config{}, nil)
	peers, err := c.AnnounceHTTP(context.Background(), srv.URL, testParams())
	require.NoError(err)
	require.Equal(want, peers)
}

func TestAnnounceHTTPDictFormat(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := &bencode.Value{Kind: bencode.KindDict, DictKeys: []string{"peers"}, Dict: map[string]*bencode.Value{
			"peers": {Kind: bencode.KindList, List: []*bencode.Value{
				{Kind: bencode.KindDict, DictKeys: []string{"ip", "port"}, Dict: map[string]*bencode.Value{
					"ip":   {Kind: bencode.KindBytes, Bytes: []byte("192.168.1.5")},
					"port": {Kind: bencode.KindInteger, Int: 51413},
				}},
			}},
		}}
		w.Write(bencode.Encode(resp))
	}))
	defer srv.Close()

	c := New(Config{}, nil)
	peers, err := c.AnnounceHTTP(context.Background(), srv.URL, testParams())
	require.NoError(err)
	require.Len(peers, 1)
	require.Equal("192.168.1.5", peers[0].IP.String())
	require.EqualValues(51413, peers[0].Port)
}

func TestAnnounceHTTPFailureReason(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := &bencode.Value{Kind: bencode.KindDict, DictKeys: []string{"failure reason"}, Dict: map[string]*bencode.Value{
			"failure reason": {Kind: bencode.KindBytes, Bytes: []byte("unregistered torrent")},
		}}
		w.Write(bencode.Encode(resp))
	}))
	defer srv.Close()

	c := New(Config{}, nil)
	_, err := c.AnnounceHTTP(context.Background(), srv.URL, testParams())
	require.Error(err)
}

// fakeUDPTracker plays the server side of BEP 15 connect/announce for one
// exchange, then stops. The raw announce request is copied into
// capturedAnnounce (if non-nil) so tests can inspect the bytes the client
// actually sent.
func fakeUDPTracker(t *testing.T, peers []Peer, capturedAnnounce *[]byte) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 2048)
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil || n < 16 {
			return
		}
		txID := binary.BigEndian.Uint32(buf[12:16])
		connResp := make([]byte, 16)
		binary.BigEndian.PutUint32(connResp[0:4], udpActionConnect)
		binary.BigEndian.PutUint32(connResp[4:8], txID)
		binary.BigEndian.PutUint64(connResp[8:16], 0xabcdef)
		conn.WriteToUDP(connResp, remote)

		n, remote, err = conn.ReadFromUDP(buf)
		if err != nil || n < 98 {
			return
		}
		if capturedAnnounce != nil {
			*capturedAnnounce = append([]byte(nil), buf[:n]...)
		}
		txID = binary.BigEndian.Uint32(buf[12:16])
		peerBytes := compactPeerBytes(peers...)
		announceResp := make([]byte, 20+len(peerBytes))
		binary.BigEndian.PutUint32(announceResp[0:4], udpActionAnnounce)
		binary.BigEndian.PutUint32(announceResp[4:8], txID)
		binary.BigEndian.PutUint32(announceResp[8:12], 1800)
		binary.BigEndian.PutUint32(announceResp[12:16], 0)
		binary.BigEndian.PutUint32(announceResp[16:20], uint32(len(peers)))
		copy(announceResp[20:], peerBytes)
		conn.WriteToUDP(announceResp, remote)
	}()

	return conn
}

func TestAnnounceUDPRoundTrip(t *testing.T) {
	require := require.New(t)

	want := []Peer{{IP: net.IPv4(203, 0, 113, 9), Port: 9999}}
	var announceReq []byte
	srv := fakeUDPTracker(t, want, &announceReq)
	defer srv.Close()

	c := New(Config{}, nil)
	peers, err := c.AnnounceUDP(context.Background(), srv.LocalAddr().String(), testParams())
	require.NoError(err)
	require.Equal(want, peers)

	require.GreaterOrEqual(len(announceReq), 98)
	require.Equal(udpActionAnnounce, binary.BigEndian.Uint32(announceReq[8:12]))
	require.Equal(udpEventStarted, binary.BigEndian.Uint32(announceReq[80:84]))
}

func TestAnnounceAllDeduplicatesAcrossTrackers(t *testing.T) {
	require := require.New(t)

	shared := Peer{IP: net.IPv4(10, 1, 1, 1), Port: 6881}
	unique1 := Peer{IP: net.IPv4(10, 1, 1, 2), Port: 6882}
	unique2 := Peer{IP: net.IPv4(10, 1, 1, 3), Port: 6883}

	respond := func(peers []Peer) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			resp := &bencode.Value{Kind: bencode.KindDict, DictKeys: []string{"peers"}, Dict: map[string]*bencode.Value{
				"peers": {Kind: bencode.KindBytes, Bytes: compactPeerBytes(peers...)},
			}}
			w.Write(bencode.Encode(resp))
		}
	}

	srv1 := httptest.NewServer(respond([]Peer{shared, unique1}))
	defer srv1.Close()
	srv2 := httptest.NewServer(respond([]Peer{shared, unique2}))
	defer srv2.Close()

	m := &metainfo.Metainfo{AnnounceList: []string{srv1.URL, srv2.URL}}
	c := New(Config{}, nil)
	addrs, err := c.AnnounceAll(context.Background(), m, testParams())
	require.NoError(err)
	require.Len(addrs, 3)
}

func TestAnnounceAllFailsWhenEveryTrackerFails(t *testing.T) {
	m := &metainfo.Metainfo{AnnounceList: []string{"http://127.0.0.1:1/announce"}}
	c := New(Config{}, nil)
	_, err := c.AnnounceAll(context.Background(), m, testParams())
	require.Error(t, err)
}
