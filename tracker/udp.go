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
	"fmt"
	"math/rand"
	"net"
	"time"
)

// udpProtocolID is the fixed magic constant opening every connect request,
// per BEP 15.
const udpProtocolID uint64 = 0x41727101980

const (
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
	udpActionError    uint32 = 3
)

// udpEventStarted is the only announce event this client ever sends: it
// performs one announce per torrent and never reports stopped/completed.
const udpEventStarted uint32 = 2

const udpMaxAttempts = 3

// AnnounceUDP performs a single UDP tracker announce (BEP 15): a connect
// request to obtain a connection id, followed by an announce request
// carrying it. Both steps are retried up to udpMaxAttempts times with a
// per-attempt deadline of 5, 7 and 9 seconds; the whole exchange is cut off
// once Config.Timeout has elapsed.
func (c *Client) AnnounceUDP(ctx context.Context, hostport string, params AnnounceParams) ([]Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, &Error{What: fmt.Sprintf("resolve %q: %s", hostport, err)}
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, &Error{What: fmt.Sprintf("dial %q: %s", hostport, err)}
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	connID, err := udpConnect(conn)
	if err != nil {
		return nil, err
	}
	return udpAnnounce(conn, connID, params)
}

func udpConnect(conn *net.UDPConn) (uint64, error) {
	txID := rand.Uint32()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp := make([]byte, 16)
	for attempt := 0; attempt < udpMaxAttempts; attempt++ {
		conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))
		if _, err := conn.Write(req); err != nil {
			continue
		}
		n, err := conn.Read(resp)
		if err != nil || n < 16 {
			continue
		}
		if binary.BigEndian.Uint32(resp[0:4]) != udpActionConnect {
			return 0, &Error{What: "connect response has wrong action"}
		}
		if binary.BigEndian.Uint32(resp[4:8]) != txID {
			return 0, &Error{What: "connect response transaction id mismatch"}
		}
		return binary.BigEndian.Uint64(resp[8:16]), nil
	}
	return 0, &Error{What: fmt.Sprintf("no connect response after %d attempts", udpMaxAttempts)}
}

func udpAnnounce(conn *net.UDPConn, connID uint64, params AnnounceParams) ([]Peer, error) {
	txID := rand.Uint32()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], params.InfoHash.Bytes())
	copy(req[36:56], params.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(params.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(params.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(params.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], udpEventStarted)
	binary.BigEndian.PutUint32(req[84:88], 0) // ip: default
	binary.BigEndian.PutUint32(req[88:92], rand.Uint32())
	numWant := int32(-1)
	if params.NumWant > 0 {
		numWant = int32(params.NumWant)
	}
	binary.BigEndian.PutUint32(req[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(req[96:98], params.Port)

	resp := make([]byte, 2048)
	for attempt := 0; attempt < udpMaxAttempts; attempt++ {
		conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))
		if _, err := conn.Write(req); err != nil {
			continue
		}
		n, err := conn.Read(resp)
		if err != nil || n < 20 {
			continue
		}
		action := binary.BigEndian.Uint32(resp[0:4])
		if binary.BigEndian.Uint32(resp[4:8]) != txID {
			return nil, &Error{What: "announce response transaction id mismatch"}
		}
		if action == udpActionError {
			return nil, &Error{What: fmt.Sprintf("tracker error: %s", resp[8:n])}
		}
		if action != udpActionAnnounce {
			return nil, &Error{What: fmt.Sprintf("announce response has wrong action %d", action)}
		}
		return parseCompactPeers(resp[20:n])
	}
	return nil, &Error{What: fmt.Sprintf("no announce response after %d attempts", udpMaxAttempts)}
}
