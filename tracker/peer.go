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

// Package tracker is an HTTP(S) and UDP BitTorrent tracker client: it
// announces this peer against a torrent's announce-list and returns the
// union of peers every tracker reports.
package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// Peer is one peer address a tracker handed back in an announce response.
type Peer struct {
	IP   net.IP
	Port uint16
}

// Addr renders the peer as a dialable "host:port" string, also used as the
// dedup key when merging results across trackers.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP.String(), p.Port)
}

// AddrPort converts the peer to a netip.AddrPort, the type the scheduler's
// peer reserve is keyed on.
func (p Peer) AddrPort() (netip.AddrPort, bool) {
	addr, ok := netip.AddrFromSlice(p.IP.To4())
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr, p.Port), true
}

// parseCompactPeers decodes the BEP 23 compact peer format: a byte string
// that is a flat sequence of 6-byte (4-byte IPv4 + 2-byte big-endian port)
// entries.
func parseCompactPeers(b []byte) ([]Peer, error) {
	if len(b)%6 != 0 {
		return nil, &Error{What: fmt.Sprintf("compact peers length %d not a multiple of 6", len(b))}
	}
	peers := make([]Peer, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

// parseIPString parses a dotted-quad or IPv6 literal from a dict-format
// peer entry's "ip" field, returning nil if it is not a valid address.
func parseIPString(s string) net.IP {
	return net.ParseIP(s)
}

// dedupePeers returns peers with duplicate socket addresses removed,
// preserving first-seen order. Per the engine's peer-set-merging rule,
// overlapping trackers describing the same address contribute one entry.
func dedupePeers(peers []Peer) []Peer {
	seen := make(map[string]struct{}, len(peers))
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		addr := p.Addr()
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, p)
	}
	return out
}
