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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goswarm/goswarm/bencode"
)

// AnnounceHTTP performs a single HTTP(S) tracker announce (BEP 3), parsing
// both the dict peer format (a list of {ip, port} dictionaries) and the
// compact format (BEP 23, a flat byte string of 6-byte entries).
func (c *Client) AnnounceHTTP(ctx context.Context, announceURL string, params AnnounceParams) ([]Peer, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, &Error{What: fmt.Sprintf("parse url: %s", err)}
	}
	q := u.Query()
	q.Set("info_hash", string(params.InfoHash.Bytes()))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatInt(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(params.Downloaded, 10))
	q.Set("left", strconv.FormatInt(params.Left, 10))
	q.Set("compact", "1")
	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(params.NumWant))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &Error{What: fmt.Sprintf("build request: %s", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{What: fmt.Sprintf("request: %s", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{What: fmt.Sprintf("read body: %s", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{What: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	root, _, err := bencode.Parse(body)
	if err != nil {
		return nil, &Error{What: fmt.Sprintf("decode response: %s", err)}
	}
	if root.Kind != bencode.KindDict {
		return nil, &Error{What: "response is not a dictionary"}
	}
	if failure, ok := root.Get("failure reason"); ok && failure.Kind == bencode.KindBytes {
		return nil, &Error{What: fmt.Sprintf("tracker failure: %s", failure.Bytes)}
	}

	peersVal, ok := root.Get("peers")
	if !ok {
		return nil, &Error{What: "response contains no peers"}
	}

	switch peersVal.Kind {
	case bencode.KindBytes:
		return parseCompactPeers(peersVal.Bytes)
	case bencode.KindList:
		return parseDictPeers(peersVal)
	default:
		return nil, &Error{What: "\"peers\" is neither a byte string nor a list"}
	}
}

func parseDictPeers(peersVal *bencode.Value) ([]Peer, error) {
	peers := make([]Peer, 0, len(peersVal.List))
	for _, pv := range peersVal.List {
		if pv.Kind != bencode.KindDict {
			return nil, &Error{What: "peer entry is not a dictionary"}
		}
		ipVal, ok := pv.Get("ip")
		if !ok || ipVal.Kind != bencode.KindBytes {
			return nil, &Error{What: "peer entry missing \"ip\""}
		}
		portVal, ok := pv.Get("port")
		if !ok || portVal.Kind != bencode.KindInteger {
			return nil, &Error{What: "peer entry missing \"port\""}
		}
		ip := parseIPString(string(ipVal.Bytes))
		if ip == nil {
			return nil, &Error{What: fmt.Sprintf("peer entry has unparseable ip %q", ipVal.Bytes)}
		}
		peers = append(peers, Peer{IP: ip, Port: uint16(portVal.Int)})
	}
	return peers, nil
}
