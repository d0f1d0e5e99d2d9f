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
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/goswarm/goswarm/core"
	"github.com/goswarm/goswarm/metainfo"
)

// Config configures a Client.
type Config struct {
	// Timeout bounds a single tracker round trip, HTTP or UDP.
	Timeout time.Duration `yaml:"timeout"`
}

func (c Config) applyDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// AnnounceParams is the set of fields reported in every announce request,
// identical across HTTP and UDP.
type AnnounceParams struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	NumWant    int
}

// Error reports a tracker round trip failure: a malformed response, a
// transaction id mismatch, or a tracker-reported failure reason. Per the
// engine's error taxonomy this is non-fatal to the download as a whole --
// the caller tries the next tracker.
type Error struct {
	What string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tracker: %s", e.What)
}

// Client announces to BitTorrent trackers over HTTP(S) or UDP and merges
// their peer lists.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// New constructs a Client. A nil logger discards all output.
func New(config Config, logger *zap.SugaredLogger) *Client {
	config = config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

// AnnounceAll announces to every tracker in m's announce-list concurrently
// and returns the deduplicated union of every peer reported, as the
// scheduler's peer reserve is keyed. Peers without an IPv4 address are
// omitted. A tracker that errors (unreachable,
// malformed response, unsupported scheme) is logged and skipped;
// AnnounceAll only fails if every tracker does.
func (c *Client) AnnounceAll(ctx context.Context, m *metainfo.Metainfo, params AnnounceParams) ([]netip.AddrPort, error) {
	peers, err := c.announceAllPeers(ctx, m, params)
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(peers))
	for _, p := range peers {
		if ap, ok := p.AddrPort(); ok {
			out = append(out, ap)
		}
	}
	return out, nil
}

func (c *Client) announceAllPeers(ctx context.Context, m *metainfo.Metainfo, params AnnounceParams) ([]Peer, error) {
	var mu sync.Mutex
	var all []Peer
	var attempted, failed int

	g, gctx := errgroup.WithContext(ctx)
	for _, announceURL := range m.AnnounceList {
		announceURL := announceURL
		g.Go(func() error {
			peers, err := c.announceOne(gctx, announceURL, params)
			mu.Lock()
			defer mu.Unlock()
			attempted++
			if err != nil {
				failed++
				c.logger.With("tracker", announceURL, "error", err).Infow("tracker announce failed")
				return nil
			}
			all = append(all, peers...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if attempted > 0 && failed == attempted {
		return nil, &Error{What: "all trackers failed"}
	}
	return dedupePeers(all), nil
}

func (c *Client) announceOne(ctx context.Context, announceURL string, params AnnounceParams) ([]Peer, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, &Error{What: fmt.Sprintf("parse announce url %q: %s", announceURL, err)}
	}
	switch u.Scheme {
	case "http", "https":
		return c.AnnounceHTTP(ctx, u.String(), params)
	case "udp":
		return c.AnnounceUDP(ctx, u.Host, params)
	default:
		return nil, &Error{What: fmt.Sprintf("unsupported tracker scheme %q", u.Scheme)}
	}
}
