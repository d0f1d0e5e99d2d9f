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

// Package scheduler drives a single torrent download: it maintains one
// PieceState per piece, dispatches wire messages arriving from every peer
// session onto that state, and decides what to request next.
package scheduler

import "time"

// Config configures a Scheduler's peer-set and piece-assignment policy.
type Config struct {
	// ActivePeers is the target number of simultaneously connected peers.
	ActivePeers int `yaml:"active_peers"`

	// PeerUpdateInterval is how often the scheduler tops the peer set back
	// up to ActivePeers from its reserve of known addresses.
	PeerUpdateInterval time.Duration `yaml:"peer_update_interval"`

	// ChokeGracePeriod is how long a peer may choke us while a piece is
	// assigned to it before that piece is marked Stalled and offered to a
	// different peer. This is the "cancel on choke" improvement over the
	// reference scheduler, which otherwise leaves the piece Downloading on
	// the choking peer forever.
	ChokeGracePeriod time.Duration `yaml:"choke_grace_period"`

	// BlockLength is the size of a single requested block. 16 KiB (the
	// protocol-conventional value) except in tests, which shrink it to
	// exercise multi-block and cross-file boundary writes with small
	// fixtures.
	BlockLength int `yaml:"block_length"`

	// InboundBufferSize bounds the shared channel every peer session's
	// readLoop forwards parsed messages onto.
	InboundBufferSize int `yaml:"inbound_buffer_size"`
}

func (c Config) applyDefaults() Config {
	if c.ActivePeers == 0 {
		c.ActivePeers = 8
	}
	if c.PeerUpdateInterval == 0 {
		c.PeerUpdateInterval = 5 * time.Second
	}
	if c.ChokeGracePeriod == 0 {
		c.ChokeGracePeriod = 10 * time.Second
	}
	if c.BlockLength == 0 {
		c.BlockLength = 16384
	}
	if c.InboundBufferSize == 0 {
		c.InboundBufferSize = 256
	}
	return c
}
