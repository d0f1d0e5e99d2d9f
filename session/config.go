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
	"time"

	"github.com/goswarm/goswarm/session/bandwidth"
)

// Config is the configuration for an individual peer Session.
type Config struct {
	// ConnectTimeout bounds the initial TCP dial.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// IdleReadTimeout disconnects a peer that has sent nothing (not even a
	// KeepAlive) for this long. Must not be zero.
	IdleReadTimeout time.Duration `yaml:"idle_read_timeout"`

	// OutboxBufferSize bounds the scheduler->session command channel.
	OutboxBufferSize int `yaml:"outbox_buffer_size"`

	// ReadBufferSize bounds each individual socket read.
	ReadBufferSize int `yaml:"read_buffer_size"`

	// Bandwidth throttles the bytes/sec this session reads and writes.
	// Disabled by default; it is enabled only when a rate is set here, for
	// example through the YAML config file.
	Bandwidth bandwidth.Config `yaml:"bandwidth"`
}

func (c Config) applyDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.IdleReadTimeout == 0 {
		c.IdleReadTimeout = 2 * time.Minute
	}
	if c.OutboxBufferSize == 0 {
		c.OutboxBufferSize = 32
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = 16 * 1024
	}
	if !c.Bandwidth.Disable && c.Bandwidth.EgressBitsPerSec == 0 && c.Bandwidth.IngressBitsPerSec == 0 {
		c.Bandwidth.Disable = true
	}
	return c
}
