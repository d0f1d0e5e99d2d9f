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

// Package bandwidth throttles the byte rate a Session reads and writes, so a
// single torrent can't saturate the host's link. Adapted from kraken's
// scheduler/conn/bandwidth.Limiter, dropping its utils/memsize dependency
// (not present in this module) in favor of plain bits-per-second config.
package bandwidth

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config defines Limiter configuration. Rates are expressed in bits per
// second so they read the same way link speeds are usually quoted.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize is the number of bits one rate-limiter token represents,
	// chosen so the token counts handed to the underlying limiter stay
	// small integers instead of one-token-per-bit.
	TokenSize uint64 `yaml:"token_size"`

	Disable bool `yaml:"disable"`
}

func (c Config) applyDefaults() Config {
	if c.EgressBitsPerSec == 0 {
		c.EgressBitsPerSec = 200 * 1e6 // 200 Mbit/s
	}
	if c.IngressBitsPerSec == 0 {
		c.IngressBitsPerSec = 300 * 1e6 // 300 Mbit/s
	}
	if c.TokenSize == 0 {
		c.TokenSize = 1e6 // 1 Mbit
	}
	return c
}

// Limiter limits egress and ingress bandwidth via a token-bucket rate
// limiter per direction.
type Limiter struct {
	config  Config
	egress  *rate.Limiter
	ingress *rate.Limiter
}

// NewLimiter creates a new Limiter.
func NewLimiter(config Config, logger *zap.SugaredLogger) *Limiter {
	config = config.applyDefaults()

	if config.Disable {
		logger.Warn("bandwidth limits disabled")
	} else {
		logger.Infof("egress bandwidth limited to %d bits/sec", config.EgressBitsPerSec)
		logger.Infof("ingress bandwidth limited to %d bits/sec", config.IngressBitsPerSec)
	}

	etps := config.EgressBitsPerSec / config.TokenSize
	itps := config.IngressBitsPerSec / config.TokenSize

	return &Limiter{
		config:  config,
		egress:  rate.NewLimiter(rate.Limit(etps), int(etps)),
		ingress: rate.NewLimiter(rate.Limit(itps), int(itps)),
	}
}

func (l *Limiter) reserve(rl *rate.Limiter, nbytes int) error {
	if l.config.Disable || nbytes == 0 {
		return nil
	}
	tokens := int(uint64(nbytes*8) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := rl.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return fmt.Errorf(
			"cannot reserve %d bytes of bandwidth, max burst is %d bits",
			nbytes, l.config.TokenSize*uint64(rl.Burst()))
	}
	time.Sleep(r.Delay())
	return nil
}

// ReserveEgress blocks until egress bandwidth for nbytes is available.
func (l *Limiter) ReserveEgress(nbytes int) error {
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until ingress bandwidth for nbytes is available.
func (l *Limiter) ReserveIngress(nbytes int) error {
	return l.reserve(l.ingress, nbytes)
}
