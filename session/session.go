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
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/goswarm/goswarm/core"
	"github.com/goswarm/goswarm/session/bandwidth"
	"github.com/goswarm/goswarm/wire"
)

// Inbound is one message received from a peer, tagged with the address it
// arrived from so the scheduler can route it without each Session needing
// to know about its peers.
type Inbound struct {
	Addr    string
	Message wire.Message
}

// CommandKind enumerates what the scheduler is asking a Session to send.
type CommandKind int

const (
	// CmdHave asks the session to send a Have message for a finished piece.
	CmdHave CommandKind = iota
	// CmdUnchoke asks the session to (re)send Unchoke.
	CmdUnchoke
	// CmdInterested asks the session to (re)send Interested.
	CmdInterested
	// CmdNotInterested asks the session to send NotInterested.
	CmdNotInterested
	// CmdRequestBlock asks the session to request one block of a piece.
	CmdRequestBlock
	// CmdCancelBlock asks the session to cancel a previously requested block.
	CmdCancelBlock
)

// Command is one unit of outbound work the scheduler hands to a Session.
// Not every field is meaningful for every Kind; Index/Begin/Length are used
// by CmdHave (Index only), CmdRequestBlock, and CmdCancelBlock.
type Command struct {
	Kind   CommandKind
	Index  uint32
	Begin  uint32
	Length uint32
}

func (c Command) toMessage() wire.Message {
	switch c.Kind {
	case CmdHave:
		return wire.HaveMessage(c.Index)
	case CmdUnchoke:
		return wire.UnchokeMessage()
	case CmdInterested:
		return wire.InterestedMessage()
	case CmdNotInterested:
		return wire.NotInterestedMessage()
	case CmdRequestBlock:
		return wire.RequestMessage(c.Index, c.Begin, c.Length)
	case CmdCancelBlock:
		return wire.CancelMessage(c.Index, c.Begin, c.Length)
	default:
		return wire.KeepAliveMessage()
	}
}

// Session owns one TCP connection to one remote peer for the duration of a
// single torrent download. It has no knowledge of piece state or peer
// selection; it only moves wire.Messages in and out and enforces the idle
// read timeout and keep-alive cadence, mirroring the architecture (though
// not the protobuf framing) of kraken's scheduler/conn.Conn.
type Session struct {
	Addr         string
	InfoHash     core.InfoHash
	LocalPeerID  core.PeerID
	RemotePeerID core.PeerID

	nc       net.Conn
	config   Config
	clk      clock.Clock
	stats    tally.Scope
	logger   *zap.SugaredLogger
	limiter  *bandwidth.Limiter

	framer  *wire.Framer
	outbox  chan Command
	inbound chan<- Inbound

	startOnce sync.Once
	closed    *atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	lastErr error
}

// Dial connects to addr, completes the handshake against infoHash, and
// returns a Session ready to Start. The handshake itself (including the
// connect timeout) runs synchronously; Start then launches the background
// read/write loops.
func Dial(
	addr string,
	infoHash core.InfoHash,
	localPeerID core.PeerID,
	inbound chan<- Inbound,
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger) (*Session, error) {

	config = config.applyDefaults()

	nc, remotePeerID, err := connect(addr, infoHash, localPeerID, config.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	return newSession(nc, addr, infoHash, localPeerID, remotePeerID, inbound, config, clk, stats, logger), nil
}

// Accept wraps an already-handshaken inbound connection (the local
// handshake and validation of the remote's having already happened in the
// caller, typically a listener) into a Session ready to Start.
func Accept(
	nc net.Conn,
	addr string,
	infoHash core.InfoHash,
	localPeerID core.PeerID,
	remotePeerID core.PeerID,
	inbound chan<- Inbound,
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger) *Session {

	return newSession(nc, addr, infoHash, localPeerID, remotePeerID, inbound, config.applyDefaults(), clk, stats, logger)
}

func newSession(
	nc net.Conn,
	addr string,
	infoHash core.InfoHash,
	localPeerID, remotePeerID core.PeerID,
	inbound chan<- Inbound,
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger) *Session {

	if clk == nil {
		clk = clock.New()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Session{
		Addr:         addr,
		InfoHash:     infoHash,
		LocalPeerID:  localPeerID,
		RemotePeerID: remotePeerID,
		nc:           nc,
		config:       config,
		clk:          clk,
		stats:        stats.Tagged(map[string]string{"module": "session"}),
		logger:       logger,
		limiter:      bandwidth.NewLimiter(config.Bandwidth, logger),
		framer:       wire.NewFramer(),
		outbox:       make(chan Command, config.OutboxBufferSize),
		inbound:      inbound,
		closed:       atomic.NewBool(false),
		done:         make(chan struct{}),
	}
}

// Start launches the read and write loops. Safe to call multiple times;
// only the first call has an effect.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.readLoop()
		go s.writeLoop()
	})
}

// Send enqueues a command for delivery to the peer. Returns false without
// blocking if the session is closed or the outbox is full; a full outbox
// means this peer is not draining fast enough and the scheduler should
// treat it the same as a stall.
func (s *Session) Send(cmd Command) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.outbox <- cmd:
		return true
	case <-s.done:
		return false
	default:
		s.stats.Counter("outbox_dropped").Inc(1)
		return false
	}
}

// Close starts the shutdown sequence for the session: it signals both loops
// to exit and closes the socket. The actual wait for both loops to finish
// happens in a goroutine so Close is safe to call from inside readLoop or
// writeLoop itself.
func (s *Session) Close() {
	if !s.closed.CAS(false, true) {
		return
	}
	go func() {
		close(s.done)
		s.nc.Close()
		s.wg.Wait()
	}()
}

// IsClosed reports whether Close has run.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Err returns the error that caused the session to stop, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.mu.Unlock()
	s.log("error", err).Error("session failed")
	s.Close()
}

func (s *Session) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	base := []interface{}{"remote_addr", s.Addr, "hash", s.InfoHash}
	return s.logger.With(append(base, keysAndValues...)...)
}

// readLoop pulls bytes off the socket, reassembles them into wire messages
// via the Framer, and forwards each to the shared inbound channel. An idle
// connection (no bytes, not even a KeepAlive, within IdleReadTimeout) is
// treated as a fatal network error.
func (s *Session) readLoop() {
	defer func() {
		s.wg.Done()
		s.Close()
	}()

	buf := make([]byte, s.config.ReadBufferSize)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		// Socket deadlines are absolute wall-clock times, so they are taken
		// from the real clock even when s.clk is a mock.
		if err := s.nc.SetReadDeadline(time.Now().Add(s.config.IdleReadTimeout)); err != nil {
			s.fail(&NetworkError{What: "set read deadline: " + err.Error()})
			return
		}

		n, err := s.nc.Read(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.fail(&NetworkError{What: "read: " + err.Error()})
			return
		}

		msgs, err := s.framer.Push(buf[:n])
		if err != nil {
			s.fail(&ProtocolError{What: err.Error()})
			return
		}
		for _, m := range msgs {
			if m.IsKeepAlive {
				continue
			}
			if m.ID == wire.Piece {
				if err := s.limiter.ReserveIngress(len(m.Block)); err != nil {
					s.fail(&NetworkError{What: "ingress bandwidth: " + err.Error()})
					return
				}
			}
			select {
			case s.inbound <- Inbound{Addr: s.Addr, Message: m}:
			case <-s.done:
				return
			}
		}
	}
}

// writeLoop drains the outbox and writes each command's encoded message to
// the socket, emitting a KeepAlive of its own whenever outbound traffic has
// been idle for wire.KeepAliveInterval.
func (s *Session) writeLoop() {
	defer func() {
		s.wg.Done()
		s.Close()
	}()

	ticker := s.clk.Ticker(wire.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case cmd := <-s.outbox:
			if err := s.write(cmd.toMessage()); err != nil {
				s.fail(err)
				return
			}
			ticker.Stop()
			ticker = s.clk.Ticker(wire.KeepAliveInterval)
		case <-ticker.C:
			if err := s.write(wire.KeepAliveMessage()); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *Session) write(m wire.Message) error {
	encoded := wire.Encode(m)
	if err := s.limiter.ReserveEgress(len(encoded)); err != nil {
		return &NetworkError{What: "egress bandwidth: " + err.Error()}
	}
	if _, err := s.nc.Write(encoded); err != nil {
		return &NetworkError{What: "write: " + err.Error()}
	}
	return nil
}

// SendInitialBurst sends the two messages every session sends immediately
// after a successful handshake: Unchoke then Interested. This engine never
// seeds data to peers, so choking state on our side is a formality, but
// both messages are required by the wire protocol's expected opening
// sequence for a well-behaved client.
func (s *Session) SendInitialBurst() {
	s.Send(Command{Kind: CmdUnchoke})
	s.Send(Command{Kind: CmdInterested})
}
