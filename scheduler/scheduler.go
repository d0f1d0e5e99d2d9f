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
package scheduler

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/goswarm/goswarm/core"
	"github.com/goswarm/goswarm/layout"
	"github.com/goswarm/goswarm/metainfo"
	"github.com/goswarm/goswarm/session"
	"github.com/goswarm/goswarm/tracker"
	"github.com/goswarm/goswarm/wire"
)

// Error reports a scheduler-level failure: every tracker failed, or the
// trackers reported no peers at all. Per the engine's error
// taxonomy this is fatal to the program.
type Error struct {
	What string
}

func (e *Error) Error() string {
	return fmt.Sprintf("scheduler: %s", e.What)
}

// connectResult is the outcome of one background dial spawned by
// refreshPeers, delivered back to the single-threaded event loop.
type connectResult struct {
	addr string
	sess *session.Session
	err  error
}

// Scheduler drives one torrent's download to completion: it is the single
// event-loop task described by the engine's concurrency model, owning all
// PieceState and peer bookkeeping so that no two goroutines ever touch it
// concurrently. Grounded on the shape of kraken's scheduler event loop
// (lib/torrent/scheduler/scheduler.go), simplified to a single torrent with
// no seeding, preemption, or announce queue, and on the request-bookkeeping
// idiom of its dispatch/piecerequest.Manager.
type Scheduler struct {
	m             *metainfo.Metainfo
	writer        *layout.Writer
	trackerClient *tracker.Client
	localPeerID   core.PeerID
	listenPort    uint16

	config        Config
	sessionConfig session.Config

	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	pieces []pieceState
	peers  map[string]*peerInfo

	reserve    []netip.AddrPort
	connecting map[string]struct{}

	inboundCh   chan session.Inbound
	connectedCh chan connectResult

	finishedOnce sync.Once
	finished     chan struct{}
}

// New constructs a Scheduler for m, writing completed pieces through writer
// and discovering peers via trackerClient. listenPort is reported to
// trackers; this engine never actually listens.
func New(
	m *metainfo.Metainfo,
	writer *layout.Writer,
	trackerClient *tracker.Client,
	localPeerID core.PeerID,
	listenPort uint16,
	config Config,
	sessionConfig session.Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger) *Scheduler {

	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Scheduler{
		m:             m,
		writer:        writer,
		trackerClient: trackerClient,
		localPeerID:   localPeerID,
		listenPort:    listenPort,
		config:        config,
		sessionConfig: sessionConfig,
		clk:           clk,
		stats:         stats.Tagged(map[string]string{"module": "scheduler"}),
		logger:        logger,
		pieces:        make([]pieceState, m.NumPieces()),
		peers:         make(map[string]*peerInfo),
		connecting:    make(map[string]struct{}),
		inboundCh:     make(chan session.Inbound, config.InboundBufferSize),
		connectedCh:   make(chan connectResult, config.ActivePeers),
		finished:      make(chan struct{}),
	}
}

// Run announces to the torrent's trackers, connects peers, and drives the
// download to completion, blocking until every piece is Finished, ctx is
// cancelled, or an unrecoverable error occurs.
func (s *Scheduler) Run(ctx context.Context) error {
	addrs, err := s.trackerClient.AnnounceAll(ctx, s.m, tracker.AnnounceParams{
		InfoHash: s.m.InfoHash,
		PeerID:   s.localPeerID,
		Port:     s.listenPort,
		Left:     s.m.TotalLength,
	})
	if err != nil {
		return &Error{What: fmt.Sprintf("announce: %s", err)}
	}
	if len(addrs) == 0 {
		return &Error{What: "no peers"}
	}
	s.reserve = addrs

	peerTicker := s.clk.Ticker(s.config.PeerUpdateInterval)
	defer peerTicker.Stop()
	chokeTicker := s.clk.Ticker(s.config.ChokeGracePeriod)
	defer chokeTicker.Stop()

	s.refreshPeers(ctx)

	for {
		select {
		case <-ctx.Done():
			s.closeAllPeers()
			return ctx.Err()
		case <-s.finished:
			s.closeAllPeers()
			return nil
		case in := <-s.inboundCh:
			s.handleInbound(in)
		case r := <-s.connectedCh:
			s.handleConnected(r)
		case <-peerTicker.C:
			s.refreshPeers(ctx)
		case <-chokeTicker.C:
			s.reapDeadAndStalled()
		}
	}
}

func (s *Scheduler) closeAllPeers() {
	for _, p := range s.peers {
		p.sess.Close()
	}
}

// handleConnected registers a successfully dialed peer, or drops a failed
// dial from the reserve so it isn't retried every tick.
func (s *Scheduler) handleConnected(r connectResult) {
	delete(s.connecting, r.addr)
	if r.err != nil {
		s.logger.With("addr", r.addr, "error", r.err).Infow("peer dial failed")
		s.removeFromReserve(r.addr)
		return
	}
	p := newPeerInfo(r.addr, r.sess, len(s.pieces))
	s.peers[r.addr] = p
	s.stats.Gauge("connected_peers").Update(float64(len(s.peers)))
	s.pickAndRequest(p)
}

func (s *Scheduler) removeFromReserve(addr string) {
	for i, a := range s.reserve {
		if a.String() == addr {
			s.reserve = append(s.reserve[:i], s.reserve[i+1:]...)
			return
		}
	}
}

// refreshPeers tops the connected peer set back up to ActivePeers by
// dialing addresses from the reserve concurrently, bounded by errgroup.
// Results are delivered asynchronously through connectedCh so the event
// loop never blocks on a slow or unreachable peer.
func (s *Scheduler) refreshPeers(ctx context.Context) {
	live := len(s.peers) + len(s.connecting)
	if live >= s.config.ActivePeers {
		return
	}
	need := s.config.ActivePeers - live

	var candidates []netip.AddrPort
	for _, addr := range s.reserve {
		key := addr.String()
		if _, ok := s.peers[key]; ok {
			continue
		}
		if _, ok := s.connecting[key]; ok {
			continue
		}
		candidates = append(candidates, addr)
		if len(candidates) >= need {
			break
		}
	}
	if len(candidates) == 0 {
		return
	}

	var g errgroup.Group
	for _, addr := range candidates {
		addr := addr
		s.connecting[addr.String()] = struct{}{}
		g.Go(func() error {
			sess, err := session.Dial(
				addr.String(), s.m.InfoHash, s.localPeerID, s.inboundCh,
				s.sessionConfig, s.clk, s.stats, s.logger)
			if err != nil {
				s.connectedCh <- connectResult{addr: addr.String(), err: err}
				return nil
			}
			sess.Start()
			sess.SendInitialBurst()
			s.connectedCh <- connectResult{addr: addr.String(), sess: sess}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
	}()
}

// handleInbound dispatches one parsed peer message per the scheduler's
// message-handling policy (spec.md section 4.5): Choke/Unchoke toggle whether we
// may request from this peer, Have/Bitfield update its advertised piece
// set, Piece feeds on-block-received, and Interested/NotInterested/
// Request/Cancel are observed only -- this engine never seeds.
func (s *Scheduler) handleInbound(in session.Inbound) {
	p, ok := s.peers[in.Addr]
	if !ok {
		return
	}
	m := in.Message
	switch m.ID {
	case wire.Choke:
		p.chokingUs = true
		p.chokedSince = s.clk.Now()
	case wire.Unchoke:
		p.chokingUs = false
		p.chokedSince = time.Time{}
		s.pickAndRequest(p)
	case wire.Interested, wire.NotInterested:
		// Observed only; this engine never seeds.
	case wire.Have:
		if int(m.Index) >= len(s.pieces) {
			s.logger.With("addr", in.Addr, "index", m.Index).Warnw("have for out-of-range piece")
			return
		}
		p.bitfield.Set(uint(m.Index))
		if !p.chokingUs {
			s.pickAndRequest(p)
		}
	case wire.Bitfield:
		bits, err := wire.DecodeBitfield(m.BitfieldBytes, len(s.pieces))
		if err != nil {
			s.logger.With("addr", in.Addr, "error", err).Warnw("malformed bitfield, dropping peer")
			s.dropPeer(p)
			return
		}
		p.bitfield = bits
		if !p.chokingUs {
			s.pickAndRequest(p)
		}
	case wire.Piece:
		s.onBlockReceived(p, m.Index, m.Begin, m.Block)
	case wire.Request, wire.Cancel:
		// This engine never seeds; requests from peers are ignored.
	}
}

// pickAndRequest scans piece indices ascending for the first one p
// advertises that is Unstarted or Stalled, assigns it to p, and issues one
// Request for its next block. A Stalled piece resumes at block nextBlock-1,
// the request its previous owner left unanswered. Returns false if p has
// nothing left to offer.
func (s *Scheduler) pickAndRequest(p *peerInfo) bool {
	for idx := range s.pieces {
		if !p.bitfield.Test(uint(idx)) {
			continue
		}
		st := &s.pieces[idx]
		if st.status != statusUnstarted && st.status != statusStalled {
			continue
		}
		start := 0
		if st.status == statusStalled {
			start = st.nextBlock - 1
		}
		st.status = statusDownloading
		st.peerAddr = p.addr
		s.requestBlock(p, idx, start)
		return true
	}
	return false
}

// requestBlock sends a Request for blockIndex of piece idx and advances
// that piece's nextBlock counter to blockIndex+1, the count of blocks
// requested so far.
func (s *Scheduler) requestBlock(p *peerInfo, idx, blockIndex int) {
	length := blockLengthAt(s.m.PieceLengthAt(idx), blockIndex, s.config.BlockLength)
	begin := uint32(blockIndex) * uint32(s.config.BlockLength)
	p.sess.Send(session.Command{
		Kind:   session.CmdRequestBlock,
		Index:  uint32(idx),
		Begin:  begin,
		Length: uint32(length),
	})
	s.pieces[idx].nextBlock = blockIndex + 1
}

// onBlockReceived implements on-block-received(peer, index, begin, bytes):
// it requires the piece be Downloading at exactly the block p was assigned
// next, writes the payload to disk, and either requests the following block
// or -- on the piece's final block -- verifies its hash and frees p to pick
// up new work.
func (s *Scheduler) onBlockReceived(p *peerInfo, index, begin uint32, block []byte) {
	if int(index) >= len(s.pieces) {
		s.logger.With("addr", p.addr, "index", index).Warnw("piece for out-of-range index")
		return
	}
	st := &s.pieces[index]
	if st.status != statusDownloading || st.peerAddr != p.addr {
		s.logger.With("addr", p.addr, "index", index).Debugw("unsolicited piece, dropping")
		return
	}
	expectedBegin := uint32(st.nextBlock-1) * uint32(s.config.BlockLength)
	if begin != expectedBegin {
		s.logger.With("addr", p.addr, "index", index, "begin", begin, "want", expectedBegin).
			Warnw("piece block at unexpected offset, dropping")
		return
	}

	pieceLength := s.m.PieceLengthAt(int(index))
	absoluteOffset := int64(index)*s.m.PieceLength + int64(st.nextBlock-1)*int64(s.config.BlockLength)
	if err := s.writer.Write(absoluteOffset, block); err != nil {
		s.logger.With("error", err).Errorw("write piece block failed")
		return
	}

	count := blockCount(pieceLength, s.config.BlockLength)
	if st.nextBlock < count {
		s.requestBlock(p, int(index), st.nextBlock)
		return
	}

	st.peerAddr = ""
	if s.verifyPiece(int(index)) {
		st.status = statusFinished
		s.broadcastHave(index)
		s.checkDone()
		// Free to pick up new work now that its piece is done.
		s.pickAndRequest(p)
	} else {
		s.logger.With("index", index).Warnw("piece failed hash verification, restarting")
		st.status = statusUnstarted
		st.nextBlock = 0
	}
}

// verifyPiece re-reads a just-finished piece's bytes from disk and compares
// their SHA-1 digest against the metainfo's published hash. A mismatch is
// not counted against the peer that sent the final block, per the engine's
// error taxonomy (IntegrityError): the piece simply reverts to Unstarted.
func (s *Scheduler) verifyPiece(index int) bool {
	pieceLength := s.m.PieceLengthAt(index)
	data, err := s.writer.ReadPiece(s.m.PieceLength, index)
	if err != nil {
		s.logger.With("index", index, "error", err).Errorw("read piece for verification failed")
		return false
	}
	if int64(len(data)) != pieceLength {
		return false
	}
	return sha1.Sum(data) == s.m.Pieces[index]
}

func (s *Scheduler) broadcastHave(index uint32) {
	for _, p := range s.peers {
		p.sess.Send(session.Command{Kind: session.CmdHave, Index: index})
	}
}

func (s *Scheduler) checkDone() {
	for i := range s.pieces {
		if s.pieces[i].status != statusFinished {
			return
		}
	}
	s.finishedOnce.Do(func() { close(s.finished) })
}

// freePeerPieces demotes every piece currently owned by addr back to
// Stalled (preserving nextBlock), so another peer can resume it.
func (s *Scheduler) freePeerPieces(addr string) {
	for i := range s.pieces {
		if s.pieces[i].status == statusDownloading && s.pieces[i].peerAddr == addr {
			s.pieces[i].status = statusStalled
			s.pieces[i].peerAddr = ""
		}
	}
}

// dropPeer closes a peer's session immediately (used for protocol
// violations) and frees any pieces it had assigned.
func (s *Scheduler) dropPeer(p *peerInfo) {
	s.freePeerPieces(p.addr)
	p.sess.Close()
	delete(s.peers, p.addr)
}

// reapDeadAndStalled runs on the choke-grace-period tick: it forgets peers
// whose sessions have already closed (freeing any pieces they held), and
// demotes a piece to Stalled once its owning peer has kept us choked for
// longer than ChokeGracePeriod, sending it a Cancel for the outstanding
// block and offering the piece to any other peer that already advertises
// it and isn't itself choking.
func (s *Scheduler) reapDeadAndStalled() {
	now := s.clk.Now()
	for addr, p := range s.peers {
		if p.sess.IsClosed() {
			s.freePeerPieces(addr)
			delete(s.peers, addr)
			continue
		}
		if !p.chokingUs || p.chokedSince.IsZero() {
			continue
		}
		if now.Sub(p.chokedSince) < s.config.ChokeGracePeriod {
			continue
		}
		for idx := range s.pieces {
			st := &s.pieces[idx]
			if st.status != statusDownloading || st.peerAddr != addr {
				continue
			}
			blockIndex := st.nextBlock - 1
			p.sess.Send(session.Command{
				Kind:   session.CmdCancelBlock,
				Index:  uint32(idx),
				Begin:  uint32(blockIndex) * uint32(s.config.BlockLength),
				Length: uint32(blockLengthAt(s.m.PieceLengthAt(idx), blockIndex, s.config.BlockLength)),
			})
			st.status = statusStalled
			st.peerAddr = ""
			for otherAddr, other := range s.peers {
				if otherAddr == addr || other.chokingUs {
					continue
				}
				if other.bitfield.Test(uint(idx)) {
					s.pickAndRequest(other)
					break
				}
			}
		}
	}
}
