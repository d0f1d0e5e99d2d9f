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
	"time"

	"github.com/willf/bitset"

	"github.com/goswarm/goswarm/session"
)

// pieceStatus is the tag of the PieceState variant described in the
// scheduler's message-handling policy: Unstarted, Downloading{next_block},
// Stalled{next_block}, or Finished.
type pieceStatus int

const (
	statusUnstarted pieceStatus = iota
	statusDownloading
	statusStalled
	statusFinished
)

// pieceState is one piece's place in the download: which blocks (if any)
// have been requested, from which peer. nextBlock counts how many blocks of
// this piece have been requested so far, so the next request (if any) is
// for block index nextBlock, and the most recently received block's begin
// offset is (nextBlock-1)*BlockLength. peerAddr is the sole peer currently
// allowed to deliver blocks for this piece while Downloading, enforcing the
// single-requestor-per-block invariant.
type pieceState struct {
	status    pieceStatus
	nextBlock int
	peerAddr  string
}

// peerInfo is the scheduler's bookkeeping for one connected peer session:
// its advertised bitfield and choke state. A peer may have any number of
// pieces assigned to it at once; ownership lives on the pieceState, not
// here.
type peerInfo struct {
	addr        string
	sess        *session.Session
	bitfield    *bitset.BitSet
	chokingUs   bool
	chokedSince time.Time
}

func newPeerInfo(addr string, sess *session.Session, numPieces int) *peerInfo {
	return &peerInfo{
		addr:     addr,
		sess:     sess,
		bitfield: bitset.New(uint(numPieces)),
	}
}

// blockCount returns the number of blocks in a piece of the given effective
// length, per the block-count formula ceil(effective_piece_length / BLOCK_LENGTH).
func blockCount(pieceLength int64, blockLength int) int {
	bl := int64(blockLength)
	return int((pieceLength + bl - 1) / bl)
}

// blockLengthAt returns the length of block blockIndex within a piece of
// the given effective length: BlockLength, except for the final block of a
// piece whose length isn't a multiple of BlockLength, which is the
// remainder.
func blockLengthAt(pieceLength int64, blockIndex int, blockLength int) int64 {
	bl := int64(blockLength)
	remaining := pieceLength - int64(blockIndex)*bl
	if remaining < bl {
		return remaining
	}
	return bl
}
