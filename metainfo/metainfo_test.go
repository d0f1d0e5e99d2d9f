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
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goswarm/goswarm/bencode"
)

func singleFileTorrent(announce, name string, length, pieceLength int64, pieceHash [20]byte) []byte {
	return []byte(fmt.Sprintf(
		"d8:announce%d:%s4:infod6:lengthi%de4:name%d:%s12:piece lengthi%de6:pieces20:%see",
		len(announce), announce, length, len(name), name, pieceLength, string(pieceHash[:]),
	))
}

func TestParseSingleFileHappyPath(t *testing.T) {
	require := require.New(t)

	hash := sha1.Sum([]byte("hello"))
	raw := singleFileTorrent("udp://tracker.example/announce", "hello.txt", 5, 16384, hash)

	m, err := Parse(raw)
	require.NoError(err)
	require.Equal([]string{"udp://tracker.example/announce"}, m.AnnounceList)
	require.EqualValues(16384, m.PieceLength)
	require.Equal("hello.txt", m.Info.Name)
	require.False(m.Info.IsDirectory())
	require.EqualValues(5, m.TotalLength)
	require.Len(m.Pieces, 1)
	require.Equal(hash, m.Pieces[0])
}

func TestInfoHashMatchesRawInfoSlice(t *testing.T) {
	require := require.New(t)

	hash := sha1.Sum([]byte("hello"))
	raw := singleFileTorrent("http://tracker.example/announce", "hello.txt", 5, 16384, hash)

	m, err := Parse(raw)
	require.NoError(err)

	infoSlice, _, err := bencode.ExtractInfoSlice(raw)
	require.NoError(err)
	want := sha1.Sum(infoSlice)
	require.Equal(want[:], m.InfoHash.Bytes())
}

func TestInfoHashDiffersForDifferentInfoDictOrdering(t *testing.T) {
	require := require.New(t)

	hash := sha1.Sum([]byte("hello"))
	rawA := []byte(fmt.Sprintf(
		"d8:announce4:x://4:infod6:lengthi5e4:name5:a.txt12:piece lengthi16384e6:pieces20:%see",
		string(hash[:]),
	))
	rawB := []byte(fmt.Sprintf(
		"d8:announce4:x://4:infod4:name5:a.txt6:lengthi5e12:piece lengthi16384e6:pieces20:%see",
		string(hash[:]),
	))

	mA, err := Parse(rawA)
	require.NoError(err)
	mB, err := Parse(rawB)
	require.NoError(err)

	require.NotEqual(mA.InfoHash, mB.InfoHash)
}

func TestParseMultiFile(t *testing.T) {
	require := require.New(t)

	raw := []byte(
		"d8:announce4:x://4:infod5:filesl" +
			"d6:lengthi10e4:pathl1:a1:beed6:lengthi20e4:pathl1:ceee" +
			"4:name3:dir12:piece lengthi32e6:pieces20:01234567890123456789ee",
	)
	m, err := Parse(raw)
	require.NoError(err)
	require.True(m.Info.IsDirectory())
	require.Len(m.Info.Files, 2)
	require.Equal([]string{"a", "b"}, m.Info.Files[0].PathSegments)
	require.EqualValues(10, m.Info.Files[0].Length)
	require.Equal([]string{"c"}, m.Info.Files[1].PathSegments)
	require.EqualValues(20, m.Info.Files[1].Length)
	require.EqualValues(30, m.TotalLength)
}

func TestParseRejectsPathTraversal(t *testing.T) {
	raw := []byte(
		"d8:announce4:x://4:infod5:filesl" +
			"d6:lengthi10e4:pathl2:..3:etc6:passwdeee" +
			"4:name3:dir12:piece lengthi16e6:pieces20:01234567890123456789ee",
	)
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestPieceLengthAtLastPieceExactMultiple(t *testing.T) {
	require := require.New(t)

	// total_length (32) is an exact multiple of piece_length (16): the
	// last piece's effective length must be piece_length, not zero.
	raw := []byte(
		"d8:announce4:x://4:infod6:lengthi32e4:name1:a12:piece lengthi16e6:pieces40:0123456789012345678901234567890123456789ee",
	)
	m, err := Parse(raw)
	require.NoError(err)
	require.Equal(2, m.NumPieces())
	require.EqualValues(16, m.PieceLengthAt(0))
	require.EqualValues(16, m.PieceLengthAt(1))
}

func TestPieceLengthAtShortLastPiece(t *testing.T) {
	require := require.New(t)

	raw := []byte(
		"d8:announce4:x://4:infod6:lengthi20e4:name1:a12:piece lengthi16e6:pieces40:0123456789012345678901234567890123456789ee",
	)
	m, err := Parse(raw)
	require.NoError(err)
	require.EqualValues(16, m.PieceLengthAt(0))
	require.EqualValues(4, m.PieceLengthAt(1))
}

func TestParseAcceptsEmptyAnnounceListWithAnnounce(t *testing.T) {
	require := require.New(t)

	raw := []byte(
		"d8:announce8:udp://x/13:announce-listle4:infod6:lengthi1e4:name1:a12:piece lengthi1e6:pieces20:01234567890123456789ee",
	)
	m, err := Parse(raw)
	require.NoError(err)
	require.Equal([]string{"udp://x/"}, m.AnnounceList)
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	raw := []byte(
		"d8:announce4:x://4:infod6:lengthi1e4:name1:a12:piece lengthi1e6:pieces3:abcee",
	)
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestParseRejectsMissingInfo(t *testing.T) {
	_, err := Parse([]byte("d8:announce4:x://e"))
	require.Error(t, err)
}
