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

// Package metainfo provides a typed, immutable view over a parsed torrent
// metainfo (.torrent) file: tracker URLs, piece geometry, file layout, and
// the canonical info-hash.
package metainfo

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/goswarm/goswarm/bencode"
	"github.com/goswarm/goswarm/core"
)

// PieceHashLength is the byte length of a single piece's published SHA-1 digest.
const PieceHashLength = 20

// File describes one file within a multi-file (directory) torrent.
type File struct {
	// PathSegments are the non-empty, non-absolute, ".."-free path
	// components, innermost last, joined under the torrent's directory
	// name to produce the on-disk path.
	PathSegments []string
	Length       int64
}

// Info is the payload layout: either a single file named Name, or a
// directory named Name containing Files.
type Info struct {
	Name  string
	Files []File // nil for single-file torrents
}

// IsDirectory reports whether this torrent describes a multi-file layout.
func (i Info) IsDirectory() bool {
	return i.Files != nil
}

// Metainfo is an immutable, fully validated view over a parsed torrent file.
type Metainfo struct {
	AnnounceList []string
	PieceLength  int64
	Pieces       [][PieceHashLength]byte
	Info         Info
	InfoHash     core.InfoHash
	TotalLength  int64

	// Fields present in real .torrent files but not load-bearing for the
	// download: carried read-only for parity with a complete client.
	CreationDate time.Time
	Comment      string
	CreatedBy    string
	Encoding     string
	Private      bool
}

// Error reports a malformed or incomplete metainfo file.
type Error struct {
	What string
}

func (e *Error) Error() string {
	return fmt.Sprintf("metainfo: %s", e.What)
}

func errf(format string, args ...interface{}) error {
	return &Error{What: fmt.Sprintf(format, args...)}
}

// Parse builds a Metainfo from the raw bytes of a .torrent file.
func Parse(raw []byte) (*Metainfo, error) {
	root, _, err := bencode.Parse(raw)
	if err != nil {
		return nil, errf("invalid bencode: %s", err)
	}
	if root.Kind != bencode.KindDict {
		return nil, errf("root value is not a dictionary")
	}

	announceList, err := parseAnnounceList(root)
	if err != nil {
		return nil, err
	}

	infoVal, ok := root.Get("info")
	if !ok {
		return nil, errf("missing \"info\" key")
	}
	if infoVal.Kind != bencode.KindDict {
		return nil, errf("\"info\" is not a dictionary")
	}

	name, err := requireString(infoVal, "name")
	if err != nil {
		return nil, err
	}

	pieceLength, err := requireInt(infoVal, "piece length")
	if err != nil {
		return nil, err
	}
	if pieceLength <= 0 || pieceLength > (1<<31) {
		return nil, errf("piece length %d out of range", pieceLength)
	}

	piecesVal, ok := infoVal.Get("pieces")
	if !ok || piecesVal.Kind != bencode.KindBytes {
		return nil, errf("missing or invalid \"pieces\"")
	}
	if len(piecesVal.Bytes)%PieceHashLength != 0 {
		return nil, errf("\"pieces\" length %d is not a multiple of %d", len(piecesVal.Bytes), PieceHashLength)
	}
	numPieces := len(piecesVal.Bytes) / PieceHashLength
	pieces := make([][PieceHashLength]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(pieces[i][:], piecesVal.Bytes[i*PieceHashLength:(i+1)*PieceHashLength])
	}

	info, totalLength, err := parseInfo(infoVal, name)
	if err != nil {
		return nil, err
	}

	infoSlice, _, err := bencode.ExtractInfoSlice(raw)
	if err != nil {
		return nil, errf("failed to locate info slice: %s", err)
	}
	infoHash := core.NewInfoHashFromBytes(infoSlice)

	if int64(len(pieces))*pieceLength < totalLength {
		return nil, errf("pieces do not cover total length: %d pieces * %d < %d", len(pieces), pieceLength, totalLength)
	}
	if len(pieces) > 1 && int64(len(pieces)-1)*pieceLength >= totalLength {
		return nil, errf("too many pieces for total length %d", totalLength)
	}

	m := &Metainfo{
		AnnounceList: announceList,
		PieceLength:  pieceLength,
		Pieces:       pieces,
		Info:         info,
		InfoHash:     infoHash,
		TotalLength:  totalLength,
		Private:      optionalIntFlag(infoVal, "private"),
	}
	if cd, ok, err := optionalInt(root, "creation date"); err != nil {
		return nil, err
	} else if ok {
		m.CreationDate = time.Unix(cd, 0).UTC()
	}
	m.Comment, _ = optionalString(root, "comment")
	m.CreatedBy, _ = optionalString(root, "created by")
	m.Encoding, _ = optionalString(root, "encoding")

	return m, nil
}

// NumPieces returns the number of pieces in the torrent.
func (m *Metainfo) NumPieces() int {
	return len(m.Pieces)
}

// PieceLengthAt returns the effective length of piece i, accounting for a
// possibly shorter final piece. When TotalLength is an exact multiple of
// PieceLength, the final piece's effective length is PieceLength itself,
// not zero.
func (m *Metainfo) PieceLengthAt(i int) int64 {
	if i < len(m.Pieces)-1 {
		return m.PieceLength
	}
	lastLen := m.TotalLength - int64(len(m.Pieces)-1)*m.PieceLength
	if lastLen == 0 {
		return m.PieceLength
	}
	return lastLen
}

func parseAnnounceList(root *bencode.Value) ([]string, error) {
	if alVal, ok := root.Get("announce-list"); ok {
		if alVal.Kind == bencode.KindList {
			var urls []string
			for _, tier := range alVal.List {
				if tier.Kind != bencode.KindList {
					return nil, errf("announce-list tier is not a list")
				}
				for _, u := range tier.List {
					if u.Kind != bencode.KindBytes {
						return nil, errf("announce-list entry is not a byte string")
					}
					urls = append(urls, string(u.Bytes))
				}
			}
			if len(urls) > 0 {
				return urls, nil
			}
		}
	}
	announce, err := requireString(root, "announce")
	if err != nil {
		return nil, errf("missing both \"announce-list\" and \"announce\"")
	}
	return []string{announce}, nil
}

func parseInfo(infoVal *bencode.Value, name string) (Info, int64, error) {
	filesVal, isDir := infoVal.Get("files")
	if isDir && filesVal.Kind == bencode.KindList {
		var files []File
		var total int64
		for _, fv := range filesVal.List {
			if fv.Kind != bencode.KindDict {
				return Info{}, 0, errf("file entry is not a dictionary")
			}
			length, err := requireInt(fv, "length")
			if err != nil {
				return Info{}, 0, err
			}
			if length < 0 {
				return Info{}, 0, errf("file length %d is negative", length)
			}
			pathVal, ok := fv.Get("path")
			if !ok || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
				return Info{}, 0, errf("file entry missing non-empty \"path\"")
			}
			segments := make([]string, 0, len(pathVal.List))
			for _, seg := range pathVal.List {
				if seg.Kind != bencode.KindBytes {
					return Info{}, 0, errf("path segment is not a byte string")
				}
				s := string(seg.Bytes)
				if s == "" || s == "." || s == ".." || filepath.IsAbs(s) {
					return Info{}, 0, errf("illegal path segment %q", s)
				}
				segments = append(segments, s)
			}
			files = append(files, File{PathSegments: segments, Length: length})
			total += length
		}
		return Info{Name: name, Files: files}, total, nil
	}

	length, err := requireInt(infoVal, "length")
	if err != nil {
		return Info{}, 0, err
	}
	if length < 0 {
		return Info{}, 0, errf("length %d is negative", length)
	}
	return Info{Name: name}, length, nil
}

func requireString(v *bencode.Value, key string) (string, error) {
	child, ok := v.Get(key)
	if !ok {
		return "", errf("missing %q", key)
	}
	if child.Kind != bencode.KindBytes {
		return "", errf("%q is not a byte string", key)
	}
	return string(child.Bytes), nil
}

func requireInt(v *bencode.Value, key string) (int64, error) {
	child, ok := v.Get(key)
	if !ok {
		return 0, errf("missing %q", key)
	}
	if child.Kind != bencode.KindInteger {
		return 0, errf("%q is not an integer", key)
	}
	return child.Int, nil
}

func optionalString(v *bencode.Value, key string) (string, bool) {
	child, ok := v.Get(key)
	if !ok || child.Kind != bencode.KindBytes {
		return "", false
	}
	return string(child.Bytes), true
}

func optionalInt(v *bencode.Value, key string) (int64, bool, error) {
	child, ok := v.Get(key)
	if !ok {
		return 0, false, nil
	}
	if child.Kind != bencode.KindInteger {
		return 0, false, errf("%q is not an integer", key)
	}
	return child.Int, true, nil
}

func optionalIntFlag(v *bencode.Value, key string) bool {
	child, ok := v.Get(key)
	if !ok || child.Kind != bencode.KindInteger {
		return false
	}
	return child.Int != 0
}
