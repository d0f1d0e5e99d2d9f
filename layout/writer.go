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

// Package layout maps a torrent's logical byte stream onto a preallocated
// set of on-disk files, possibly splitting a single write across several of
// them.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goswarm/goswarm/metainfo"
)

// Span is one file's placement within the logical payload: it owns the
// half-open byte range [Start, Start+Length) of the overall payload.
type Span struct {
	Handle *os.File
	Start  int64
	Length int64
}

func (s Span) end() int64 {
	return s.Start + s.Length
}

// Writer preallocates a torrent's target files and performs writes and
// reads against the logical payload offset space, transparently splitting
// an access across however many files it spans.
type Writer struct {
	spans       []Span
	totalLength int64
}

// Error reports a file-layout I/O failure. Per the engine's error taxonomy
// this is always fatal to the download: the payload cannot be reconstructed
// without a working file set.
type Error struct {
	What string
}

func (e *Error) Error() string {
	return fmt.Sprintf("layout: %s", e.What)
}

func errf(format string, args ...interface{}) error {
	return &Error{What: fmt.Sprintf(format, args...)}
}

// NewWriter preallocates every target file under downloadDir for m's
// payload (zero-filled to its final length) and returns a Writer ready to
// accept writes. Single-file torrents write to
// "<downloadDir>/<info.name>"; directory torrents write to
// "<downloadDir>/<info.name>/<path-segments-joined>", with the directory
// tree created as needed.
func NewWriter(m *metainfo.Metainfo, downloadDir string) (*Writer, error) {
	var spans []Span
	var offset int64

	create := func(path string, length int64) (Span, error) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return Span{}, errf("mkdir %s: %s", filepath.Dir(path), err)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return Span{}, errf("open %s: %s", path, err)
		}
		if err := preallocate(f, length); err != nil {
			f.Close()
			return Span{}, errf("preallocate %s: %s", path, err)
		}
		span := Span{Handle: f, Start: offset, Length: length}
		offset += length
		return span, nil
	}

	if m.Info.IsDirectory() {
		root := filepath.Join(downloadDir, m.Info.Name)
		for _, file := range m.Info.Files {
			for _, seg := range file.PathSegments {
				if seg == ".." || filepath.IsAbs(seg) {
					return nil, errf("illegal path segment %q", seg)
				}
			}
			path := filepath.Join(append([]string{root}, file.PathSegments...)...)
			if !strings.HasPrefix(path, root) {
				return nil, errf("path escapes torrent directory: %s", path)
			}
			span, err := create(path, file.Length)
			if err != nil {
				return nil, err
			}
			spans = append(spans, span)
		}
	} else {
		path := filepath.Join(downloadDir, m.Info.Name)
		span, err := create(path, m.TotalLength)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}

	return &Writer{spans: spans, totalLength: m.TotalLength}, nil
}

// preallocate extends f to length, relying on the filesystem to make the
// extension sparse where supported. Platforms without sparse-file support
// still end up with a correctly-sized, zero-filled file; Truncate is
// portable where a native fallocate syscall is not.
func preallocate(f *os.File, length int64) error {
	return f.Truncate(length)
}

// Write places bytes at the payload's absolute byte offset, splitting the
// write across as many consecutive Spans as necessary. A write that would
// run past the end of the declared file set is rejected.
func (w *Writer) Write(absoluteOffset int64, bytes []byte) error {
	if absoluteOffset < 0 || absoluteOffset+int64(len(bytes)) > w.totalLength {
		return errf("write [%d, %d) out of bounds for total length %d",
			absoluteOffset, absoluteOffset+int64(len(bytes)), w.totalLength)
	}
	offset := absoluteOffset
	remaining := bytes
	for len(remaining) > 0 {
		span, ok := w.spanContaining(offset)
		if !ok {
			return errf("no span contains offset %d", offset)
		}
		n := minInt64(span.end()-offset, int64(len(remaining)))
		if _, err := span.Handle.WriteAt(remaining[:n], offset-span.Start); err != nil {
			return errf("write at %s: %s", span.Handle.Name(), err)
		}
		remaining = remaining[n:]
		offset += n
	}
	return nil
}

// ReadAt reads length bytes starting at the payload's absolute byte offset,
// splitting the read across Spans exactly as Write would. Used by the
// scheduler to re-read a completed piece's bytes for SHA-1 verification.
func (w *Writer) ReadAt(absoluteOffset, length int64) ([]byte, error) {
	if absoluteOffset < 0 || absoluteOffset+length > w.totalLength {
		return nil, errf("read [%d, %d) out of bounds for total length %d",
			absoluteOffset, absoluteOffset+length, w.totalLength)
	}
	out := make([]byte, length)
	offset := absoluteOffset
	remaining := out
	for len(remaining) > 0 {
		span, ok := w.spanContaining(offset)
		if !ok {
			return nil, errf("no span contains offset %d", offset)
		}
		n := minInt64(span.end()-offset, int64(len(remaining)))
		if _, err := span.Handle.ReadAt(remaining[:n], offset-span.Start); err != nil {
			return nil, errf("read at %s: %s", span.Handle.Name(), err)
		}
		remaining = remaining[n:]
		offset += n
	}
	return out, nil
}

// ReadPiece reads back the bytes of piece index, for the scheduler's
// post-Finished SHA-1 verification.
func (w *Writer) ReadPiece(pieceLength int64, index int) ([]byte, error) {
	absoluteOffset := int64(index) * pieceLength
	length := minInt64(pieceLength, w.totalLength-absoluteOffset)
	return w.ReadAt(absoluteOffset, length)
}

// Close closes every underlying file handle.
func (w *Writer) Close() error {
	var firstErr error
	for _, s := range w.spans {
		if err := s.Handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *Writer) spanContaining(offset int64) (Span, bool) {
	for _, s := range w.spans {
		if offset >= s.Start && offset < s.end() {
			return s, true
		}
	}
	return Span{}, false
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
