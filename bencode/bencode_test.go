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
package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseScalars(t *testing.T) {
	require := require.New(t)

	v, rest, err := Parse([]byte("i42e"))
	require.NoError(err)
	require.Equal(KindInteger, v.Kind)
	require.EqualValues(42, v.Int)
	require.Empty(rest)

	v, rest, err = Parse([]byte("i-7e"))
	require.NoError(err)
	require.EqualValues(-7, v.Int)
	require.Empty(rest)

	v, rest, err = Parse([]byte("4:spam"))
	require.NoError(err)
	require.Equal(KindBytes, v.Kind)
	require.Equal([]byte("spam"), v.Bytes)
	require.Empty(rest)
}

func TestParseLeavesSuffix(t *testing.T) {
	require := require.New(t)

	v, rest, err := Parse([]byte("i42eTRAILING"))
	require.NoError(err)
	require.EqualValues(42, v.Int)
	require.Equal("TRAILING", string(rest))
}

func TestParseIntegerRejectsLeadingZero(t *testing.T) {
	_, _, err := Parse([]byte("i04e"))
	require.Error(t, err)
}

func TestParseIntegerRejectsNegativeZero(t *testing.T) {
	_, _, err := Parse([]byte("i-0e"))
	require.Error(t, err)
}

func TestParseIntegerAcceptsZero(t *testing.T) {
	v, _, err := Parse([]byte("i0e"))
	require.NoError(t, err)
	require.EqualValues(t, 0, v.Int)
}

func TestParseListAndDict(t *testing.T) {
	require := require.New(t)

	v, rest, err := Parse([]byte("l4:spam4:eggse"))
	require.NoError(err)
	require.Equal(KindList, v.Kind)
	require.Len(v.List, 2)
	require.Equal([]byte("spam"), v.List[0].Bytes)
	require.Equal([]byte("eggs"), v.List[1].Bytes)
	require.Empty(rest)

	v, rest, err = Parse([]byte("d3:cow3:moo4:spam4:eggse"))
	require.NoError(err)
	require.Equal(KindDict, v.Kind)
	cow, ok := v.Get("cow")
	require.True(ok)
	require.Equal([]byte("moo"), cow.Bytes)
	spam, ok := v.Get("spam")
	require.True(ok)
	require.Equal([]byte("eggs"), spam.Bytes)
	require.Empty(rest)
}

func TestParseDictRejectsDuplicateKeys(t *testing.T) {
	_, _, err := Parse([]byte("d3:cow3:moo3:cow3:mooe"))
	require.Error(t, err)
}

func TestParseMalformedInputFailsWithOffset(t *testing.T) {
	_, _, err := Parse([]byte("5:ab"))
	require.Error(t, err)
	synErr, ok := err.(*SyntaxError)
	require.True(t, ok)
	require.Equal(t, 2, synErr.Offset)
}

func TestParseNoPartialValueOnFailure(t *testing.T) {
	v, rest, err := Parse([]byte("l4:spami"))
	require.Error(t, err)
	require.Nil(t, v)
	require.Nil(t, rest)
}

func TestEncodeRoundTripCanonical(t *testing.T) {
	require := require.New(t)

	// Canonical: dict keys already ascending.
	canonical := []byte("d3:bar4:spam3:fooi42ee")
	v, _, err := Parse(canonical)
	require.NoError(err)
	require.Equal(canonical, Encode(v))
}

func TestExtractInfoSliceReturnsVerbatimBytes(t *testing.T) {
	require := require.New(t)

	raw := []byte("d8:announce8:udp://x/4:infod6:lengthi5e4:name5:a.txt12:piece lengthi16384e6:pieces20:12345678901234567890ee")
	info, rest, err := ExtractInfoSlice(raw)
	require.NoError(err)
	require.Empty(rest)

	// The info value should parse back on its own to the same dict.
	infoVal, infoRest, err := Parse(info)
	require.NoError(err)
	require.Empty(infoRest)
	nameVal, ok := infoVal.Get("name")
	require.True(ok)
	require.Equal("a.txt", string(nameVal.Bytes))
}

func TestExtractInfoSliceIgnoresDecoyByteSequence(t *testing.T) {
	require := require.New(t)

	// A file whose "comment" value itself contains the literal bytes "4:info"
	// before the real info dictionary appears. A byte-sequence search for
	// "4:info" would misfire on this decoy; a structural parse must not.
	raw := []byte("d7:comment9:x4:infoxx4:infod6:lengthi1e4:name1:a12:piece lengthi1e6:pieces20:01234567890123456789ee")
	info, _, err := ExtractInfoSlice(raw)
	require.NoError(err)

	infoVal, _, err := Parse(info)
	require.NoError(err)
	lengthVal, ok := infoVal.Get("length")
	require.True(ok)
	require.EqualValues(1, lengthVal.Int)
}

func TestExtractInfoSliceMissingInfoKey(t *testing.T) {
	_, _, err := ExtractInfoSlice([]byte("d8:announce8:udp://x/e"))
	require.Error(t, err)
}

func TestExtractInfoSliceRootNotDict(t *testing.T) {
	_, _, err := ExtractInfoSlice([]byte("i5e"))
	require.Error(t, err)
}
