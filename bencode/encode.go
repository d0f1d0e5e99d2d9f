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
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Encode canonicalizes v into bencode bytes: dictionary keys are emitted in
// ascending lexicographic order regardless of the order they were parsed
// in. The download engine itself never calls Encode on data it intends to
// hash -- info-hash computation always uses the raw source span from
// ExtractInfoSlice -- this exists only to let tests assert round-trip
// properties over canonical inputs.
func Encode(v *Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v *Value) {
	switch v.Kind {
	case KindInteger:
		fmt.Fprintf(buf, "i%de", v.Int)
	case KindBytes:
		buf.WriteString(strconv.Itoa(len(v.Bytes)))
		buf.WriteByte(':')
		buf.Write(v.Bytes)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeInto(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			encodeInto(buf, &Value{Kind: KindBytes, Bytes: []byte(k)})
			encodeInto(buf, v.Dict[k])
		}
		buf.WriteByte('e')
	}
}
