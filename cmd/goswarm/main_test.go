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
package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunMissingPositionalArgs(t *testing.T) {
	err := run([]string{}, os.Stdout)
	require.Error(t, err)
}

func TestRunMissingMetainfoFile(t *testing.T) {
	err := run([]string{"testdata/does-not-exist.torrent", t.TempDir()}, os.Stdout)
	require.Error(t, err)
}

func TestRunMalformedMetainfo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.torrent")
	require.NoError(t, os.WriteFile(path, []byte("not bencode"), 0644))

	err := run([]string{path, t.TempDir()}, os.Stdout)
	require.Error(t, err)
}

func TestRunUnknownFlag(t *testing.T) {
	err := run([]string{"--nonexistent-flag", "a", "b"}, os.Stdout)
	require.Error(t, err)
}
