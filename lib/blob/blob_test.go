// Localcloud
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package blob

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T, threshold int64) *Storage {
	t.Helper()
	s, err := NewStorage(Config{SpillThreshold: threshold, Dir: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestWriteReadMemory(t *testing.T) {
	s := newTestStorage(t, 1024)

	body := []byte("hello blob")
	id, err := s.Write(body)
	require.NoError(t, err)

	got, err := s.ReadAll(id)
	require.NoError(t, err)
	require.Equal(t, body, got)

	size, err := s.Size(id)
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), size)
}

func TestSpillToDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStorage(Config{SpillThreshold: 4, Dir: dir})
	require.NoError(t, err)

	body := bytes.Repeat([]byte{0xAB}, 64)
	id, err := s.Write(body)
	require.NoError(t, err)

	// The body must live on disk, not in memory.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, string(id), entries[0].Name())

	got, err := s.ReadAll(id)
	require.NoError(t, err)
	require.Equal(t, body, got)

	s.Release(id)
	_, err = os.Stat(filepath.Join(dir, string(id)))
	require.True(t, os.IsNotExist(err))
}

func TestRangeReads(t *testing.T) {
	for _, threshold := range []int64{0, 1024} {
		s := newTestStorage(t, threshold)

		body := []byte("0123456789")
		id, err := s.Write(body)
		require.NoError(t, err)

		r, err := s.Open(id, &Range{Start: 2, End: 5})
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		require.Equal(t, []byte("2345"), got)

		_, err = s.Open(id, &Range{Start: 5, End: 100})
		require.True(t, trace.IsBadParameter(err))
	}
}

func TestRefcount(t *testing.T) {
	s := newTestStorage(t, 1024)

	id, err := s.Write([]byte("shared"))
	require.NoError(t, err)
	require.NoError(t, s.Ref(id))

	s.Release(id)
	_, err = s.ReadAll(id)
	require.NoError(t, err, "body must survive while a reference remains")

	s.Release(id)
	_, err = s.ReadAll(id)
	require.True(t, trace.IsNotFound(err))

	// Releasing an already-freed body must not panic.
	s.Release(id)
}

func TestReset(t *testing.T) {
	s := newTestStorage(t, 2)

	_, err := s.Write([]byte("a"))
	require.NoError(t, err)
	_, err = s.Write(bytes.Repeat([]byte{1}, 100))
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	s.Reset()
	require.Equal(t, 0, s.Len())
}
