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

// Package blob stores object bodies either in memory or spilled to disk,
// with reference counting so that copies and multipart assembly can share
// a single stored body.
package blob

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// ID identifies a stored body.
type ID string

// Range selects a byte range of a stored body. Start and End are inclusive,
// matching the HTTP Range header after resolution against the body size.
type Range struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (r Range) Length() int64 { return r.End - r.Start + 1 }

// Storage holds bodies in memory up to a spill threshold, above which they
// are written to files under a scratch directory. Bodies are refcounted;
// Release drops a reference and frees the body when the count reaches zero.
type Storage struct {
	mu        sync.Mutex
	threshold int64
	dir       string
	blobs     map[ID]*entry
}

type entry struct {
	refs int
	size int64
	mem  []byte // nil when spilled
	path string // empty when in memory
}

// Config holds Storage parameters.
type Config struct {
	// SpillThreshold is the size in bytes above which bodies go to disk.
	SpillThreshold int64
	// Dir is the scratch directory for spilled bodies. Created on demand;
	// defaults to a fresh directory under the OS temp dir.
	Dir string
}

// NewStorage creates an empty Storage.
func NewStorage(cfg Config) (*Storage, error) {
	if cfg.Dir == "" {
		dir, err := os.MkdirTemp("", "localcloud-blob-")
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		cfg.Dir = dir
	}
	return &Storage{
		threshold: cfg.SpillThreshold,
		dir:       cfg.Dir,
		blobs:     make(map[ID]*entry),
	}, nil
}

// Write stores a body and returns its ID with a reference count of one.
func (s *Storage) Write(p []byte) (ID, error) {
	id := ID(uuid.NewString())
	e := &entry{refs: 1, size: int64(len(p))}

	if int64(len(p)) <= s.threshold {
		e.mem = append([]byte(nil), p...)
	} else {
		path := filepath.Join(s.dir, string(id))
		if err := writeFileAtomic(path, p); err != nil {
			// One internal retry for transient write failures.
			if err = writeFileAtomic(path, p); err != nil {
				return "", trace.ConvertSystemError(err)
			}
		}
		e.path = path
	}

	s.mu.Lock()
	s.blobs[id] = e
	s.mu.Unlock()
	return id, nil
}

// Size returns the stored size of a body.
func (s *Storage) Size(id ID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blobs[id]
	if !ok {
		return 0, trace.NotFound("blob %v is not stored", id)
	}
	return e.size, nil
}

// Open returns a reader over the body, restricted to rng when non-nil.
// The reader stays valid even if the body is released while open: memory
// bodies are immutable and spilled files remain readable until closed.
func (s *Storage) Open(id ID, rng *Range) (io.ReadCloser, error) {
	s.mu.Lock()
	e, ok := s.blobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("blob %v is not stored", id)
	}

	if e.mem != nil {
		b := e.mem
		if rng != nil {
			if rng.Start < 0 || rng.End >= e.size || rng.Start > rng.End {
				return nil, trace.BadParameter("range %v-%v outside blob of size %v", rng.Start, rng.End, e.size)
			}
			b = b[rng.Start : rng.End+1]
		}
		return io.NopCloser(bytes.NewReader(b)), nil
	}

	f, err := os.Open(e.path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if rng == nil {
		return f, nil
	}
	if rng.Start < 0 || rng.End >= e.size || rng.Start > rng.End {
		f.Close()
		return nil, trace.BadParameter("range %v-%v outside blob of size %v", rng.Start, rng.End, e.size)
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, trace.ConvertSystemError(err)
	}
	return &limitedFile{f: f, n: rng.Length()}, nil
}

// ReadAll reads the whole body into memory.
func (s *Storage) ReadAll(id ID) ([]byte, error) {
	r, err := s.Open(id, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer r.Close()
	p, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return p, nil
}

// Ref adds a reference to a stored body.
func (s *Storage) Ref(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blobs[id]
	if !ok {
		return trace.NotFound("blob %v is not stored", id)
	}
	e.refs++
	return nil
}

// Release drops a reference, freeing the body when no references remain.
// Releasing an unknown ID is a no-op so that callers can release
// unconditionally on cleanup paths.
func (s *Storage) Release(id ID) {
	s.mu.Lock()
	e, ok := s.blobs[id]
	if ok {
		e.refs--
		if e.refs <= 0 {
			delete(s.blobs, id)
		} else {
			e = nil
		}
	}
	s.mu.Unlock()

	if ok && e != nil && e.path != "" {
		os.Remove(e.path)
	}
}

// Len returns the number of stored bodies.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// Reset removes every stored body regardless of reference counts.
func (s *Storage) Reset() {
	s.mu.Lock()
	blobs := s.blobs
	s.blobs = make(map[ID]*entry)
	s.mu.Unlock()

	for _, e := range blobs {
		if e.path != "" {
			os.Remove(e.path)
		}
	}
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it into place so that readers never observe a partial body.
func writeFileAtomic(path string, p []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tmp := f.Name()
	if _, err := f.Write(p); err != nil {
		f.Close()
		os.Remove(tmp)
		return trace.ConvertSystemError(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return trace.ConvertSystemError(err)
	}
	return nil
}

type limitedFile struct {
	f *os.File
	n int64
}

func (l *limitedFile) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.f.Read(p)
	l.n -= int64(n)
	return n, err
}

func (l *limitedFile) Close() error { return l.f.Close() }
