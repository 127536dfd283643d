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

// Package store implements the S3 bucket and object engine: version
// chains, delete markers, multipart uploads, and delimiter listings over
// a sorted key index.
package store

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/localcloud/lib/blob"
	"github.com/gravitational/localcloud/lib/defaults"
	"github.com/gravitational/localcloud/lib/s3/api"
)

// Config holds Store parameters.
type Config struct {
	// Blobs is the body storage engine. Required.
	Blobs *blob.Storage
	// Clock stamps creation and modification times.
	Clock clockwork.Clock
	// Region is stamped on new buckets unless the caller overrides it.
	Region string
	// MinPartSize is the minimum size of non-final multipart parts.
	// Zero disables the check.
	MinPartSize int64
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Blobs == nil {
		return trace.BadParameter("missing parameter Blobs")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Region == "" {
		c.Region = defaults.Region
	}
	return nil
}

// Store is the S3 storage engine. Buckets are isolation units: each holds
// its own lock, key index, and upload map.
type Store struct {
	cfg Config

	mu      sync.RWMutex
	buckets map[string]*bucket
	// owners maps bucket name to owner ID to enforce global name
	// uniqueness across accounts.
	owners map[string]string
}

// keyEntry is the version chain of one object key, newest first. Exactly
// one entry is the latest.
type keyEntry struct {
	key      string
	versions []*ObjectVersion
}

func entryLess(a, b *keyEntry) bool { return a.key < b.key }

type bucket struct {
	mu sync.RWMutex

	info    BucketInfo
	keys    *btree.BTreeG[*keyEntry]
	uploads map[string]*upload

	cors []CORSRule
	// configs holds the raw sub-resource documents (tagging, policy,
	// lifecycle, ...) that the emulator stores and serves verbatim.
	configs map[string][]byte
}

// NewStore creates an empty Store.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		owners:  make(map[string]string),
	}, nil
}

// Clock exposes the store clock, primarily for tests.
func (s *Store) Clock() clockwork.Clock { return s.cfg.Clock }

// ValidateBucketName checks the S3 bucket naming rules.
func ValidateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return api.ResourceError(api.ErrInvalidBucketName, name, "bucket name must be between 3 and 63 characters")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		valid := c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '.'
		if !valid {
			return api.ResourceError(api.ErrInvalidBucketName, name, "bucket name contains invalid character %q", string(c))
		}
	}
	if name[0] == '-' || name[0] == '.' || name[len(name)-1] == '-' || name[len(name)-1] == '.' {
		return api.ResourceError(api.ErrInvalidBucketName, name, "bucket name must begin and end with a letter or number")
	}
	if strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return api.ResourceError(api.ErrInvalidBucketName, name, "bucket name must not contain adjacent periods or dashes next to periods")
	}
	if net.ParseIP(name) != nil {
		return api.ResourceError(api.ErrInvalidBucketName, name, "bucket name must not be formatted as an IP address")
	}
	if strings.HasPrefix(name, "xn--") || strings.HasPrefix(name, "sthree-") {
		return api.ResourceError(api.ErrInvalidBucketName, name, "bucket name uses a reserved prefix")
	}
	if strings.HasSuffix(name, "-s3alias") {
		return api.ResourceError(api.ErrInvalidBucketName, name, "bucket name uses a reserved suffix")
	}
	return nil
}

// CreateBucket registers a new bucket. Names are globally unique: a name
// held by another owner fails BucketAlreadyExists, by the same owner
// BucketAlreadyOwnedByYou.
func (s *Store) CreateBucket(name string, owner Owner, objectLock bool) (*BucketInfo, error) {
	if err := ValidateBucketName(name); err != nil {
		return nil, trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ownerID, taken := s.owners[name]; taken {
		if ownerID == owner.ID {
			return nil, api.ResourceError(api.ErrBucketAlreadyOwnedByYou, name, "bucket already exists and is owned by you")
		}
		return nil, api.ResourceError(api.ErrBucketAlreadyExists, name, "the requested bucket name is not available")
	}

	b := &bucket{
		info: BucketInfo{
			Name:       name,
			Region:     s.cfg.Region,
			Owner:      owner,
			Created:    s.cfg.Clock.Now().UTC(),
			ObjectLock: objectLock,
		},
		keys:    btree.NewG(8, entryLess),
		uploads: make(map[string]*upload),
		configs: make(map[string][]byte),
	}
	if objectLock {
		// Object lock requires versioning from the moment of creation.
		b.info.Versioning = VersioningEnabled
	}
	s.buckets[name] = b
	s.owners[name] = owner.ID
	info := b.info
	return &info, nil
}

// DeleteBucket removes an empty bucket. Any remaining object version,
// delete marker, or in-progress upload fails the call.
func (s *Store) DeleteBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return api.NoSuchBucket(name)
	}

	b.mu.Lock()
	empty := b.keys.Len() == 0 && len(b.uploads) == 0
	b.mu.Unlock()
	if !empty {
		return api.BucketNotEmpty(name)
	}

	delete(s.buckets, name)
	delete(s.owners, name)
	return nil
}

// GetBucket returns the bucket's public info.
func (s *Store) GetBucket(name string) (*BucketInfo, error) {
	b, err := s.bucket(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	info := b.info
	return &info, nil
}

// BucketExists reports whether the bucket is registered.
func (s *Store) BucketExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok
}

// ListBuckets returns every bucket sorted by name.
func (s *Store) ListBuckets() []*BucketInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*BucketInfo, 0, len(s.buckets))
	for _, b := range s.buckets {
		b.mu.RLock()
		info := b.info
		b.mu.RUnlock()
		out = append(out, &info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetVersioning transitions the bucket versioning state. Suspending is
// rejected on object-lock buckets.
func (s *Store) SetVersioning(name string, status VersioningStatus) error {
	b, err := s.bucket(name)
	if err != nil {
		return trace.Wrap(err)
	}
	if status != VersioningEnabled && status != VersioningSuspended {
		return api.InvalidArgument("versioning status must be Enabled or Suspended")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.info.ObjectLock && status == VersioningSuspended {
		return api.Errorf(api.ErrInvalidRequest, "versioning cannot be suspended on a bucket with object lock enabled")
	}
	b.info.Versioning = status
	return nil
}

// SetCORS replaces the bucket CORS rule set; nil removes it.
func (s *Store) SetCORS(name string, rules []CORSRule) error {
	b, err := s.bucket(name)
	if err != nil {
		return trace.Wrap(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cors = rules
	return nil
}

// CORS returns the bucket CORS rule set; nil when unset.
func (s *Store) CORS(name string) ([]CORSRule, error) {
	b, err := s.bucket(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cors, nil
}

// SetConfig stores a raw bucket sub-resource document under its name
// ("tagging", "policy", "lifecycle", ...). A nil document removes it.
func (s *Store) SetConfig(name, sub string, doc []byte) error {
	b, err := s.bucket(name)
	if err != nil {
		return trace.Wrap(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if doc == nil {
		delete(b.configs, sub)
		return nil
	}
	b.configs[sub] = append([]byte(nil), doc...)
	return nil
}

// Config returns a stored sub-resource document, or ok=false when unset.
func (s *Store) Config(name, sub string) (doc []byte, ok bool, err error) {
	b, err := s.bucket(name)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, ok = b.configs[sub]
	return doc, ok, nil
}

// Reset drops all buckets and stored bodies.
func (s *Store) Reset() {
	s.mu.Lock()
	s.buckets = make(map[string]*bucket)
	s.owners = make(map[string]string)
	s.mu.Unlock()
	s.cfg.Blobs.Reset()
}

func (s *Store) bucket(name string) (*bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[name]
	if !ok {
		return nil, api.NoSuchBucket(name)
	}
	return b, nil
}

func (s *Store) now() time.Time { return s.cfg.Clock.Now().UTC() }
