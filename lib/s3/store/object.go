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

package store

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud/lib/blob"
	"github.com/gravitational/localcloud/lib/defaults"
	"github.com/gravitational/localcloud/lib/s3/api"
)

// newVersionID mints an opaque version token.
func newVersionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// etagOf returns the quoted hex MD5 of a body.
func etagOf(body []byte) string {
	sum := md5.Sum(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// PutObject stores a new object version and returns it. On unversioned
// buckets the single "null" entry is overwritten; on versioned buckets a
// new version is prepended; on suspended buckets the "null" entry is
// replaced and becomes the latest.
func (s *Store) PutObject(bucketName, key string, body []byte, meta ObjectMeta) (*ObjectVersion, error) {
	if len(key) == 0 {
		return nil, api.InvalidArgument("object key must not be empty")
	}
	if len(key) > defaults.S3MaxKeyLength {
		return nil, api.ResourceError(api.ErrKeyTooLong, key, "object key is longer than %v bytes", defaults.S3MaxKeyLength)
	}

	b, err := s.bucket(bucketName)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	bodyID, err := s.cfg.Blobs.Write(body)
	if err != nil {
		return nil, api.Errorf(api.ErrInternalError, "storing object body: %v", err)
	}

	version := &ObjectVersion{
		Key:          key,
		IsLatest:     true,
		ETag:         etagOf(body),
		Size:         int64(len(body)),
		LastModified: s.now(),
		BodyID:       bodyID,
		Meta:         meta.Clone(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	version.Owner = b.info.Owner
	s.insertVersionLocked(b, version)
	out := *version
	return &out, nil
}

// insertVersionLocked links a new latest version into the key's chain
// according to the bucket versioning state. Replaced entries have their
// bodies released.
func (s *Store) insertVersionLocked(b *bucket, version *ObjectVersion) {
	entry, ok := b.keys.Get(&keyEntry{key: version.Key})
	if !ok {
		entry = &keyEntry{key: version.Key}
		b.keys.ReplaceOrInsert(entry)
	}

	switch b.info.Versioning {
	case VersioningUnversioned:
		version.VersionID = NullVersionID
		for _, old := range entry.versions {
			s.releaseVersion(old)
		}
		entry.versions = []*ObjectVersion{version}

	case VersioningEnabled:
		version.VersionID = newVersionID()
		for _, old := range entry.versions {
			old.IsLatest = false
		}
		entry.versions = append([]*ObjectVersion{version}, entry.versions...)

	case VersioningSuspended:
		version.VersionID = NullVersionID
		kept := entry.versions[:0]
		for _, old := range entry.versions {
			if old.VersionID == NullVersionID {
				s.releaseVersion(old)
				continue
			}
			old.IsLatest = false
			kept = append(kept, old)
		}
		entry.versions = append([]*ObjectVersion{version}, kept...)
	}
}

func (s *Store) releaseVersion(v *ObjectVersion) {
	if !v.IsDeleteMarker && v.BodyID != "" {
		s.cfg.Blobs.Release(v.BodyID)
	}
}

// GetObject resolves a key (and optional explicit version) to an object
// version. A delete marker resolves to NoSuchKey; the caller can detect
// the marker through IsDeleteMarkerError.
func (s *Store) GetObject(bucketName, key, versionID string) (*ObjectVersion, error) {
	b, err := s.bucket(bucketName)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.keys.Get(&keyEntry{key: key})
	if !ok || len(entry.versions) == 0 {
		return nil, api.NoSuchKey(key)
	}

	var version *ObjectVersion
	if versionID == "" {
		version = entry.versions[0]
	} else {
		for _, v := range entry.versions {
			if v.VersionID == versionID {
				version = v
				break
			}
		}
		if version == nil {
			return nil, api.ResourceError(api.ErrNoSuchVersion, key, "the specified version does not exist")
		}
	}

	if version.IsDeleteMarker {
		return nil, &deleteMarkerError{err: *api.NoSuchKey(key), versionID: version.VersionID}
	}
	out := *version
	return &out, nil
}

// deleteMarkerError is NoSuchKey carrying the marker's version so the
// protocol layer can emit x-amz-delete-marker.
type deleteMarkerError struct {
	err       api.Error
	versionID string
}

func (e *deleteMarkerError) Error() string { return e.err.Error() }

// Unwrap lets api.AsError see the underlying NoSuchKey.
func (e *deleteMarkerError) Unwrap() error { return &e.err }

// IsDeleteMarkerError reports whether err is NoSuchKey caused by a delete
// marker, returning the marker version.
func IsDeleteMarkerError(err error) (versionID string, ok bool) {
	var dm *deleteMarkerError
	if trace.Unwrap(err) != nil {
		if e, ok := trace.Unwrap(err).(*deleteMarkerError); ok {
			dm = e
		}
	}
	if dm == nil {
		return "", false
	}
	return dm.versionID, true
}

// OpenBody opens a reader over an object version's body.
func (s *Store) OpenBody(v *ObjectVersion, rng *blob.Range) (io.ReadCloser, error) {
	r, err := s.cfg.Blobs.Open(v.BodyID, rng)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// ReadBody reads an object version's body into memory.
func (s *Store) ReadBody(v *ObjectVersion) ([]byte, error) {
	p, err := s.cfg.Blobs.ReadAll(v.BodyID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// DeleteObject removes a key or version. Unversioned buckets and explicit
// version IDs remove the entry outright; versioned buckets without a
// version ID gain a delete marker instead. Deleting an absent key on an
// unversioned bucket succeeds (delete is idempotent).
func (s *Store) DeleteObject(bucketName, key, versionID string) (*DeleteResult, error) {
	b, err := s.bucket(bucketName)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.keys.Get(&keyEntry{key: key})

	if versionID != "" {
		if !ok {
			return &DeleteResult{VersionID: versionID}, nil
		}
		for i, v := range entry.versions {
			if v.VersionID != versionID {
				continue
			}
			wasLatest := v.IsLatest
			s.releaseVersion(v)
			entry.versions = append(entry.versions[:i], entry.versions[i+1:]...)
			if len(entry.versions) == 0 {
				b.keys.Delete(entry)
			} else if wasLatest {
				entry.versions[0].IsLatest = true
			}
			return &DeleteResult{VersionID: versionID, DeleteMarker: v.IsDeleteMarker}, nil
		}
		return &DeleteResult{VersionID: versionID}, nil
	}

	switch b.info.Versioning {
	case VersioningUnversioned:
		if ok {
			for _, v := range entry.versions {
				s.releaseVersion(v)
			}
			b.keys.Delete(entry)
		}
		return &DeleteResult{}, nil

	default:
		// Enabled and Suspended both append a delete marker; under
		// Suspended the marker takes the "null" slot.
		marker := &ObjectVersion{
			Key:            key,
			IsDeleteMarker: true,
			IsLatest:       true,
			LastModified:   s.now(),
			Owner:          b.info.Owner,
		}
		s.insertVersionLocked(b, marker)
		return &DeleteResult{VersionID: marker.VersionID, DeleteMarker: true}, nil
	}
}

// CopyObject copies a source object (optionally a specific version) to a
// destination, sharing the stored body. With MetadataCopy the source
// metadata is carried over; with MetadataReplace the supplied metadata is
// used.
func (s *Store) CopyObject(srcBucket, srcKey, srcVersion, dstBucket, dstKey string, directive MetadataDirective, meta ObjectMeta) (*ObjectVersion, error) {
	src, err := s.GetObject(srcBucket, srcKey, srcVersion)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	db, err := s.bucket(dstBucket)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	newMeta := src.Meta.Clone()
	if directive == MetadataReplace {
		newMeta = meta.Clone()
	}

	if err := s.cfg.Blobs.Ref(src.BodyID); err != nil {
		return nil, api.Errorf(api.ErrInternalError, "sharing copied body: %v", err)
	}

	version := &ObjectVersion{
		Key:          dstKey,
		IsLatest:     true,
		ETag:         src.ETag,
		Size:         src.Size,
		LastModified: s.now(),
		BodyID:       src.BodyID,
		Meta:         newMeta,
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	version.Owner = db.info.Owner
	s.insertVersionLocked(db, version)
	out := *version
	return &out, nil
}

// SetObjectTagging replaces the tag set of an object version (the latest
// when versionID is empty).
func (s *Store) SetObjectTagging(bucketName, key, versionID string, tags map[string]string) error {
	b, err := s.bucket(bucketName)
	if err != nil {
		return trace.Wrap(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.keys.Get(&keyEntry{key: key})
	if !ok || len(entry.versions) == 0 {
		return api.NoSuchKey(key)
	}
	for _, v := range entry.versions {
		if versionID == "" && v.IsLatest || v.VersionID == versionID {
			if v.IsDeleteMarker {
				return api.NoSuchKey(key)
			}
			if tags == nil {
				v.Meta.Tagging = nil
			} else {
				v.Meta.Tagging = make(map[string]string, len(tags))
				for k, tv := range tags {
					v.Meta.Tagging[k] = tv
				}
			}
			return nil
		}
	}
	return api.ResourceError(api.ErrNoSuchVersion, key, "the specified version does not exist")
}
