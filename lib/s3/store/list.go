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
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud/lib/defaults"
	"github.com/gravitational/localcloud/lib/s3/api"
)

// commonPrefix returns the delimiter-collapsed prefix of key, if any.
// Given prefix "photos/" and delimiter "/", the key "photos/2024/jan/a"
// collapses to "photos/2024/".
func commonPrefix(key, prefix, delimiter string) (string, bool) {
	rest := key[len(prefix):]
	i := strings.Index(rest, delimiter)
	if i < 0 {
		return "", false
	}
	return key[:len(prefix)+i+len(delimiter)], true
}

// ListObjects walks keys in lexicographic order applying the prefix,
// delimiter, marker, and max-keys rules. Emitted objects are the latest
// versions; keys whose latest entry is a delete marker are skipped.
func (s *Store) ListObjects(bucketName string, opts ListOptions) (*ListResult, error) {
	b, err := s.bucket(bucketName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if opts.MaxKeys < 0 {
		return nil, api.InvalidArgument("max-keys must not be negative")
	}
	maxKeys := opts.MaxKeys
	if maxKeys == 0 {
		maxKeys = defaults.S3MaxKeys
	}

	result := &ListResult{}
	seenPrefix := make(map[string]bool)
	emitted := 0

	b.mu.RLock()
	defer b.mu.RUnlock()

	pivot := &keyEntry{key: opts.Prefix}
	if opts.Marker != "" && opts.Marker > opts.Prefix {
		pivot = &keyEntry{key: opts.Marker + "\x00"}
	}

	b.keys.AscendGreaterOrEqual(pivot, func(entry *keyEntry) bool {
		if !strings.HasPrefix(entry.key, opts.Prefix) {
			return false
		}
		latest := entry.versions[0]
		if latest.IsDeleteMarker {
			return true
		}

		var out string
		if opts.Delimiter != "" {
			if cp, ok := commonPrefix(entry.key, opts.Prefix, opts.Delimiter); ok {
				// A marker naming a common prefix excludes the whole group.
				if seenPrefix[cp] || cp <= opts.Marker {
					return true
				}
				if emitted == maxKeys {
					result.IsTruncated = true
					return false
				}
				seenPrefix[cp] = true
				result.CommonPrefixes = append(result.CommonPrefixes, cp)
				emitted++
				out = cp
				result.NextMarker = out
				return true
			}
		}

		if emitted == maxKeys {
			result.IsTruncated = true
			return false
		}
		v := *latest
		result.Objects = append(result.Objects, &v)
		emitted++
		result.NextMarker = entry.key
		return true
	})

	if !result.IsTruncated {
		result.NextMarker = ""
	}
	return result, nil
}

// ListVersions walks version chains in key order, entries newest first,
// with (key, version-id) continuation markers.
func (s *Store) ListVersions(bucketName string, opts ListVersionsOptions) (*ListVersionsResult, error) {
	b, err := s.bucket(bucketName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if opts.MaxKeys < 0 {
		return nil, api.InvalidArgument("max-keys must not be negative")
	}
	maxKeys := opts.MaxKeys
	if maxKeys == 0 {
		maxKeys = defaults.S3MaxKeys
	}
	if opts.VersionIDMarker != "" && opts.KeyMarker == "" {
		return nil, api.InvalidArgument("a version-id marker cannot be specified without a key marker")
	}

	result := &ListVersionsResult{}
	seenPrefix := make(map[string]bool)
	emitted := 0

	b.mu.RLock()
	defer b.mu.RUnlock()

	pivot := &keyEntry{key: opts.Prefix}
	if opts.KeyMarker != "" && opts.KeyMarker > opts.Prefix {
		// Resume at the marker key itself: when a version-id marker is
		// present the remaining versions of that key still qualify.
		pivot = &keyEntry{key: opts.KeyMarker}
	}

	b.keys.AscendGreaterOrEqual(pivot, func(entry *keyEntry) bool {
		if !strings.HasPrefix(entry.key, opts.Prefix) {
			return false
		}

		if opts.Delimiter != "" {
			if cp, ok := commonPrefix(entry.key, opts.Prefix, opts.Delimiter); ok {
				if seenPrefix[cp] || cp <= opts.KeyMarker {
					return true
				}
				if emitted == maxKeys {
					result.IsTruncated = true
					return false
				}
				seenPrefix[cp] = true
				result.CommonPrefixes = append(result.CommonPrefixes, cp)
				emitted++
				return true
			}
		}

		// Skip versions at or before the version-id marker on the marker key.
		skipping := entry.key == opts.KeyMarker && opts.VersionIDMarker != ""
		if entry.key == opts.KeyMarker && opts.VersionIDMarker == "" {
			// Key marker without version marker excludes the whole key.
			return true
		}

		for _, v := range entry.versions {
			if skipping {
				if v.VersionID == opts.VersionIDMarker {
					skipping = false
				}
				continue
			}
			if emitted == maxKeys {
				result.IsTruncated = true
				return false
			}
			out := *v
			result.Versions = append(result.Versions, &out)
			emitted++
			result.NextKeyMarker = v.Key
			result.NextVersionIDMarker = v.VersionID
		}
		return true
	})

	if !result.IsTruncated {
		result.NextKeyMarker = ""
		result.NextVersionIDMarker = ""
	}
	return result, nil
}
