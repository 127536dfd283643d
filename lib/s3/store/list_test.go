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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/localcloud/lib/s3/api"
)

func seedKeys(t *testing.T, s *Store, bucket string, keys ...string) {
	t.Helper()
	for _, key := range keys {
		_, err := s.PutObject(bucket, key, []byte(key), ObjectMeta{})
		require.NoError(t, err)
	}
}

func listedKeys(res *ListResult) []string {
	out := make([]string, 0, len(res.Objects))
	for _, o := range res.Objects {
		out = append(out, o.Key)
	}
	return out
}

func TestListObjectsDelimiter(t *testing.T) {
	s := newTestStore(t)
	mustBucket(t, s, "bucket")
	seedKeys(t, s, "bucket",
		"photos/2023/a.jpg",
		"photos/2023/b.jpg",
		"photos/2024/c.jpg",
		"photos/index.html",
		"readme.txt",
	)

	// No delimiter: everything in key order.
	res, err := s.ListObjects("bucket", ListOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{
		"photos/2023/a.jpg", "photos/2023/b.jpg", "photos/2024/c.jpg",
		"photos/index.html", "readme.txt",
	}, listedKeys(res))
	require.False(t, res.IsTruncated)

	// Root-level delimiter collapses the photos/ subtree.
	res, err = s.ListObjects("bucket", ListOptions{Delimiter: "/"})
	require.NoError(t, err)
	require.Equal(t, []string{"readme.txt"}, listedKeys(res))
	require.Equal(t, []string{"photos/"}, res.CommonPrefixes)

	// Prefix plus delimiter exposes one level.
	res, err = s.ListObjects("bucket", ListOptions{Prefix: "photos/", Delimiter: "/"})
	require.NoError(t, err)
	require.Equal(t, []string{"photos/index.html"}, listedKeys(res))
	require.Equal(t, []string{"photos/2023/", "photos/2024/"}, res.CommonPrefixes)

	// A prefix that is not a directory boundary still works bytewise.
	res, err = s.ListObjects("bucket", ListOptions{Prefix: "photos/2"})
	require.NoError(t, err)
	require.Len(t, res.Objects, 3)

	res, err = s.ListObjects("bucket", ListOptions{Prefix: "zzz"})
	require.NoError(t, err)
	require.Empty(t, res.Objects)
	require.Empty(t, res.CommonPrefixes)

	_, err = s.ListObjects("bucket", ListOptions{MaxKeys: -1})
	require.True(t, api.IsCode(err, api.ErrInvalidArgument))
}

// TestListObjectsPagination checks that walking pages by marker visits
// every key exactly once regardless of page size.
func TestListObjectsPagination(t *testing.T) {
	s := newTestStore(t)
	mustBucket(t, s, "bucket")
	var all []string
	for i := 0; i < 10; i++ {
		all = append(all, fmt.Sprintf("key-%02d", i))
	}
	seedKeys(t, s, "bucket", all...)

	for _, pageSize := range []int{1, 3, 10, 11} {
		var seen []string
		marker := ""
		for {
			res, err := s.ListObjects("bucket", ListOptions{Marker: marker, MaxKeys: pageSize})
			require.NoError(t, err)
			seen = append(seen, listedKeys(res)...)
			if !res.IsTruncated {
				break
			}
			require.NotEmpty(t, res.NextMarker)
			marker = res.NextMarker
		}
		require.Equal(t, all, seen, "page size %d", pageSize)
	}
}

func TestListObjectsTruncationCountsPrefixes(t *testing.T) {
	s := newTestStore(t)
	mustBucket(t, s, "bucket")
	seedKeys(t, s, "bucket", "a/1", "b/1", "c", "d/1")

	// Common prefixes count against max-keys just like objects.
	res, err := s.ListObjects("bucket", ListOptions{Delimiter: "/", MaxKeys: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"a/", "b/"}, res.CommonPrefixes)
	require.Empty(t, res.Objects)
	require.True(t, res.IsTruncated)
	require.Equal(t, "b/", res.NextMarker)

	res, err = s.ListObjects("bucket", ListOptions{Delimiter: "/", Marker: res.NextMarker, MaxKeys: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, listedKeys(res))
	require.Equal(t, []string{"d/"}, res.CommonPrefixes)
	require.False(t, res.IsTruncated)
}

func TestListObjectsSkipsDeleteMarkers(t *testing.T) {
	s := newTestStore(t)
	mustBucket(t, s, "bucket")
	require.NoError(t, s.SetVersioning("bucket", VersioningEnabled))
	seedKeys(t, s, "bucket", "kept", "removed")

	_, err := s.DeleteObject("bucket", "removed", "")
	require.NoError(t, err)

	res, err := s.ListObjects("bucket", ListOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"kept"}, listedKeys(res))

	// The marker and its shadowed version still show in a version listing.
	vres, err := s.ListVersions("bucket", ListVersionsOptions{Prefix: "removed"})
	require.NoError(t, err)
	require.Len(t, vres.Versions, 2)
	require.True(t, vres.Versions[0].IsDeleteMarker)
	require.True(t, vres.Versions[0].IsLatest)
	require.False(t, vres.Versions[1].IsDeleteMarker)
}

func TestListVersionsPagination(t *testing.T) {
	s := newTestStore(t)
	mustBucket(t, s, "bucket")
	require.NoError(t, s.SetVersioning("bucket", VersioningEnabled))

	// Three keys with three versions each.
	for _, key := range []string{"a", "b", "c"} {
		for rev := 0; rev < 3; rev++ {
			_, err := s.PutObject("bucket", key, []byte{byte(rev)}, ObjectMeta{})
			require.NoError(t, err)
		}
	}

	var seen []string
	keyMarker, versionMarker := "", ""
	for {
		res, err := s.ListVersions("bucket", ListVersionsOptions{
			KeyMarker:       keyMarker,
			VersionIDMarker: versionMarker,
			MaxKeys:         2,
		})
		require.NoError(t, err)
		for _, v := range res.Versions {
			seen = append(seen, v.Key+":"+v.VersionID)
		}
		if !res.IsTruncated {
			break
		}
		keyMarker, versionMarker = res.NextKeyMarker, res.NextVersionIDMarker
	}
	require.Len(t, seen, 9)

	// Keys ascend, versions within a key are newest first and unique.
	unique := make(map[string]bool)
	for _, entry := range seen {
		require.False(t, unique[entry], entry)
		unique[entry] = true
	}
	require.Equal(t, "a", seen[0][:1])
	require.Equal(t, "c", seen[8][:1])

	_, err := s.ListVersions("bucket", ListVersionsOptions{VersionIDMarker: "v"})
	require.True(t, api.IsCode(err, api.ErrInvalidArgument))
}

func TestListVersionsDelimiter(t *testing.T) {
	s := newTestStore(t)
	mustBucket(t, s, "bucket")
	require.NoError(t, s.SetVersioning("bucket", VersioningEnabled))
	seedKeys(t, s, "bucket", "logs/a", "logs/b", "top")

	res, err := s.ListVersions("bucket", ListVersionsOptions{Delimiter: "/"})
	require.NoError(t, err)
	require.Equal(t, []string{"logs/"}, res.CommonPrefixes)
	require.Len(t, res.Versions, 1)
	require.Equal(t, "top", res.Versions[0].Key)
}
