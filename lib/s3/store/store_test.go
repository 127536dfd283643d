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
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/localcloud/lib/blob"
	"github.com/gravitational/localcloud/lib/defaults"
	"github.com/gravitational/localcloud/lib/s3/api"
)

var testOwner = Owner{ID: defaults.OwnerID, DisplayName: defaults.OwnerDisplayName}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	blobs, err := blob.NewStorage(blob.Config{
		SpillThreshold: 64,
		Dir:            t.TempDir(),
	})
	require.NoError(t, err)
	s, err := NewStore(Config{
		Blobs: blobs,
		Clock: clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return s
}

func mustBucket(t *testing.T, s *Store, name string) {
	t.Helper()
	_, err := s.CreateBucket(name, testOwner, false)
	require.NoError(t, err)
}

func TestValidateBucketName(t *testing.T) {
	valid := []string{
		"abc", "my-bucket", "my.bucket.2024", "0starts-with-digit",
		strings.Repeat("a", 63),
	}
	for _, name := range valid {
		require.NoError(t, ValidateBucketName(name), name)
	}

	invalid := []string{
		"ab", "", "UPPER", "under_score", "-leading", "trailing-",
		".leading", "trailing.", "double..dot", "dash-.dot", "192.168.0.1",
		"xn--reserved", "sthree-reserved", "name-s3alias",
		strings.Repeat("a", 64),
	}
	for _, name := range invalid {
		err := ValidateBucketName(name)
		require.True(t, api.IsCode(err, api.ErrInvalidBucketName), "%q: %v", name, err)
	}
}

func TestBucketLifecycle(t *testing.T) {
	s := newTestStore(t)

	info, err := s.CreateBucket("bucket", testOwner, false)
	require.NoError(t, err)
	require.Equal(t, "bucket", info.Name)
	require.Equal(t, defaults.Region, info.Region)
	require.True(t, s.BucketExists("bucket"))

	// Same owner gets the ownership variant, another owner the generic one.
	_, err = s.CreateBucket("bucket", testOwner, false)
	require.True(t, api.IsCode(err, api.ErrBucketAlreadyOwnedByYou))
	_, err = s.CreateBucket("bucket", Owner{ID: "other"}, false)
	require.True(t, api.IsCode(err, api.ErrBucketAlreadyExists))

	_, err = s.PutObject("bucket", "key", []byte("data"), ObjectMeta{})
	require.NoError(t, err)

	err = s.DeleteBucket("bucket")
	require.True(t, api.IsCode(err, api.ErrBucketNotEmpty))

	_, err = s.DeleteObject("bucket", "key", "")
	require.NoError(t, err)
	require.NoError(t, s.DeleteBucket("bucket"))
	require.False(t, s.BucketExists("bucket"))

	err = s.DeleteBucket("bucket")
	require.True(t, api.IsCode(err, api.ErrNoSuchBucket))
}

func TestObjectLockForcesVersioning(t *testing.T) {
	s := newTestStore(t)
	info, err := s.CreateBucket("locked", testOwner, true)
	require.NoError(t, err)
	require.Equal(t, VersioningEnabled, info.Versioning)

	err = s.SetVersioning("locked", VersioningSuspended)
	require.True(t, api.IsCode(err, api.ErrInvalidRequest))
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	mustBucket(t, s, "bucket")

	body := []byte("hello world")
	v, err := s.PutObject("bucket", "greeting", body, ObjectMeta{ContentType: "text/plain"})
	require.NoError(t, err)
	require.Equal(t, NullVersionID, v.VersionID)

	sum := md5.Sum(body)
	require.Equal(t, `"`+hex.EncodeToString(sum[:])+`"`, v.ETag)

	got, err := s.GetObject("bucket", "greeting", "")
	require.NoError(t, err)
	require.Equal(t, v.ETag, got.ETag)
	require.Equal(t, "text/plain", got.Meta.ContentType)

	read, err := s.ReadBody(got)
	require.NoError(t, err)
	require.Equal(t, body, read)

	_, err = s.GetObject("bucket", "missing", "")
	require.True(t, api.IsCode(err, api.ErrNoSuchKey))
	_, err = s.GetObject("missing", "greeting", "")
	require.True(t, api.IsCode(err, api.ErrNoSuchBucket))
}

// TestVersioningChains drives a key through the unversioned, enabled, and
// suspended states and checks the version chain after each transition.
func TestVersioningChains(t *testing.T) {
	s := newTestStore(t)
	mustBucket(t, s, "bucket")

	// Unversioned puts overwrite the single null entry.
	_, err := s.PutObject("bucket", "key", []byte("v1"), ObjectMeta{})
	require.NoError(t, err)
	v2, err := s.PutObject("bucket", "key", []byte("v2"), ObjectMeta{})
	require.NoError(t, err)
	require.Equal(t, NullVersionID, v2.VersionID)

	list, err := s.ListVersions("bucket", ListVersionsOptions{})
	require.NoError(t, err)
	require.Len(t, list.Versions, 1)

	// Enabling versioning keeps the null version and stacks new ones on top.
	require.NoError(t, s.SetVersioning("bucket", VersioningEnabled))
	v3, err := s.PutObject("bucket", "key", []byte("v3"), ObjectMeta{})
	require.NoError(t, err)
	require.NotEqual(t, NullVersionID, v3.VersionID)

	list, err = s.ListVersions("bucket", ListVersionsOptions{})
	require.NoError(t, err)
	require.Len(t, list.Versions, 2)
	require.True(t, list.Versions[0].IsLatest)
	require.Equal(t, v3.VersionID, list.Versions[0].VersionID)
	require.Equal(t, NullVersionID, list.Versions[1].VersionID)

	// The null version stays reachable by explicit version id.
	old, err := s.GetObject("bucket", "key", NullVersionID)
	require.NoError(t, err)
	body, err := s.ReadBody(old)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), body)

	// Suspended puts replace the null slot but keep real versions.
	require.NoError(t, s.SetVersioning("bucket", VersioningSuspended))
	v4, err := s.PutObject("bucket", "key", []byte("v4"), ObjectMeta{})
	require.NoError(t, err)
	require.Equal(t, NullVersionID, v4.VersionID)

	list, err = s.ListVersions("bucket", ListVersionsOptions{})
	require.NoError(t, err)
	require.Len(t, list.Versions, 2)
	require.Equal(t, NullVersionID, list.Versions[0].VersionID)
	require.True(t, list.Versions[0].IsLatest)
	require.Equal(t, v3.VersionID, list.Versions[1].VersionID)
}

func TestDeleteMarkers(t *testing.T) {
	s := newTestStore(t)
	mustBucket(t, s, "bucket")
	require.NoError(t, s.SetVersioning("bucket", VersioningEnabled))

	v1, err := s.PutObject("bucket", "key", []byte("v1"), ObjectMeta{})
	require.NoError(t, err)

	// Deleting without a version id creates a marker.
	res, err := s.DeleteObject("bucket", "key", "")
	require.NoError(t, err)
	require.True(t, res.DeleteMarker)
	require.NotEmpty(t, res.VersionID)

	_, err = s.GetObject("bucket", "key", "")
	require.True(t, api.IsCode(err, api.ErrNoSuchKey))
	markerVersion, ok := IsDeleteMarkerError(err)
	require.True(t, ok)
	require.Equal(t, res.VersionID, markerVersion)

	// The shadowed version is still reachable explicitly.
	_, err = s.GetObject("bucket", "key", v1.VersionID)
	require.NoError(t, err)

	// Deleting the marker by version id resurrects the object.
	res2, err := s.DeleteObject("bucket", "key", res.VersionID)
	require.NoError(t, err)
	require.True(t, res2.DeleteMarker)

	got, err := s.GetObject("bucket", "key", "")
	require.NoError(t, err)
	require.Equal(t, v1.VersionID, got.VersionID)
	require.True(t, got.IsLatest)
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	mustBucket(t, s, "bucket")

	// Deleting an absent key on an unversioned bucket succeeds.
	_, err := s.DeleteObject("bucket", "never-existed", "")
	require.NoError(t, err)

	_, err = s.PutObject("bucket", "key", []byte("x"), ObjectMeta{})
	require.NoError(t, err)
	_, err = s.DeleteObject("bucket", "key", "")
	require.NoError(t, err)
	_, err = s.DeleteObject("bucket", "key", "")
	require.NoError(t, err)
}

func TestCopyObject(t *testing.T) {
	s := newTestStore(t)
	mustBucket(t, s, "src")
	mustBucket(t, s, "dst")

	meta := ObjectMeta{ContentType: "text/plain", UserMetadata: map[string]string{"k": "v"}}
	orig, err := s.PutObject("src", "a", []byte("payload"), meta)
	require.NoError(t, err)

	copied, err := s.CopyObject("src", "a", "", "dst", "b", MetadataCopy, ObjectMeta{})
	require.NoError(t, err)
	require.Equal(t, orig.ETag, copied.ETag)
	require.Equal(t, "text/plain", copied.Meta.ContentType)
	require.Equal(t, "v", copied.Meta.UserMetadata["k"])

	// REPLACE swaps the metadata wholesale.
	replaced, err := s.CopyObject("src", "a", "", "dst", "c", MetadataReplace, ObjectMeta{ContentType: "application/json"})
	require.NoError(t, err)
	require.Equal(t, "application/json", replaced.Meta.ContentType)
	require.Empty(t, replaced.Meta.UserMetadata)

	// The shared body survives deleting the source.
	_, err = s.DeleteObject("src", "a", "")
	require.NoError(t, err)
	got, err := s.GetObject("dst", "b", "")
	require.NoError(t, err)
	body, err := s.ReadBody(got)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), body)
}

func TestObjectTagging(t *testing.T) {
	s := newTestStore(t)
	mustBucket(t, s, "bucket")

	_, err := s.PutObject("bucket", "key", []byte("x"), ObjectMeta{})
	require.NoError(t, err)

	require.NoError(t, s.SetObjectTagging("bucket", "key", "", map[string]string{"env": "dev"}))
	got, err := s.GetObject("bucket", "key", "")
	require.NoError(t, err)
	require.Equal(t, "dev", got.Meta.Tagging["env"])

	require.NoError(t, s.SetObjectTagging("bucket", "key", "", nil))
	got, err = s.GetObject("bucket", "key", "")
	require.NoError(t, err)
	require.Empty(t, got.Meta.Tagging)

	err = s.SetObjectTagging("bucket", "missing", "", nil)
	require.True(t, api.IsCode(err, api.ErrNoSuchKey))
}

func TestBucketConfigs(t *testing.T) {
	s := newTestStore(t)
	mustBucket(t, s, "bucket")

	_, ok, err := s.Config("bucket", "lifecycle")
	require.NoError(t, err)
	require.False(t, ok)

	doc := []byte("<LifecycleConfiguration/>")
	require.NoError(t, s.SetConfig("bucket", "lifecycle", doc))
	got, ok, err := s.Config("bucket", "lifecycle")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, doc, got)

	require.NoError(t, s.SetConfig("bucket", "lifecycle", nil))
	_, ok, err = s.Config("bucket", "lifecycle")
	require.NoError(t, err)
	require.False(t, ok)
}
