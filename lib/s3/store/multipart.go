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
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud/lib/blob"
	"github.com/gravitational/localcloud/lib/defaults"
	"github.com/gravitational/localcloud/lib/s3/api"
)

// upload is an in-progress multipart upload. Parts are a sparse map:
// re-uploading a part number replaces the previous body.
type upload struct {
	MultipartUpload
	meta  ObjectMeta
	parts map[int]*Part
}

// CreateMultipartUpload starts an upload and returns its ID. The supplied
// metadata is captured and applied to the object on completion.
func (s *Store) CreateMultipartUpload(bucketName, key string, meta ObjectMeta) (*MultipartUpload, error) {
	if len(key) > defaults.S3MaxKeyLength {
		return nil, api.ResourceError(api.ErrKeyTooLong, key, "object key is longer than %v bytes", defaults.S3MaxKeyLength)
	}
	b, err := s.bucket(bucketName)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	up := &upload{
		MultipartUpload: MultipartUpload{
			UploadID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
			Bucket:       bucketName,
			Key:          key,
			Initiated:    s.now(),
			StorageClass: meta.StorageClass,
			Owner:        b.info.Owner,
		},
		meta:  meta.Clone(),
		parts: make(map[int]*Part),
	}
	b.uploads[up.UploadID] = up
	out := up.MultipartUpload
	return &out, nil
}

// UploadPart stores one part body and returns its quoted etag.
func (s *Store) UploadPart(bucketName, uploadID string, partNumber int, body []byte) (string, error) {
	if partNumber < 1 || partNumber > defaults.S3MaxPartNumber {
		return "", api.Errorf(api.ErrInvalidPart, "part number must be between 1 and %v", defaults.S3MaxPartNumber)
	}
	b, err := s.bucket(bucketName)
	if err != nil {
		return "", trace.Wrap(err)
	}

	bodyID, err := s.cfg.Blobs.Write(body)
	if err != nil {
		return "", api.Errorf(api.ErrInternalError, "storing part body: %v", err)
	}

	part := &Part{
		PartNumber:   partNumber,
		ETag:         etagOf(body),
		Size:         int64(len(body)),
		LastModified: s.now(),
		BodyID:       bodyID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	up, ok := b.uploads[uploadID]
	if !ok {
		s.cfg.Blobs.Release(bodyID)
		return "", api.NoSuchUpload(uploadID)
	}
	if prev, ok := up.parts[partNumber]; ok {
		s.cfg.Blobs.Release(prev.BodyID)
	}
	up.parts[partNumber] = part
	return part.ETag, nil
}

// UploadPartCopy stores a part whose body is a stored object, or a byte
// range of one.
func (s *Store) UploadPartCopy(bucketName, uploadID string, partNumber int, srcBucket, srcKey, srcVersion string, rng *blob.Range) (*Part, error) {
	src, err := s.GetObject(srcBucket, srcKey, srcVersion)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if rng != nil && rng.End >= src.Size {
		return nil, api.Errorf(api.ErrInvalidRange, "copy source range is outside the source object of %v bytes", src.Size)
	}
	r, err := s.OpenBody(src, rng)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	body, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, api.Errorf(api.ErrInternalError, "reading copy source: %v", err)
	}
	etag, err := s.UploadPart(bucketName, uploadID, partNumber, body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Part{PartNumber: partNumber, ETag: etag, Size: int64(len(body)), LastModified: s.now()}, nil
}

// AbortMultipartUpload terminates an upload, freeing all part bodies.
// Removal from the upload map is the linearization point shared with
// CompleteMultipartUpload: the loser of a race gets NoSuchUpload.
func (s *Store) AbortMultipartUpload(bucketName, uploadID string) error {
	b, err := s.bucket(bucketName)
	if err != nil {
		return trace.Wrap(err)
	}

	b.mu.Lock()
	up, ok := b.uploads[uploadID]
	if ok {
		delete(b.uploads, uploadID)
	}
	b.mu.Unlock()

	if !ok {
		return api.NoSuchUpload(uploadID)
	}
	for _, part := range up.parts {
		s.cfg.Blobs.Release(part.BodyID)
	}
	return nil
}

// CompleteMultipartUpload validates the supplied part list against the
// stored parts, assembles the final body, and stores it as a new object
// version. The multipart etag is the MD5 of the concatenated binary part
// MD5s, suffixed with the part count.
func (s *Store) CompleteMultipartUpload(bucketName, uploadID string, parts []CompletedPart) (*ObjectVersion, error) {
	b, err := s.bucket(bucketName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(parts) == 0 {
		return nil, api.Errorf(api.ErrMalformedXML, "part list must not be empty")
	}

	// Removing the upload entry is the at-most-once linearization point.
	b.mu.Lock()
	up, ok := b.uploads[uploadID]
	if ok {
		delete(b.uploads, uploadID)
	}
	b.mu.Unlock()
	if !ok {
		return nil, api.NoSuchUpload(uploadID)
	}

	// On any validation failure the upload is already gone; that matches
	// the at-most-once contract, the client must restart the upload.
	stored := make([]*Part, 0, len(parts))
	prev := 0
	for _, cp := range parts {
		if cp.PartNumber <= prev {
			s.releaseUpload(up)
			return nil, api.Errorf(api.ErrInvalidPartOrder, "parts must be supplied in ascending part number order")
		}
		prev = cp.PartNumber
		part, ok := up.parts[cp.PartNumber]
		if !ok || !etagEqual(part.ETag, cp.ETag) {
			s.releaseUpload(up)
			return nil, api.Errorf(api.ErrInvalidPart, "part %v was not uploaded or its etag does not match", cp.PartNumber)
		}
		stored = append(stored, part)
	}

	if min := s.cfg.MinPartSize; min > 0 {
		for i, part := range stored {
			if i < len(stored)-1 && part.Size < min {
				s.releaseUpload(up)
				return nil, api.Errorf(api.ErrEntityTooSmall, "part %v is smaller than the minimum of %v bytes", part.PartNumber, min)
			}
		}
	}

	// Assemble the final body and the multipart etag.
	var assembled []byte
	md5s := make([]byte, 0, md5.Size*len(stored))
	for _, part := range stored {
		body, err := s.cfg.Blobs.ReadAll(part.BodyID)
		if err != nil {
			s.releaseUpload(up)
			return nil, api.Errorf(api.ErrInternalError, "reading part %v: %v", part.PartNumber, err)
		}
		assembled = append(assembled, body...)
		raw, err := hex.DecodeString(strings.Trim(part.ETag, `"`))
		if err != nil {
			s.releaseUpload(up)
			return nil, api.Errorf(api.ErrInternalError, "malformed stored part etag %q", part.ETag)
		}
		md5s = append(md5s, raw...)
	}
	sum := md5.Sum(md5s)
	etag := fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(sum[:]), len(stored))

	version, err := s.PutObject(bucketName, up.Key, assembled, up.meta)
	if err != nil {
		s.releaseUpload(up)
		return nil, trace.Wrap(err)
	}
	s.releaseUpload(up)

	// Replace the single-part etag computed by PutObject with the
	// multipart etag on the stored version.
	b.mu.Lock()
	if entry, ok := b.keys.Get(&keyEntry{key: up.Key}); ok {
		for _, v := range entry.versions {
			if v.VersionID == version.VersionID {
				v.ETag = etag
				break
			}
		}
	}
	b.mu.Unlock()

	version.ETag = etag
	return version, nil
}

func (s *Store) releaseUpload(up *upload) {
	for _, part := range up.parts {
		s.cfg.Blobs.Release(part.BodyID)
	}
}

// etagEqual compares etags ignoring surrounding quotes.
func etagEqual(a, b string) bool {
	return strings.Trim(a, `"`) == strings.Trim(b, `"`)
}

// ListParts returns the stored parts of an upload in part-number order.
func (s *Store) ListParts(bucketName, uploadID string, partNumberMarker, maxParts int) (*ListPartsResult, error) {
	b, err := s.bucket(bucketName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if maxParts <= 0 {
		maxParts = defaults.S3MaxParts
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	up, ok := b.uploads[uploadID]
	if !ok {
		return nil, api.NoSuchUpload(uploadID)
	}

	numbers := make([]int, 0, len(up.parts))
	for n := range up.parts {
		if n > partNumberMarker {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)

	result := &ListPartsResult{}
	for _, n := range numbers {
		if len(result.Parts) == maxParts {
			result.IsTruncated = true
			break
		}
		p := *up.parts[n]
		result.Parts = append(result.Parts, &p)
		result.NextPartNumberMarker = n
	}
	return result, nil
}

// ListMultipartUploads returns in-progress uploads ordered by (key,
// upload ID), with optional prefix filtering and key/upload-id markers.
func (s *Store) ListMultipartUploads(bucketName, prefix, keyMarker, uploadIDMarker string, maxUploads int) (*ListUploadsResult, error) {
	b, err := s.bucket(bucketName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if maxUploads <= 0 {
		maxUploads = defaults.S3MaxUploads
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	uploads := make([]*upload, 0, len(b.uploads))
	for _, up := range b.uploads {
		if !strings.HasPrefix(up.Key, prefix) {
			continue
		}
		if keyMarker != "" {
			if up.Key < keyMarker {
				continue
			}
			if up.Key == keyMarker && (uploadIDMarker == "" || up.UploadID <= uploadIDMarker) {
				continue
			}
		}
		uploads = append(uploads, up)
	}
	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Key != uploads[j].Key {
			return uploads[i].Key < uploads[j].Key
		}
		return uploads[i].UploadID < uploads[j].UploadID
	})

	result := &ListUploadsResult{}
	for _, up := range uploads {
		if len(result.Uploads) == maxUploads {
			result.IsTruncated = true
			break
		}
		u := up.MultipartUpload
		result.Uploads = append(result.Uploads, &u)
		result.NextKeyMarker = up.Key
		result.NextUploadIDMarker = up.UploadID
	}
	return result, nil
}
