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
	"time"

	"github.com/gravitational/localcloud/lib/blob"
)

// VersioningStatus is the three-valued bucket versioning state.
type VersioningStatus string

const (
	// VersioningUnversioned means versioning has never been enabled.
	VersioningUnversioned VersioningStatus = ""
	// VersioningEnabled means new puts create new versions.
	VersioningEnabled VersioningStatus = "Enabled"
	// VersioningSuspended means new puts overwrite the "null" version.
	VersioningSuspended VersioningStatus = "Suspended"
)

// NullVersionID is the version ID of objects stored while versioning is
// not enabled.
const NullVersionID = "null"

// Owner identifies the canonical owner stamped on buckets and objects.
type Owner struct {
	ID          string
	DisplayName string
}

// ObjectMeta is the metadata captured at put time and echoed on reads.
type ObjectMeta struct {
	ContentType        string
	ContentEncoding    string
	CacheControl       string
	ContentDisposition string
	ContentLanguage    string
	Expires            string
	StorageClass       string
	WebsiteRedirect    string
	SSEAlgorithm       string
	SSEKMSKeyID        string
	ChecksumAlgorithm  string
	ChecksumValue      string
	// UserMetadata holds x-amz-meta-* values keyed by the header suffix.
	UserMetadata map[string]string
	// Tagging holds object tags.
	Tagging map[string]string
}

// Clone returns a deep copy so stored metadata never aliases request state.
func (m ObjectMeta) Clone() ObjectMeta {
	out := m
	if m.UserMetadata != nil {
		out.UserMetadata = make(map[string]string, len(m.UserMetadata))
		for k, v := range m.UserMetadata {
			out.UserMetadata[k] = v
		}
	}
	if m.Tagging != nil {
		out.Tagging = make(map[string]string, len(m.Tagging))
		for k, v := range m.Tagging {
			out.Tagging[k] = v
		}
	}
	return out
}

// ObjectVersion is one entry in a key's version chain: either an object
// version with a body or a delete marker without one.
type ObjectVersion struct {
	Key            string
	VersionID      string
	IsDeleteMarker bool
	IsLatest       bool
	// ETag is the quoted etag, empty for delete markers.
	ETag         string
	Size         int64
	LastModified time.Time
	BodyID       blob.ID
	Meta         ObjectMeta
	Owner        Owner
}

// BucketInfo is the public view of a bucket.
type BucketInfo struct {
	Name       string
	Region     string
	Owner      Owner
	Created    time.Time
	Versioning VersioningStatus
	ObjectLock bool
}

// CORSRule is one rule of a bucket CORS configuration.
type CORSRule struct {
	ID             string
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposeHeaders  []string
	MaxAgeSeconds  int
}

// Part is an uploaded part of a multipart upload.
type Part struct {
	PartNumber int
	// ETag is the quoted MD5 of the part body.
	ETag         string
	Size         int64
	LastModified time.Time
	BodyID       blob.ID
}

// MultipartUpload is the public view of an in-progress upload.
type MultipartUpload struct {
	UploadID     string
	Bucket       string
	Key          string
	Initiated    time.Time
	StorageClass string
	Owner        Owner
}

// CompletedPart is a part reference supplied to CompleteMultipartUpload.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// ListOptions controls object listings.
type ListOptions struct {
	Prefix    string
	Delimiter string
	// Marker is the exclusive start key (marker, start-after, or a decoded
	// continuation token).
	Marker  string
	MaxKeys int
}

// ListResult is a page of an object listing.
type ListResult struct {
	Objects        []*ObjectVersion
	CommonPrefixes []string
	IsTruncated    bool
	// NextMarker is the last emitted key or common prefix when truncated.
	NextMarker string
}

// ListVersionsOptions controls version listings.
type ListVersionsOptions struct {
	Prefix          string
	Delimiter       string
	KeyMarker       string
	VersionIDMarker string
	MaxKeys         int
}

// ListVersionsResult is a page of a version listing.
type ListVersionsResult struct {
	Versions            []*ObjectVersion
	CommonPrefixes      []string
	IsTruncated         bool
	NextKeyMarker       string
	NextVersionIDMarker string
}

// ListPartsResult is a page of a ListParts call.
type ListPartsResult struct {
	Parts                []*Part
	IsTruncated          bool
	NextPartNumberMarker int
}

// ListUploadsResult is a page of a ListMultipartUploads call.
type ListUploadsResult struct {
	Uploads            []*MultipartUpload
	CommonPrefixes     []string
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

// DeleteResult reports what DeleteObject did.
type DeleteResult struct {
	// VersionID is the removed version, or the created delete marker.
	VersionID string
	// DeleteMarker is true when a delete marker was created or removed.
	DeleteMarker bool
}

// MetadataDirective selects how CopyObject treats metadata.
type MetadataDirective string

const (
	// MetadataCopy carries the source object's metadata over.
	MetadataCopy MetadataDirective = "COPY"
	// MetadataReplace uses the metadata supplied with the copy request.
	MetadataReplace MetadataDirective = "REPLACE"
)
