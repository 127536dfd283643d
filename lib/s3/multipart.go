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

package s3

import (
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud/lib/defaults"
	"github.com/gravitational/localcloud/lib/s3/api"
	"github.com/gravitational/localcloud/lib/s3/store"
)

func (h *Handler) createUpload(w http.ResponseWriter, r *http.Request, req *request) error {
	up, err := h.cfg.Store.CreateMultipartUpload(req.bucket, req.key, readObjectMeta(r.Header))
	if err != nil {
		return trace.Wrap(err)
	}
	writeXML(w, http.StatusOK, initiateMultipartUploadResult{
		Xmlns:    xmlns,
		Bucket:   req.bucket,
		Key:      req.key,
		UploadID: up.UploadID,
	})
	return nil
}

func (h *Handler) uploadPart(w http.ResponseWriter, r *http.Request, req *request) error {
	partNumber, err := strconv.Atoi(req.query.Get("partNumber"))
	if err != nil {
		return api.InvalidArgument("parameter partNumber must be an integer")
	}
	body, err := h.collectBody(r)
	if err != nil {
		return trace.Wrap(err)
	}
	etag, err := h.cfg.Store.UploadPart(req.bucket, req.query.Get("uploadId"), partNumber, body)
	if err != nil {
		return trace.Wrap(err)
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) uploadPartCopy(w http.ResponseWriter, r *http.Request, req *request) error {
	partNumber, err := strconv.Atoi(req.query.Get("partNumber"))
	if err != nil {
		return api.InvalidArgument("parameter partNumber must be an integer")
	}
	srcBucket, srcKey, srcVersion, err := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if err != nil {
		return trace.Wrap(err)
	}

	src, err := h.cfg.Store.GetObject(srcBucket, srcKey, srcVersion)
	if err != nil {
		return trace.Wrap(err)
	}
	rng, err := parseRange(r.Header.Get("X-Amz-Copy-Source-Range"), src.Size)
	if err != nil {
		return trace.Wrap(err)
	}

	part, err := h.cfg.Store.UploadPartCopy(req.bucket, req.query.Get("uploadId"), partNumber, srcBucket, srcKey, srcVersion, rng)
	if err != nil {
		return trace.Wrap(err)
	}
	writeXML(w, http.StatusOK, copyPartResult{
		Xmlns:        xmlns,
		LastModified: xmlTime(part.LastModified),
		ETag:         part.ETag,
	})
	return nil
}

func (h *Handler) listParts(w http.ResponseWriter, req *request) error {
	marker, err := intParam(req, "part-number-marker", 0)
	if err != nil {
		return trace.Wrap(err)
	}
	maxParts, err := intParam(req, "max-parts", defaults.S3MaxParts)
	if err != nil {
		return trace.Wrap(err)
	}
	uploadID := req.query.Get("uploadId")
	res, err := h.cfg.Store.ListParts(req.bucket, uploadID, marker, maxParts)
	if err != nil {
		return trace.Wrap(err)
	}

	out := listPartsResult{
		Xmlns:            xmlns,
		Bucket:           req.bucket,
		Key:              req.key,
		UploadID:         uploadID,
		StorageClass:     "STANDARD",
		PartNumberMarker: marker,
		MaxParts:         maxParts,
		IsTruncated:      res.IsTruncated,
		Owner:            xmlOwner{ID: h.owner.ID, DisplayName: h.owner.DisplayName},
		Initiator:        xmlOwner{ID: h.owner.ID, DisplayName: h.owner.DisplayName},
	}
	if res.IsTruncated {
		out.NextPartNumberMarker = res.NextPartNumberMarker
	}
	for _, p := range res.Parts {
		out.Parts = append(out.Parts, xmlPart{
			PartNumber:   p.PartNumber,
			LastModified: xmlTime(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}
	writeXML(w, http.StatusOK, out)
	return nil
}

func (h *Handler) listUploads(w http.ResponseWriter, req *request) error {
	maxUploads, err := intParam(req, "max-uploads", defaults.S3MaxUploads)
	if err != nil {
		return trace.Wrap(err)
	}
	res, err := h.cfg.Store.ListMultipartUploads(req.bucket,
		req.query.Get("prefix"), req.query.Get("key-marker"),
		req.query.Get("upload-id-marker"), maxUploads)
	if err != nil {
		return trace.Wrap(err)
	}

	out := listMultipartUploadsResult{
		Xmlns:              xmlns,
		Bucket:             req.bucket,
		Prefix:             req.query.Get("prefix"),
		Delimiter:          req.query.Get("delimiter"),
		KeyMarker:          req.query.Get("key-marker"),
		UploadIDMarker:     req.query.Get("upload-id-marker"),
		NextKeyMarker:      res.NextKeyMarker,
		NextUploadIDMarker: res.NextUploadIDMarker,
		MaxUploads:         maxUploads,
		IsTruncated:        res.IsTruncated,
	}
	for _, up := range res.Uploads {
		owner := xmlOwner{ID: up.Owner.ID, DisplayName: up.Owner.DisplayName}
		out.Uploads = append(out.Uploads, xmlUpload{
			Key:          up.Key,
			UploadID:     up.UploadID,
			Initiated:    xmlTime(up.Initiated),
			StorageClass: storageClass(up.StorageClass),
			Owner:        owner,
			Initiator:    owner,
		})
	}
	writeXML(w, http.StatusOK, out)
	return nil
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request, req *request) error {
	body, err := h.collectBody(r)
	if err != nil {
		return trace.Wrap(err)
	}
	var cmu completeMultipartUpload
	if err := xml.Unmarshal(body, &cmu); err != nil {
		return api.Errorf(api.ErrMalformedXML, "the XML you provided was not well-formed")
	}
	parts := make([]store.CompletedPart, 0, len(cmu.Parts))
	for _, p := range cmu.Parts {
		parts = append(parts, store.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	v, err := h.cfg.Store.CompleteMultipartUpload(req.bucket, req.query.Get("uploadId"), parts)
	if err != nil {
		return trace.Wrap(err)
	}
	if v.VersionID != store.NullVersionID {
		w.Header().Set("x-amz-version-id", v.VersionID)
	}
	writeXML(w, http.StatusOK, completeMultipartUploadResult{
		Xmlns:    xmlns,
		Location: "http://" + r.Host + "/" + req.bucket + "/" + req.key,
		Bucket:   req.bucket,
		Key:      req.key,
		ETag:     v.ETag,
	})
	return nil
}

func (h *Handler) abortUpload(w http.ResponseWriter, req *request) error {
	if err := h.cfg.Store.AbortMultipartUpload(req.bucket, req.query.Get("uploadId")); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// postObject handles browser-style multipart/form-data uploads (the
// presigned POST flow). The policy document is captured but not enforced.
func (h *Handler) postObject(w http.ResponseWriter, r *http.Request, req *request) error {
	reader, err := r.MultipartReader()
	if err != nil {
		return api.Errorf(api.ErrMalformedPOSTRequest, "the body is not well-formed multipart/form-data")
	}

	var key string
	var body []byte
	var haveFile bool
	fields := make(map[string]string)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return api.Errorf(api.ErrMalformedPOSTRequest, "reading form part: %v", err)
		}
		name := part.FormName()
		if name == "file" {
			// Fields after the file part are ignored, matching S3.
			body, err = io.ReadAll(part)
			if err != nil {
				return api.Errorf(api.ErrIncompleteBody, "reading file part: %v", err)
			}
			haveFile = true
			if ct := part.Header.Get("Content-Type"); ct != "" && fields["Content-Type"] == "" {
				fields["Content-Type"] = ct
			}
			break
		}
		val, err := io.ReadAll(part)
		if err != nil {
			return api.Errorf(api.ErrMalformedPOSTRequest, "reading form field %q: %v", name, err)
		}
		fields[name] = string(val)
	}

	key = fields["key"]
	if key == "" {
		return api.Errorf(api.ErrInvalidArgument, "the form must contain a key field")
	}
	if !haveFile {
		return api.Errorf(api.ErrInvalidArgument, "the form must contain a file field")
	}

	meta := store.ObjectMeta{ContentType: fields["Content-Type"]}
	for name, val := range fields {
		if suffix, ok := cutPrefixFold(name, "x-amz-meta-"); ok {
			if meta.UserMetadata == nil {
				meta.UserMetadata = make(map[string]string)
			}
			meta.UserMetadata[suffix] = val
		}
	}

	v, err := h.cfg.Store.PutObject(req.bucket, key, body, meta)
	if err != nil {
		return trace.Wrap(err)
	}
	w.Header().Set("ETag", v.ETag)
	if v.VersionID != store.NullVersionID {
		w.Header().Set("x-amz-version-id", v.VersionID)
	}

	status := http.StatusNoContent
	if s, err := strconv.Atoi(fields["success_action_status"]); err == nil {
		switch s {
		case http.StatusOK, http.StatusCreated, http.StatusNoContent:
			status = s
		}
	}
	w.WriteHeader(status)
	return nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return "", false
}
