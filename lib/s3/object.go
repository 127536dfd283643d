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
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud/lib/blob"
	"github.com/gravitational/localcloud/lib/s3/api"
	"github.com/gravitational/localcloud/lib/s3/store"
)

// readObjectMeta collects the metadata headers captured at put time.
func readObjectMeta(header http.Header) store.ObjectMeta {
	meta := store.ObjectMeta{
		ContentType:        header.Get("Content-Type"),
		ContentEncoding:    header.Get("Content-Encoding"),
		CacheControl:       header.Get("Cache-Control"),
		ContentDisposition: header.Get("Content-Disposition"),
		ContentLanguage:    header.Get("Content-Language"),
		Expires:            header.Get("Expires"),
		StorageClass:       header.Get("X-Amz-Storage-Class"),
		WebsiteRedirect:    header.Get("X-Amz-Website-Redirect-Location"),
		SSEAlgorithm:       header.Get("X-Amz-Server-Side-Encryption"),
		SSEKMSKeyID:        header.Get("X-Amz-Server-Side-Encryption-Aws-Kms-Key-Id"),
	}
	// The aws-chunked envelope is a transport detail, not object metadata.
	if enc := stripAWSChunked(meta.ContentEncoding); enc != meta.ContentEncoding {
		meta.ContentEncoding = enc
	}
	for name, values := range header {
		lower := strings.ToLower(name)
		if suffix, ok := strings.CutPrefix(lower, "x-amz-meta-"); ok && len(values) > 0 {
			if meta.UserMetadata == nil {
				meta.UserMetadata = make(map[string]string)
			}
			meta.UserMetadata[suffix] = values[0]
		}
	}
	if t := header.Get("X-Amz-Tagging"); t != "" {
		if vals, err := url.ParseQuery(t); err == nil {
			meta.Tagging = make(map[string]string, len(vals))
			for k, vs := range vals {
				if len(vs) > 0 {
					meta.Tagging[k] = vs[0]
				}
			}
		}
	}
	return meta
}

// writeObjectHeaders emits the metadata headers echoed on reads.
func writeObjectHeaders(w http.ResponseWriter, v *store.ObjectVersion) {
	h := w.Header()
	h.Set("ETag", v.ETag)
	h.Set("Last-Modified", v.LastModified.UTC().Format(http.TimeFormat))
	h.Set("Accept-Ranges", "bytes")
	if v.VersionID != "" && v.VersionID != store.NullVersionID {
		h.Set("x-amz-version-id", v.VersionID)
	}
	if v.Meta.ContentType != "" {
		h.Set("Content-Type", v.Meta.ContentType)
	} else {
		h.Set("Content-Type", "binary/octet-stream")
	}
	if v.Meta.ContentEncoding != "" {
		h.Set("Content-Encoding", v.Meta.ContentEncoding)
	}
	if v.Meta.CacheControl != "" {
		h.Set("Cache-Control", v.Meta.CacheControl)
	}
	if v.Meta.ContentDisposition != "" {
		h.Set("Content-Disposition", v.Meta.ContentDisposition)
	}
	if v.Meta.ContentLanguage != "" {
		h.Set("Content-Language", v.Meta.ContentLanguage)
	}
	if v.Meta.Expires != "" {
		h.Set("Expires", v.Meta.Expires)
	}
	if v.Meta.WebsiteRedirect != "" {
		h.Set("x-amz-website-redirect-location", v.Meta.WebsiteRedirect)
	}
	if v.Meta.SSEAlgorithm != "" {
		h.Set("x-amz-server-side-encryption", v.Meta.SSEAlgorithm)
	}
	if v.Meta.StorageClass != "" && v.Meta.StorageClass != "STANDARD" {
		h.Set("x-amz-storage-class", v.Meta.StorageClass)
	}
	for k, val := range v.Meta.UserMetadata {
		h.Set("x-amz-meta-"+k, val)
	}
	if len(v.Meta.Tagging) > 0 {
		h.Set("x-amz-tagging-count", strconv.Itoa(len(v.Meta.Tagging)))
	}
}

func (h *Handler) putObject(w http.ResponseWriter, r *http.Request, req *request) error {
	body, err := h.collectBody(r)
	if err != nil {
		return trace.Wrap(err)
	}

	// Content-MD5, when present, must match the body.
	if c := r.Header.Get("Content-MD5"); c != "" {
		want, err := base64.StdEncoding.DecodeString(c)
		if err != nil || len(want) != md5.Size {
			return api.Errorf(api.ErrInvalidDigest, "the Content-MD5 you specified is not valid")
		}
		sum := md5.Sum(body)
		if string(want) != string(sum[:]) {
			return api.Errorf(api.ErrBadDigest, "the Content-MD5 you specified did not match what we received")
		}
	}

	v, err := h.cfg.Store.PutObject(req.bucket, req.key, body, readObjectMeta(r.Header))
	if err != nil {
		return trace.Wrap(err)
	}
	w.Header().Set("ETag", v.ETag)
	if v.VersionID != store.NullVersionID {
		w.Header().Set("x-amz-version-id", v.VersionID)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// collectBody reads the request body, undoing the aws-chunked envelope
// when the client applied it.
func (h *Handler) collectBody(r *http.Request) ([]byte, error) {
	reader := io.Reader(r.Body)
	if isAWSChunked(r.Header) {
		reader = newChunkedReader(r.Body)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		if api.IsCode(err, api.ErrInvalidArgument) {
			return nil, trace.Wrap(err)
		}
		return nil, api.Errorf(api.ErrIncompleteBody, "reading request body: %v", err)
	}
	return body, nil
}

func (h *Handler) getObject(w http.ResponseWriter, r *http.Request, req *request) error {
	return h.serveObject(w, r, req, true)
}

func (h *Handler) headObject(w http.ResponseWriter, r *http.Request, req *request) error {
	return h.serveObject(w, r, req, false)
}

func (h *Handler) serveObject(w http.ResponseWriter, r *http.Request, req *request, withBody bool) error {
	v, err := h.cfg.Store.GetObject(req.bucket, req.key, req.query.Get("versionId"))
	if err != nil {
		if markerVersion, ok := store.IsDeleteMarkerError(err); ok {
			w.Header().Set("x-amz-delete-marker", "true")
			w.Header().Set("x-amz-version-id", markerVersion)
		}
		if !withBody {
			// HEAD carries no error body.
			if e, ok := api.AsError(err); ok {
				w.WriteHeader(e.Code.Status())
				return nil
			}
		}
		return trace.Wrap(err)
	}

	if done := checkConditional(w, r, v); done {
		return nil
	}

	rng, err := parseRange(r.Header.Get("Range"), v.Size)
	if err != nil {
		return trace.Wrap(err)
	}

	writeObjectHeaders(w, v)
	status := http.StatusOK
	size := v.Size
	if rng != nil {
		status = http.StatusPartialContent
		size = rng.End - rng.Start + 1
		w.Header().Set("Content-Range",
			"bytes "+strconv.FormatInt(rng.Start, 10)+"-"+strconv.FormatInt(rng.End, 10)+"/"+strconv.FormatInt(v.Size, 10))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))

	if !withBody {
		w.WriteHeader(status)
		return nil
	}

	body, err := h.cfg.Store.OpenBody(v, rng)
	if err != nil {
		return trace.Wrap(err)
	}
	defer body.Close()
	w.WriteHeader(status)
	io.Copy(w, body)
	return nil
}

// checkConditional applies the If-* request headers. It writes the 304 or
// 412 response itself and reports whether the request is finished.
func checkConditional(w http.ResponseWriter, r *http.Request, v *store.ObjectVersion) bool {
	etag := strings.Trim(v.ETag, `"`)

	match := func(header string) bool {
		val := r.Header.Get(header)
		if val == "" {
			return false
		}
		for _, candidate := range strings.Split(val, ",") {
			candidate = strings.Trim(strings.TrimSpace(candidate), `"`)
			if candidate == "*" || candidate == etag {
				return true
			}
		}
		return false
	}

	if r.Header.Get("If-Match") != "" && !match("If-Match") {
		w.WriteHeader(http.StatusPreconditionFailed)
		return true
	}
	if match("If-None-Match") {
		w.Header().Set("ETag", v.ETag)
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	if since := r.Header.Get("If-Unmodified-Since"); since != "" {
		if t, err := time.Parse(http.TimeFormat, since); err == nil && v.LastModified.After(t) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return true
		}
	}
	if since := r.Header.Get("If-Modified-Since"); since != "" && r.Header.Get("If-None-Match") == "" {
		if t, err := time.Parse(http.TimeFormat, since); err == nil && !v.LastModified.Truncate(time.Second).After(t) {
			w.Header().Set("ETag", v.ETag)
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}
	return false
}

// parseRange interprets a single bytes=a-b range header against size.
// Multi-range requests are served whole, matching S3.
func parseRange(header string, size int64) (*blob.Range, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, nil
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, nil
	}

	if startStr == "" {
		// Suffix range: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, nil
		}
		if n > size {
			n = size
		}
		if n == 0 {
			return nil, api.Errorf(api.ErrInvalidRange, "the requested range is not satisfiable")
		}
		return &blob.Range{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return nil, nil
	}
	if start >= size {
		return nil, api.Errorf(api.ErrInvalidRange, "the requested range is not satisfiable")
	}
	end := size - 1
	if endStr != "" {
		e, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, nil
		}
		if e < end {
			end = e
		}
	}
	if start > end {
		return nil, api.Errorf(api.ErrInvalidRange, "the requested range is not satisfiable")
	}
	return &blob.Range{Start: start, End: end}, nil
}

func (h *Handler) deleteObject(w http.ResponseWriter, req *request) error {
	res, err := h.cfg.Store.DeleteObject(req.bucket, req.key, req.query.Get("versionId"))
	if err != nil {
		return trace.Wrap(err)
	}
	if res.DeleteMarker {
		w.Header().Set("x-amz-delete-marker", "true")
	}
	if res.VersionID != "" {
		w.Header().Set("x-amz-version-id", res.VersionID)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) deleteObjects(w http.ResponseWriter, r *http.Request, req *request) error {
	body, err := h.collectBody(r)
	if err != nil {
		return trace.Wrap(err)
	}
	var del deleteRequest
	if err := xml.Unmarshal(body, &del); err != nil {
		return api.Errorf(api.ErrMalformedXML, "the XML you provided was not well-formed")
	}
	if len(del.Objects) == 0 {
		return api.Errorf(api.ErrMalformedXML, "the delete request must name at least one object")
	}

	out := deleteResult{Xmlns: xmlns}
	for _, obj := range del.Objects {
		res, err := h.cfg.Store.DeleteObject(req.bucket, obj.Key, obj.VersionID)
		if err != nil {
			code, msg := string(api.ErrInternalError), "an internal error occurred"
			if e, ok := api.AsError(err); ok {
				code, msg = string(e.Code), e.Message
			}
			out.Errors = append(out.Errors, deleteError{Key: obj.Key, Code: code, Message: msg})
			continue
		}
		if del.Quiet {
			continue
		}
		deleted := deletedObject{Key: obj.Key, VersionID: obj.VersionID}
		if res.DeleteMarker {
			deleted.DeleteMarker = true
			deleted.DeleteMarkerVersionID = res.VersionID
		}
		out.Deleted = append(out.Deleted, deleted)
	}
	writeXML(w, http.StatusOK, out)
	return nil
}

// parseCopySource splits the X-Amz-Copy-Source header into bucket, key,
// and optional version id.
func parseCopySource(header string) (bucket, key, versionID string, err error) {
	src := strings.TrimPrefix(header, "/")
	if i := strings.Index(src, "?versionId="); i >= 0 {
		versionID = src[i+len("?versionId="):]
		src = src[:i]
	}
	src = unescapePath(src)
	bucket, key, ok := strings.Cut(src, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", "", api.InvalidArgument("copy source must be of the form /bucket/key")
	}
	return bucket, key, versionID, nil
}

func (h *Handler) copyObject(w http.ResponseWriter, r *http.Request, req *request) error {
	srcBucket, srcKey, srcVersion, err := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if err != nil {
		return trace.Wrap(err)
	}

	directive := store.MetadataCopy
	if strings.EqualFold(r.Header.Get("X-Amz-Metadata-Directive"), "REPLACE") {
		directive = store.MetadataReplace
	}

	v, err := h.cfg.Store.CopyObject(srcBucket, srcKey, srcVersion, req.bucket, req.key, directive, readObjectMeta(r.Header))
	if err != nil {
		return trace.Wrap(err)
	}
	if v.VersionID != store.NullVersionID {
		w.Header().Set("x-amz-version-id", v.VersionID)
	}
	writeXML(w, http.StatusOK, copyObjectResult{
		Xmlns:        xmlns,
		LastModified: xmlTime(v.LastModified),
		ETag:         v.ETag,
	})
	return nil
}

func (h *Handler) getObjectTagging(w http.ResponseWriter, req *request) error {
	v, err := h.cfg.Store.GetObject(req.bucket, req.key, req.query.Get("versionId"))
	if err != nil {
		return trace.Wrap(err)
	}
	out := tagging{}
	for k, val := range v.Meta.Tagging {
		out.Tags = append(out.Tags, xmlTag{Key: k, Value: val})
	}
	writeXML(w, http.StatusOK, out)
	return nil
}

func (h *Handler) putObjectTagging(w http.ResponseWriter, r *http.Request, req *request) error {
	var t tagging
	if err := xml.NewDecoder(r.Body).Decode(&t); err != nil {
		return api.Errorf(api.ErrMalformedXML, "the XML you provided was not well-formed")
	}
	tags := make(map[string]string, len(t.Tags))
	for _, tag := range t.Tags {
		if tag.Key == "" {
			return api.Errorf(api.ErrInvalidTag, "tag keys must not be empty")
		}
		if _, dup := tags[tag.Key]; dup {
			return api.Errorf(api.ErrInvalidTag, "duplicate tag key %q", tag.Key)
		}
		tags[tag.Key] = tag.Value
	}
	if err := h.cfg.Store.SetObjectTagging(req.bucket, req.key, req.query.Get("versionId"), tags); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) deleteObjectTagging(w http.ResponseWriter, req *request) error {
	if err := h.cfg.Store.SetObjectTagging(req.bucket, req.key, req.query.Get("versionId"), nil); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
