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
	"encoding/base64"
	"encoding/xml"
	"io"
	"net/http"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud/lib/defaults"
	"github.com/gravitational/localcloud/lib/s3/api"
	"github.com/gravitational/localcloud/lib/s3/store"
)

func (h *Handler) listBuckets(w http.ResponseWriter, r *http.Request) error {
	buckets := h.cfg.Store.ListBuckets()
	out := listAllMyBucketsResult{
		Xmlns: xmlns,
		Owner: xmlOwner{ID: h.owner.ID, DisplayName: h.owner.DisplayName},
	}
	for _, b := range buckets {
		out.Buckets = append(out.Buckets, xmlBucket{
			Name:         b.Name,
			CreationDate: xmlTime(b.Created),
		})
	}
	writeXML(w, http.StatusOK, out)
	return nil
}

func (h *Handler) createBucket(w http.ResponseWriter, r *http.Request, req *request) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return api.Errorf(api.ErrIncompleteBody, "reading request body: %v", err)
	}
	if len(body) > 0 {
		var cfg createBucketConfiguration
		if err := xml.Unmarshal(body, &cfg); err != nil {
			return api.Errorf(api.ErrMalformedXML, "the XML you provided was not well-formed")
		}
	}

	objectLock := r.Header.Get("X-Amz-Bucket-Object-Lock-Enabled") == "true"
	if _, err := h.cfg.Store.CreateBucket(req.bucket, h.owner, objectLock); err != nil {
		return trace.Wrap(err)
	}
	w.Header().Set("Location", "/"+req.bucket)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) deleteBucket(w http.ResponseWriter, req *request) error {
	if err := h.cfg.Store.DeleteBucket(req.bucket); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) headBucket(w http.ResponseWriter, req *request) error {
	if !h.cfg.Store.BucketExists(req.bucket) {
		// HEAD responses carry no body; the status alone signals the error.
		w.WriteHeader(http.StatusNotFound)
		return nil
	}
	w.Header().Set("X-Amz-Bucket-Region", h.cfg.Region)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) getBucketLocation(w http.ResponseWriter, req *request) error {
	if _, err := h.cfg.Store.GetBucket(req.bucket); err != nil {
		return trace.Wrap(err)
	}
	// us-east-1 is represented by an empty LocationConstraint.
	location := h.cfg.Region
	if location == "us-east-1" {
		location = ""
	}
	writeXML(w, http.StatusOK, locationConstraint{Xmlns: xmlns, Location: location})
	return nil
}

func (h *Handler) getVersioning(w http.ResponseWriter, req *request) error {
	info, err := h.cfg.Store.GetBucket(req.bucket)
	if err != nil {
		return trace.Wrap(err)
	}
	writeXML(w, http.StatusOK, versioningConfiguration{
		Xmlns:  xmlns,
		Status: string(info.Versioning),
	})
	return nil
}

func (h *Handler) putVersioning(w http.ResponseWriter, r *http.Request, req *request) error {
	var cfg versioningConfiguration
	if err := xml.NewDecoder(r.Body).Decode(&cfg); err != nil {
		return api.Errorf(api.ErrMalformedXML, "the XML you provided was not well-formed")
	}
	if err := h.cfg.Store.SetVersioning(req.bucket, store.VersioningStatus(cfg.Status)); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) getCORS(w http.ResponseWriter, req *request) error {
	rules, err := h.cfg.Store.CORS(req.bucket)
	if err != nil {
		return trace.Wrap(err)
	}
	if rules == nil {
		return api.ResourceError(api.ErrNoSuchCORSConfiguration, req.bucket, "the CORS configuration does not exist")
	}
	out := corsConfiguration{}
	for _, rule := range rules {
		out.Rules = append(out.Rules, xmlCORSRule{
			ID:             rule.ID,
			AllowedOrigins: rule.AllowedOrigins,
			AllowedMethods: rule.AllowedMethods,
			AllowedHeaders: rule.AllowedHeaders,
			ExposeHeaders:  rule.ExposeHeaders,
			MaxAgeSeconds:  rule.MaxAgeSeconds,
		})
	}
	writeXML(w, http.StatusOK, out)
	return nil
}

func (h *Handler) putCORS(w http.ResponseWriter, r *http.Request, req *request) error {
	var cfg corsConfiguration
	if err := xml.NewDecoder(r.Body).Decode(&cfg); err != nil {
		return api.Errorf(api.ErrMalformedXML, "the XML you provided was not well-formed")
	}
	rules := make([]store.CORSRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		if len(rule.AllowedOrigins) == 0 || len(rule.AllowedMethods) == 0 {
			return api.Errorf(api.ErrMalformedXML, "CORS rules require at least one origin and one method")
		}
		rules = append(rules, store.CORSRule{
			ID:             rule.ID,
			AllowedOrigins: rule.AllowedOrigins,
			AllowedMethods: rule.AllowedMethods,
			AllowedHeaders: rule.AllowedHeaders,
			ExposeHeaders:  rule.ExposeHeaders,
			MaxAgeSeconds:  rule.MaxAgeSeconds,
		})
	}
	if err := h.cfg.Store.SetCORS(req.bucket, rules); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) deleteCORS(w http.ResponseWriter, req *request) error {
	if err := h.cfg.Store.SetCORS(req.bucket, nil); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// getBucketConfig serves a stored sub-resource document verbatim.
func (h *Handler) getBucketConfig(w http.ResponseWriter, req *request, sub string) error {
	doc, ok, err := h.cfg.Store.Config(req.bucket, sub)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return api.ResourceError(configAbsentCode(sub), req.bucket, "the %v configuration does not exist", sub)
	}
	contentType := "application/xml"
	if sub == "policy" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
	return nil
}

func (h *Handler) putBucketConfig(w http.ResponseWriter, r *http.Request, req *request, sub string) error {
	doc, err := io.ReadAll(r.Body)
	if err != nil {
		return api.Errorf(api.ErrIncompleteBody, "reading request body: %v", err)
	}
	if len(doc) == 0 {
		return api.Errorf(api.ErrMalformedXML, "the request body must not be empty")
	}
	if err := h.cfg.Store.SetConfig(req.bucket, sub, doc); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) deleteBucketConfig(w http.ResponseWriter, req *request, sub string) error {
	if err := h.cfg.Store.SetConfig(req.bucket, sub, nil); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// listObjects serves both ListObjects and ListObjectsV2, discriminated by
// list-type=2.
func (h *Handler) listObjects(w http.ResponseWriter, req *request) error {
	maxKeys, err := intParam(req, "max-keys", defaults.S3MaxKeys)
	if err != nil {
		return trace.Wrap(err)
	}

	opts := store.ListOptions{
		Prefix:    req.query.Get("prefix"),
		Delimiter: req.query.Get("delimiter"),
		MaxKeys:   maxKeys,
	}

	v2 := req.query.Get("list-type") == "2"
	if v2 {
		// The continuation token is the last emitted key, base64-wrapped.
		if token := req.query.Get("continuation-token"); token != "" {
			raw, err := base64.StdEncoding.DecodeString(token)
			if err != nil {
				return api.InvalidArgument("the continuation token provided is incorrect")
			}
			opts.Marker = string(raw)
		} else {
			opts.Marker = req.query.Get("start-after")
		}
	} else {
		opts.Marker = req.query.Get("marker")
	}

	res, err := h.cfg.Store.ListObjects(req.bucket, opts)
	if err != nil {
		return trace.Wrap(err)
	}

	fetchOwner := !v2 || req.query.Get("fetch-owner") == "true"
	contents := make([]xmlObject, 0, len(res.Objects))
	for _, o := range res.Objects {
		obj := xmlObject{
			Key:          o.Key,
			LastModified: xmlTime(o.LastModified),
			ETag:         o.ETag,
			Size:         o.Size,
			StorageClass: storageClass(o.Meta.StorageClass),
		}
		if fetchOwner {
			obj.Owner = &xmlOwner{ID: o.Owner.ID, DisplayName: o.Owner.DisplayName}
		}
		contents = append(contents, obj)
	}
	prefixes := make([]xmlCommonPrefix, 0, len(res.CommonPrefixes))
	for _, p := range res.CommonPrefixes {
		prefixes = append(prefixes, xmlCommonPrefix{Prefix: p})
	}

	if v2 {
		out := listBucketResultV2{
			Xmlns:             xmlns,
			Name:              req.bucket,
			Prefix:            opts.Prefix,
			Delimiter:         opts.Delimiter,
			MaxKeys:           maxKeys,
			KeyCount:          len(contents) + len(prefixes),
			IsTruncated:       res.IsTruncated,
			StartAfter:        req.query.Get("start-after"),
			ContinuationToken: req.query.Get("continuation-token"),
			Contents:          contents,
			CommonPrefixes:    prefixes,
		}
		if res.IsTruncated {
			out.NextContinuationToken = base64.StdEncoding.EncodeToString([]byte(res.NextMarker))
		}
		writeXML(w, http.StatusOK, out)
		return nil
	}

	out := listBucketResult{
		Xmlns:          xmlns,
		Name:           req.bucket,
		Prefix:         opts.Prefix,
		Delimiter:      opts.Delimiter,
		MaxKeys:        maxKeys,
		IsTruncated:    res.IsTruncated,
		Marker:         req.query.Get("marker"),
		Contents:       contents,
		CommonPrefixes: prefixes,
	}
	// V1 only reports NextMarker when a delimiter groups keys.
	if res.IsTruncated && opts.Delimiter != "" {
		out.NextMarker = res.NextMarker
	}
	writeXML(w, http.StatusOK, out)
	return nil
}

func (h *Handler) listVersions(w http.ResponseWriter, req *request) error {
	maxKeys, err := intParam(req, "max-keys", defaults.S3MaxKeys)
	if err != nil {
		return trace.Wrap(err)
	}
	opts := store.ListVersionsOptions{
		Prefix:          req.query.Get("prefix"),
		Delimiter:       req.query.Get("delimiter"),
		KeyMarker:       req.query.Get("key-marker"),
		VersionIDMarker: req.query.Get("version-id-marker"),
		MaxKeys:         maxKeys,
	}
	res, err := h.cfg.Store.ListVersions(req.bucket, opts)
	if err != nil {
		return trace.Wrap(err)
	}

	out := listVersionsResult{
		Xmlns:               xmlns,
		Name:                req.bucket,
		Prefix:              opts.Prefix,
		Delimiter:           opts.Delimiter,
		MaxKeys:             maxKeys,
		IsTruncated:         res.IsTruncated,
		KeyMarker:           opts.KeyMarker,
		VersionIDMarker:     opts.VersionIDMarker,
		NextKeyMarker:       res.NextKeyMarker,
		NextVersionIDMarker: res.NextVersionIDMarker,
	}
	for _, v := range res.Versions {
		owner := xmlOwner{ID: v.Owner.ID, DisplayName: v.Owner.DisplayName}
		if v.IsDeleteMarker {
			out.DeleteMarkers = append(out.DeleteMarkers, xmlDeleteMarker{
				Key:          v.Key,
				VersionID:    v.VersionID,
				IsLatest:     v.IsLatest,
				LastModified: xmlTime(v.LastModified),
				Owner:        owner,
			})
			continue
		}
		out.Versions = append(out.Versions, xmlVersion{
			Key:          v.Key,
			VersionID:    v.VersionID,
			IsLatest:     v.IsLatest,
			LastModified: xmlTime(v.LastModified),
			ETag:         v.ETag,
			Size:         v.Size,
			StorageClass: storageClass(v.Meta.StorageClass),
			Owner:        owner,
		})
	}
	for _, p := range res.CommonPrefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, xmlCommonPrefix{Prefix: p})
	}
	writeXML(w, http.StatusOK, out)
	return nil
}

func intParam(req *request, name string, def int) (int, error) {
	raw := req.query.Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, api.InvalidArgument("parameter %v must be an integer", name)
	}
	if n < 0 {
		return 0, api.InvalidArgument("parameter %v must not be negative", name)
	}
	return n, nil
}

func storageClass(sc string) string {
	if sc == "" {
		return "STANDARD"
	}
	return sc
}
