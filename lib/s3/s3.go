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

// Package s3 implements the S3 REST wire protocol on top of the storage
// engine: request classification, operation dispatch, XML envelopes, and
// the aws-chunked body encoding.
package s3

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/localcloud"
	"github.com/gravitational/localcloud/lib/awssig"
	"github.com/gravitational/localcloud/lib/defaults"
	"github.com/gravitational/localcloud/lib/s3/api"
	"github.com/gravitational/localcloud/lib/s3/store"
)

// Config holds Handler parameters.
type Config struct {
	// Store is the storage engine. Required.
	Store *store.Store
	// Verifier checks request signatures. Nil disables verification.
	Verifier *awssig.Verifier
	// Logger is the parent logger.
	Logger *slog.Logger
	// Clock stamps response times.
	Clock clockwork.Clock
	// Domain is the host suffix for virtual-hosted-style addressing.
	Domain string
	// VirtualHosting enables bucket extraction from the Host header.
	VirtualHosting bool
	// Region is reported by GetBucketLocation.
	Region string
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Domain == "" {
		c.Domain = defaults.S3Domain
	}
	if c.Region == "" {
		c.Region = defaults.Region
	}
	return nil
}

// Handler serves the S3 REST API.
type Handler struct {
	cfg   Config
	log   *slog.Logger
	owner store.Owner
}

// NewHandler creates an S3 protocol handler.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Handler{
		cfg:   cfg,
		log:   cfg.Logger.With(localcloud.ComponentKey, localcloud.ComponentS3),
		owner: store.Owner{ID: defaults.OwnerID, DisplayName: defaults.OwnerDisplayName},
	}, nil
}

// request is one classified S3 request.
type request struct {
	bucket string
	key    string
	query  url.Values
}

func (r *request) has(param string) bool {
	_, ok := r.query[param]
	return ok
}

// classify extracts bucket and key from the host and path. A Host of the
// form <bucket>.<domain> selects virtual-hosted style; otherwise the first
// path segment is the bucket.
func (h *Handler) classify(r *http.Request) *request {
	req := &request{query: r.URL.Query()}

	host := r.Host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		host = hostOnly
	}
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/")

	if h.cfg.VirtualHosting {
		for _, suffix := range []string{"." + h.cfg.Domain, ".s3.amazonaws.com"} {
			if bucket, ok := strings.CutSuffix(host, suffix); ok && bucket != "" && !strings.Contains(bucket, ".") {
				req.bucket = bucket
				req.key = unescapePath(path)
				return req
			}
		}
	}

	bucket, rest, _ := strings.Cut(path, "/")
	req.bucket = bucket
	req.key = unescapePath(rest)
	return req
}

func unescapePath(p string) string {
	out, err := url.PathUnescape(p)
	if err != nil {
		return p
	}
	return out
}

// ServeHTTP dispatches one S3 request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := h.classify(r)

	if r.Method == http.MethodOptions {
		h.preflight(w, r, req)
		return
	}

	if err := h.verify(r); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.dispatch(w, r, req); err != nil {
		h.writeError(w, r, err)
	}
}

// verify checks the request signature when a verifier is configured.
func (h *Handler) verify(r *http.Request) error {
	if h.cfg.Verifier == nil {
		return nil
	}
	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = awssig.UnsignedPayload
	}
	return trace.Wrap(h.cfg.Verifier.Verify(r, payloadHash))
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, req *request) error {
	// Service level.
	if req.bucket == "" {
		if r.Method == http.MethodGet {
			return h.listBuckets(w, r)
		}
		return api.Errorf(api.ErrMethodNotAllowed, "the specified method is not allowed against this resource")
	}

	// Bucket level.
	if req.key == "" {
		return h.dispatchBucket(w, r, req)
	}

	// Object level.
	return h.dispatchObject(w, r, req)
}

func (h *Handler) dispatchBucket(w http.ResponseWriter, r *http.Request, req *request) error {
	switch r.Method {
	case http.MethodGet:
		switch {
		case req.has("location"):
			return h.getBucketLocation(w, req)
		case req.has("versioning"):
			return h.getVersioning(w, req)
		case req.has("versions"):
			return h.listVersions(w, req)
		case req.has("cors"):
			return h.getCORS(w, req)
		case req.has("tagging"):
			return h.getBucketConfig(w, req, "tagging")
		case req.has("uploads"):
			return h.listUploads(w, req)
		case req.has("object-lock"):
			return h.getBucketConfig(w, req, "object-lock")
		default:
			if sub, ok := configSubresource(req); ok {
				return h.getBucketConfig(w, req, sub)
			}
			return h.listObjects(w, req)
		}

	case http.MethodPut:
		switch {
		case req.has("versioning"):
			return h.putVersioning(w, r, req)
		case req.has("cors"):
			return h.putCORS(w, r, req)
		default:
			if sub, ok := configSubresource(req); ok {
				return h.putBucketConfig(w, r, req, sub)
			}
			return h.createBucket(w, r, req)
		}

	case http.MethodDelete:
		switch {
		case req.has("versioning"):
			return api.InvalidArgument("versioning configuration cannot be deleted")
		case req.has("cors"):
			return h.deleteCORS(w, req)
		default:
			if sub, ok := configSubresource(req); ok {
				return h.deleteBucketConfig(w, req, sub)
			}
			return h.deleteBucket(w, req)
		}

	case http.MethodHead:
		return h.headBucket(w, req)

	case http.MethodPost:
		if req.has("delete") {
			return h.deleteObjects(w, r, req)
		}
		// POST to the bucket root without ?delete is a browser form upload.
		return h.postObject(w, r, req)
	}
	return api.Errorf(api.ErrMethodNotAllowed, "the specified method is not allowed against this resource")
}

func (h *Handler) dispatchObject(w http.ResponseWriter, r *http.Request, req *request) error {
	// Multipart sub-resources take precedence over plain object ops.
	if req.has("uploadId") {
		switch r.Method {
		case http.MethodPut:
			if r.Header.Get("X-Amz-Copy-Source") != "" {
				return h.uploadPartCopy(w, r, req)
			}
			return h.uploadPart(w, r, req)
		case http.MethodGet:
			return h.listParts(w, req)
		case http.MethodPost:
			return h.completeUpload(w, r, req)
		case http.MethodDelete:
			return h.abortUpload(w, req)
		}
		return api.Errorf(api.ErrMethodNotAllowed, "the specified method is not allowed against this resource")
	}
	if req.has("uploads") && r.Method == http.MethodPost {
		return h.createUpload(w, r, req)
	}

	if req.has("tagging") {
		switch r.Method {
		case http.MethodGet:
			return h.getObjectTagging(w, req)
		case http.MethodPut:
			return h.putObjectTagging(w, r, req)
		case http.MethodDelete:
			return h.deleteObjectTagging(w, req)
		}
	}

	switch r.Method {
	case http.MethodGet:
		return h.getObject(w, r, req)
	case http.MethodHead:
		return h.headObject(w, r, req)
	case http.MethodPut:
		if r.Header.Get("X-Amz-Copy-Source") != "" {
			return h.copyObject(w, r, req)
		}
		return h.putObject(w, r, req)
	case http.MethodDelete:
		return h.deleteObject(w, req)
	}
	return api.Errorf(api.ErrMethodNotAllowed, "the specified method is not allowed against this resource")
}

// configSubresource matches the stored-and-echoed bucket configuration
// endpoints. Their documents are persisted verbatim, not evaluated.
func configSubresource(req *request) (string, bool) {
	for _, sub := range []string{
		"policy", "encryption", "lifecycle", "website", "publicAccessBlock",
		"accelerate", "requestPayment", "ownershipControls", "object-lock",
		"notification", "logging", "acl", "intelligent-tiering", "replication",
	} {
		if req.has(sub) {
			return sub, true
		}
	}
	return "", false
}

// configAbsentCode maps a config sub-resource to the error code returned
// when it was never stored.
func configAbsentCode(sub string) api.ErrorCode {
	switch sub {
	case "policy":
		return api.ErrNoSuchBucketPolicy
	case "encryption":
		return api.ErrServerSideEncryptionConfigurationNotFound
	case "website":
		return api.ErrNoSuchWebsiteConfiguration
	case "object-lock":
		return api.ErrObjectLockConfigurationNotFound
	case "tagging":
		return api.ErrNoSuchTagSet
	default:
		return api.ErrNoSuchConfiguration
	}
}

// writeError emits the S3 XML error envelope.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{
		Code:      string(api.ErrInternalError),
		Message:   "an internal error occurred",
		RequestID: w.Header().Get("x-amz-request-id"),
	}

	if e, ok := api.AsError(err); ok {
		resp.Code = string(e.Code)
		resp.Message = e.Message
		resp.Resource = e.Resource
	} else if code := awssig.ErrorCode(err); code != "" {
		resp.Code = signatureErrorCode(code)
		resp.Message = trace.UserMessage(err)
	} else if trace.IsNotFound(err) {
		// Unknown access keys surface as InvalidAccessKeyId.
		resp.Code = "InvalidAccessKeyId"
		resp.Message = trace.UserMessage(err)
	}

	status := api.ErrorCode(resp.Code).Status()
	if resp.Code == "InvalidAccessKeyId" {
		status = http.StatusForbidden
	}
	h.log.DebugContext(r.Context(), "Request failed.",
		"method", r.Method, "path", r.URL.Path, "code", resp.Code)
	writeXML(w, status, resp)
}

// signatureErrorCode maps awssig error codes to S3 wire codes.
func signatureErrorCode(code string) string {
	switch code {
	case awssig.CodeMissingAuthHeader:
		return "AccessDenied"
	case awssig.CodeAccessKeyNotFound:
		return "InvalidAccessKeyId"
	default:
		return code
	}
}
