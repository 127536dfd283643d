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

package awssig

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sort"
	"strings"

	"github.com/gravitational/trace"
)

// v2SubResources is the fixed set of sub-resources included in the SigV2
// canonicalized resource, per the legacy S3 signing document.
var v2SubResources = []string{
	"acl", "cors", "delete", "lifecycle", "location", "logging",
	"notification", "partNumber", "policy", "requestPayment",
	"response-cache-control", "response-content-disposition",
	"response-content-encoding", "response-content-language",
	"response-content-type", "response-expires", "restore", "tagging",
	"torrent", "uploadId", "uploads", "versionId", "versioning",
	"versions", "website",
}

// verifyV2Header checks a legacy "AWS AKID:signature" Authorization header.
func (v *Verifier) verifyV2Header(r *http.Request, auth string) error {
	rest := strings.TrimPrefix(auth, SigV2Prefix)
	keyID, provided, found := strings.Cut(rest, ":")
	if !found || keyID == "" || provided == "" {
		return errorf(CodeInvalidAuthHeader, "malformed SigV2 Authorization header")
	}

	secret, err := v.Credentials(keyID)
	if err != nil {
		return trace.Wrap(err)
	}

	expected := signV2(secret, r)
	if subtle.ConstantTimeEq(int32(len(expected)), int32(len(provided))) == 0 {
		subtle.ConstantTimeCompare([]byte(expected), []byte(expected))
		return errorf(CodeSignatureDoesNotMatch, "request signature does not match the calculated signature")
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
		return errorf(CodeSignatureDoesNotMatch, "request signature does not match the calculated signature")
	}
	return nil
}

// signV2 computes base64(HMAC-SHA1(secret, string-to-sign)) for the legacy
// S3 scheme:
//
//	Method \n Content-MD5 \n Content-Type \n Date \n
//	CanonicalizedAmzHeaders CanonicalizedResource
func signV2(secret string, r *http.Request) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('\n')
	b.WriteString(r.Header.Get("Content-MD5"))
	b.WriteByte('\n')
	b.WriteString(r.Header.Get("Content-Type"))
	b.WriteByte('\n')
	// When x-amz-date is present the Date line is left empty.
	if r.Header.Get("x-amz-date") == "" {
		b.WriteString(r.Header.Get("Date"))
	}
	b.WriteByte('\n')
	b.WriteString(canonicalizedAmzHeaders(r.Header))
	b.WriteString(canonicalizedResource(r))

	h := hmac.New(sha1.New, []byte(secret))
	h.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// canonicalizedAmzHeaders renders the x-amz-* headers lowercased, sorted,
// multi-valued headers joined with commas, one per line.
func canonicalizedAmzHeaders(headers http.Header) string {
	var names []string
	for name := range headers {
		if lower := strings.ToLower(name); strings.HasPrefix(lower, "x-amz-") {
			names = append(names, lower)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.Join(headers.Values(name), ","))
		b.WriteByte('\n')
	}
	return b.String()
}

// canonicalizedResource is the request path plus any signed sub-resources,
// sorted, appended as a query string.
func canonicalizedResource(r *http.Request) string {
	resource := r.URL.Path
	query := r.URL.Query()

	var subs []string
	for _, name := range v2SubResources {
		if _, ok := query[name]; ok {
			if v := query.Get(name); v != "" {
				subs = append(subs, name+"="+v)
			} else {
				subs = append(subs, name)
			}
		}
	}
	if len(subs) > 0 {
		sort.Strings(subs)
		resource += "?" + strings.Join(subs, "&")
	}
	return resource
}
