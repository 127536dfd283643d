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
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/localcloud/lib/s3/store"
)

// preflight answers OPTIONS requests against the bucket's CORS rules.
// Buckets without rules get a permissive default so local tooling works
// out of the box.
func (h *Handler) preflight(w http.ResponseWriter, r *http.Request, req *request) {
	origin := r.Header.Get("Origin")
	method := r.Header.Get("Access-Control-Request-Method")
	headers := splitRequestedHeaders(r.Header.Get("Access-Control-Request-Headers"))

	rules, err := h.cfg.Store.CORS(req.bucket)
	if err != nil || rules == nil {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.WriteHeader(http.StatusOK)
		return
	}

	rule := matchCORSRule(rules, origin, method, headers)
	if rule == nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	allowOrigin := origin
	if len(rule.AllowedOrigins) == 1 && rule.AllowedOrigins[0] == "*" {
		allowOrigin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
	w.Header().Set("Access-Control-Allow-Methods", strings.Join(rule.AllowedMethods, ", "))
	if len(rule.AllowedHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(rule.AllowedHeaders, ", "))
	}
	if len(rule.ExposeHeaders) > 0 {
		w.Header().Set("Access-Control-Expose-Headers", strings.Join(rule.ExposeHeaders, ", "))
	}
	if rule.MaxAgeSeconds > 0 {
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(rule.MaxAgeSeconds))
	}
	w.WriteHeader(http.StatusOK)
}

// matchCORSRule returns the first rule matching the origin, the requested
// method, and every requested header. Origins and allowed headers support
// a single * wildcard.
func matchCORSRule(rules []store.CORSRule, origin, method string, headers []string) *store.CORSRule {
	for i := range rules {
		rule := &rules[i]
		if !originMatches(rule.AllowedOrigins, origin) {
			continue
		}
		if method != "" && !methodAllowed(rule.AllowedMethods, method) {
			continue
		}
		if !headersAllowed(rule.AllowedHeaders, headers) {
			continue
		}
		return rule
	}
	return nil
}

// splitRequestedHeaders parses an Access-Control-Request-Headers value.
func splitRequestedHeaders(value string) []string {
	var headers []string
	for _, h := range strings.Split(value, ",") {
		if h = strings.TrimSpace(h); h != "" {
			headers = append(headers, h)
		}
	}
	return headers
}

// headersAllowed reports whether every requested header is covered by the
// rule's allowed headers. Matching is case-insensitive with * wildcards.
func headersAllowed(allowed, requested []string) bool {
	for _, header := range requested {
		if !headerAllowed(allowed, header) {
			return false
		}
	}
	return true
}

func headerAllowed(allowed []string, header string) bool {
	header = strings.ToLower(header)
	for _, pattern := range allowed {
		pattern = strings.ToLower(pattern)
		if pattern == "*" || pattern == header {
			return true
		}
		if i := strings.Index(pattern, "*"); i >= 0 {
			prefix, suffix := pattern[:i], pattern[i+1:]
			if len(header) >= len(prefix)+len(suffix) &&
				strings.HasPrefix(header, prefix) && strings.HasSuffix(header, suffix) {
				return true
			}
		}
	}
	return false
}

func originMatches(allowed []string, origin string) bool {
	for _, pattern := range allowed {
		if pattern == "*" || pattern == origin {
			return true
		}
		if i := strings.Index(pattern, "*"); i >= 0 {
			prefix, suffix := pattern[:i], pattern[i+1:]
			if len(origin) >= len(prefix)+len(suffix) &&
				strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}

func methodAllowed(allowed []string, method string) bool {
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
