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
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/localcloud/lib/blob"
	"github.com/gravitational/localcloud/lib/defaults"
	"github.com/gravitational/localcloud/lib/s3/store"
)

// newCORSFixture stands up a handler over a store with one bucket and the
// given CORS rules, and returns the server URL.
func newCORSFixture(t *testing.T, rules []store.CORSRule) string {
	t.Helper()

	blobs, err := blob.NewStorage(blob.Config{SpillThreshold: 1024, Dir: t.TempDir()})
	require.NoError(t, err)
	st, err := store.NewStore(store.Config{Blobs: blobs})
	require.NoError(t, err)
	owner := store.Owner{ID: defaults.OwnerID, DisplayName: defaults.OwnerDisplayName}
	_, err = st.CreateBucket("bucket", owner, false)
	require.NoError(t, err)
	if rules != nil {
		require.NoError(t, st.SetCORS("bucket", rules))
	}
	handler, err := NewHandler(Config{Store: st})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func doPreflight(t *testing.T, url, origin, method, headers string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodOptions, url+"/bucket/key", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", method)
	if headers != "" {
		req.Header.Set("Access-Control-Request-Headers", headers)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestPreflightRuleMatch(t *testing.T) {
	url := newCORSFixture(t, []store.CORSRule{{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "PUT"},
		AllowedHeaders: []string{"content-type"},
		ExposeHeaders:  []string{"ETag"},
		MaxAgeSeconds:  600,
	}})

	resp := doPreflight(t, url, "https://app.example.com", "PUT", "content-type")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "GET, PUT", resp.Header.Get("Access-Control-Allow-Methods"))
	require.Equal(t, "content-type", resp.Header.Get("Access-Control-Allow-Headers"))
	require.Equal(t, "ETag", resp.Header.Get("Access-Control-Expose-Headers"))
	require.Equal(t, "600", resp.Header.Get("Access-Control-Max-Age"))
}

func TestPreflightRejectsUnallowedHeader(t *testing.T) {
	url := newCORSFixture(t, []store.CORSRule{{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "PUT"},
		AllowedHeaders: []string{"content-type"},
	}})

	// A requested header outside the allowed set must fail the whole rule.
	resp := doPreflight(t, url, "https://app.example.com", "PUT", "x-custom-header")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Headers"))

	// One allowed and one unallowed header fails too.
	resp = doPreflight(t, url, "https://app.example.com", "PUT", "content-type, x-custom-header")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPreflightHeaderWildcards(t *testing.T) {
	url := newCORSFixture(t, []store.CORSRule{{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"x-amz-*"},
	}})

	resp := doPreflight(t, url, "https://anywhere.test", "GET", "X-Amz-Date, x-amz-content-sha256")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = doPreflight(t, url, "https://anywhere.test", "GET", "authorization")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPreflightRuleSelection(t *testing.T) {
	url := newCORSFixture(t, []store.CORSRule{
		{
			AllowedOrigins: []string{"https://first.example.com"},
			AllowedMethods: []string{"GET"},
		},
		{
			AllowedOrigins: []string{"https://*.example.com"},
			AllowedMethods: []string{"DELETE"},
			AllowedHeaders: []string{"*"},
		},
	})

	// The first rule has no allowed headers, so a preflight asking for any
	// header falls through to the second rule.
	resp := doPreflight(t, url, "https://first.example.com", "GET", "content-type")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doPreflight(t, url, "https://first.example.com", "GET", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doPreflight(t, url, "https://app.example.com", "DELETE", "content-type")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	// Origin matching no rule gets nothing.
	resp = doPreflight(t, url, "https://evil.test", "GET", "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPreflightNoRulesPermissive(t *testing.T) {
	url := newCORSFixture(t, nil)

	resp := doPreflight(t, url, "https://anywhere.test", "PATCH", "x-anything")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Headers"))
}
