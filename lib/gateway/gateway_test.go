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

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/localcloud"
)

func tagHandler(tag string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test-Service", tag)
		w.WriteHeader(http.StatusOK)
	})
}

func newTestGateway(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	g, err := New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	srv := newTestGateway(t, Config{S3: tagHandler("s3"), Dynamo: tagHandler("dynamo")})

	for _, path := range []string{"/_localstack/health", "/_health", "/health"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var health struct {
			Services map[string]string `json:"services"`
			Edition  string            `json:"edition"`
			Version  string            `json:"version"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		resp.Body.Close()

		require.Equal(t, map[string]string{
			localcloud.ServiceS3:     "running",
			localcloud.ServiceDynamo: "running",
		}, health.Services)
		require.Equal(t, localcloud.Edition, health.Edition)
		require.Equal(t, localcloud.Version, health.Version)
	}
}

func TestHealthListsEnabledServicesOnly(t *testing.T) {
	srv := newTestGateway(t, Config{S3: tagHandler("s3")})

	resp, err := http.Get(srv.URL + "/_localstack/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health struct {
		Services map[string]string `json:"services"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, map[string]string{localcloud.ServiceS3: "running"}, health.Services)
}

func TestCommonHeaders(t *testing.T) {
	srv := newTestGateway(t, Config{S3: tagHandler("s3")})

	resp, err := http.Get(srv.URL + "/some-bucket")
	require.NoError(t, err)
	resp.Body.Close()

	require.NotEmpty(t, resp.Header.Get("x-amz-request-id"))
	require.NotEmpty(t, resp.Header.Get("x-amz-id-2"))
	require.Equal(t, "Localcloud", resp.Header.Get("Server"))
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPreflight(t *testing.T) {
	srv := newTestGateway(t, Config{S3: tagHandler("s3")})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/bucket/key", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	req.Header.Set("Access-Control-Request-Headers", "content-type, x-amz-date")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "http://example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PUT")
	require.Equal(t, "content-type, x-amz-date", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestRouting(t *testing.T) {
	srv := newTestGateway(t, Config{S3: tagHandler("s3"), Dynamo: tagHandler("dynamo")})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("X-Amz-Target", "DynamoDB_20120810.ListTables")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "dynamo", resp.Header.Get("X-Test-Service"))

	resp, err = http.Get(srv.URL + "/bucket")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "s3", resp.Header.Get("X-Test-Service"))
}

func TestDisabledService(t *testing.T) {
	srv := newTestGateway(t, Config{Dynamo: tagHandler("dynamo")})

	resp, err := http.Get(srv.URL + "/bucket")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = New(Config{})
	require.Error(t, err)
}

func TestProbe(t *testing.T) {
	srv := newTestGateway(t, Config{S3: tagHandler("s3")})

	addr := srv.Listener.Addr().String()
	require.NoError(t, Probe(context.Background(), addr))

	srv.Close()
	require.Error(t, Probe(context.Background(), addr))
}
