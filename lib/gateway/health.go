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
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud"
)

// healthResponse is the LocalStack-compatible health document.
type healthResponse struct {
	Services map[string]string `json:"services"`
	Edition  string            `json:"edition"`
	Version  string            `json:"version"`
}

func (g *Gateway) serveHealth(w http.ResponseWriter, r *http.Request) {
	services := make(map[string]string)
	if g.cfg.S3 != nil {
		services[localcloud.ServiceS3] = "running"
	}
	if g.cfg.Dynamo != nil {
		services[localcloud.ServiceDynamo] = "running"
	}
	resp := healthResponse{
		Services: services,
		Edition:  localcloud.Edition,
		Version:  localcloud.Version,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// Probe connects to the loopback variant of addr and checks the health
// endpoint reports a running service.
func Probe(ctx context.Context, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return trace.Wrap(err, "invalid address %q", addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	url := "http://" + net.JoinHostPort(host, port) + "/_localstack/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"running"`) {
		return trace.ConnectionProblem(nil, "gateway at %v is not healthy", addr)
	}
	return nil
}
