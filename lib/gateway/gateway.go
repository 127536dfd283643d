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

// Package gateway is the HTTP front door: one listener serving every
// emulated service, with request-id stamping, health endpoints, and
// X-Amz-Target routing in front of the protocol handlers.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud"
	"github.com/gravitational/localcloud/lib/defaults"
)

// Config holds Gateway parameters.
type Config struct {
	// ListenAddr is the address to bind.
	ListenAddr string
	// S3 serves S3 requests. Nil disables the service.
	S3 http.Handler
	// Dynamo serves DynamoDB requests. Nil disables the service.
	Dynamo http.Handler
	// Logger is the parent logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.S3 == nil && c.Dynamo == nil {
		return trace.BadParameter("at least one service must be enabled")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.GatewayListen
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Gateway accepts connections and routes requests to service handlers.
type Gateway struct {
	cfg Config
	log *slog.Logger
	srv *http.Server
}

// New creates a Gateway.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	g := &Gateway{
		cfg: cfg,
		log: cfg.Logger.With(localcloud.ComponentKey, localcloud.ComponentGateway),
	}
	g.srv = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     g,
		ReadTimeout: defaults.ReadTimeout,
	}
	return g, nil
}

// healthPaths are intercepted before any service routing.
var healthPaths = map[string]bool{
	"/_localstack/health": true,
	"/_health":            true,
	"/health":             true,
}

// ServeHTTP stamps common headers and routes one request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("x-amz-request-id", requestID)
	w.Header().Set("x-amz-id-2", requestID)
	w.Header().Set("Server", "Localcloud")

	if healthPaths[r.URL.Path] {
		g.serveHealth(w, r)
		return
	}

	if r.Method == http.MethodOptions {
		g.preflight(w, r)
		return
	}

	// Permissive CORS unless the service overrides it.
	w.Header().Set("Access-Control-Allow-Origin", "*")

	r.Body = http.MaxBytesReader(w, r.Body, defaults.MaxRequestBodySize)

	switch {
	case g.cfg.Dynamo != nil && strings.HasPrefix(r.Header.Get("X-Amz-Target"), "DynamoDB_"):
		g.cfg.Dynamo.ServeHTTP(w, r)
	case g.cfg.S3 != nil:
		g.cfg.S3.ServeHTTP(w, r)
	default:
		g.log.DebugContext(r.Context(), "No service for request.", "path", r.URL.Path)
		http.Error(w, "service not enabled", http.StatusNotFound)
	}
}

// preflight answers OPTIONS permissively at the gateway level, ahead of
// any per-bucket CORS rules.
func (g *Gateway) preflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, PUT, POST, DELETE, OPTIONS, PATCH")
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	} else {
		h.Set("Access-Control-Allow-Headers", "*")
	}
	w.WriteHeader(http.StatusOK)
}

// Serve binds the listen address and serves until Shutdown.
func (g *Gateway) Serve() error {
	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return trace.Wrap(err, "binding %v", g.cfg.ListenAddr)
	}
	g.log.InfoContext(context.Background(), "Gateway listening.", "addr", ln.Addr().String())
	if err := g.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return nil
}

// Shutdown stops accepting and waits for in-flight requests within the
// grace period.
func (g *Gateway) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaults.ShutdownGrace)
	defer cancel()
	g.log.InfoContext(ctx, "Gateway shutting down.")
	return trace.Wrap(g.srv.Shutdown(ctx))
}
