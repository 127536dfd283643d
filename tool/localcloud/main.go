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

// Command localcloud runs a local AWS service emulator: S3 and DynamoDB
// behind a single HTTP gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud"
	"github.com/gravitational/localcloud/lib/awssig"
	"github.com/gravitational/localcloud/lib/blob"
	"github.com/gravitational/localcloud/lib/config"
	"github.com/gravitational/localcloud/lib/dynamo"
	"github.com/gravitational/localcloud/lib/dynamo/table"
	"github.com/gravitational/localcloud/lib/gateway"
	"github.com/gravitational/localcloud/lib/s3"
	"github.com/gravitational/localcloud/lib/s3/store"
)

func main() {
	app := kingpin.New("localcloud", "Local AWS service emulator.")
	app.Version(localcloud.Version)

	startCmd := app.Command("start", "Start the emulator gateway.")
	listenAddr := startCmd.Flag("listen", "Address to bind, host:port.").String()

	statusCmd := app.Command("status", "Probe a running emulator and exit 0 if healthy.")
	statusAddr := statusCmd.Flag("addr", "Gateway address to probe.").String()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}

	switch command {
	case startCmd.FullCommand():
		if *listenAddr != "" {
			cfg.ListenAddr = *listenAddr
		}
		if err := onStart(cfg); err != nil {
			fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
			os.Exit(1)
		}
	case statusCmd.FullCommand():
		addr := cfg.ListenAddr
		if *statusAddr != "" {
			addr = *statusAddr
		}
		if err := gateway.Probe(context.Background(), addr); err != nil {
			fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
			os.Exit(1)
		}
		fmt.Println("running")
	}
}

func onStart(cfg *config.Config) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(log)

	if cfg.Persistence {
		log.Warn("Persistence is not supported; state is kept in memory only.")
	}

	var verifier *awssig.Verifier
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		verifier = awssig.NewVerifier(staticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey))
	}

	var s3Handler http.Handler
	if cfg.ServiceEnabled(localcloud.ServiceS3) {
		blobs, err := blob.NewStorage(blob.Config{
			SpillThreshold: cfg.S3MaxMemoryObjectSize,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		defer blobs.Reset()

		st, err := store.NewStore(store.Config{
			Blobs:       blobs,
			Region:      cfg.Region,
			MinPartSize: cfg.S3MinPartSize,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		s3Verifier := verifier
		if cfg.S3SkipSignature {
			s3Verifier = nil
		}
		h, err := s3.NewHandler(s3.Config{
			Store:          st,
			Verifier:       s3Verifier,
			Logger:         log,
			Domain:         cfg.S3Domain,
			VirtualHosting: cfg.S3VirtualHosting,
			Region:         cfg.Region,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		s3Handler = h
	}

	var dynamoHandler http.Handler
	if cfg.ServiceEnabled(localcloud.ServiceDynamo) {
		engine, err := table.NewEngine(table.Config{
			Region: cfg.Region,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		dynamoVerifier := verifier
		if cfg.DynamoSkipSignature {
			dynamoVerifier = nil
		}
		h, err := dynamo.NewHandler(dynamo.Config{
			Engine:   engine,
			Verifier: dynamoVerifier,
			Logger:   log,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		dynamoHandler = h
	}

	g, err := gateway.New(gateway.Config{
		ListenAddr: cfg.ListenAddr,
		S3:         s3Handler,
		Dynamo:     dynamoHandler,
		Logger:     log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- g.Serve() }()

	log.Info("Localcloud started.",
		"version", localcloud.Version,
		"services", cfg.Services,
		"listen", cfg.ListenAddr)

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
		stop()
		if err := g.Shutdown(context.Background()); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(<-errCh)
	}
}

func staticCredentials(accessKeyID, secretKey string) awssig.CredentialsGetter {
	return func(id string) (string, error) {
		if id != accessKeyID {
			return "", awssig.AccessKeyNotFound(id)
		}
		return secretKey, nil
	}
}
