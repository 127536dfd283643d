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

// Package config assembles the emulator configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/localcloud"
	"github.com/gravitational/localcloud/lib/defaults"
)

// Config is the fully resolved emulator configuration.
type Config struct {
	// ListenAddr is the address the gateway binds to.
	ListenAddr string

	// Services is the set of services to enable. Empty means all.
	Services []string

	// Region is the region stamped on buckets and table ARNs.
	Region string

	// S3SkipSignature bypasses signature verification for S3 requests.
	S3SkipSignature bool

	// DynamoSkipSignature bypasses signature verification for DynamoDB requests.
	DynamoSkipSignature bool

	// S3VirtualHosting enables virtual-hosted-style bucket addressing.
	S3VirtualHosting bool

	// S3Domain is the host suffix recognized for virtual hosting.
	S3Domain string

	// S3MaxMemoryObjectSize is the blob spill threshold in bytes.
	S3MaxMemoryObjectSize int64

	// S3MinPartSize is the minimum size of a non-final multipart part.
	// Zero accepts any size, which most test clients need.
	S3MinPartSize int64

	// AccessKeyID and SecretAccessKey form the static credential pair used
	// when signature verification is enabled.
	AccessKeyID     string
	SecretAccessKey string

	// LogLevel is the slog level parsed from LOG_LEVEL.
	LogLevel slog.Level

	// Persistence is recognized but not implemented; it only triggers a
	// startup warning.
	Persistence bool
}

// FromEnv builds a Config from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:            os.Getenv(defaults.GatewayListenEnv),
		Region:                os.Getenv(defaults.RegionEnv),
		S3Domain:              os.Getenv(defaults.S3DomainEnv),
		S3SkipSignature:       true,
		DynamoSkipSignature:   true,
		S3VirtualHosting:      true,
		S3MaxMemoryObjectSize: defaults.MaxMemoryObjectSize,
		LogLevel:              slog.LevelInfo,
	}

	if v := os.Getenv(defaults.ServicesEnv); v != "" {
		for _, s := range strings.Split(v, ",") {
			s = strings.ToLower(strings.TrimSpace(s))
			if s == "" {
				continue
			}
			switch s {
			case localcloud.ServiceS3, localcloud.ServiceDynamo:
				cfg.Services = append(cfg.Services, s)
			default:
				return nil, trace.BadParameter("unknown service %q in %v", s, defaults.ServicesEnv)
			}
		}
	}

	var err error
	if cfg.S3SkipSignature, err = boolEnv(defaults.S3SkipSignatureEnv, true); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.DynamoSkipSignature, err = boolEnv(defaults.DDBSkipSignatureEnv, true); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.S3VirtualHosting, err = boolEnv(defaults.S3VirtualHostingEnv, true); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.Persistence, err = boolEnv(defaults.PersistenceEnv, false); err != nil {
		return nil, trace.Wrap(err)
	}

	if v := os.Getenv(defaults.S3MaxMemoryEnv); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, trace.BadParameter("%v must be a non-negative integer, got %q", defaults.S3MaxMemoryEnv, v)
		}
		cfg.S3MaxMemoryObjectSize = n
	}

	cfg.AccessKeyID = firstEnv(defaults.AccessKeyEnv, defaults.AWSAccessKeyEnv)
	cfg.SecretAccessKey = firstEnv(defaults.SecretKeyEnv, defaults.AWSSecretKeyEnv)

	if v := os.Getenv(defaults.LogLevelEnv); v != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.ToUpper(v))); err != nil {
			return nil, trace.BadParameter("invalid %v %q", defaults.LogLevelEnv, v)
		}
		cfg.LogLevel = level
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.GatewayListen
	}
	if c.Region == "" {
		c.Region = defaults.Region
	}
	if c.S3Domain == "" {
		c.S3Domain = defaults.S3Domain
	}
	if c.S3MaxMemoryObjectSize < 0 {
		return trace.BadParameter("S3MaxMemoryObjectSize must not be negative")
	}
	if len(c.Services) == 0 {
		c.Services = []string{localcloud.ServiceS3, localcloud.ServiceDynamo}
	}
	return nil
}

// ServiceEnabled reports whether the named service is configured to run.
func (c *Config) ServiceEnabled(name string) bool {
	for _, s := range c.Services {
		if s == name {
			return true
		}
	}
	return false
}

func boolEnv(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return def, trace.BadParameter("%v must be a boolean, got %q", name, v)
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
