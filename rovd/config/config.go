// Copyright 2025 originproto
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config describes the rovd configuration file.
package config

import (
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/originproto/rov/pkg/log"
	"github.com/originproto/rov/pkg/private/serrors"
	"github.com/originproto/rov/pkg/rtr"
)

// Defaults.
const (
	DefaultAPIAddr = ":8323"

	defaultRefreshInterval  = 3600 * time.Second
	defaultConnectTimeout   = 30 * time.Second
	defaultResponseTimeout  = 30 * time.Second
	defaultSyncTimeout      = 10 * time.Minute
	defaultBackoffBase      = time.Second
	defaultBackoffMax       = 5 * time.Minute
	defaultStalenessCeiling = 4 * time.Hour
)

// Config is the rovd configuration.
type Config struct {
	Logging log.Config    `toml:"log,omitempty"`
	API     API           `toml:"api,omitempty"`
	ROV     ROV           `toml:"rov,omitempty"`
	Caches  []CacheConfig `toml:"caches,omitempty"`
}

// API configures the management HTTP server.
type API struct {
	// Addr is the listen address for status, diagnostics and Prometheus
	// metrics.
	Addr string `toml:"addr,omitempty"`
}

// ROV holds the validation engine configuration.
type ROV struct {
	// StalenessCeiling is the maximum age of validation data while no
	// cache is reachable. When it passes, validation reports unavailable
	// instead of answering from stale data.
	StalenessCeiling Duration `toml:"staleness_ceiling,omitempty"`
}

// CacheConfig describes one RTR cache, in preference order.
type CacheConfig struct {
	// Addr is the host:port of the cache.
	Addr string `toml:"addr"`
	// Version is the preferred RTR protocol version.
	Version uint8 `toml:"version,omitempty"`
	// RefreshInterval is the quiet interval before the session probes the
	// cache. Caches speaking version 1 or later override it.
	RefreshInterval Duration `toml:"refresh_interval,omitempty"`
	// ConnectTimeout bounds transport establishment.
	ConnectTimeout Duration `toml:"connect_timeout,omitempty"`
	// ResponseTimeout bounds the wait for each PDU of a cache response.
	ResponseTimeout Duration `toml:"response_timeout,omitempty"`
	// SyncTimeout bounds an entire cache response.
	SyncTimeout Duration `toml:"sync_timeout,omitempty"`
	// BackoffBase and BackoffMax shape the reconnect backoff.
	BackoffBase Duration `toml:"backoff_base,omitempty"`
	BackoffMax  Duration `toml:"backoff_max,omitempty"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, serrors.Wrap("reading config file", err, "file", path)
	}
	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, serrors.Wrap("parsing config file", err, "file", path)
	}
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, serrors.Wrap("validating config file", err, "file", path)
	}
	return &cfg, nil
}

// InitDefaults populates unset fields with defaults.
func (cfg *Config) InitDefaults() {
	cfg.Logging.InitDefaults()
	if cfg.API.Addr == "" {
		cfg.API.Addr = DefaultAPIAddr
	}
	if cfg.ROV.StalenessCeiling == 0 {
		cfg.ROV.StalenessCeiling = Duration(defaultStalenessCeiling)
	}
	for i := range cfg.Caches {
		cfg.Caches[i].initDefaults()
	}
}

func (c *CacheConfig) initDefaults() {
	if c.Version == 0 {
		c.Version = rtr.Version1
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = Duration(defaultRefreshInterval)
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = Duration(defaultConnectTimeout)
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = Duration(defaultResponseTimeout)
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = Duration(defaultSyncTimeout)
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = Duration(defaultBackoffBase)
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = Duration(defaultBackoffMax)
	}
}

// Validate checks the configuration for consistency.
func (cfg *Config) Validate() error {
	if err := cfg.Logging.Validate(); err != nil {
		return err
	}
	if len(cfg.Caches) == 0 {
		return serrors.New("at least one cache must be configured")
	}
	for i, c := range cfg.Caches {
		if c.Addr == "" {
			return serrors.New("cache address must be set", "cache", i)
		}
		if c.Version > rtr.MaxVersion {
			return serrors.New("unsupported protocol version",
				"cache", i, "version", c.Version, "max", rtr.MaxVersion)
		}
		if c.BackoffBase > c.BackoffMax {
			return serrors.New("backoff base exceeds backoff max", "cache", i)
		}
	}
	return nil
}

// Sample writes a commented sample configuration.
func (cfg *Config) Sample(dst io.Writer) {
	io.WriteString(dst, configSample)
}

const configSample = `[log]
# Logging level (debug|info|error). (default "info")
level = "info"

# Format of the log entries (human|json). (default "human")
format = "human"

[api]
# Address the management API and Prometheus metrics listen on
# (host:port or ip:port or :port). (default ":8323")
addr = ":8323"

[rov]
# Maximum age of validation data while no cache is reachable. Past it,
# validation reports unavailable rather than answering from stale data.
# (default "4h")
staleness_ceiling = "4h"

# Caches are tried in the order listed; the first healthy one is
# authoritative.
[[caches]]
# Address of the RTR cache (host:port).
addr = "rtr.example.net:323"

# Preferred RTR protocol version; the session negotiates downwards if
# needed. (default 1)
version = 1

# Quiet interval before the session probes the cache with a serial
# query. Overridden by caches speaking version 1 or later. (default "1h")
refresh_interval = "1h"
`
