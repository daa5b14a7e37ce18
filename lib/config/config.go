// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable holding the config path.
const EnvConfig = "RREF_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Transport kinds accepted in transport.kind.
const (
	TransportSocket = "socket"
	TransportGRPC   = "grpc"
)

// Config is the full configuration of one worker.
type Config struct {
	Environment Environment `yaml:"environment" toml:"environment"`

	// Worker is this process's identity in the cluster. The id must
	// also appear in Peers.
	Worker WorkerConfig `yaml:"worker" toml:"worker"`

	Transport TransportConfig `yaml:"transport" toml:"transport"`

	// Peers is the static cluster membership, this worker included.
	Peers []PeerConfig `yaml:"peers" toml:"peers"`

	Shutdown ShutdownConfig `yaml:"shutdown" toml:"shutdown"`

	Logging LoggingConfig `yaml:"logging" toml:"logging"`

	Development *ConfigOverrides `yaml:"development,omitempty" toml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty" toml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty" toml:"production,omitempty"`
}

// ConfigOverrides holds the per-environment overridable sections.
type ConfigOverrides struct {
	Transport *TransportConfig `yaml:"transport,omitempty" toml:"transport,omitempty"`
	Shutdown  *ShutdownConfig  `yaml:"shutdown,omitempty" toml:"shutdown,omitempty"`
	Logging   *LoggingConfig   `yaml:"logging,omitempty" toml:"logging,omitempty"`
}

// WorkerConfig identifies the local worker.
type WorkerConfig struct {
	ID   uint16 `yaml:"id" toml:"id"`
	Name string `yaml:"name" toml:"name"`
}

// TransportConfig selects how protocol messages travel between workers.
type TransportConfig struct {
	// Kind is "socket" (Unix sockets, one host) or "grpc" (TCP).
	Kind string `yaml:"kind" toml:"kind"`

	// SocketDir holds per-worker sockets named <name>.sock when a
	// socket peer has no explicit address.
	SocketDir string `yaml:"socket_dir" toml:"socket_dir"`

	// RequestTimeout bounds each protocol send. Default: 10s
	RequestTimeout string `yaml:"request_timeout" toml:"request_timeout"`
}

// PeerConfig is one cluster member.
type PeerConfig struct {
	ID   uint16 `yaml:"id" toml:"id"`
	Name string `yaml:"name" toml:"name"`

	// Address is a socket path for the socket transport or host:port
	// for grpc.
	Address string `yaml:"address" toml:"address"`
}

// ShutdownConfig controls the teardown drain and leak audit.
type ShutdownConfig struct {
	// Timeout bounds each drain phase. Default: 30s
	Timeout string `yaml:"timeout" toml:"timeout"`

	// IgnoreLeaks reports leaked references without failing shutdown.
	IgnoreLeaks bool `yaml:"ignore_leaks" toml:"ignore_leaks"`
}

// LoggingConfig sets the slog level: debug, info, warn, or error.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// Default returns the base configuration the file is merged into.
func Default() *Config {
	return &Config{
		Environment: Development,
		Transport: TransportConfig{
			Kind:           TransportSocket,
			SocketDir:      "/run/rref",
			RequestTimeout: "10s",
		},
		Shutdown: ShutdownConfig{
			Timeout: "30s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the file named by RREF_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfig)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of the worker config file, or use --config flag", EnvConfig)
	}
	return LoadFile(configPath)
}

// LoadFile reads, merges, overrides, expands, and validates one file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, c)
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production never ignores leaks unless the file says so.
		if overrides == nil {
			overrides = &ConfigOverrides{Shutdown: &ShutdownConfig{IgnoreLeaks: false}}
		}
	}
	if overrides == nil {
		return
	}

	if overrides.Transport != nil {
		if overrides.Transport.Kind != "" {
			c.Transport.Kind = overrides.Transport.Kind
		}
		if overrides.Transport.SocketDir != "" {
			c.Transport.SocketDir = overrides.Transport.SocketDir
		}
		if overrides.Transport.RequestTimeout != "" {
			c.Transport.RequestTimeout = overrides.Transport.RequestTimeout
		}
	}

	if overrides.Shutdown != nil {
		if overrides.Shutdown.Timeout != "" {
			c.Shutdown.Timeout = overrides.Shutdown.Timeout
		}
		// IgnoreLeaks is a bool, so an override section always sets it.
		c.Shutdown.IgnoreLeaks = overrides.Shutdown.IgnoreLeaks
	}

	if overrides.Logging != nil && overrides.Logging.Level != "" {
		c.Logging.Level = overrides.Logging.Level
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func (c *Config) expandVariables() {
	c.Transport.SocketDir = expandVars(c.Transport.SocketDir)
	for i := range c.Peers {
		c.Peers[i].Address = expandVars(c.Peers[i].Address)
	}
}

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if strings.TrimSpace(c.Worker.Name) == "" {
		errs = append(errs, errors.New("worker.name is required"))
	}

	switch c.Transport.Kind {
	case TransportSocket:
		if c.Transport.SocketDir == "" {
			errs = append(errs, errors.New("transport.socket_dir is required for the socket transport"))
		}
	case TransportGRPC:
	default:
		errs = append(errs, fmt.Errorf("transport.kind must be %q or %q, got %q",
			TransportSocket, TransportGRPC, c.Transport.Kind))
	}

	if _, err := parseDuration("transport.request_timeout", c.Transport.RequestTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseDuration("shutdown.timeout", c.Shutdown.Timeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	seenIDs := make(map[uint16]string, len(c.Peers))
	foundSelf := false
	for i, peer := range c.Peers {
		if strings.TrimSpace(peer.Name) == "" {
			errs = append(errs, fmt.Errorf("peers[%d]: name is required", i))
		}
		if previous, exists := seenIDs[peer.ID]; exists {
			errs = append(errs, fmt.Errorf("peers[%d]: id %d already used by %q", i, peer.ID, previous))
		}
		seenIDs[peer.ID] = peer.Name
		if c.Transport.Kind == TransportGRPC && peer.Address == "" {
			errs = append(errs, fmt.Errorf("peers[%d]: address is required for the grpc transport", i))
		}
		if peer.ID == c.Worker.ID {
			foundSelf = true
			if peer.Name != c.Worker.Name {
				errs = append(errs, fmt.Errorf("peers[%d]: id %d is named %q but worker.name is %q",
					i, peer.ID, peer.Name, c.Worker.Name))
			}
		}
	}
	if !foundSelf {
		errs = append(errs, fmt.Errorf("peers must include this worker (id %d)", c.Worker.ID))
	}

	return errors.Join(errs...)
}

// PeerAddress returns where the peer with the given id listens. Socket
// peers without an explicit address live in SocketDir.
func (c *Config) PeerAddress(id uint16) (string, bool) {
	for _, peer := range c.Peers {
		if peer.ID != id {
			continue
		}
		if peer.Address == "" && c.Transport.Kind == TransportSocket {
			return filepath.Join(c.Transport.SocketDir, peer.Name+".sock"), true
		}
		return peer.Address, peer.Address != ""
	}
	return "", false
}

// RequestTimeout returns transport.request_timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	d, _ := parseDuration("transport.request_timeout", c.Transport.RequestTimeout)
	return d
}

// ShutdownTimeout returns shutdown.timeout as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := parseDuration("shutdown.timeout", c.Shutdown.Timeout)
	return d
}

// LogLevel returns logging.level as a slog level.
func (c *Config) LogLevel() slog.Level {
	level, _ := ParseLevel(c.Logging.Level)
	return level
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return d, nil
}

// ParseLevel converts a level name to a slog level.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level: unknown level %q", raw)
	}
}
