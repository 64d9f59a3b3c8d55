// Package config loads the node's YAML configuration. Defaults are
// populated first, then the file (if any) overwrites them, so a partial
// config file is always valid.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the client/cluster listener configuration.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// WALConfig holds write-ahead log configurations.
type WALConfig struct {
	SyncMode            string `yaml:"sync_mode"` // "always" or "disabled"
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
}

// EngineConfig holds storage engine configurations.
type EngineConfig struct {
	DataDir            string    `yaml:"data_dir"`
	CheckpointInterval string    `yaml:"checkpoint_interval"`
	LockStaleTTL       string    `yaml:"lock_stale_ttl"`
	WAL                WALConfig `yaml:"wal"`
}

// PeerConfig identifies one remote cluster member.
type PeerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// ReplicationConfig holds cluster membership and timing.
type ReplicationConfig struct {
	Enabled            bool         `yaml:"enabled"`
	NodeID             string       `yaml:"node_id"`
	IsPrimary          bool         `yaml:"is_primary"` // bootstrap role before any election
	Peers              []PeerConfig `yaml:"peers"`
	HeartbeatInterval  string       `yaml:"heartbeat_interval"`
	ElectionTimeoutMin string       `yaml:"election_timeout_min"`
	ElectionTimeoutMax string       `yaml:"election_timeout_max"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`
}

// Config is the top-level configuration struct.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Engine      EngineConfig      `yaml:"engine"`
	Replication ReplicationConfig `yaml:"replication"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ParseDuration parses a duration string. Returns the default duration if the
// string is empty or invalid. Logs a warning if the string is invalid but not
// empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader. This is the core logic,
// separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddress: ":5000",
		},
		Engine: EngineConfig{
			DataDir:            "./data",
			CheckpointInterval: "60s",
			LockStaleTTL:       "30s",
			WAL: WALConfig{
				SyncMode:            "always",
				MaxSegmentSizeBytes: 64 * 1024 * 1024, // 64 MiB
			},
		},
		Replication: ReplicationConfig{
			Enabled:            false,
			NodeID:             "node1",
			IsPrimary:          true,
			HeartbeatInterval:  "500ms",
			ElectionTimeoutMin: "2s",
			ElectionTimeoutMax: "4s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexuskv.log",
		},
	}

	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config data: %w", err)
	}
	return cfg, nil
}

// LoadFromFile reads configuration from a YAML file. A missing file yields
// the defaults.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}
