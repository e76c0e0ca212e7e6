// Package config loads the process-wide key/value configuration file
// described in spec §6. Unknown keys are ignored with a warning; recognized
// keys are parsed into typed fields with documented defaults.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds process-wide recording-engine configuration.
type Config struct {
	StorageRoot             string
	WebPort                 uint16
	DefaultSegmentDurationS uint32
	DefaultPreRollS         uint32
	DefaultPostRollS        uint32
	PacketTimeoutS          uint32
	BufferMemoryLimitMB     uint64
	MaxStreams              uint32

	// Additions beyond spec §6. LogFormat, LogLevel and ReconcileIntervalS
	// are parsed but not read elsewhere; cmd/nvrd takes logging from flags.
	LogFormat           string // "json" or "text"
	LogLevel            string // "debug", "info", "warn", "error"
	SQLitePath          string
	ReconcileIntervalS  uint32
	ShutdownTimeoutS    uint32
}

// defaults mirror the values named in spec §6.
func defaults() *Config {
	return &Config{
		DefaultSegmentDurationS: 60,
		DefaultPreRollS:         5,
		DefaultPostRollS:        10,
		PacketTimeoutS:          5,
		MaxStreams:              32,
		LogFormat:               "text",
		LogLevel:                "info",
		SQLitePath:              "nvr.db",
		ReconcileIntervalS:      10,
		ShutdownTimeoutS:        30,
	}
}

// Load reads configuration from a key=value text file. Lines that are blank
// or start with '#' are skipped; unknown keys are logged and ignored.
func Load(path string, logger *slog.Logger) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	cfg := defaults()
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decoded, err := url.QueryUnescape(value)
		if err != nil {
			decoded = value
		}

		if err := cfg.set(key, decoded); err != nil {
			if logger != nil {
				logger.Warn("ignoring unknown or invalid config key", "key", key, "error", err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) set(key, value string) error {
	switch key {
	case "storage_root":
		c.StorageRoot = value
	case "web_port":
		v, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("web_port: %w", err)
		}
		c.WebPort = uint16(v)
	case "default_segment_duration_s":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("default_segment_duration_s: %w", err)
		}
		c.DefaultSegmentDurationS = uint32(v)
	case "default_pre_roll_s":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("default_pre_roll_s: %w", err)
		}
		c.DefaultPreRollS = uint32(v)
	case "default_post_roll_s":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("default_post_roll_s: %w", err)
		}
		c.DefaultPostRollS = uint32(v)
	case "packet_timeout_s":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("packet_timeout_s: %w", err)
		}
		c.PacketTimeoutS = uint32(v)
	case "buffer_memory_limit_mb":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("buffer_memory_limit_mb: %w", err)
		}
		c.BufferMemoryLimitMB = v
	case "max_streams":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("max_streams: %w", err)
		}
		c.MaxStreams = uint32(v)
	case "log_format":
		c.LogFormat = value
	case "log_level":
		c.LogLevel = value
	case "sqlite_path":
		c.SQLitePath = value
	case "reconcile_interval_s":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("reconcile_interval_s: %w", err)
		}
		c.ReconcileIntervalS = uint32(v)
	case "shutdown_timeout_s":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("shutdown_timeout_s: %w", err)
		}
		c.ShutdownTimeoutS = uint32(v)
	default:
		return fmt.Errorf("unrecognized key")
	}
	return nil
}

// Validate checks that required configuration fields are present.
func (c *Config) Validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("missing storage_root")
	}
	if c.BufferMemoryLimitMB == 0 {
		return fmt.Errorf("missing buffer_memory_limit_mb")
	}
	return nil
}
