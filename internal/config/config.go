// Package config loads the relay configuration from an optional YAML file
// layered under RELAY_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/acrispino/chat-relay/internal/relay"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Backend  BackendConfig  `koanf:"backend"`
	Outbound OutboundConfig `koanf:"outbound"`
	Access   AccessConfig   `koanf:"access"`
	Tracing  TracingConfig  `koanf:"tracing"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

type BackendConfig struct {
	URL       string `koanf:"url"`
	Model     string `koanf:"model"`
	Streaming bool   `koanf:"streaming"`
	// TimeoutSeconds bounds one backend exchange; applies to the whole
	// stream when streaming.
	TimeoutSeconds int `koanf:"timeout_seconds"`
}

type OutboundConfig struct {
	URL            string `koanf:"url"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

type AccessConfig struct {
	Rules []relay.AccessRule `koanf:"rules"`
}

type TracingConfig struct {
	// ChunkSampleEvery archives every Nth stream chunk.
	ChunkSampleEvery int `koanf:"chunk_sample_every"`
	// ChunkSizeThreshold archives any chunk at least this many bytes.
	ChunkSizeThreshold int `koanf:"chunk_size_threshold"`
	// SweepIntervalSeconds is how often the stale-trace sweeper runs.
	SweepIntervalSeconds int `koanf:"sweep_interval_seconds"`
	// StaleTimeoutSeconds is the age past which a non-terminal trace is
	// finalized as an error.
	StaleTimeoutSeconds int `koanf:"stale_timeout_seconds"`
}

// Load reads path (skipped when missing) and then the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RELAY_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                    8080,
		"storage.path":                   "./data/relay.db",
		"backend.timeout_seconds":        120,
		"outbound.timeout_seconds":       30,
		"tracing.chunk_sample_every":     10,
		"tracing.chunk_size_threshold":   2048,
		"tracing.sweep_interval_seconds": 300,
		"tracing.stale_timeout_seconds":  1800,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}
