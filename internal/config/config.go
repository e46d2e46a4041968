// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from defaults, an optional
// YAML file, and environment variables, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Known world names.
const (
	WorldMemory = "memory"
	WorldLocal  = "local"
	WorldRedis  = "redis"
)

// Config is the daemon configuration.
type Config struct {
	// TargetWorld selects the storage/queue composition.
	// Environment: WORKFLOW_TARGET_WORLD
	// Default: local
	TargetWorld string `yaml:"target_world"`

	// DataDir holds the local world's SQLite database.
	// Environment: WORKFLOW_LOCAL_DATA_DIR
	// Default: ~/.durable
	DataDir string `yaml:"data_dir,omitempty"`

	// RedisURL is the connection URL for the redis world.
	// Environment: WORKFLOW_REDIS_URL
	RedisURL string `yaml:"redis_url,omitempty"`

	// DeploymentID tags runs started by this process.
	// Environment: WORKFLOW_DEPLOYMENT_ID
	DeploymentID string `yaml:"deployment_id,omitempty"`

	// ManifestPath points at the build manifest. Empty disables
	// manifest lookups and hot reload.
	// Environment: WORKFLOW_MANIFEST_PATH
	ManifestPath string `yaml:"manifest_path,omitempty"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables the metrics server.
	// Environment: WORKFLOW_METRICS_ADDR
	// Default: :9176
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	// Environment: WORKFLOW_SHUTDOWN_TIMEOUT
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// QueueWorkers sets the queue worker count. Zero means the backend
	// default.
	// Environment: WORKFLOW_QUEUE_WORKERS
	QueueWorkers int `yaml:"queue_workers,omitempty"`

	Log LogConfig `yaml:"log"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		TargetWorld:     WorldLocal,
		DataDir:         defaultDataDir(),
		MetricsAddr:     ":9176",
		ShutdownTimeout: 30 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file if a path
// is given, then environment overrides, then validation.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, err
		}
	}
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if val := os.Getenv("WORKFLOW_TARGET_WORLD"); val != "" {
		c.TargetWorld = val
	}
	if val := os.Getenv("WORKFLOW_LOCAL_DATA_DIR"); val != "" {
		c.DataDir = val
	}
	if val := os.Getenv("WORKFLOW_REDIS_URL"); val != "" {
		c.RedisURL = val
	}
	if val := os.Getenv("WORKFLOW_DEPLOYMENT_ID"); val != "" {
		c.DeploymentID = val
	}
	if val := os.Getenv("WORKFLOW_MANIFEST_PATH"); val != "" {
		c.ManifestPath = val
	}
	if val := os.Getenv("WORKFLOW_METRICS_ADDR"); val != "" {
		c.MetricsAddr = val
	}
	if val := os.Getenv("WORKFLOW_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("WORKFLOW_QUEUE_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			c.QueueWorkers = n
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		c.Log.AddSource = true
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.TargetWorld {
	case WorldMemory:
	case WorldLocal:
		if c.DataDir == "" {
			return fmt.Errorf("%w: local world requires data_dir", ErrInvalidConfig)
		}
	case WorldRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: redis world requires redis_url", ErrInvalidConfig)
		}
		if c.DataDir == "" {
			return fmt.Errorf("%w: redis world requires data_dir", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown target world %q", ErrInvalidConfig, c.TargetWorld)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".durable"
	}
	return filepath.Join(home, ".durable")
}
