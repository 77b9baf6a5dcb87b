// Copyright 2025 IndexFS Authors
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

// Package config loads indexfs settings from the config directory and
// guards single-instance ownership of the store.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"indexfs/internal/artifacts"
	"indexfs/internal/txn"
)

// EnvConfigDir overrides the config directory, mainly for test isolation.
const EnvConfigDir = "INDEXFS_CONFIG_DIR"

// ConfigDir returns the config directory path. Uses INDEXFS_CONFIG_DIR
// if set, otherwise ~/.indexfs. Computed dynamically to support test
// isolation.
func ConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".indexfs")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(ConfigDir(), "settings.yaml")
}

// StorePath returns the SQLite store path.
func StorePath() string {
	return filepath.Join(ConfigDir(), "index.db")
}

// WALDir returns the transaction write-ahead log directory.
func WALDir() string {
	return filepath.Join(ConfigDir(), "wal")
}

// StagingDir returns the staged-delete directory.
func StagingDir() string {
	return filepath.Join(ConfigDir(), "staging")
}

// LockPath returns the instance lock file path.
func LockPath() string {
	return filepath.Join(ConfigDir(), "indexfs.lock")
}

// SocketPath returns the watcher's IPC socket path.
func SocketPath() string {
	return filepath.Join(ConfigDir(), "indexfs.sock")
}

// EnsureConfigDir creates the config directory if missing and seeds a
// commented settings.yaml template on first run.
func EnsureConfigDir() error {
	if err := os.MkdirAll(ConfigDir(), 0o700); err != nil {
		return err
	}
	if _, err := os.Stat(SettingsPath()); os.IsNotExist(err) {
		if err := os.WriteFile(SettingsPath(), artifacts.GlobalSettings, 0o600); err != nil {
			return fmt.Errorf("failed to seed settings: %w", err)
		}
	}
	return nil
}

// VolumeConfig names one volume to index.
type VolumeConfig struct {
	Name        string `yaml:"name"`
	TablePath   string `yaml:"table_path"`
	JournalPath string `yaml:"journal_path"`
	// WatchRoot enables the filesystem-notification fallback rooted here
	// when the volume has no change journal.
	WatchRoot string `yaml:"watch_root,omitempty"`
}

// Settings is the full configuration, read from settings.yaml.
type Settings struct {
	LogLevel string         `yaml:"log_level"` // trace, debug, info, warn, off
	Volumes  []VolumeConfig `yaml:"volumes"`

	// Excludes are gitignore-style patterns dropped from indexing.
	Excludes []string `yaml:"excludes"`

	PollInterval  time.Duration `yaml:"poll_interval"`
	BloomExpected int           `yaml:"bloom_expected"`
	BloomFPRate   float64       `yaml:"bloom_fp_rate"`
	PathCacheSize int           `yaml:"path_cache_size"`

	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	AuditRetention time.Duration `yaml:"audit_retention"`

	Txn txn.Config `yaml:"txn"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.PollInterval == 0 {
		s.PollInterval = 100 * time.Millisecond
	}
	if s.BloomExpected == 0 {
		s.BloomExpected = 1 << 20
	}
	if s.BloomFPRate == 0 {
		s.BloomFPRate = 0.01
	}
	if s.PathCacheSize == 0 {
		s.PathCacheSize = 65536
	}
	if s.Workers == 0 {
		s.Workers = 4
	}
	if s.QueueSize == 0 {
		s.QueueSize = 64
	}
	if s.AuditRetention == 0 {
		s.AuditRetention = 30 * 24 * time.Hour
	}
	if s.Txn.WALDir == "" {
		s.Txn.WALDir = WALDir()
	}
	if s.Txn.StagingDir == "" {
		s.Txn.StagingDir = StagingDir()
	}
	s.Txn.ApplyDefaults()
}

// LoadSettings reads settings.yaml, falling back to defaults when the
// file does not exist.
func LoadSettings() (*Settings, error) {
	var s Settings
	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.ApplyDefaults()
			return &s, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	s.ApplyDefaults()
	return &s, nil
}

// SaveSettings writes settings.yaml.
func SaveSettings(s *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.WriteFile(SettingsPath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// AcquireInstanceLock takes the exclusive instance lock; a second daemon
// or long-running watch against the same config directory fails fast
// instead of corrupting the store.
func AcquireInstanceLock() (*flock.Flock, error) {
	if err := EnsureConfigDir(); err != nil {
		return nil, err
	}
	lock := flock.New(LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another indexfs instance is already running")
	}
	return lock, nil
}
