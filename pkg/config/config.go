// Package config reads the optional ~/.fleetview/config.yaml file. Values
// from the environment always win; the file only fills gaps, so a checked-in
// .env and a per-operator config file can coexist.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	configDirName  = ".fleetview"
	configFileName = "config.yaml"
	configFileMode = 0600
	configDirMode  = 0700
)

// FileConfig is the on-disk configuration shape.
type FileConfig struct {
	Port        int    `yaml:"port,omitempty"`
	DataDir     string `yaml:"data_dir,omitempty"`
	SSOStartURL string `yaml:"sso_start_url,omitempty"`
	SSORegion   string `yaml:"sso_region,omitempty"`
	AuthSecret  string `yaml:"auth_secret,omitempty"`
	FrontendURL string `yaml:"frontend_url,omitempty"`
}

// Manager handles reading and writing the config file.
type Manager struct {
	mu     sync.RWMutex
	path   string
	config *FileConfig
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the singleton config manager.
func GetManager() *Manager {
	managerOnce.Do(func() {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		globalManager = &Manager{
			path:   filepath.Join(homeDir, configDirName, configFileName),
			config: &FileConfig{},
		}
		globalManager.Load()
	})
	return globalManager
}

// NewManager creates a manager for an explicit path (for testing).
func NewManager(path string) *Manager {
	return &Manager{path: path, config: &FileConfig{}}
}

// Load reads the config from disk. A missing file is not an error.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.config = &FileConfig{}
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	m.config = &config
	return nil
}

// Save writes the config to disk with owner-only permissions.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), configDirMode); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(m.path, data, configFileMode); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Get returns a copy of the current config.
func (m *Manager) Get() FileConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

// Set replaces the in-memory config (call Save to persist).
func (m *Manager) Set(config FileConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = &config
}
