// Package config provides configuration management for wg-manager.
// It handles loading, saving, and validating service settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/wg-manager/common"
)

// Config represents the service configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// ListenAddr is the address the HTTP API binds to.
	ListenAddr string `yaml:"listen_addr"`
	// DatabasePath is the location of the registry database file.
	DatabasePath string `yaml:"database_path"`
	// InterfaceName is the WireGuard interface the service manages.
	InterfaceName string `yaml:"interface_name"`
	// ConfigFilePath is where the rendered driver configuration is written.
	// Empty means /etc/wireguard/<interface>.conf.
	ConfigFilePath string `yaml:"config_file_path"`
	// WgBinary is the wg executable used for syncconf and dump calls.
	WgBinary string `yaml:"wg_binary"`
	// WgQuickBinary is the wg-quick executable used to bring the interface up.
	WgQuickBinary string `yaml:"wg_quick_binary"`
	// ConnectedWindow is how recent a handshake must be for a peer to be
	// reported as connected.
	ConnectedWindow time.Duration `yaml:"connected_window"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:8080",
		InterfaceName:   common.DefaultInterfaceName,
		WgBinary:        "wg",
		WgQuickBinary:   "wg-quick",
		ConnectedWindow: common.ConnectedWindow,
	}
}

// Load loads the configuration from the config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from an explicit path.
func LoadFrom(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(configPath); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("error opening configuration: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	var config Config
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyDefaults fills zero-valued fields with their defaults.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.InterfaceName == "" {
		c.InterfaceName = def.InterfaceName
	}
	if c.WgBinary == "" {
		c.WgBinary = def.WgBinary
	}
	if c.WgQuickBinary == "" {
		c.WgQuickBinary = def.WgQuickBinary
	}
	if c.ConnectedWindow <= 0 {
		c.ConnectedWindow = def.ConnectedWindow
	}
}

// validate verifies that configuration values are usable.
func (c *Config) validate() error {
	if c.InterfaceName == "" {
		return fmt.Errorf("%w: interface_name must not be empty", common.ErrValidation)
	}
	if c.ConnectedWindow <= 0 {
		return fmt.Errorf("%w: connected_window must be positive", common.ErrValidation)
	}
	return nil
}

// DriverConfigPath returns the path of the rendered driver configuration
// file, deriving the conventional /etc/wireguard location when unset.
func (c *Config) DriverConfigPath() string {
	if c.ConfigFilePath != "" {
		return c.ConfigFilePath
	}
	return filepath.Join("/etc/wireguard", c.InterfaceName+".conf")
}

// ResolveDatabasePath returns the registry database location, placing it in
// the user data directory when not configured explicitly.
func (c *Config) ResolveDatabasePath() (string, error) {
	if c.DatabasePath != "" {
		return c.DatabasePath, nil
	}
	dataDir, err := common.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, common.DatabaseFileName), nil
}

// Save saves the configuration to the default config file.
func (c *Config) Save() error {
	configPath, err := getConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

// SaveTo saves the configuration to an explicit path.
func (c *Config) SaveTo(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing configuration: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("error saving configuration: %w", err)
	}

	return nil
}

func getConfigPath() (string, error) {
	configDir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, common.ConfigFileName), nil
}
