package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".memscan"
	configFile string = "config.yml"
)

const (
	// DefaultMaxResults bounds the working set of a scan session.
	DefaultMaxResults = 100000
	// DefaultRemoteTimeout bounds a single call across the remote boundary.
	DefaultRemoteTimeout = 10 * time.Second
	// DefaultSnapshotChunkSize is the largest single read issued while
	// snapshotting a section.
	DefaultSnapshotChunkSize = 16 << 20
	// DefaultProtection is the section protection mask scanned by default.
	DefaultProtection = "r"
	// DefaultMaxStringLen is the longest NUL-terminated string read.
	DefaultMaxStringLen = 256
	// DefaultProcessCacheSize is the number of process descriptions kept by
	// the remote client.
	DefaultProcessCacheSize = 16
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// MaxResults is the maximum number of candidates a scan keeps.
	MaxResults *int `yaml:"max-results,omitempty"`

	// RemoteTimeout is the deadline applied to every call to the target,
	// written as a Go duration ("10s", "500ms").
	RemoteTimeout string `yaml:"remote-timeout,omitempty"`

	// SnapshotChunkSize is the size of the reads used to snapshot a
	// section during a first scan.
	SnapshotChunkSize *int `yaml:"snapshot-chunk-size,omitempty"`

	// DefaultProtection is the protection mask ("r", "rw", "rx") used to
	// select sections when a scan does not specify one.
	DefaultProtection string `yaml:"default-protection,omitempty"`

	// MaxStringLen is the maximum length of strings read from the target.
	MaxStringLen *int `yaml:"max-string-len,omitempty"`

	// ProcessCacheSize is the number of process descriptions (section
	// lists) the remote client caches.
	ProcessCacheSize *int `yaml:"process-cache-size,omitempty"`
}

// GetMaxResults returns the configured result cap or its default.
func (c *Config) GetMaxResults() int {
	if c == nil || c.MaxResults == nil || *c.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return *c.MaxResults
}

// GetRemoteTimeout returns the configured remote timeout or its default.
// A value of "0" disables the timeout.
func (c *Config) GetRemoteTimeout() time.Duration {
	if c == nil || c.RemoteTimeout == "" {
		return DefaultRemoteTimeout
	}
	d, err := time.ParseDuration(c.RemoteTimeout)
	if err != nil || d < 0 {
		return DefaultRemoteTimeout
	}
	return d
}

// GetSnapshotChunkSize returns the snapshot chunk size, rounded down to a
// multiple of 8 and never below one page.
func (c *Config) GetSnapshotChunkSize() int {
	if c == nil || c.SnapshotChunkSize == nil {
		return DefaultSnapshotChunkSize
	}
	n := *c.SnapshotChunkSize &^ 7
	if n < 4096 {
		n = 4096
	}
	return n
}

// GetDefaultProtection returns the default protection mask string.
func (c *Config) GetDefaultProtection() string {
	if c == nil || c.DefaultProtection == "" {
		return DefaultProtection
	}
	return c.DefaultProtection
}

// GetMaxStringLen returns the maximum string length or its default.
func (c *Config) GetMaxStringLen() int {
	if c == nil || c.MaxStringLen == nil || *c.MaxStringLen <= 0 {
		return DefaultMaxStringLen
	}
	return *c.MaxStringLen
}

// GetProcessCacheSize returns the process cache size or its default.
func (c *Config) GetProcessCacheSize() int {
	if c == nil || c.ProcessCacheSize == nil || *c.ProcessCacheSize <= 0 {
		return DefaultProcessCacheSize
	}
	return *c.ProcessCacheSize
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}

	c, err := LoadConfigFrom(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads and decodes the config file at path.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	return SaveConfigTo(conf, fullConfigFile)
}

// SaveConfigTo marshals conf into the file at path.
func SaveConfigTo(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0600)
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for memscan.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Maximum number of candidate addresses kept by a scan.
# max-results: 100000

# Deadline for every read, write or enumeration call sent to the target.
# remote-timeout: 10s

# Size of the reads used to snapshot a memory section during a first scan.
# snapshot-chunk-size: 16777216

# Protection of the sections scanned when a scan does not name one (r, rw, rx, rwx).
# default-protection: r

# Maximum length of strings read from the target.
# max-string-len: 256

# Number of process section lists cached by the remote client.
# process-cache-size: 16
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv("MEMSCAN_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
