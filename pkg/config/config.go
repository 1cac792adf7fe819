package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir       string = "dexec"
	configDirHidden string = ".dexec"
	configFile      string = "config.yml"
)

// DefaultEventPollTimeout is how long the worker waits for a debug event
// before checking its mailbox again.
const DefaultEventPollTimeout = 50 * time.Millisecond

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// EventPollTimeout bounds a single wait for a debug event.
	EventPollTimeout time.Duration `yaml:"event-poll-timeout,omitempty"`

	// DisableASLR launches targets with address space randomization turned off.
	DisableASLR bool `yaml:"disable-aslr"`

	// SymbolCacheSize is the number of images whose symbol tables are
	// kept in memory.
	SymbolCacheSize int `yaml:"symbol-cache-size,omitempty"`

	// Backend selects the debug backend: native or sim.
	Backend string `yaml:"backend,omitempty"`

	// LaunchNewConsole gives launched targets their own pseudo-terminal.
	LaunchNewConsole bool `yaml:"launch-new-console"`

	// DebugInfoDirectories is the list of directories searched for
	// separate debug info files.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`

	// ShowPatchedBytes makes the examine command print breakpoint trap
	// bytes instead of the original instruction bytes.
	ShowPatchedBytes bool `yaml:"show-patched-bytes"`
}

// PollTimeout returns the configured event poll timeout or the default.
func (c *Config) PollTimeout() time.Duration {
	if c == nil || c.EventPollTimeout <= 0 {
		return DefaultEventPollTimeout
	}
	return c.EventPollTimeout
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	return decodeConfig(f)
}

func decodeConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
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

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for the dexec execution engine.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# How long the worker waits for a debug event before servicing commands again.
# event-poll-timeout: 50ms

# Launch targets with address space layout randomization disabled.
# disable-aslr: true

# Number of images whose symbol tables are cached.
# symbol-cache-size: 32

# Debug backend, native or sim.
# backend: native

# Give launched targets their own pseudo-terminal.
# launch-new-console: false

# Print breakpoint trap bytes in the examine command.
# show-patched-bytes: false

# List of directories to use when searching for separate debug info files.
debug-info-directories: ["/usr/lib/debug/.build-id"]
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
	if configPath := os.Getenv("DEXEC_CONFIG_DIR"); configPath != "" {
		return filepath.Join(configPath, file), nil
	}

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}

	if runtime.GOOS == "linux" {
		if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
			return filepath.Join(configHome, configDir, file), nil
		}
		if _, err := os.Stat(filepath.Join(userHomeDir, configDirHidden)); err != nil {
			return filepath.Join(userHomeDir, ".config", configDir, file), nil
		}
	}

	return filepath.Join(userHomeDir, configDirHidden, file), nil
}
