// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/ini.v1"

	"github.com/loom-run/loom/pkg/platform"
)

const (
	// AppName is the application name.
	AppName = "loom"
	// ConfigFileName is the name of the user config file.
	ConfigFileName = "config.ini"
	// ProjectOverlayName is the optional per-workspace overlay file.
	ProjectOverlayName = "loom.toml"

	// registrySectionPrefix introduces a registry section, e.g.
	// [registry:main].
	registrySectionPrefix = "registry:"
)

type (
	// RegistryConfig is one configured package registry.
	RegistryConfig struct {
		// Name is the section name after the "registry:" prefix.
		Name string
		// URL is the registry endpoint.
		URL string
		// Username and Password authenticate uploads and private reads.
		Username string
		Password string
	}

	// Config is the resolved application configuration.
	Config struct {
		// Author is the default author recorded by init.
		Author string `mapstructure:"author"`
		// License is the default license recorded by init.
		License string `mapstructure:"license"`
		// Verbose enables debug-level logging.
		Verbose bool `mapstructure:"verbose"`
		// NoBytecache suppresses bytecache writes by the source loader.
		NoBytecache bool `mapstructure:"no_bytecache"`

		// Registries lists configured registries in file order. The first
		// entry is the default.
		Registries []RegistryConfig `mapstructure:"-"`
	}

	// LoadOptions defines explicit configuration loading inputs.
	LoadOptions struct {
		// ConfigFilePath forces loading from a specific config file when
		// set; LOOM_CONFIG provides the same override from the
		// environment.
		ConfigFilePath string
		// ConfigDirPath overrides the config directory lookup when set.
		ConfigDirPath string
		// WorkspaceDir is searched for the loom.toml overlay when set.
		WorkspaceDir string
	}

	// Provider loads configuration from explicit options.
	Provider interface {
		Load(ctx context.Context, opts LoadOptions) (*Config, error)
	}

	fileProvider struct{}
)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{}
}

// NewProvider creates a configuration provider.
func NewProvider() Provider {
	return &fileProvider{}
}

// Load reads configuration from the requested source.
func (p *fileProvider) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	return Load(ctx, opts)
}

// ConfigDir returns the loom configuration directory using
// platform-specific conventions: Windows uses %APPDATA%, macOS uses
// ~/Library/Application Support, and Linux/others use $XDG_CONFIG_HOME
// (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	var configDir string

	switch runtime.GOOS {
	case platform.Windows:
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case platform.Darwin:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	cfgDir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(cfgDir, 0o755)
}

// Load resolves the configuration: built-in defaults, then the INI user
// config, then the workspace TOML overlay, then environment variables.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	defaults := DefaultConfig()
	v.SetDefault("author", defaults.Author)
	v.SetDefault("license", defaults.License)
	v.SetDefault("verbose", defaults.Verbose)
	v.SetDefault("no_bytecache", defaults.NoBytecache)

	path, err := resolveConfigPath(opts)
	if err != nil {
		return nil, err
	}

	var registries []RegistryConfig
	if path != "" {
		registries, err = loadINIIntoViper(v, path)
		if err != nil {
			return nil, err
		}
	}

	if opts.WorkspaceDir != "" {
		overlay := filepath.Join(opts.WorkspaceDir, ProjectOverlayName)
		if fileExists(overlay) {
			if err := loadTOMLIntoViper(v, overlay); err != nil {
				return nil, err
			}
		}
	}

	if DebugEnabled(os.Getenv) {
		v.Set("verbose", true)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Registries = registries
	return &cfg, nil
}

// resolveConfigPath picks the config file: the explicit option, then the
// LOOM_CONFIG environment variable, then the platform config directory,
// then the current directory. "" means no config file exists and defaults
// apply.
func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", fmt.Errorf("config file not found: %s", opts.ConfigFilePath)
		}
		return opts.ConfigFilePath, nil
	}
	if fromEnv := os.Getenv(EnvConfig); fromEnv != "" {
		if !fileExists(fromEnv) {
			return "", fmt.Errorf("config file from %s not found: %s", EnvConfig, fromEnv)
		}
		return fromEnv, nil
	}

	cfgDir := opts.ConfigDirPath
	if cfgDir == "" {
		dir, err := ConfigDir()
		if err != nil {
			return "", err
		}
		cfgDir = dir
	}

	candidate := filepath.Join(cfgDir, ConfigFileName)
	if fileExists(candidate) {
		return candidate, nil
	}
	if fileExists(ConfigFileName) {
		return ConfigFileName, nil
	}
	return "", nil
}

// loadINIIntoViper merges the [default] section into Viper and collects
// the registry sections in file order. A file without a [default] section
// treats its top-level keys as the default section.
func loadINIIntoViper(v *viper.Viper, path string) ([]RegistryConfig, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	values := make(map[string]any)
	for _, section := range file.Sections() {
		name := section.Name()
		if name == ini.DefaultSection || name == "default" {
			for _, key := range section.Keys() {
				// INI values arrive as strings; booleans must be typed
				// before the merge so struct decoding sees them as bools.
				if b, err := strconv.ParseBool(key.Value()); err == nil {
					values[strings.ToLower(key.Name())] = b
					continue
				}
				values[strings.ToLower(key.Name())] = key.Value()
			}
		}
	}
	if err := v.MergeConfigMap(values); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	var registries []RegistryConfig
	for _, section := range file.Sections() {
		name, ok := strings.CutPrefix(section.Name(), registrySectionPrefix)
		if !ok {
			continue
		}
		registries = append(registries, RegistryConfig{
			Name:     name,
			URL:      section.Key("url").String(),
			Username: section.Key("username").String(),
			Password: section.Key("password").String(),
		})
	}
	return registries, nil
}

// loadTOMLIntoViper merges a workspace overlay file into Viper.
func loadTOMLIntoViper(v *viper.Viper, path string) error {
	var values map[string]any
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("failed to read overlay %s: %w", path, err)
	}
	if err := v.MergeConfigMap(values); err != nil {
		return fmt.Errorf("failed to merge overlay: %w", err)
	}
	return nil
}

// DefaultRegistry returns the first configured registry, the one used
// when no registry is named explicitly.
func (c *Config) DefaultRegistry() (RegistryConfig, bool) {
	if len(c.Registries) == 0 {
		return RegistryConfig{}, false
	}
	return c.Registries[0], true
}

// Registry returns the registry configured under name.
func (c *Config) Registry(name string) (RegistryConfig, bool) {
	for _, r := range c.Registries {
		if r.Name == name {
			return r, true
		}
	}
	return RegistryConfig{}, false
}

// Save writes the configuration to the user config file in INI form,
// registries in their priority order.
func Save(cfg *Config) error {
	cfgDir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file := ini.Empty()
	section, err := file.NewSection("default")
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}
	if cfg.Author != "" {
		section.Key("author").SetValue(cfg.Author)
	}
	if cfg.License != "" {
		section.Key("license").SetValue(cfg.License)
	}
	if cfg.Verbose {
		section.Key("verbose").SetValue("true")
	}
	if cfg.NoBytecache {
		section.Key("no_bytecache").SetValue("true")
	}

	for _, r := range cfg.Registries {
		regSection, err := file.NewSection(registrySectionPrefix + r.Name)
		if err != nil {
			return fmt.Errorf("failed to build config: %w", err)
		}
		regSection.Key("url").SetValue(r.URL)
		if r.Username != "" {
			regSection.Key("username").SetValue(r.Username)
		}
		if r.Password != "" {
			regSection.Key("password").SetValue(r.Password)
		}
	}

	cfgPath := filepath.Join(cfgDir, ConfigFileName)
	if err := file.SaveTo(cfgPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
