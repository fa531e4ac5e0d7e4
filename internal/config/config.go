// Package config loads srcfetch settings from defaults, an optional
// config file, SRCFETCH_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	AppName   = "srcfetch"
	EnvPrefix = "SRCFETCH"
)

// Config holds all settings.
type Config struct {
	Destination     string      `mapstructure:"destination"`
	StripComponents int         `mapstructure:"strip-components"`
	Workers         int         `mapstructure:"workers"`
	ReuseArchives   bool        `mapstructure:"reuse-archives"`
	MaxArchiveSize  int64       `mapstructure:"max-archive-size"`
	HTTP            HTTPConfig  `mapstructure:"http"`
	Tools           ToolsConfig `mapstructure:"tools"`
	MetricsFile     string      `mapstructure:"metrics-file"`
}

type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user-agent"`
}

// ToolsConfig names the external extraction programs.
type ToolsConfig struct {
	Tar   string `mapstructure:"tar"`
	Unzip string `mapstructure:"unzip"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Destination:     ".",
		StripComponents: 1,
		Workers:         4,
		MaxArchiveSize:  1 << 30,
		HTTP: HTTPConfig{
			Timeout:   10 * time.Minute,
			UserAgent: AppName,
		},
		Tools: ToolsConfig{
			Tar:   "tar",
			Unzip: "unzip",
		},
	}
}

// LoadOptions controls where Load looks.
type LoadOptions struct {
	// ConfigFile is used exclusively when set and must exist.
	ConfigFile string
	// ConfigDir overrides the user config directory.
	ConfigDir string
	// Flags are bound by name to the keys of the same name; "dest" binds
	// to destination.
	Flags *pflag.FlagSet
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
}

// flagKeys maps config keys to flag names.
var flagKeys = map[string]string{
	"destination":      "dest",
	"strip-components": "strip-components",
	"workers":          "workers",
	"reuse-archives":   "reuse-archives",
	"max-archive-size": "max-archive-size",
	"metrics-file":     "metrics-file",
	"http.timeout":     "timeout",
}

// Load resolves the configuration. It returns the config file used, if any.
func Load(opts LoadOptions) (*Config, string, error) {
	v := viper.New()
	if opts.Fs != nil {
		v.SetFs(opts.Fs)
	}

	defaults := DefaultConfig()
	v.SetDefault("destination", defaults.Destination)
	v.SetDefault("strip-components", defaults.StripComponents)
	v.SetDefault("workers", defaults.Workers)
	v.SetDefault("reuse-archives", defaults.ReuseArchives)
	v.SetDefault("max-archive-size", defaults.MaxArchiveSize)
	v.SetDefault("http.timeout", defaults.HTTP.Timeout)
	v.SetDefault("http.user-agent", defaults.HTTP.UserAgent)
	v.SetDefault("tools.tar", defaults.Tools.Tar)
	v.SetDefault("tools.unzip", defaults.Tools.Unzip)
	v.SetDefault("metrics-file", defaults.MetricsFile)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for key, name := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, "", fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("reading config file %s: %w", opts.ConfigFile, err)
		}
	} else {
		dir := opts.ConfigDir
		if dir == "" {
			var err error
			if dir, err = ConfigDir(); err != nil {
				return nil, "", err
			}
		}
		v.SetConfigName(AppName)
		v.AddConfigPath(".")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, "", fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, v.ConfigFileUsed(), nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.StripComponents < 0 {
		errs = append(errs, fmt.Errorf("strip-components must not be negative, got %d", c.StripComponents))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.MaxArchiveSize < -1 {
		errs = append(errs, fmt.Errorf("max-archive-size must be -1 or a byte count, got %d", c.MaxArchiveSize))
	}
	if c.HTTP.Timeout < 0 {
		errs = append(errs, fmt.Errorf("http.timeout must not be negative, got %s", c.HTTP.Timeout))
	}
	if c.Tools.Tar == "" || c.Tools.Unzip == "" {
		errs = append(errs, errors.New("tools.tar and tools.unzip must be set"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ConfigDir returns $XDG_CONFIG_HOME/srcfetch, falling back to ~/.config/srcfetch.
func ConfigDir() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, AppName), nil
}
