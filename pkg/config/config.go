package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override (SMBZFS_LOGGING_LEVEL).
	EnvPrefix = "SMBZFS"

	// EnvFileVariable names the dotenv file loaded before the environment
	// is read.
	EnvFileVariable = "SMBZFS_ENV_FILE"

	// DefaultEnvFile is used when EnvFileVariable is unset.
	DefaultEnvFile = "/etc/default/smbzfs"

	// SystemConfigDir is searched after the per-user directory.
	SystemConfigDir = "/etc/smbzfs"
)

// Config represents the complete smbzfs configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags bound by the caller
//  2. Environment variables (SMBZFS_*), including those from the env file
//  3. Configuration file (YAML)
//  4. Default values
//
// The state section follows a type-plus-options pattern: Type selects the
// backend and only the map named after it is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// State selects where the bookkeeping document is persisted
	State StateConfig `mapstructure:"state" yaml:"state"`

	// Samba locates the generated configuration files
	Samba SambaConfig `mapstructure:"samba" yaml:"samba"`

	// Services controls how smbd, nmbd and avahi-daemon are managed
	Services ServicesConfig `mapstructure:"services" yaml:"services"`

	// Packages lists what setup requires to be installed
	Packages PackagesConfig `mapstructure:"packages" yaml:"packages"`

	// Metrics controls the Prometheus textfile export
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// StateConfig selects the state backend.
type StateConfig struct {
	// Type specifies which backend to use
	// Valid values: json, badger, memory
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=json badger memory"`

	// JSON contains options for the json backend (path)
	JSON map[string]any `mapstructure:"json" yaml:"json"`

	// Badger contains options for the badger backend (db_path, cache sizes)
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`

	// LockPath is the file locked exclusively by every mutating command.
	// Empty disables locking.
	LockPath string `mapstructure:"lock_path" yaml:"lock_path"`
}

// SambaConfig locates the files smbzfs renders.
type SambaConfig struct {
	ConfigPath       string `mapstructure:"config_path" yaml:"config_path" validate:"required"`
	AvahiServicePath string `mapstructure:"avahi_service_path" yaml:"avahi_service_path" validate:"required"`
	TestparmBinary   string `mapstructure:"testparm_binary" yaml:"testparm_binary" validate:"required"`
}

// ServicesConfig controls service management.
type ServicesConfig struct {
	// Backend selects how units are driven
	// Valid values: systemctl, dbus
	Backend string `mapstructure:"backend" yaml:"backend" validate:"required,oneof=systemctl dbus"`

	SambaUnits     []string `mapstructure:"samba_units" yaml:"samba_units" validate:"required,min=1,dive,required"`
	DiscoveryUnits []string `mapstructure:"discovery_units" yaml:"discovery_units" validate:"dive,required"`

	// Timeout bounds each D-Bus job
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

// PackagesConfig lists required Debian packages.
type PackagesConfig struct {
	Required []string `mapstructure:"required" yaml:"required" validate:"dive,required"`
}

// MetricsConfig controls metrics collection.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// TextfilePath receives the registry in Prometheus text format when the
	// command exits (node_exporter textfile collector).
	TextfilePath string `mapstructure:"textfile_path" yaml:"textfile_path" validate:"required_if=Enabled true"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags (LoadWithFlags only)
//  2. Environment variables (SMBZFS_*)
//  3. Configuration file
//  4. Default values
//
// The dotenv file named by SMBZFS_ENV_FILE (default /etc/default/smbzfs) is
// loaded first; variables already set in the environment win over it.
func Load(configPath string) (*Config, error) {
	return LoadWithFlags(configPath, nil)
}

// FlagBindings maps configuration keys to the command-line flags that
// override them.
var FlagBindings = map[string]string{
	"logging.level":  "log-level",
	"logging.format": "log-format",
}

// LoadWithFlags is Load with command-line flags ranked above the
// environment. Only flags that were set on the command line take effect;
// bindings whose flag is missing from flags are skipped.
func LoadWithFlags(configPath string, flags *pflag.FlagSet) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	v := viper.New()
	setupViper(v, configPath)
	if err := bindFlags(v, flags); err != nil {
		return nil, err
	}

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads the dotenv file. A missing default file is fine; a
// missing file that was asked for explicitly is not.
func loadEnvFile() error {
	path, explicit := os.LookupEnv(EnvFileVariable)
	if !explicit || path == "" {
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: SMBZFS_SAMBA_CONFIG_PATH=/tmp/smb.conf
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	v.AddConfigPath(getConfigDir())
	v.AddConfigPath(SystemConfigDir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// bindEnvKeys registers every scalar key so AutomaticEnv also applies when
// the key is absent from the file; Unmarshal only sees known keys.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"state.type", "state.lock_path", "state.json.path", "state.badger.db_path",
		"samba.config_path", "samba.avahi_service_path", "samba.testparm_binary",
		"services.backend", "services.samba_units", "services.discovery_units", "services.timeout",
		"packages.required",
		"metrics.enabled", "metrics.textfile_path",
	} {
		_ = v.BindEnv(key)
	}
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	for key, name := range FlagBindings {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the per-user configuration directory.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// system directory when the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "smbzfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return SystemConfigDir
	}

	return filepath.Join(home, ".config", "smbzfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
