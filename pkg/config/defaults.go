package config

import (
	"strings"
	"time"
)

const (
	// DefaultStatePath matches the location older releases used.
	DefaultStatePath = "/var/lib/smbzfs.state"

	DefaultBadgerPath = "/var/lib/smbzfs/state.db"
	DefaultLockPath   = "/run/lock/smbzfs.lock"
	DefaultSambaConf  = "/etc/samba/smb.conf"
	DefaultAvahiFile  = "/etc/avahi/services/smb.service"
	DefaultTextfile   = "/var/lib/prometheus/node-exporter/smbzfs.prom"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values (0, "", nil) are replaced; explicit values are preserved.
// Both backend maps are populated so a generated sample file shows every
// option.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyStateDefaults(&cfg.State)
	applySambaDefaults(&cfg.Samba)
	applyServicesDefaults(&cfg.Services)
	applyPackagesDefaults(&cfg.Packages)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	// stdout carries command output
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyStateDefaults(cfg *StateConfig) {
	if cfg.Type == "" {
		cfg.Type = "json"
	}

	if cfg.JSON == nil {
		cfg.JSON = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	if _, ok := cfg.JSON["path"]; !ok {
		cfg.JSON["path"] = DefaultStatePath
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = DefaultBadgerPath
	}

	if cfg.LockPath == "" {
		cfg.LockPath = DefaultLockPath
	}
}

func applySambaDefaults(cfg *SambaConfig) {
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = DefaultSambaConf
	}
	if cfg.AvahiServicePath == "" {
		cfg.AvahiServicePath = DefaultAvahiFile
	}
	if cfg.TestparmBinary == "" {
		cfg.TestparmBinary = "testparm"
	}
}

func applyServicesDefaults(cfg *ServicesConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "systemctl"
	}
	if len(cfg.SambaUnits) == 0 {
		cfg.SambaUnits = []string{"smbd", "nmbd"}
	}
	if cfg.DiscoveryUnits == nil {
		cfg.DiscoveryUnits = []string{"avahi-daemon"}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
}

func applyPackagesDefaults(cfg *PackagesConfig) {
	if cfg.Required == nil {
		cfg.Required = []string{"zfsutils-linux", "samba", "avahi-daemon"}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.TextfilePath == "" {
		cfg.TextfilePath = DefaultTextfile
	}
}

// GetDefaultConfig returns a configuration with all defaults applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
