package config

import "os"

// Default values for configuration options. Chosen to work out of the box
// with no config file.
const (
	defaultRemoteName    = "default"
	defaultSyncInterval  = "30s"
	defaultPullWorkers   = 4
	defaultPolicy        = "lww"
	defaultBackupRetain  = 5
	defaultLogLevel      = "info"
	defaultLogFormat     = "auto"
	fallbackOrigin       = "localsync"
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the starting point for TOML decoding (unset fields keep their
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Origin: defaultOrigin(),
		Remote: RemoteConfig{
			Name: defaultRemoteName,
		},
		Sync: SyncConfig{
			Interval:    defaultSyncInterval,
			PullWorkers: defaultPullWorkers,
		},
		Conflicts: ConflictsConfig{
			DefaultPolicy: defaultPolicy,
			Policies:      make(map[string]string),
		},
		Backup: BackupConfig{
			Retain: defaultBackupRetain,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

// defaultOrigin derives a replica identifier from the hostname. Hostname
// collisions between replicas must be fixed in config; the tie-break in
// conflict resolution needs distinct origins.
func defaultOrigin() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fallbackOrigin
	}

	return host
}
