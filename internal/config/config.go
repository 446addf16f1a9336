// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for localsync. Overrides are layered:
// defaults, then the config file, then environment variables, then CLI
// flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	// Origin identifies this replica in version stamps and conflict
	// tie-breaks. Defaults to the hostname; must be stable across runs.
	Origin string `toml:"origin"`

	Remote    RemoteConfig    `toml:"remote"`
	Sync      SyncConfig      `toml:"sync"`
	Conflicts ConflictsConfig `toml:"conflicts"`
	Storage   StorageConfig   `toml:"storage"`
	Backup    BackupConfig    `toml:"backup"`
	Logging   LoggingConfig   `toml:"logging"`
}

// RemoteConfig describes the sync endpoint.
type RemoteConfig struct {
	URL string `toml:"url"`

	// Name keys the pull checkpoint, so switching endpoints under the same
	// name resumes from the wrong cursor. Give each endpoint its own name.
	Name string `toml:"name"`

	// WebsocketURL is the change feed endpoint. Empty disables the feed;
	// sync then runs purely on the interval and explicit triggers.
	WebsocketURL string `toml:"websocket_url"`
}

// SyncConfig controls the background sync scheduler.
type SyncConfig struct {
	Interval    string `toml:"interval"`     // periodic cycle cadence; "0" disables
	PullWorkers int    `toml:"pull_workers"` // concurrent applies per pulled page
	SchemaDir   string `toml:"schema_dir"`   // per-collection payload schemas; empty disables validation
}

// ConflictsConfig selects resolution policies. Policies maps collection
// names to a policy ("lww", "merge", or "deferred"); collections not
// listed use DefaultPolicy.
type ConflictsConfig struct {
	DefaultPolicy string            `toml:"default_policy"`
	Policies      map[string]string `toml:"policies"`
}

// StorageConfig controls where local state lives.
type StorageConfig struct {
	StateDir string `toml:"state_dir"` // empty uses the platform data dir
}

// BackupConfig controls state database snapshots. Snapshots always land in
// Dir; S3 upload is enabled by setting a bucket.
type BackupConfig struct {
	Dir    string `toml:"dir"`    // empty uses <state_dir>/backups
	Retain int    `toml:"retain"` // local snapshots kept after pruning

	S3Bucket    string `toml:"s3_bucket"`
	S3Region    string `toml:"s3_region"`
	S3Endpoint  string `toml:"s3_endpoint"` // for S3-compatible stores; empty uses AWS
	S3AccessKey string `toml:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key"`
	S3Prefix    string `toml:"s3_prefix"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "auto", "text", or "json"
	File   string `toml:"file"`   // empty logs to stderr
}

// CLIOverrides holds values from CLI flags that override the config file
// and environment. Empty fields mean "not specified".
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	Origin     string // --origin flag
	RemoteURL  string // --remote flag
	StateDir   string // --state-dir flag
	LogLevel   string // --log-level flag
}
