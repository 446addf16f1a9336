package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "LOCALSYNC_CONFIG"
	EnvOrigin    = "LOCALSYNC_ORIGIN"
	EnvRemoteURL = "LOCALSYNC_REMOTE_URL"
	EnvStateDir  = "LOCALSYNC_STATE_DIR"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // LOCALSYNC_CONFIG: override config file path
	Origin     string // LOCALSYNC_ORIGIN: replica identifier
	RemoteURL  string // LOCALSYNC_REMOTE_URL: sync endpoint
	StateDir   string // LOCALSYNC_STATE_DIR: state directory override
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. Callers apply the relevant fields through Resolve.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Origin:     os.Getenv(EnvOrigin),
		RemoteURL:  os.Getenv(EnvRemoteURL),
		StateDir:   os.Getenv(EnvStateDir),
	}
}
