package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jpaulsen/localsync-go/internal/resolve"
)

// Validate checks a Config for consistency. Remote URL is optional here:
// local operations (put, get, status) work offline, and sync commands
// check for a URL themselves.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Origin == "" {
		errs = append(errs, errors.New("origin must not be empty"))
	}

	if cfg.Remote.Name == "" {
		errs = append(errs, errors.New("remote.name must not be empty"))
	}

	if cfg.Remote.URL != "" {
		if err := validateURL(cfg.Remote.URL, "remote.url", "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Remote.WebsocketURL != "" {
		if err := validateURL(cfg.Remote.WebsocketURL, "remote.websocket_url", "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}

	if err := validateInterval(cfg.Sync.Interval); err != nil {
		errs = append(errs, err)
	}

	if cfg.Sync.PullWorkers < 1 {
		errs = append(errs, fmt.Errorf("sync.pull_workers must be at least 1, got %d", cfg.Sync.PullWorkers))
	}

	if _, err := resolve.ParsePolicy(cfg.Conflicts.DefaultPolicy); err != nil {
		errs = append(errs, fmt.Errorf("conflicts.default_policy: %w", err))
	}

	for collection, policy := range cfg.Conflicts.Policies {
		if _, err := resolve.ParsePolicy(policy); err != nil {
			errs = append(errs, fmt.Errorf("conflicts.policies.%s: %w", collection, err))
		}
	}

	if cfg.Backup.Retain < 0 {
		errs = append(errs, fmt.Errorf("backup.retain must not be negative, got %d", cfg.Backup.Retain))
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", cfg.Logging.Level))
	}

	switch cfg.Logging.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be auto, text, or json, got %q", cfg.Logging.Format))
	}

	return errors.Join(errs...)
}

// SyncInterval parses the configured cycle interval. "0" or "" disables
// periodic cycles.
func SyncInterval(cfg *Config) (time.Duration, error) {
	if cfg.Sync.Interval == "" || cfg.Sync.Interval == "0" {
		return 0, nil
	}

	d, err := time.ParseDuration(cfg.Sync.Interval)
	if err != nil {
		return 0, fmt.Errorf("sync.interval: %w", err)
	}

	return d, nil
}

// Policies converts the configured policy map into resolver policies.
// Validate has already checked the values.
func Policies(cfg *Config) map[string]resolve.Policy {
	out := make(map[string]resolve.Policy, len(cfg.Conflicts.Policies))

	for collection, raw := range cfg.Conflicts.Policies {
		p, err := resolve.ParsePolicy(raw)
		if err != nil {
			continue
		}

		out[collection] = p
	}

	return out
}

// DefaultPolicy returns the configured fallback policy.
func DefaultPolicy(cfg *Config) resolve.Policy {
	p, err := resolve.ParsePolicy(cfg.Conflicts.DefaultPolicy)
	if err != nil {
		return resolve.PolicyLastWriteWins
	}

	return p
}

func validateURL(raw, key string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return fmt.Errorf("%s: scheme must be one of %v, got %q", key, schemes, u.Scheme)
}

func validateInterval(raw string) error {
	if raw == "" || raw == "0" {
		return nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("sync.interval: %w", err)
	}

	if d < 0 {
		return fmt.Errorf("sync.interval must not be negative, got %s", raw)
	}

	return nil
}
