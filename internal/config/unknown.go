package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxSuggestionDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxSuggestionDistance = 3

// knownKeys are the valid dotted key paths in the config file. Policy map
// entries under conflicts.policies carry arbitrary collection names and
// are exempted in checkUnknownKeys.
var knownKeys = map[string]bool{
	"origin":                  true,
	"remote.url":              true,
	"remote.name":             true,
	"remote.websocket_url":    true,
	"sync.interval":           true,
	"sync.pull_workers":       true,
	"sync.schema_dir":         true,
	"conflicts.default_policy": true,
	"conflicts.policies":      true,
	"storage.state_dir":       true,
	"backup.dir":              true,
	"backup.retain":           true,
	"backup.s3_bucket":        true,
	"backup.s3_region":        true,
	"backup.s3_endpoint":      true,
	"backup.s3_access_key":    true,
	"backup.s3_secret_key":    true,
	"backup.s3_prefix":        true,
	"logging.level":           true,
	"logging.format":          true,
	"logging.file":            true,
}

// knownKeysList is the sorted slice form for edit distance matching.
// Sorted for deterministic suggestions when two candidates tie.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		keyStr := key.String()

		// Collection names under conflicts.policies are user-defined.
		if strings.HasPrefix(keyStr, "conflicts.policies.") {
			continue
		}

		if knownKeys[keyStr] {
			continue
		}

		if suggestion := closestKey(keyStr); suggestion != "" {
			errs = append(errs, fmt.Errorf("unknown config key %q (did you mean %q?)", keyStr, suggestion))
		} else {
			errs = append(errs, fmt.Errorf("unknown config key %q", keyStr))
		}
	}

	return errors.Join(errs...)
}

// closestKey returns the known key closest to s by edit distance, or ""
// when nothing is within maxSuggestionDistance.
func closestKey(s string) string {
	best := ""
	bestDist := maxSuggestionDistance + 1

	for _, k := range knownKeysList {
		if d := editDistance(s, k); d < bestDist {
			best = k
			bestDist = d
		}
	}

	return best
}

// editDistance computes the Levenshtein distance between two strings.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i

		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
