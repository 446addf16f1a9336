package record

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// maxIDLength bounds record IDs so they stay usable as database keys and
// URL path segments.
const maxIDLength = 512

// NormalizeID canonicalizes a record ID for storage and comparison.
// IDs are NFC-normalized so the same logical key entered on different
// platforms (macOS produces NFD, Linux typically NFC) compares equal on
// every replica. Leading and trailing whitespace is rejected rather than
// trimmed: silently altering a client-generated key would break the
// record_id immutability contract.
func NormalizeID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("record: empty record ID")
	}

	if len(id) > maxIDLength {
		return "", fmt.Errorf("record: record ID exceeds %d bytes", maxIDLength)
	}

	if strings.TrimSpace(id) != id {
		return "", fmt.Errorf("record: record ID %q has surrounding whitespace", id)
	}

	return norm.NFC.String(id), nil
}

// Collection returns the collection prefix of a record ID, or "" when the
// ID is not namespaced. The collection selects the per-type conflict policy.
func Collection(id string) string {
	if i := strings.IndexByte(id, '/'); i > 0 {
		return id[:i]
	}

	return ""
}
