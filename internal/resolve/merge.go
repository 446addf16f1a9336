package resolve

import (
	"bytes"
	"encoding/json"

	"github.com/jpaulsen/localsync-go/internal/record"
)

// fieldMerge merges two JSON object payloads key by key:
//
//   - keys present on only one side are kept (union);
//   - keys present on both sides with equal values are kept as-is;
//   - keys present on both sides with different values are escalated and
//     decided per key by the whole-record LWW ordering.
//
// The conflict carries only the common ancestor version, not its payload,
// so a key differing between the sides is always treated as modified on
// both and escalated; this errs toward the deterministic tie-break rather
// than guessing which side left the key untouched.
//
// Payloads that do not decode as JSON objects fall back to whole-record
// last-write-wins. The merged payload is re-marshaled through a map, which
// sorts keys, so merge output is byte-deterministic.
func fieldMerge(c record.Conflict) record.Resolution {
	local, ok := decodeObject(c.Local.Payload)
	if !ok {
		return lastWriteWins(c)
	}

	remote, ok := decodeObject(c.Remote.Payload)
	if !ok {
		return lastWriteWins(c)
	}

	preferLocal := localWins(c.Local, c.Remote)
	merged := make(map[string]json.RawMessage, len(local)+len(remote))

	for k, lv := range local {
		rv, inRemote := remote[k]

		switch {
		case !inRemote:
			merged[k] = lv
		case bytes.Equal(compactJSON(lv), compactJSON(rv)):
			merged[k] = lv
		case preferLocal:
			merged[k] = lv
		default:
			merged[k] = rv
		}
	}

	for k, rv := range remote {
		if _, inLocal := local[k]; !inLocal {
			merged[k] = rv
		}
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		// RawMessage values came from a successful decode; re-marshal
		// cannot introduce invalid JSON. Fall back rather than guess.
		return lastWriteWins(c)
	}

	return record.Resolution{
		Kind:         record.Merged,
		Payload:      payload,
		LastModified: max(c.Local.LastModified, c.Remote.LastModified),
	}
}

// decodeObject parses a payload as a JSON object. Returns ok=false for
// nil payloads, non-JSON, and JSON values that are not objects.
func decodeObject(payload []byte) (map[string]json.RawMessage, bool) {
	if len(payload) == 0 {
		return nil, false
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, false
	}

	return m, true
}

// compactJSON strips insignificant whitespace so value comparison does not
// depend on the producer's formatting.
func compactJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}

	return buf.Bytes()
}
