// Package resolve implements the conflict resolver: a pure decision
// component that maps a diverged (local, remote) record pair to a
// Resolution. It performs no I/O and no mutation, so every policy is
// testable in complete isolation and deterministic for identical inputs.
package resolve

import (
	"fmt"

	"github.com/jpaulsen/localsync-go/internal/record"
)

// Policy selects how conflicts for a collection are resolved. The set is
// closed: policies are tagged variants chosen via configuration, not
// runtime-registered plugins, so resolution behavior stays auditable.
type Policy string

// Available conflict policies.
const (
	// PolicyLastWriteWins keeps the side with the strictly later
	// LastModified timestamp. Exact ties break deterministically on the
	// lexically greater replica origin. LWW is a heuristic, not a
	// consistency guarantee: clocks across replicas are not comparable in
	// general.
	PolicyLastWriteWins Policy = "lww"

	// PolicyFieldMerge unions JSON object payloads key by key. Keys whose
	// values differ between the two sides fall back to last-write-wins per
	// key (decided by the whole-record timestamps). Non-object payloads
	// fall back to whole-record LWW.
	PolicyFieldMerge Policy = "merge"

	// PolicyDeferred returns Deferred: both versions are held in the
	// conflict ledger until an external decision is supplied, and neither
	// side's change log entry may be marked applied.
	PolicyDeferred Policy = "deferred"
)

// ParsePolicy converts a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyLastWriteWins, PolicyFieldMerge, PolicyDeferred:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("resolve: unknown conflict policy %q", s)
	}
}

// Resolver maps record collections to policies. The zero collection ("")
// and any unlisted collection use the default policy.
type Resolver struct {
	policies map[string]Policy
	fallback Policy
}

// NewResolver creates a Resolver with the given per-collection policy table
// and default. A nil table is valid: every record uses the default.
func NewResolver(policies map[string]Policy, fallback Policy) *Resolver {
	if fallback == "" {
		fallback = PolicyLastWriteWins
	}

	return &Resolver{policies: policies, fallback: fallback}
}

// PolicyFor returns the policy applied to the given record ID.
func (r *Resolver) PolicyFor(recordID string) Policy {
	if p, ok := r.policies[record.Collection(recordID)]; ok {
		return p
	}

	return r.fallback
}

// Resolve adjudicates a conflict. The same inputs always produce the same
// Resolution.
//
// Delete-vs-update conflicts are settled before the per-collection policy
// runs: the update wins and the tombstone loses. Deletion destroys
// information, so the surviving edit is treated as the safer branch. This
// default is deliberate, not incidental.
//
// A conflict with a nil AncestorVersion (the same record ID created
// independently on both replicas) is a degenerate conflict and flows
// through the same policies.
func (r *Resolver) Resolve(c record.Conflict) (record.Resolution, error) {
	if c.Local.ID != c.Remote.ID {
		return record.Resolution{}, fmt.Errorf(
			"resolve: record ID mismatch: local %q vs remote %q", c.Local.ID, c.Remote.ID)
	}

	// Delete-vs-update: the surviving edit wins.
	if c.Local.Tombstone != c.Remote.Tombstone {
		if c.Local.Tombstone {
			return record.Resolution{Kind: record.KeepRemote, LastModified: c.Remote.LastModified}, nil
		}

		return record.Resolution{Kind: record.KeepLocal, LastModified: c.Local.LastModified}, nil
	}

	// Both tombstoned: the sides agree on the outcome. Keeping remote
	// converges the version bookkeeping without a re-push.
	if c.Local.Tombstone && c.Remote.Tombstone {
		return record.Resolution{Kind: record.KeepRemote, LastModified: c.Remote.LastModified}, nil
	}

	switch p := r.PolicyFor(c.Local.ID); p {
	case PolicyLastWriteWins:
		return lastWriteWins(c), nil
	case PolicyFieldMerge:
		return fieldMerge(c), nil
	case PolicyDeferred:
		return record.Resolution{Kind: record.Deferred}, nil
	default:
		return record.Resolution{}, fmt.Errorf("resolve: unknown conflict policy %q", p)
	}
}

// lastWriteWins compares whole-record timestamps; ties break on the
// lexically greater replica origin so both replicas reach the same verdict
// without coordination.
func lastWriteWins(c record.Conflict) record.Resolution {
	if localWins(c.Local, c.Remote) {
		return record.Resolution{Kind: record.KeepLocal, LastModified: c.Local.LastModified}
	}

	return record.Resolution{Kind: record.KeepRemote, LastModified: c.Remote.LastModified}
}

// localWins reports whether the local record beats the remote under LWW
// ordering: later LastModified wins, equal timestamps compare Origin
// lexically. Never picks a side silently — the tie-break is total as long
// as replica origins are distinct, and falls to remote when even the
// origins match.
func localWins(local, remote record.Record) bool {
	if local.LastModified != remote.LastModified {
		return local.LastModified > remote.LastModified
	}

	return local.Origin > remote.Origin
}
