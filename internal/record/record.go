// Package record defines the core data model shared by the store, the
// conflict resolver, the remote transport, and the sync engine: records,
// version stamps, change log entries, conflicts, and resolutions.
package record

import "time"

// Record is the synchronized unit of data. The payload is opaque to the
// engine; the application owns its encoding. A deleted record is kept as a
// tombstone until the deletion has been reconciled with the remote.
type Record struct {
	// ID is the stable, client-generated identifier. Immutable once created.
	// IDs are namespaced as "collection/key"; the collection selects the
	// conflict policy.
	ID string

	// Payload is the opaque serialized value. Nil for tombstones.
	Payload []byte

	// Version is a per-record counter that only increases. Versions are
	// comparable within a single record ID and meaningless across records.
	Version int64

	// Origin is the replica that produced this version of the record.
	Origin string

	// LastModified is the mutation wall-clock time in Unix nanoseconds.
	// Used only as a conflict tie-break, never as the primary ordering.
	LastModified int64

	// Tombstone marks logical deletion.
	Tombstone bool
}

// VersionStamp is the per-record version bookkeeping held by the version
// store: what version the local replica believes a record is at, which
// replica produced it, and when.
type VersionStamp struct {
	RecordID     string
	Version      int64
	Origin       string
	LastModified int64
}

// Operation is the kind of local mutation recorded in the change log.
type Operation string

// Operations as stored in the change_log.operation column.
const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Status is the lifecycle state of a change log entry.
type Status string

// Change log entry statuses as stored in the change_log.status column.
// Pending entries are waiting to be pushed. InFlight entries have been
// handed to the engine for the current cycle and revert to Pending if the
// cycle is canceled or fails transiently. Applied entries were accepted by
// the remote and are eligible for compaction. Failed entries were
// permanently rejected and require application intervention.
const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "inflight"
	StatusApplied  Status = "applied"
	StatusFailed   Status = "failed"
)

// ChangeEntry is one durable local mutation intent. Sequence numbers are
// assigned by the change log on append and are strictly increasing across
// process restarts; they define the total order of local operations.
type ChangeEntry struct {
	Sequence      int64
	RecordID      string
	Operation     Operation
	Payload       []byte // snapshot of the record payload at mutation time
	OriginVersion int64  // the version this mutation was based on; 0 for creates
	Status        Status
	ErrorMsg      string // populated when Status is Failed
	CreatedAt     int64  // Unix nanoseconds
}

// Conflict is the transient value handed to the resolver when local and
// remote versions of a record have diverged. It is never persisted in this
// form; deferred conflicts are written to the conflict ledger instead.
type Conflict struct {
	Local  Record
	Remote Record

	// AncestorVersion is the last version both replicas agreed on. Nil for
	// the degenerate case of the same record ID created independently on
	// both replicas.
	AncestorVersion *int64
}

// ResolutionKind identifies the outcome of conflict resolution.
type ResolutionKind string

// Resolution outcomes.
const (
	KeepLocal  ResolutionKind = "keep_local"
	KeepRemote ResolutionKind = "keep_remote"
	Merged     ResolutionKind = "merged"
	Deferred   ResolutionKind = "deferred"
)

// Resolution is the resolver's verdict. Payload is populated only for
// Merged. LastModified carries the timestamp the winning (or merged) state
// should be recorded with.
type Resolution struct {
	Kind         ResolutionKind
	Payload      []byte
	LastModified int64
}

// --- Timestamp helpers ---
// All internal code uses int64 Unix nanoseconds exclusively. Conversion to
// time.Time happens at display boundaries only.

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// ToUnixNano converts a time.Time to Unix nanoseconds.
// Returns 0 for the zero time.
func ToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

// Int64Ptr returns a pointer to the given int64 value.
// Used for nullable database columns and ancestor versions.
func Int64Ptr(v int64) *int64 {
	return &v
}
