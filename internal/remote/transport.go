package remote

import (
	"context"

	"github.com/jpaulsen/localsync-go/internal/record"
)

// PushOutcome is the remote's verdict on one pushed change.
type PushOutcome struct {
	// Accepted reports whether the remote took the change. When true,
	// NewVersion carries the version the remote assigned.
	Accepted   bool
	NewVersion int64

	// Remote holds the remote's current record when the push was refused
	// because the base version no longer matches: the raw material for
	// conflict resolution.
	Remote *record.Record
}

// PullPage is one finite batch of remote changes. Cursor points past the
// batch; More reports whether another page is available immediately.
type PullPage struct {
	Records []record.Record
	Cursor  string
	More    bool
}

// Transport is the narrow contract the sync engine consumes. Implemented
// by *Client; in-memory fakes are used in engine tests.
//
// Push submits one change based on baseVersion, the version the mutation
// was derived from. The remote accepts when its current version equals
// baseVersion, otherwise it returns its current record in the outcome.
// Pull returns changes after cursor; an empty cursor starts from the
// beginning of the remote's history.
type Transport interface {
	Push(ctx context.Context, rec record.Record, baseVersion int64) (*PushOutcome, error)
	Pull(ctx context.Context, cursor string) (*PullPage, error)
}
