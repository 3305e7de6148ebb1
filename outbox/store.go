package outbox

import "context"

// Batch is a set of entries claimed inside one open transaction. Exactly one
// of Commit or Rollback takes effect; calling Rollback after Commit is a
// no-op, so callers may defer it.
type Batch interface {
	Entries() []Entry
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store claims the oldest undelivered entries, skipping rows already
// claimed by a concurrent batch. Claimed rows are removed when the batch
// commits and restored when it rolls back.
type Store interface {
	Claim(ctx context.Context, limit int) (Batch, error)
}

// PendingCounter reports the queue depth. Stores may implement it.
type PendingCounter interface {
	Pending(ctx context.Context) (int64, error)
}

type tableNamer interface {
	Table() string
}

func storeLabel(store Store) string {
	if named, ok := store.(tableNamer); ok {
		return named.Table()
	}

	return "outbox"
}
