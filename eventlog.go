package oasis

import "context"

// EventLog is the append-only record of tool executions, fallbacks, forge
// events, and errors across the system. Implementations must make Insert
// visible to subsequent GetEntries/Search calls with no meaningful delay.
type EventLog interface {
	Insert(ctx context.Context, entry EventLogEntry) (EventLogEntry, error)
	GetEntries(ctx context.Context, filter EventLogFilter) ([]EventLogEntry, error)
	// Search performs a free-text search over tool, error, and tags. The
	// primary path uses a full-text index; if that path fails, Search falls
	// back to substring matching with identical filter semantics rather than
	// returning an error.
	Search(ctx context.Context, freeText string, filter EventLogFilter) ([]EventLogEntry, error)
	Stats(ctx context.Context) (EventLogStats, error)
	PurgeOlderThan(ctx context.Context, before int64) (int, error)
	Close() error
}
