package changelog

import "context"

// Log is the sequenced change history of the collaboration server.
// Consumers should depend on this interface rather than the concrete *DB type.
type Log interface {
	Append(ctx context.Context, e Entry) (int64, error)
	Since(ctx context.Context, channel string, since int64, limit int) ([]Entry, error)
	LastSeq(ctx context.Context, channel string) (int64, error)
	Replay(ctx context.Context, fn func(Entry) error) error
	ImportChecksum(ctx context.Context, path string) (string, error)
	RecordImport(ctx context.Context, rec ImportRecord) error
	Imports(ctx context.Context) ([]ImportRecord, error)
	Close() error
}

// Verify *DB satisfies Log at compile time.
var _ Log = (*DB)(nil)
