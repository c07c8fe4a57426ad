package tx

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the part of a pgx connection the coordinator drives.
// *pgx.Conn and *pgxpool.Conn both satisfy it.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// ReleaseFunc hands a connection back to its source. Sources make it idempotent.
type ReleaseFunc func()

// Source supplies connection handles, either a dedicated connection or one
// checked out from a pool.
type Source interface {
	Acquire(ctx context.Context) (Conn, ReleaseFunc, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Conn, ReleaseFunc, error)

// Acquire implements Source.
func (f SourceFunc) Acquire(ctx context.Context) (Conn, ReleaseFunc, error) {
	return f(ctx)
}
