// Package tx coordinates concurrent queries inside a single database transaction.
//
// A Runner acquires a connection, issues BEGIN, runs caller work that may
// dispatch any number of queries without waiting for them, and only issues
// COMMIT or ROLLBACK once every dispatched query has settled. The Tx type is
// the coordinator that does the in-flight accounting.
//
// Domain services that only need "run this atomically" depend on Manager; the
// PostgreSQL implementation lives in infrastructure/storage/postgres.
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back once all queries
	// fn dispatched have settled. If fn succeeds, the transaction is committed.
	//
	// Nested calls reuse the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReadOnlyManager extends Manager with read-only transaction support.
type ReadOnlyManager interface {
	Manager

	// ReadOnly executes fn in a read-only transaction.
	// Attempts to modify data will fail.
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

// WithTx stores t in ctx.
func WithTx(ctx context.Context, t *Tx) context.Context {
	return context.WithValue(ctx, txKey{}, t)
}

// FromContext returns the transaction stored in ctx, or nil if none.
func FromContext(ctx context.Context) *Tx {
	if t, ok := ctx.Value(txKey{}).(*Tx); ok {
		return t
	}
	return nil
}
