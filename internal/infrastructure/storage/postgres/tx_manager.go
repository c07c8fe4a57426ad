package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"txcoord/internal/core/tx"
	"txcoord/pkg/logger"
)

var tracer = otel.Tracer("txcoord/tx")

// Compile-time check that TxManager implements tx.ReadOnlyManager interface.
var _ tx.ReadOnlyManager = (*TxManager)(nil)

// TxOptions configures transaction behavior.
type TxOptions struct {
	// IsolationLevel: pgx.Serializable, pgx.RepeatableRead, pgx.ReadCommitted.
	// Empty keeps the server default.
	IsolationLevel pgx.TxIsoLevel

	// AccessMode: pgx.ReadWrite, pgx.ReadOnly
	AccessMode pgx.TxAccessMode

	// StatementTimeout protects against long-running queries (default 30s)
	StatementTimeout time.Duration

	// UseSavepoint creates savepoint for nested transactions
	UseSavepoint bool
}

// DefaultTxOptions returns production-safe defaults.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel:   pgx.ReadCommitted,
		AccessMode:       pgx.ReadWrite,
		StatementTimeout: 30 * time.Second,
		UseSavepoint:     false,
	}
}

// SerializableTxOptions for critical operations requiring serializable isolation.
func SerializableTxOptions() TxOptions {
	opts := DefaultTxOptions()
	opts.IsolationLevel = pgx.Serializable
	return opts
}

// setupStatements returns what has to run right after BEGIN for opts.
func (o TxOptions) setupStatements() []string {
	var modes []string
	if o.IsolationLevel != "" {
		modes = append(modes, "ISOLATION LEVEL "+strings.ToUpper(string(o.IsolationLevel)))
	}
	if o.AccessMode != "" {
		modes = append(modes, strings.ToUpper(string(o.AccessMode)))
	}

	var stmts []string
	if len(modes) > 0 {
		stmts = append(stmts, "SET TRANSACTION "+strings.Join(modes, ", "))
	}
	if o.StatementTimeout > 0 {
		stmts = append(stmts, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", o.StatementTimeout.Milliseconds()))
	}
	return stmts
}

func (o TxOptions) hook() tx.Hook {
	stmts := o.setupStatements()
	return func(ctx context.Context, t *tx.Tx) error {
		for _, s := range stmts {
			if _, err := t.Exec(ctx, s); err != nil {
				return fmt.Errorf("transaction setup %q: %w", s, err)
			}
		}
		return nil
	}
}

// TxManager runs functions inside coordinated transactions with support for:
// - Nested transactions (with optional savepoints)
// - Statement timeout protection
// - Distributed tracing integration
type TxManager struct {
	runner    *tx.Runner
	defaults  TxOptions
	savepoint atomic.Uint64
}

// NewTxManager creates a new transaction manager over source.
func NewTxManager(source tx.Source, opts ...tx.Option) *TxManager {
	return &TxManager{
		runner:   tx.NewRunner(source, opts...),
		defaults: DefaultTxOptions(),
	}
}

// WithDefaults returns a manager sharing m's runner that uses opts for
// RunInTransaction.
func (m *TxManager) WithDefaults(opts TxOptions) *TxManager {
	return &TxManager{runner: m.runner, defaults: opts}
}

// Runner exposes the underlying coordinator runner.
func (m *TxManager) Runner() *tx.Runner {
	return m.runner
}

// DefaultRunner returns the runner with m's default options applied after
// every BEGIN, for callers that use tx.Transactional directly.
func (m *TxManager) DefaultRunner() *tx.Runner {
	if len(m.defaults.setupStatements()) == 0 {
		return m.runner
	}
	return m.runner.With(tx.WithAfterBegin(m.defaults.hook()))
}

// RunInTransaction executes fn within a transaction.
// If a transaction already exists in ctx, it will be reused (nested transaction).
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.RunInTransactionWithOptions(ctx, m.defaults, fn)
}

// RunInTransactionWithOptions executes fn with custom transaction options.
func (m *TxManager) RunInTransactionWithOptions(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	_, err := RunInTx(ctx, m, opts, func(ctx context.Context, _ *tx.Tx) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ReadOnly executes fn in a read-only transaction.
func (m *TxManager) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	opts := m.defaults
	opts.AccessMode = pgx.ReadOnly
	return m.RunInTransactionWithOptions(ctx, opts, fn)
}

// RunInTx is the typed form of RunInTransactionWithOptions: fn also receives
// the transaction so it can dispatch queries without waiting for them.
func RunInTx[T any](ctx context.Context, m *TxManager, opts TxOptions, fn func(ctx context.Context, t *tx.Tx) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "transaction",
		trace.WithAttributes(
			attribute.String("tx.isolation", string(opts.IsolationLevel)),
			attribute.String("tx.access_mode", string(opts.AccessMode)),
		))
	defer span.End()

	var (
		value T
		err   error
	)
	if existing := tx.FromContext(ctx); existing != nil {
		span.SetAttributes(attribute.Bool("tx.nested", true))
		value, err = runNested(ctx, m, existing, opts, fn)
	} else {
		runner := m.runner
		if stmts := opts.setupStatements(); len(stmts) > 0 {
			runner = runner.With(tx.WithAfterBegin(opts.hook()))
		}
		value, err = tx.Transactional(ctx, runner, func(ctx context.Context, t *tx.Tx) (T, error) {
			span.SetAttributes(attribute.String("tx.id", t.ID()))
			return fn(ctx, t)
		})
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return value, err
}

// runNested runs fn inside an already open transaction, optionally behind a savepoint.
func runNested[T any](ctx context.Context, m *TxManager, existing *tx.Tx, opts TxOptions, fn func(ctx context.Context, t *tx.Tx) (T, error)) (T, error) {
	if !opts.UseSavepoint {
		return fn(ctx, existing)
	}

	var zero T
	name := fmt.Sprintf("sp_%d", m.savepoint.Add(1))
	if _, err := existing.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return zero, fmt.Errorf("create savepoint: %w", err)
	}

	value, err := fn(ctx, existing)
	if err != nil {
		if _, rbErr := existing.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			logger.Error(ctx, "rollback to savepoint failed", "savepoint", name, "error", rbErr)
		}
		return zero, err
	}

	if _, err := existing.Exec(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return zero, fmt.Errorf("release savepoint: %w", err)
	}
	return value, nil
}
