package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"txcoord/internal/core/apperror"
	"txcoord/internal/core/tx"
)

var errNoTransaction = errors.New("no transaction in context")

// CurrentTx returns the transaction in ctx, or an INTERNAL_ERROR naming op
// when called outside one.
func CurrentTx(ctx context.Context, op string) (*tx.Tx, error) {
	t := tx.FromContext(ctx)
	if t == nil {
		return nil, apperror.NewInternal(fmt.Errorf("%s: %w", op, errNoTransaction))
	}
	return t, nil
}

// BatchInserter provides bulk inserts using the COPY protocol. Each copy is one
// accounted command on the transaction in ctx.
type BatchInserter struct{}

// NewBatchInserter creates a new batch inserter.
func NewBatchInserter() *BatchInserter {
	return &BatchInserter{}
}

// CopyFromRows streams rows from a channel into table. The returned future
// settles once the channel is closed and the server has acknowledged the copy.
//
// Example:
//
//	rows := make(chan []any, 100)
//	go func() {
//	    for _, a := range accounts {
//	        rows <- []any{a.ID, a.Owner, a.Amount}
//	    }
//	    close(rows)
//	}()
//	res, err := inserter.CopyFromRows(ctx, "accounts", []string{"id", "owner", "amount"}, rows).Wait()
func (b *BatchInserter) CopyFromRows(ctx context.Context, table string, columns []string, rows <-chan []any) *tx.Future {
	t, err := CurrentTx(ctx, "CopyFromRows")
	if err != nil {
		return tx.Failed(err)
	}
	return t.Do(ctx, "COPY "+table, copyOp(table, columns, &channelCopyFromSource{rows: rows}))
}

// CopyFromSlice performs bulk insert from a slice of rows.
func (b *BatchInserter) CopyFromSlice(ctx context.Context, table string, columns []string, rows [][]any) *tx.Future {
	t, err := CurrentTx(ctx, "CopyFromSlice")
	if err != nil {
		return tx.Failed(err)
	}
	return t.Do(ctx, "COPY "+table, copyOp(table, columns, pgx.CopyFromRows(rows)))
}

func copyOp(table string, columns []string, src pgx.CopyFromSource) tx.Op {
	return func(ctx context.Context, conn tx.Conn) (tx.Result, error) {
		n, err := conn.CopyFrom(ctx, pgx.Identifier{table}, columns, src)
		if err != nil {
			return tx.Result{}, err
		}
		return tx.Result{Command: fmt.Sprintf("COPY %d", n), RowsAffected: n}, nil
	}
}

// channelCopyFromSource implements pgx.CopyFromSource for channel-based row streaming.
type channelCopyFromSource struct {
	rows    <-chan []any
	current []any
}

func (s *channelCopyFromSource) Next() bool {
	row, ok := <-s.rows
	if !ok {
		return false
	}
	s.current = row
	return true
}

func (s *channelCopyFromSource) Values() ([]any, error) {
	return s.current, nil
}

func (s *channelCopyFromSource) Err() error {
	return nil
}

// BatchExecutor sends several statements in one round trip.
type BatchExecutor struct{}

// NewBatchExecutor creates a new batch executor.
func NewBatchExecutor() *BatchExecutor {
	return &BatchExecutor{}
}

// BatchQuery represents a query in a batch.
type BatchQuery struct {
	SQL  string
	Args []any
}

// ExecuteBatch queues queries as one pgx.Batch on the transaction in ctx. The
// whole batch counts as a single in-flight command; the result's RowsAffected
// is the sum over the batch.
func (e *BatchExecutor) ExecuteBatch(ctx context.Context, queries []BatchQuery) *tx.Future {
	t, err := CurrentTx(ctx, "ExecuteBatch")
	if err != nil {
		return tx.Failed(err)
	}
	if len(queries) == 0 {
		return tx.Failed(apperror.NewInvalidQuery(errors.New("empty batch")))
	}

	batch := &pgx.Batch{}
	for _, q := range queries {
		batch.Queue(q.SQL, q.Args...)
	}

	return t.Do(ctx, fmt.Sprintf("BATCH %d", len(queries)), func(ctx context.Context, conn tx.Conn) (tx.Result, error) {
		results := conn.SendBatch(ctx, batch)
		defer results.Close()

		var total int64
		for i := range queries {
			tag, err := results.Exec()
			if err != nil {
				return tx.Result{}, fmt.Errorf("batch query %d failed: %w", i, err)
			}
			total += tag.RowsAffected()
		}
		return tx.Result{Command: "BATCH", RowsAffected: total}, nil
	})
}
