package tx

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"

	"txcoord/internal/core/apperror"
)

// ErrStreamConsumed is yielded when a RowStream is iterated a second time.
var ErrStreamConsumed = errors.New("tx: row stream already consumed")

// RowStream is a lazy, finite, non-restartable sequence of rows. Nothing is
// acquired or sent until the first iteration.
type RowStream struct {
	source Source
	sql    string
	args   []any

	consumed atomic.Bool
	fields   atomic.Pointer[[]string]
}

// Stream prepares a streaming query against source. The connection is held
// only while the stream is being iterated.
func Stream(source Source, sql string, args ...any) *RowStream {
	return &RowStream{source: source, sql: sql, args: args}
}

// All yields one row per element. A failure, including one raised mid-stream,
// is yielded once as the final element. Breaking out of the loop releases the
// connection.
func (s *RowStream) All(ctx context.Context) iter.Seq2[[]any, error] {
	return func(yield func([]any, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield(nil, ErrStreamConsumed)
			return
		}

		conn, release, err := s.source.Acquire(ctx)
		if err != nil {
			yield(nil, apperror.NewAcquireFailed(err))
			return
		}
		defer release()

		rows, err := conn.Query(ctx, s.sql, s.args...)
		if err != nil {
			yield(nil, apperror.NewQueryFailure(s.sql, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			if s.fields.Load() == nil {
				names := fieldNames(rows.FieldDescriptions())
				s.fields.Store(&names)
			}
			values, err := rows.Values()
			if err != nil {
				yield(nil, apperror.NewQueryFailure(s.sql, err))
				return
			}
			if !yield(values, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, apperror.NewQueryFailure(s.sql, err))
		}
	}
}

// Fields returns the column names once the first row has been read.
func (s *RowStream) Fields() []string {
	if p := s.fields.Load(); p != nil {
		return *p
	}
	return nil
}
