package tx

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Op is one round trip on the connection.
type Op func(ctx context.Context, conn Conn) (Result, error)

// dispatcher runs ops against the transaction's connection.
type dispatcher interface {
	dispatch(ctx context.Context, op Op, settle func(Result, error) (Result, error)) *Future
}

// executor issues ops to a single connection in dispatch order. Callers never
// block on dispatch; each op waits for its predecessor before touching the
// connection, since a connection runs one command at a time.
type executor struct {
	conn Conn

	mu   sync.Mutex
	tail chan struct{}
}

func newExecutor(conn Conn) *executor {
	return &executor{conn: conn}
}

// dispatch queues op and returns its future. settle runs after op completes
// and before the future resolves; whatever it returns is what callers observe.
func (e *executor) dispatch(ctx context.Context, op Op, settle func(Result, error) (Result, error)) *Future {
	f := newFuture()
	done := make(chan struct{})

	e.mu.Lock()
	prev := e.tail
	e.tail = done
	e.mu.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		res, err := op(ctx, e.conn)
		close(done)
		f.resolve(settle(res, err))
	}()
	return f
}

func execOp(sql string, args ...any) Op {
	return func(ctx context.Context, conn Conn) (Result, error) {
		tag, err := conn.Exec(ctx, sql, args...)
		if err != nil {
			return Result{}, err
		}
		return resultFromTag(tag), nil
	}
}

// commitOp sends COMMIT. PostgreSQL answers COMMIT of an aborted transaction
// with the ROLLBACK tag and no error; that is reported as
// pgx.ErrTxCommitRollback, as pgx.Tx.Commit does.
func commitOp() Op {
	return func(ctx context.Context, conn Conn) (Result, error) {
		tag, err := conn.Exec(ctx, sqlCommit)
		if err != nil {
			return Result{}, err
		}
		if tag.String() == sqlRollback {
			return resultFromTag(tag), pgx.ErrTxCommitRollback
		}
		return resultFromTag(tag), nil
	}
}

func queryOp(sql string, args ...any) Op {
	return func(ctx context.Context, conn Conn) (Result, error) {
		rows, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return Result{}, err
		}
		return collectResult(rows)
	}
}
