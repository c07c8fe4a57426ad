package tx

import (
	"context"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"txcoord/internal/core/apperror"
	"txcoord/internal/core/id"
)

const (
	sqlBegin    = "BEGIN"
	sqlCommit   = "COMMIT"
	sqlRollback = "ROLLBACK"
)

// ErrClosedTransaction matches (errors.Is) every failure of a query issued
// after the transaction was closed.
var ErrClosedTransaction = &apperror.AppError{Code: apperror.CodeClosedTransaction}

// State is the lifecycle position of a Tx.
type State int

const (
	StateOpen State = iota
	StateDraining
	StateTerminating
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateTerminating:
		return "terminating"
	case StateReleased:
		return "released"
	}
	return "unknown"
}

type terminalMark int

const (
	markNone terminalMark = iota
	markCommit
	markRollback
)

// closedChan is returned by Drain when nothing is in flight.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Tx owns one connection for the lifetime of one transaction and tracks how
// many of the commands dispatched through it have not settled yet.
//
// All methods are safe for concurrent use. Queries are sent to the connection
// in the order they were accepted; their futures may be observed in any order.
type Tx struct {
	id       string
	exec     dispatcher
	observer Observer

	mu         sync.Mutex
	state      State
	closed     bool
	committed  bool
	rolledBack bool
	inFlight   int
	drain      chan struct{}
}

func newTx(conn Conn, observer Observer) *Tx {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Tx{
		id:       id.NewString(),
		exec:     newExecutor(conn),
		observer: observer,
	}
}

// ID returns the transaction's identifier (used in logs and events).
func (t *Tx) ID() string { return t.id }

// Query dispatches a parameterized command and returns its pending result.
// After Close it fails with ErrClosedTransaction without contacting the connection.
func (t *Tx) Query(ctx context.Context, sql string, args ...any) *Future {
	return t.submit(ctx, sql, queryOp(sql, args...), markNone, false)
}

// Exec is Query followed by Wait.
func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	return t.Query(ctx, sql, args...).Wait()
}

// Select scans the rows of a query into dst (a pointer to a slice) with scany.
// dst must not be read before the returned future settles.
func (t *Tx) Select(ctx context.Context, dst any, sql string, args ...any) *Future {
	return t.submit(ctx, sql, func(ctx context.Context, conn Conn) (Result, error) {
		if err := pgxscan.Select(ctx, conn, dst, sql, args...); err != nil {
			return Result{}, err
		}
		return Result{Command: "SELECT"}, nil
	}, markNone, false)
}

// Get scans a single row into dst with scany.
func (t *Tx) Get(ctx context.Context, dst any, sql string, args ...any) *Future {
	return t.submit(ctx, sql, func(ctx context.Context, conn Conn) (Result, error) {
		if err := pgxscan.Get(ctx, conn, dst, sql, args...); err != nil {
			return Result{}, err
		}
		return Result{Command: "SELECT", RowsAffected: 1}, nil
	}, markNone, false)
}

// QueryBuilder renders a squirrel builder and dispatches it through Query.
func (t *Tx) QueryBuilder(ctx context.Context, b sq.Sqlizer) *Future {
	sql, args, err := b.ToSql()
	if err != nil {
		return failedFuture(apperror.NewInvalidQuery(err))
	}
	return t.Query(ctx, sql, args...)
}

// Do dispatches an arbitrary round trip (batches, COPY) through the same
// accounting as Query. label identifies the op in errors and events.
func (t *Tx) Do(ctx context.Context, label string, op Op) *Future {
	return t.submit(ctx, label, op, markNone, false)
}

// Commit records the intent to commit and dispatches COMMIT. It fails with
// pgx.ErrTxCommitRollback when the server rolled the transaction back instead.
func (t *Tx) Commit(ctx context.Context) *Future {
	return t.submit(ctx, sqlCommit, commitOp(), markCommit, false)
}

// Rollback records the intent to roll back and dispatches ROLLBACK.
func (t *Tx) Rollback(ctx context.Context) *Future {
	return t.submit(ctx, sqlRollback, execOp(sqlRollback), markRollback, false)
}

// Close stops the transaction from accepting new queries. It neither waits for
// nor cancels queries already in flight.
func (t *Tx) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.state == StateOpen {
		t.state = StateDraining
	}
	n := t.inFlight
	t.mu.Unlock()

	t.observe(context.Background(), Event{Kind: EventClosed, InFlight: n})
}

// Drain returns a channel that is closed once no command is in flight.
// Concurrent callers share the same channel.
func (t *Tx) Drain() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inFlight == 0 {
		return closedChan
	}
	if t.drain == nil {
		t.drain = make(chan struct{})
	}
	return t.drain
}

// Closed reports whether the transaction stopped accepting queries.
func (t *Tx) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Committed reports whether COMMIT has been issued.
func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// RolledBack reports whether ROLLBACK has been issued.
func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

// InFlight returns the number of dispatched commands that have not settled.
func (t *Tx) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

// State returns the current lifecycle state.
func (t *Tx) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tx) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// terminal issues COMMIT or ROLLBACK on behalf of the Runner, bypassing the
// closed check.
func (t *Tx) terminal(ctx context.Context, mark terminalMark) *Future {
	if mark == markCommit {
		return t.submit(ctx, sqlCommit, commitOp(), markCommit, true)
	}
	return t.submit(ctx, sqlRollback, execOp(sqlRollback), markRollback, true)
}

func (t *Tx) begin(ctx context.Context) *Future {
	return t.submit(ctx, sqlBegin, execOp(sqlBegin), markNone, false)
}

// submit is the single accounting path: the closed check, terminal flag and
// increment happen under one lock; the decrement happens when the op settles,
// whatever its outcome.
func (t *Tx) submit(ctx context.Context, label string, op Op, mark terminalMark, force bool) *Future {
	t.mu.Lock()
	if t.closed && !force {
		n := t.inFlight
		t.mu.Unlock()
		err := apperror.NewClosedTransaction(t.id).WithDetail("sql", label)
		t.observe(ctx, Event{Kind: EventQueryRejected, SQL: label, InFlight: n, Err: err})
		return failedFuture(err)
	}
	switch mark {
	case markCommit:
		t.committed = true
	case markRollback:
		t.rolledBack = true
	}
	t.inFlight++
	n := t.inFlight
	t.mu.Unlock()

	t.observe(ctx, Event{Kind: EventQueryStarted, SQL: label, InFlight: n})
	start := time.Now()

	return t.exec.dispatch(ctx, op, func(res Result, err error) (Result, error) {
		if err != nil {
			err = apperror.NewQueryFailure(label, err).WithDetail("tx_id", t.id)
		}
		remaining := t.settle()
		t.observe(ctx, Event{
			Kind:     EventQuerySettled,
			SQL:      label,
			InFlight: remaining,
			Duration: time.Since(start),
			Err:      err,
		})
		return res, err
	})
}

func (t *Tx) settle() int {
	t.mu.Lock()
	if t.inFlight == 0 {
		t.mu.Unlock()
		panic("tx: in-flight count underflow")
	}
	t.inFlight--
	n := t.inFlight
	var ch chan struct{}
	if n == 0 && t.drain != nil {
		ch = t.drain
		t.drain = nil
	}
	t.mu.Unlock()

	if ch != nil {
		close(ch)
	}
	return n
}

func (t *Tx) observe(ctx context.Context, ev Event) {
	ev.TxID = t.id
	t.observer.Observe(ctx, ev)
}
