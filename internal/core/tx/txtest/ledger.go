package txtest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"txcoord/internal/core/tx"
)

// Statements understood by the ledger, exactly as squirrel renders them for
// the account repository.
const (
	SQLAddAmount    = "UPDATE accounts SET amount = amount + $1 WHERE id = $2"
	SQLSelectAmount = "SELECT amount FROM accounts WHERE id = $1"
	SQLListAccounts = "SELECT id, owner, amount FROM accounts ORDER BY id"
	SQLGetAccount   = "SELECT id, owner, amount FROM accounts WHERE id = $1"
	SQLSleep        = "SELECT pg_sleep($1)"
)

var insertRe = regexp.MustCompile(`^INSERT INTO accounts \(([^)]*)\) VALUES \(([^)]*)\)`)

type account struct {
	owner  string
	amount decimal.Decimal
}

// Ledger is an in-memory "accounts" table. Every acquired connection has its
// own transaction state: writes between BEGIN and COMMIT are invisible to
// other connections and discarded by ROLLBACK. After a failed statement the
// transaction is aborted until it ends, and COMMIT then rolls back, as in
// PostgreSQL.
type Ledger struct {
	mu       sync.Mutex
	accounts map[int64]account
	log      []string
	failures map[string]error
	delay    func(sql string, args []any) time.Duration

	acquired   atomic.Int64
	released   atomic.Int64
	violations atomic.Int64
}

var _ tx.Source = (*Ledger)(nil)

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[int64]account),
		failures: make(map[string]error),
	}
}

// Put stores a committed account.
func (l *Ledger) Put(id int64, owner string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[id] = account{owner: owner, amount: decimal.NewFromInt(amount)}
}

// Amount returns the committed amount of id.
func (l *Ledger) Amount(id int64) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[id].amount
}

// SetDelay makes every statement sleep for fn(sql, args) before it runs.
func (l *Ledger) SetDelay(fn func(sql string, args []any) time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = fn
}

// FailOn makes every execution of sql fail with err.
func (l *Ledger) FailOn(sql string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[normalize(sql)] = err
}

// Statements returns every statement executed so far, in execution order.
// Entries are "start:<sql>" and "end:<sql>".
func (l *Ledger) Statements() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.log...)
}

// Executed returns the statements that started, in order.
func (l *Ledger) Executed() []string {
	var out []string
	for _, s := range l.Statements() {
		if rest, ok := strings.CutPrefix(s, "start:"); ok {
			out = append(out, rest)
		}
	}
	return out
}

// Acquired and Released count connection checkouts.
func (l *Ledger) Acquired() int64 { return l.acquired.Load() }
func (l *Ledger) Released() int64 { return l.released.Load() }

// Violations counts statements that arrived while the same connection was
// still running another one.
func (l *Ledger) Violations() int64 { return l.violations.Load() }

// Acquire implements tx.Source.
func (l *Ledger) Acquire(ctx context.Context) (tx.Conn, tx.ReleaseFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	l.acquired.Add(1)
	c := &LedgerConn{ledger: l}
	var once sync.Once
	return c, func() { once.Do(func() { l.released.Add(1) }) }, nil
}

// Conn returns a connection outside of the Source accounting.
func (l *Ledger) Conn() *LedgerConn {
	return &LedgerConn{ledger: l}
}

func (l *Ledger) record(entry string) {
	l.mu.Lock()
	l.log = append(l.log, entry)
	l.mu.Unlock()
}

func (l *Ledger) failure(sql string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[sql]
}

func (l *Ledger) delayFor(sql string, args []any) time.Duration {
	l.mu.Lock()
	fn := l.delay
	l.mu.Unlock()
	if fn == nil {
		return 0
	}
	return fn(sql, args)
}

// LedgerConn is one session on a Ledger. It is not safe for concurrent use,
// like a real connection; overlapping statements are counted as violations.
type LedgerConn struct {
	ledger *Ledger
	busy   atomic.Int32

	inTx       bool
	aborted    bool
	staged     map[int64]account
	savepoints map[string]map[int64]account
}

var _ tx.Conn = (*LedgerConn)(nil)

// Exec implements tx.Conn.
func (c *LedgerConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tag, _, err := c.run(ctx, sql, args)
	return tag, err
}

// Query implements tx.Conn.
func (c *LedgerConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	tag, rows, err := c.run(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = NewRows(nil, nil, tag.String())
	}
	return rows, nil
}

// SendBatch implements tx.Conn.
func (c *LedgerConn) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return &batchResults{ctx: ctx, conn: c, queued: b.QueuedQueries}
}

// CopyFrom implements tx.Conn for the accounts table (columns id, owner, amount).
func (c *LedgerConn) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	c.enter()
	defer c.leave()

	label := "COPY " + table.Sanitize()
	c.ledger.record("start:" + label)
	defer c.ledger.record("end:" + label)

	if len(table) != 1 || table[0] != "accounts" {
		return 0, &pgconn.PgError{Code: "42P01", Message: fmt.Sprintf("relation %s does not exist", table.Sanitize())}
	}

	var n int64
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return n, err
		}
		if err := c.insert(columns, values); err != nil {
			return n, err
		}
		n++
	}
	return n, src.Err()
}

func (c *LedgerConn) enter() {
	if c.busy.Add(1) != 1 {
		c.ledger.violations.Add(1)
	}
}

func (c *LedgerConn) leave() {
	c.busy.Add(-1)
}

func (c *LedgerConn) run(ctx context.Context, sql string, args []any) (pgconn.CommandTag, *Rows, error) {
	c.enter()
	defer c.leave()

	stmt := normalize(sql)
	c.ledger.record("start:" + stmt)
	defer c.ledger.record("end:" + stmt)

	if d := c.ledger.delayFor(stmt, args); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			c.abort()
			return pgconn.CommandTag{}, nil, ctx.Err()
		}
	}

	if err := c.ledger.failure(stmt); err != nil {
		c.abort()
		return pgconn.CommandTag{}, nil, err
	}

	tag, rows, err := c.exec(stmt, args)
	if err != nil {
		c.abort()
	}
	return tag, rows, err
}

func (c *LedgerConn) abort() {
	if c.inTx {
		c.aborted = true
	}
}

func (c *LedgerConn) exec(stmt string, args []any) (pgconn.CommandTag, *Rows, error) {
	switch stmt {
	case "BEGIN":
		c.inTx, c.aborted = true, false
		c.staged = make(map[int64]account)
		return pgconn.NewCommandTag("BEGIN"), nil, nil
	case "COMMIT":
		if c.aborted {
			c.reset()
			return pgconn.NewCommandTag("ROLLBACK"), nil, nil
		}
		c.ledger.mu.Lock()
		for id, acc := range c.staged {
			c.ledger.accounts[id] = acc
		}
		c.ledger.mu.Unlock()
		c.reset()
		return pgconn.NewCommandTag("COMMIT"), nil, nil
	case "ROLLBACK":
		c.reset()
		return pgconn.NewCommandTag("ROLLBACK"), nil, nil
	}

	if name, ok := strings.CutPrefix(stmt, "ROLLBACK TO SAVEPOINT "); ok {
		snap, found := c.savepoints[name]
		if !found {
			return pgconn.CommandTag{}, nil, &pgconn.PgError{Code: "3B001", Message: fmt.Sprintf("savepoint %q does not exist", name)}
		}
		c.staged = copyAccounts(snap)
		c.aborted = false
		return pgconn.NewCommandTag("ROLLBACK"), nil, nil
	}

	if c.aborted {
		return pgconn.CommandTag{}, nil, &pgconn.PgError{
			Code:    "25P02",
			Message: "current transaction is aborted, commands ignored until end of transaction block",
		}
	}

	switch {
	case strings.HasPrefix(stmt, "SET "):
		return pgconn.NewCommandTag("SET"), nil, nil

	case strings.HasPrefix(stmt, "CREATE TABLE "):
		return pgconn.NewCommandTag("CREATE TABLE"), nil, nil

	case stmt == SQLSleep:
		secs, ok := args[0].(float64)
		if !ok {
			return pgconn.CommandTag{}, nil, fmt.Errorf("txtest: cannot use %T as double precision", args[0])
		}
		time.Sleep(time.Duration(secs * float64(time.Second)))
		return pgconn.NewCommandTag("SELECT 1"), nil, nil

	case strings.HasPrefix(stmt, "SAVEPOINT "):
		if c.savepoints == nil {
			c.savepoints = make(map[string]map[int64]account)
		}
		c.savepoints[strings.TrimPrefix(stmt, "SAVEPOINT ")] = copyAccounts(c.staged)
		return pgconn.NewCommandTag("SAVEPOINT"), nil, nil

	case strings.HasPrefix(stmt, "RELEASE SAVEPOINT "):
		delete(c.savepoints, strings.TrimPrefix(stmt, "RELEASE SAVEPOINT "))
		return pgconn.NewCommandTag("RELEASE"), nil, nil

	case stmt == SQLAddAmount:
		delta, err := toDecimal(args[0])
		if err != nil {
			return pgconn.CommandTag{}, nil, err
		}
		id, err := toInt64(args[1])
		if err != nil {
			return pgconn.CommandTag{}, nil, err
		}
		acc, ok := c.read(id)
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil, nil
		}
		acc.amount = acc.amount.Add(delta)
		c.write(id, acc)
		return pgconn.NewCommandTag("UPDATE 1"), nil, nil

	case stmt == SQLSelectAmount:
		id, err := toInt64(args[0])
		if err != nil {
			return pgconn.CommandTag{}, nil, err
		}
		var rows [][]any
		if acc, ok := c.read(id); ok {
			rows = append(rows, []any{acc.amount})
		}
		tag := fmt.Sprintf("SELECT %d", len(rows))
		return pgconn.NewCommandTag(tag), NewRows([]string{"amount"}, rows, tag), nil

	case stmt == SQLListAccounts || stmt == SQLGetAccount:
		var ids []int64
		if stmt == SQLGetAccount {
			id, err := toInt64(args[0])
			if err != nil {
				return pgconn.CommandTag{}, nil, err
			}
			ids = []int64{id}
		} else {
			ids = c.ids()
		}
		var rows [][]any
		for _, id := range ids {
			if acc, ok := c.read(id); ok {
				rows = append(rows, []any{id, acc.owner, acc.amount})
			}
		}
		tag := fmt.Sprintf("SELECT %d", len(rows))
		return pgconn.NewCommandTag(tag), NewRows([]string{"id", "owner", "amount"}, rows, tag), nil

	case insertRe.MatchString(stmt):
		m := insertRe.FindStringSubmatch(stmt)
		columns := splitList(m[1])
		if len(columns) != len(args) {
			return pgconn.CommandTag{}, nil, &pgconn.PgError{Code: "42601", Message: "INSERT has more target columns than expressions"}
		}
		if err := c.insert(columns, args); err != nil {
			return pgconn.CommandTag{}, nil, err
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil, nil
	}

	return pgconn.CommandTag{}, nil, &pgconn.PgError{
		Code:    "42601",
		Message: fmt.Sprintf("syntax error at or near %q", firstWord(stmt)),
	}
}

func (c *LedgerConn) insert(columns []string, values []any) error {
	var (
		id  int64
		acc account
		err error
	)
	for i, col := range columns {
		switch col {
		case "id":
			id, err = toInt64(values[i])
		case "owner":
			acc.owner = fmt.Sprint(values[i])
		case "amount":
			acc.amount, err = toDecimal(values[i])
		default:
			err = &pgconn.PgError{Code: "42703", Message: fmt.Sprintf("column %q does not exist", col)}
		}
		if err != nil {
			return err
		}
	}
	c.write(id, acc)
	return nil
}

func (c *LedgerConn) read(id int64) (account, bool) {
	if c.inTx {
		if acc, ok := c.staged[id]; ok {
			return acc, true
		}
	}
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()
	acc, ok := c.ledger.accounts[id]
	return acc, ok
}

func (c *LedgerConn) write(id int64, acc account) {
	if c.inTx {
		c.staged[id] = acc
		return
	}
	c.ledger.mu.Lock()
	c.ledger.accounts[id] = acc
	c.ledger.mu.Unlock()
}

func (c *LedgerConn) ids() []int64 {
	seen := make(map[int64]struct{})
	c.ledger.mu.Lock()
	for id := range c.ledger.accounts {
		seen[id] = struct{}{}
	}
	c.ledger.mu.Unlock()
	if c.inTx {
		for id := range c.staged {
			seen[id] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *LedgerConn) reset() {
	c.inTx, c.aborted = false, false
	c.staged = nil
	c.savepoints = nil
}

func copyAccounts(m map[int64]account) map[int64]account {
	out := make(map[int64]account, len(m))
	for id, acc := range m {
		out[id] = acc
	}
	return out
}

type batchResults struct {
	ctx    context.Context
	conn   *LedgerConn
	queued []*pgx.QueuedQuery
	next   int
}

func (b *batchResults) pop() (*pgx.QueuedQuery, error) {
	if b.next >= len(b.queued) {
		return nil, fmt.Errorf("txtest: no more results in batch")
	}
	q := b.queued[b.next]
	b.next++
	return q, nil
}

func (b *batchResults) Exec() (pgconn.CommandTag, error) {
	q, err := b.pop()
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return b.conn.Exec(b.ctx, q.SQL, q.Arguments...)
}

func (b *batchResults) Query() (pgx.Rows, error) {
	q, err := b.pop()
	if err != nil {
		return nil, err
	}
	return b.conn.Query(b.ctx, q.SQL, q.Arguments...)
}

func (b *batchResults) QueryRow() pgx.Row {
	rows, err := b.Query()
	return &row{rows: rows, err: err}
}

func (b *batchResults) Close() error { return nil }

type row struct {
	rows pgx.Rows
	err  error
}

func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}

func normalize(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

func firstWord(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return ""
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	}
	return 0, fmt.Errorf("txtest: cannot use %T as bigint", v)
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case string:
		return decimal.NewFromString(n)
	}
	return decimal.Decimal{}, fmt.Errorf("txtest: cannot use %T as numeric", v)
}
