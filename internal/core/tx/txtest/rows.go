// Package txtest provides in-memory stand-ins for the pgx surface used by the
// transaction coordinator: a scripted Rows, and a Ledger that behaves like a
// one-table PostgreSQL database with per-connection transactions.
package txtest

import (
	"database/sql"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Rows is a scripted pgx.Rows.
type Rows struct {
	fields []pgconn.FieldDescription
	rows   [][]any
	tag    pgconn.CommandTag

	idx    int
	closed bool
	err    error

	failAt  int
	failErr error
}

var _ pgx.Rows = (*Rows)(nil)

// NewRows returns rows with the given column names, values and command tag.
func NewRows(fields []string, rows [][]any, tag string) *Rows {
	fds := make([]pgconn.FieldDescription, len(fields))
	for i, name := range fields {
		fds[i] = pgconn.FieldDescription{Name: name}
	}
	return &Rows{fields: fds, rows: rows, tag: pgconn.NewCommandTag(tag), failAt: -1}
}

// FailAfter makes iteration stop with err once n rows have been read.
func (r *Rows) FailAfter(n int, err error) *Rows {
	r.failAt = n
	r.failErr = err
	return r
}

func (r *Rows) Close()                                       { r.closed = true }
func (r *Rows) Err() error                                   { return r.err }
func (r *Rows) CommandTag() pgconn.CommandTag                { return r.tag }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }

func (r *Rows) Next() bool {
	if r.closed {
		return false
	}
	if r.failAt >= 0 && r.idx == r.failAt {
		r.err = r.failErr
		r.closed = true
		return false
	}
	if r.idx >= len(r.rows) {
		r.closed = true
		return false
	}
	r.idx++
	return true
}

func (r *Rows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, fmt.Errorf("txtest: no current row")
	}
	return r.rows[r.idx-1], nil
}

func (r *Rows) Scan(dest ...any) error {
	row, err := r.Values()
	if err != nil {
		return err
	}
	if len(dest) != len(row) {
		return fmt.Errorf("txtest: scan of %d columns into %d destinations", len(row), len(dest))
	}
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return fmt.Errorf("txtest: column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, src any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return fmt.Errorf("destination %T is not a non-nil pointer", dest)
	}
	ev := dv.Elem()
	if src == nil {
		ev.Set(reflect.Zero(ev.Type()))
		return nil
	}

	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(ev.Type()) {
		ev.Set(sv)
		return nil
	}
	if s, ok := dest.(sql.Scanner); ok {
		return s.Scan(src)
	}
	if sv.Type().ConvertibleTo(ev.Type()) {
		ev.Set(sv.Convert(ev.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %T", src, dest)
}
