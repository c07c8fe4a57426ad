package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"txcoord/internal/core/tx"
)

var _ tx.Source = (*Dedicated)(nil)

// Dedicated is a Source over one connection. A second Acquire waits until the
// first holder releases, so transactions on it never interleave.
type Dedicated struct {
	conn  tx.Conn
	slot  chan struct{}
	close func(ctx context.Context) error
}

// Connect opens a dedicated connection.
func Connect(ctx context.Context, dsn string) (*Dedicated, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	d := NewDedicated(conn)
	d.close = conn.Close
	return d, nil
}

// NewDedicated wraps an already open connection. Closing it stays with the caller.
func NewDedicated(conn tx.Conn) *Dedicated {
	slot := make(chan struct{}, 1)
	slot <- struct{}{}
	return &Dedicated{conn: conn, slot: slot}
}

// Acquire implements tx.Source.
func (d *Dedicated) Acquire(ctx context.Context) (tx.Conn, tx.ReleaseFunc, error) {
	select {
	case <-d.slot:
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("acquire dedicated connection: %w", ctx.Err())
	}
	var once sync.Once
	return d.conn, func() {
		once.Do(func() { d.slot <- struct{}{} })
	}, nil
}

// Stream prepares a lazy row stream on the dedicated connection.
func (d *Dedicated) Stream(sql string, args ...any) *tx.RowStream {
	return tx.Stream(d, sql, args...)
}

// Close closes the connection if Connect opened it.
func (d *Dedicated) Close(ctx context.Context) error {
	if d.close == nil {
		return nil
	}
	return d.close(ctx)
}
