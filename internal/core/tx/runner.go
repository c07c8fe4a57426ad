package tx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"txcoord/internal/core/apperror"
	appctx "txcoord/internal/core/context"
	"txcoord/pkg/logger"
)

// Hook runs right after BEGIN, before caller work, through the transaction's
// accounted path (SET TRANSACTION ..., SET LOCAL ...).
type Hook func(ctx context.Context, t *Tx) error

// Option configures a Runner.
type Option func(*Runner)

// WithObserver subscribes o to every transaction the Runner drives.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		r.observer = o
	}
}

// WithAfterBegin appends setup hooks.
func WithAfterBegin(hooks ...Hook) Option {
	return func(r *Runner) {
		r.afterBegin = append(r.afterBegin, hooks...)
	}
}

// Runner drives the full lifecycle of a transaction:
// acquire → BEGIN → work → close → drain → COMMIT/ROLLBACK → release.
type Runner struct {
	source     Source
	observer   Observer
	afterBegin []Hook
}

// NewRunner creates a Runner over source.
func NewRunner(source Source, opts ...Option) *Runner {
	r := &Runner{source: source, observer: NopObserver{}}
	for _, opt := range opts {
		opt(r)
	}
	if r.observer == nil {
		r.observer = NopObserver{}
	}
	return r
}

// With returns a copy of r with opts applied on top.
func (r *Runner) With(opts ...Option) *Runner {
	c := &Runner{
		source:     r.source,
		observer:   r.observer,
		afterBegin: append([]Hook(nil), r.afterBegin...),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.observer == nil {
		c.observer = NopObserver{}
	}
	return c
}

// Run is Transactional for work that returns an untyped value.
func (r *Runner) Run(ctx context.Context, work func(ctx context.Context, t *Tx) (any, error)) (any, error) {
	return Transactional(ctx, r, work)
}

// Transactional runs work inside a transaction and returns work's value.
//
// The transaction is committed when work returns a nil error and rolled back
// otherwise, unless work already committed or rolled back itself. Either way
// the terminal command is only sent after every query work dispatched has
// settled, including ones work never waited for. Queries issued after work
// returns fail with ErrClosedTransaction.
//
// If COMMIT or ROLLBACK fails, the returned error is a TERMINAL_ACTION_FAILED
// AppError wrapping both the terminal failure and work's error. A panic in
// work is re-raised after the transaction is rolled back and released.
func Transactional[T any](ctx context.Context, r *Runner, work func(ctx context.Context, t *Tx) (T, error)) (T, error) {
	var zero T

	conn, release, err := r.source.Acquire(ctx)
	if err != nil {
		return zero, apperror.NewAcquireFailed(err)
	}

	t := newTx(conn, r.observer)
	ctx = appctx.WithTxInfo(ctx, &appctx.TxInfo{TxID: t.id})
	ctx = WithTx(ctx, t)
	t.observe(ctx, Event{Kind: EventAcquired})

	defer func() {
		release()
		t.setState(StateReleased)
		t.observe(ctx, Event{Kind: EventReleased})
	}()

	if err := r.begin(ctx, t); err != nil {
		return zero, err
	}

	value, recovered, workErr := runWork(ctx, t, work)

	t.Close()
	r.drain(ctx, t)
	action, termErr := r.terminate(ctx, t, workErr == nil)

	if recovered != nil {
		if termErr != nil {
			logger.Error(ctx, "terminal action failed after panic", "action", action, "error", termErr)
		}
		panic(recovered)
	}

	if termErr != nil {
		logger.Error(ctx, "terminal action failed", "action", action, "error", termErr, "work_error", workErr)
		appErr := apperror.NewTerminalActionFailed(action, termErr).WithDetail("tx_id", t.id)
		if workErr != nil {
			appErr.Err = errors.Join(termErr, workErr)
		}
		return zero, appErr
	}

	return value, workErr
}

// begin issues BEGIN and the setup hooks. On failure it settles the
// transaction itself so the deferred release sees an idle connection.
func (r *Runner) begin(ctx context.Context, t *Tx) error {
	if err := t.begin(ctx).Err(); err != nil {
		t.Close()
		<-t.Drain()
		return apperror.NewBeginFailed(err).WithDetail("tx_id", t.id)
	}

	for _, hook := range r.afterBegin {
		if err := hook(ctx, t); err != nil {
			t.Close()
			<-t.Drain()
			if !t.RolledBack() && !t.Committed() {
				if rbErr := t.terminal(context.WithoutCancel(ctx), markRollback).Err(); rbErr != nil {
					logger.Error(ctx, "rollback after setup failure failed", "error", rbErr, "original_error", err)
				}
			}
			return apperror.NewBeginFailed(err).WithDetail("tx_id", t.id)
		}
	}

	logger.Debug(ctx, "transaction started")
	return nil
}

// runWork invokes work, converting a panic into a failure so the transaction
// is still drained and rolled back.
func runWork[T any](ctx context.Context, t *Tx, work func(ctx context.Context, t *Tx) (T, error)) (value T, recovered any, err error) {
	defer func() {
		if p := recover(); p != nil {
			recovered = p
			err = fmt.Errorf("tx: work panicked: %v", p)
		}
	}()
	value, err = work(ctx, t)
	return value, nil, err
}

func (r *Runner) drain(ctx context.Context, t *Tx) {
	start := time.Now()
	<-t.Drain()
	t.observe(ctx, Event{Kind: EventDrained, Duration: time.Since(start)})
}

// terminate issues COMMIT or ROLLBACK unless work already did. The command
// runs on a context detached from the caller's cancellation.
func (r *Runner) terminate(ctx context.Context, t *Tx, success bool) (string, error) {
	t.setState(StateTerminating)

	if t.Committed() || t.RolledBack() {
		logger.Debug(ctx, "terminal action already issued by work",
			"committed", t.Committed(), "rolled_back", t.RolledBack())
		return "", nil
	}

	mark, action := markRollback, sqlRollback
	if success {
		mark, action = markCommit, sqlCommit
	}

	start := time.Now()
	err := t.terminal(context.WithoutCancel(ctx), mark).Err()
	t.observe(ctx, Event{Kind: EventTerminal, SQL: action, Duration: time.Since(start), Err: err})
	if err == nil {
		logger.Debug(ctx, "transaction finished", "action", action)
	}
	return action, err
}
