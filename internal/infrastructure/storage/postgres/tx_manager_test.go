package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/internal/core/tx"
	"txcoord/internal/core/tx/txtest"
)

func newTestLedger() *txtest.Ledger {
	l := txtest.NewLedger()
	l.Put(1, "alice", 100)
	l.Put(2, "bob", 100)
	return l
}

func TestTxOptions_SetupStatements(t *testing.T) {
	tests := []struct {
		name string
		opts TxOptions
		want []string
	}{
		{
			name: "defaults",
			opts: DefaultTxOptions(),
			want: []string{
				"SET TRANSACTION ISOLATION LEVEL READ COMMITTED, READ WRITE",
				"SET LOCAL statement_timeout = '30000ms'",
			},
		},
		{
			name: "serializable read only",
			opts: TxOptions{IsolationLevel: pgx.Serializable, AccessMode: pgx.ReadOnly},
			want: []string{"SET TRANSACTION ISOLATION LEVEL SERIALIZABLE, READ ONLY"},
		},
		{
			name: "timeout only",
			opts: TxOptions{StatementTimeout: 1500 * time.Millisecond},
			want: []string{"SET LOCAL statement_timeout = '1500ms'"},
		},
		{
			name: "nothing",
			opts: TxOptions{},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opts.setupStatements())
		})
	}
}

func TestTxManager_RunInTransactionAppliesOptionsAfterBegin(t *testing.T) {
	ledger := newTestLedger()
	m := NewTxManager(ledger).WithDefaults(SerializableTxOptions())

	err := m.RunInTransaction(context.Background(), func(ctx context.Context) error {
		_, err := tx.FromContext(ctx).Exec(ctx, txtest.SQLAddAmount, 5, int64(1))
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, []string{
		"BEGIN",
		"SET TRANSACTION ISOLATION LEVEL SERIALIZABLE, READ WRITE",
		"SET LOCAL statement_timeout = '30000ms'",
		txtest.SQLAddAmount,
		"COMMIT",
	}, ledger.Executed())
	assert.True(t, decimal.NewFromInt(105).Equal(ledger.Amount(1)))
}

func TestTxManager_ErrorRollsBack(t *testing.T) {
	ledger := newTestLedger()
	m := NewTxManager(ledger)
	boom := errors.New("boom")

	err := m.RunInTransaction(context.Background(), func(ctx context.Context) error {
		tx.FromContext(ctx).Query(ctx, txtest.SQLAddAmount, 5, int64(1))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "ROLLBACK", ledger.Executed()[len(ledger.Executed())-1])
	assert.True(t, decimal.NewFromInt(100).Equal(ledger.Amount(1)))
}

func TestTxManager_ReadOnly(t *testing.T) {
	ledger := newTestLedger()
	m := NewTxManager(ledger)

	err := m.ReadOnly(context.Background(), func(ctx context.Context) error {
		return nil
	})

	require.NoError(t, err)
	assert.Contains(t, ledger.Executed(), "SET TRANSACTION ISOLATION LEVEL READ COMMITTED, READ ONLY")
}

func TestTxManager_NestedCallReusesTransaction(t *testing.T) {
	ledger := newTestLedger()
	m := NewTxManager(ledger).WithDefaults(TxOptions{})

	err := m.RunInTransaction(context.Background(), func(ctx context.Context) error {
		outer := tx.FromContext(ctx)
		return m.RunInTransaction(ctx, func(ctx context.Context) error {
			assert.Same(t, outer, tx.FromContext(ctx))
			return outer.Query(ctx, txtest.SQLAddAmount, 1, int64(2)).Err()
		})
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), ledger.Acquired())
	assert.Equal(t, []string{"BEGIN", txtest.SQLAddAmount, "COMMIT"}, ledger.Executed())
}

func TestTxManager_SavepointUndoesOnlyInnerWork(t *testing.T) {
	ledger := newTestLedger()
	m := NewTxManager(ledger).WithDefaults(TxOptions{})
	nested := TxOptions{UseSavepoint: true}
	inner := errors.New("inner failed")

	err := m.RunInTransaction(context.Background(), func(ctx context.Context) error {
		t1 := tx.FromContext(ctx)
		t1.Query(ctx, txtest.SQLAddAmount, 10, int64(1))

		innerErr := m.RunInTransactionWithOptions(ctx, nested, func(ctx context.Context) error {
			tx.FromContext(ctx).Query(ctx, txtest.SQLAddAmount, 10, int64(2))
			return inner
		})
		assert.ErrorIs(t, innerErr, inner)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(110).Equal(ledger.Amount(1)))
	assert.True(t, decimal.NewFromInt(100).Equal(ledger.Amount(2)))
	assert.Contains(t, ledger.Executed(), "SAVEPOINT sp_1")
	assert.Contains(t, ledger.Executed(), "ROLLBACK TO SAVEPOINT sp_1")
}

func TestRunInTx_ReturnsValue(t *testing.T) {
	ledger := newTestLedger()
	m := NewTxManager(ledger)

	n, err := RunInTx(context.Background(), m, TxOptions{}, func(ctx context.Context, t *tx.Tx) (int64, error) {
		res, err := t.Exec(ctx, txtest.SQLAddAmount, 1, int64(1))
		return res.RowsAffected, err
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTxManager_DefaultRunner(t *testing.T) {
	ledger := newTestLedger()
	m := NewTxManager(ledger).WithDefaults(TxOptions{IsolationLevel: pgx.RepeatableRead})

	_, err := tx.Transactional(context.Background(), m.DefaultRunner(), func(ctx context.Context, t *tx.Tx) (tx.Result, error) {
		return t.Exec(ctx, txtest.SQLAddAmount, 1, int64(2))
	})

	require.NoError(t, err)
	assert.Equal(t, []string{
		"BEGIN",
		"SET TRANSACTION ISOLATION LEVEL REPEATABLE READ",
		txtest.SQLAddAmount,
		"COMMIT",
	}, ledger.Executed())

	bare := m.WithDefaults(TxOptions{})
	assert.Same(t, bare.Runner(), bare.DefaultRunner())
}
