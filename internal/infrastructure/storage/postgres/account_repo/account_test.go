package account_repo

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/internal/core/apperror"
	"txcoord/internal/core/tx"
	"txcoord/internal/core/tx/txtest"
	"txcoord/internal/domain/account"
)

func TestRepo_RendersLedgerStatements(t *testing.T) {
	r := NewRepo()

	sql, args, err := r.addAmountQuery(1, decimal.NewFromInt(5)).ToSql()
	require.NoError(t, err)
	assert.Equal(t, txtest.SQLAddAmount, sql)
	assert.Equal(t, []any{decimal.NewFromInt(5), int64(1)}, args)

	sql, _, err = r.ListQuery().ToSql()
	require.NoError(t, err)
	assert.Equal(t, txtest.SQLListAccounts, sql)

	assert.Equal(t, []string{"id", "owner", "amount"}, r.selectCols)
}

func run[T any](t *testing.T, ledger *txtest.Ledger, fn func(ctx context.Context) (T, error)) (T, error) {
	t.Helper()
	return tx.Transactional(context.Background(), tx.NewRunner(ledger), func(ctx context.Context, _ *tx.Tx) (T, error) {
		return fn(ctx)
	})
}

func TestRepo_UpsertGetList(t *testing.T) {
	ledger := txtest.NewLedger()
	r := NewRepo()

	_, err := run(t, ledger, func(ctx context.Context) ([]tx.Result, error) {
		return tx.WaitAll(
			r.EnsureSchema(ctx),
			r.Upsert(ctx, account.New(2, "bob", decimal.NewFromInt(20))),
			r.Upsert(ctx, account.New(1, "alice", decimal.NewFromInt(10))),
		)
	})
	require.NoError(t, err)

	got, err := run(t, ledger, func(ctx context.Context) (*account.Account, error) {
		return r.Get(ctx, 1)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, "alice", got.Owner)
	assert.True(t, decimal.NewFromInt(10).Equal(got.Amount))

	list, err := run(t, ledger, r.List)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].Owner)
	assert.Equal(t, "bob", list[1].Owner)
}

func TestRepo_GetMissingIsNotFound(t *testing.T) {
	ledger := txtest.NewLedger()
	r := NewRepo()

	_, err := run(t, ledger, func(ctx context.Context) (*account.Account, error) {
		return r.Get(ctx, 404)
	})

	assert.True(t, apperror.IsNotFound(err))
	assert.Equal(t, "ROLLBACK", ledger.Executed()[len(ledger.Executed())-1])
}

func TestRepo_AddAmountReportsMissingRow(t *testing.T) {
	ledger := txtest.NewLedger()
	ledger.Put(1, "alice", 100)
	r := NewRepo()

	results, err := run(t, ledger, func(ctx context.Context) ([]tx.Result, error) {
		return tx.WaitAll(
			r.AddAmount(ctx, 1, decimal.NewFromInt(-40)),
			r.AddAmount(ctx, 2, decimal.NewFromInt(40)),
		)
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), results[0].RowsAffected)
	assert.Equal(t, int64(0), results[1].RowsAffected)
	assert.True(t, decimal.NewFromInt(60).Equal(ledger.Amount(1)))
}

func TestRepo_SleepHoldsConnection(t *testing.T) {
	ledger := txtest.NewLedger()
	r := NewRepo()

	start := time.Now()
	_, err := run(t, ledger, func(ctx context.Context) (struct{}, error) {
		r.Sleep(ctx, 30*time.Millisecond)
		return struct{}{}, nil
	})

	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Contains(t, ledger.Executed(), txtest.SQLSleep)
}

func TestRepo_OutsideTransaction(t *testing.T) {
	r := NewRepo()
	ctx := context.Background()

	assert.True(t, apperror.HasCode(r.AddAmount(ctx, 1, decimal.NewFromInt(1)).Err(), apperror.CodeInternal))
	_, err := r.List(ctx)
	assert.True(t, apperror.HasCode(err, apperror.CodeInternal))
}
