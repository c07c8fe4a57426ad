// Package account_repo provides the PostgreSQL implementation of the account
// repository. Every method works on the coordinated transaction in ctx.
package account_repo

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/shopspring/decimal"

	"txcoord/internal/core/apperror"
	"txcoord/internal/core/tx"
	"txcoord/internal/domain/account"
	"txcoord/internal/infrastructure/storage/postgres"
)

const (
	tableName = "accounts"

	createTableSQL = `CREATE TABLE IF NOT EXISTS accounts (
	id     BIGINT PRIMARY KEY,
	owner  TEXT NOT NULL,
	amount NUMERIC(20, 2) NOT NULL DEFAULT 0
)`

	sleepSQL = "SELECT pg_sleep($1)"

	upsertSuffix = "ON CONFLICT (id) DO UPDATE SET owner = EXCLUDED.owner, amount = EXCLUDED.amount"
)

// Compile-time check that Repo implements account.Repository.
var _ account.Repository = (*Repo)(nil)

// Repo implements account.Repository.
type Repo struct {
	selectCols []string
}

// NewRepo creates a new account repository.
func NewRepo() *Repo {
	return &Repo{selectCols: postgres.ExtractDBColumns[account.Account]()}
}

// Builder returns a new squirrel builder with PostgreSQL placeholder format.
func (r *Repo) Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// EnsureSchema creates the accounts table.
func (r *Repo) EnsureSchema(ctx context.Context) *tx.Future {
	t, err := postgres.CurrentTx(ctx, "EnsureSchema")
	if err != nil {
		return tx.Failed(err)
	}
	return t.Query(ctx, createTableSQL)
}

// Upsert inserts a, or overwrites the row with the same id.
func (r *Repo) Upsert(ctx context.Context, a *account.Account) *tx.Future {
	t, err := postgres.CurrentTx(ctx, "Upsert")
	if err != nil {
		return tx.Failed(err)
	}

	q := r.Builder().
		Insert(tableName).
		SetMap(postgres.StructToMap(a)).
		Suffix(upsertSuffix)

	return t.QueryBuilder(ctx, q)
}

// AddAmount adds delta to the account's amount.
func (r *Repo) AddAmount(ctx context.Context, id int64, delta decimal.Decimal) *tx.Future {
	t, err := postgres.CurrentTx(ctx, "AddAmount")
	if err != nil {
		return tx.Failed(err)
	}

	return t.QueryBuilder(ctx, r.addAmountQuery(id, delta))
}

func (r *Repo) addAmountQuery(id int64, delta decimal.Decimal) squirrel.UpdateBuilder {
	return r.Builder().
		Update(tableName).
		Set("amount", squirrel.Expr("amount + ?", delta)).
		Where(squirrel.Eq{"id": id})
}

// Sleep holds the connection for d with pg_sleep.
func (r *Repo) Sleep(ctx context.Context, d time.Duration) *tx.Future {
	t, err := postgres.CurrentTx(ctx, "Sleep")
	if err != nil {
		return tx.Failed(err)
	}
	secs := d.Seconds()
	// pg_sleep returns void, which has no row decoding; Exec skips it.
	return t.Do(ctx, sleepSQL, func(ctx context.Context, conn tx.Conn) (tx.Result, error) {
		tag, err := conn.Exec(ctx, sleepSQL, secs)
		if err != nil {
			return tx.Result{}, err
		}
		return tx.Result{Command: tag.String(), RowsAffected: tag.RowsAffected()}, nil
	})
}

// Get reads one account.
func (r *Repo) Get(ctx context.Context, id int64) (*account.Account, error) {
	t, err := postgres.CurrentTx(ctx, "Get")
	if err != nil {
		return nil, err
	}

	sql, args, err := r.Builder().
		Select(r.selectCols...).
		From(tableName).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, apperror.NewInvalidQuery(err)
	}

	var a account.Account
	if err := t.Get(ctx, &a, sql, args...).Err(); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("account", id)
		}
		return nil, err
	}
	return &a, nil
}

// List reads every account ordered by id.
func (r *Repo) List(ctx context.Context) ([]account.Account, error) {
	t, err := postgres.CurrentTx(ctx, "List")
	if err != nil {
		return nil, err
	}

	sql, args, err := r.ListQuery().ToSql()
	if err != nil {
		return nil, apperror.NewInvalidQuery(err)
	}

	var accounts []account.Account
	if err := t.Select(ctx, &accounts, sql, args...).Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListQuery is the statement List runs; streaming readers reuse it.
func (r *Repo) ListQuery() squirrel.SelectBuilder {
	return r.Builder().
		Select(r.selectCols...).
		From(tableName).
		OrderBy("id")
}
