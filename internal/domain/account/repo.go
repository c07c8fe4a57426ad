package account

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"txcoord/internal/core/tx"
)

// Repository defines account persistence on top of the coordinator. Methods
// returning *tx.Future dispatch on the transaction in ctx and do not wait.
type Repository interface {
	// EnsureSchema creates the accounts table if it does not exist.
	EnsureSchema(ctx context.Context) *tx.Future

	// Upsert inserts or overwrites one account.
	Upsert(ctx context.Context, a *Account) *tx.Future

	// AddAmount adds delta to the account's amount. RowsAffected is 0 when
	// the account does not exist.
	AddAmount(ctx context.Context, id int64, delta decimal.Decimal) *tx.Future

	// Sleep holds the connection for d, standing in for a slow statement.
	Sleep(ctx context.Context, d time.Duration) *tx.Future

	// Get reads one account inside the transaction in ctx.
	Get(ctx context.Context, id int64) (*Account, error)

	// List reads every account ordered by id inside the transaction in ctx.
	List(ctx context.Context) ([]Account, error)
}
