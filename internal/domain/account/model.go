// Package account provides the ledger the transaction coordinator is exercised
// against: accounts holding a decimal amount, moved between with transfers.
package account

import (
	"strings"

	"github.com/shopspring/decimal"

	"txcoord/internal/core/apperror"
)

// Account is one row of the accounts table.
type Account struct {
	ID     int64           `db:"id" json:"id"`
	Owner  string          `db:"owner" json:"owner"`
	Amount decimal.Decimal `db:"amount" json:"amount"`
}

// New creates an account with an opening amount.
func New(id int64, owner string, amount decimal.Decimal) *Account {
	return &Account{ID: id, Owner: owner, Amount: amount}
}

// Validate checks the fields the database does not constrain.
func (a *Account) Validate() error {
	if a.ID <= 0 {
		return apperror.NewValidation("account id must be positive").
			WithDetail("field", "id").
			WithDetail("value", a.ID)
	}
	if strings.TrimSpace(a.Owner) == "" {
		return apperror.NewValidation("owner is required").
			WithDetail("field", "owner")
	}
	return nil
}

// Transfer moves Amount from one account to another.
type Transfer struct {
	From   int64           `json:"from" binding:"required"`
	To     int64           `json:"to" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// Validate rejects self-transfers and non-positive amounts.
func (t Transfer) Validate() error {
	if t.From == t.To {
		return apperror.NewValidation("cannot transfer to the same account").
			WithDetail("account", t.From)
	}
	if !t.Amount.IsPositive() {
		return apperror.NewValidation("amount must be positive").
			WithDetail("field", "amount").
			WithDetail("value", t.Amount.String())
	}
	return nil
}
