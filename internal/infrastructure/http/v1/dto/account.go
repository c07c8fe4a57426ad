// Package dto provides Data Transfer Objects for API requests/responses.
package dto

import (
	"github.com/shopspring/decimal"

	"txcoord/internal/domain/account"
)

// TransferRequest is the body of POST /api/v1/transfers.
type TransferRequest struct {
	From   int64           `json:"from" binding:"required"`
	To     int64           `json:"to" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// ToDomain converts the request into a domain transfer.
func (r TransferRequest) ToDomain() account.Transfer {
	return account.Transfer{From: r.From, To: r.To, Amount: r.Amount}
}

// AccountResponse is one account as returned by the API.
type AccountResponse struct {
	ID     int64  `json:"id"`
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

// FromAccount converts a domain account.
func FromAccount(a account.Account) AccountResponse {
	return AccountResponse{ID: a.ID, Owner: a.Owner, Amount: a.Amount.StringFixed(2)}
}

// FromAccounts converts a list of domain accounts.
func FromAccounts(accounts []account.Account) []AccountResponse {
	out := make([]AccountResponse, len(accounts))
	for i, a := range accounts {
		out[i] = FromAccount(a)
	}
	return out
}

// ListResponse wraps a list with its total.
type ListResponse[T any] struct {
	Items []T    `json:"items"`
	Count int    `json:"count"`
	Total string `json:"total,omitempty"`
}
