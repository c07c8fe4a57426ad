package context

import (
	"context"
)

// TxInfo identifies the transaction a piece of work is running in.
type TxInfo struct {
	TxID string
}

type txInfoKey struct{}

// WithTxInfo adds TxInfo to context.
func WithTxInfo(ctx context.Context, info *TxInfo) context.Context {
	return context.WithValue(ctx, txInfoKey{}, info)
}

// GetTxInfo returns TxInfo from context.
func GetTxInfo(ctx context.Context) *TxInfo {
	if v, ok := ctx.Value(txInfoKey{}).(*TxInfo); ok {
		return v
	}
	return nil
}

// GetTxID returns transaction ID from context or empty string.
func GetTxID(ctx context.Context) string {
	if info := GetTxInfo(ctx); info != nil {
		return info.TxID
	}
	return ""
}
