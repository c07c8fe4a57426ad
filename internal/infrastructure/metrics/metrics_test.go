package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/internal/core/tx"
	"txcoord/internal/core/tx/txtest"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			key := f.GetName()
			for _, l := range m.GetLabel() {
				key += "," + l.GetName() + "=" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	require.NotNil(t, m)
	assert.NotNil(t, m.ActiveTransactions)
	assert.NotNil(t, m.QueriesTotal)
	assert.NotNil(t, m.TerminalTotal)
	assert.Panics(t, func() { NewWithRegistry(reg) }, "duplicate registration must fail")
}

func TestObserve_CommittedTransaction(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	ledger := txtest.NewLedger()
	ledger.Put(1, "alice", 100)
	runner := tx.NewRunner(ledger, tx.WithObserver(m))

	var captured *tx.Tx
	_, err := tx.Transactional(context.Background(), runner, func(ctx context.Context, t *tx.Tx) ([]tx.Result, error) {
		captured = t
		return tx.WaitAll(
			t.Query(ctx, txtest.SQLAddAmount, 1, int64(1)),
			t.Query(ctx, txtest.SQLAddAmount, 1, int64(1)),
		)
	})
	require.NoError(t, err)
	captured.Query(context.Background(), "SELECT 1")

	got := gather(t, reg)
	assert.Equal(t, 0.0, got["txcoord_transactions_active"])
	assert.Equal(t, 0.0, got["txcoord_queries_in_flight"])
	// BEGIN, two updates, COMMIT
	assert.Equal(t, 4.0, got["txcoord_queries_total,status=ok"])
	assert.Equal(t, 4.0, got["txcoord_query_duration_seconds"])
	assert.Equal(t, 1.0, got["txcoord_queries_rejected_total"])
	assert.Equal(t, 1.0, got["txcoord_drain_duration_seconds"])
	assert.Equal(t, 1.0, got["txcoord_terminal_actions_total,action=commit,status=ok"])
}

func TestObserve_FailedRollback(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	ledger := txtest.NewLedger()
	ledger.FailOn("ROLLBACK", errors.New("connection reset"))
	runner := tx.NewRunner(ledger, tx.WithObserver(m))

	_, err := tx.Transactional(context.Background(), runner, func(context.Context, *tx.Tx) (struct{}, error) {
		return struct{}{}, errors.New("work failed")
	})
	require.Error(t, err)

	got := gather(t, reg)
	assert.Equal(t, 1.0, got["txcoord_terminal_actions_total,action=rollback,status=error"])
	assert.Equal(t, 1.0, got["txcoord_queries_total,status=error"])
	assert.Equal(t, 0.0, got["txcoord_transactions_active"])
}
