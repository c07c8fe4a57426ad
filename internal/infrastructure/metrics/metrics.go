// Package metrics exports transaction coordinator events as Prometheus metrics.
package metrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"txcoord/internal/core/tx"
)

const namespace = "txcoord"

// Metrics is a tx.Observer backed by Prometheus collectors.
type Metrics struct {
	// Transactions between acquire and release
	ActiveTransactions prometheus.Gauge

	// Commands dispatched and not yet settled, across all transactions
	QueriesInFlight prometheus.Gauge

	// Settled commands (status: ok, error)
	QueriesTotal *prometheus.CounterVec

	// Commands refused because their transaction was closed
	QueriesRejected prometheus.Counter

	// Dispatch-to-settle latency
	QueryDuration prometheus.Histogram

	// Time between close and the last in-flight command settling
	DrainDuration prometheus.Histogram

	// Runner-issued COMMIT/ROLLBACK (action: commit, rollback; status: ok, error)
	TerminalTotal *prometheus.CounterVec
}

var _ tx.Observer = (*Metrics)(nil)

// New creates Metrics registered with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the collectors with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_active",
			Help:      "Transactions currently holding a connection",
		}),
		QueriesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queries_in_flight",
			Help:      "Dispatched commands that have not settled",
		}),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Total number of settled commands",
			},
			[]string{"status"},
		),
		QueriesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_rejected_total",
			Help:      "Commands rejected because the transaction was closed",
		}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Command latency from dispatch to settle",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Time spent waiting for in-flight commands after work returned",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5, 5},
		}),
		TerminalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminal_actions_total",
				Help:      "COMMIT and ROLLBACK issued by the runner",
			},
			[]string{"action", "status"},
		),
	}

	reg.MustRegister(
		m.ActiveTransactions,
		m.QueriesInFlight,
		m.QueriesTotal,
		m.QueriesRejected,
		m.QueryDuration,
		m.DrainDuration,
		m.TerminalTotal,
	)

	return m
}

// Observe implements tx.Observer.
func (m *Metrics) Observe(_ context.Context, ev tx.Event) {
	switch ev.Kind {
	case tx.EventAcquired:
		m.ActiveTransactions.Inc()
	case tx.EventReleased:
		m.ActiveTransactions.Dec()
	case tx.EventQueryStarted:
		m.QueriesInFlight.Inc()
	case tx.EventQuerySettled:
		m.QueriesInFlight.Dec()
		m.QueriesTotal.WithLabelValues(status(ev.Err)).Inc()
		m.QueryDuration.Observe(ev.Duration.Seconds())
	case tx.EventQueryRejected:
		m.QueriesRejected.Inc()
	case tx.EventDrained:
		m.DrainDuration.Observe(ev.Duration.Seconds())
	case tx.EventTerminal:
		m.TerminalTotal.WithLabelValues(strings.ToLower(ev.SQL), status(ev.Err)).Inc()
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
