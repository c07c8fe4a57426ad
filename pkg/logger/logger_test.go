package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	appctx "txcoord/internal/core/context"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return NewFromZap(zap.New(core)), logs
}

func TestWithContext_AddsTraceAndTx(t *testing.T) {
	log, logs := observed(zapcore.DebugLevel)

	ctx := appctx.WithTrace(context.Background(), &appctx.TraceContext{TraceID: "tr-1", RequestID: "rq-1"})
	ctx = appctx.WithTxInfo(ctx, &appctx.TxInfo{TxID: "tx-1"})
	ctx = WithLogger(ctx, log)

	Info(ctx, "committed", "rows", 2)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "committed", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "tr-1", fields["trace_id"])
	assert.Equal(t, "rq-1", fields["request_id"])
	assert.Equal(t, "tx-1", fields["tx_id"])
	assert.Equal(t, int64(2), fields["rows"])
}

func TestLevelHelpers(t *testing.T) {
	log, logs := observed(zapcore.InfoLevel)
	ctx := WithLogger(context.Background(), log)

	Debug(ctx, "hidden")
	Info(ctx, "info")
	Warn(ctx, "warn")
	Error(ctx, "error")

	require.Equal(t, 3, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.FilterMessage("warn").All()[0].Level)
	assert.Zero(t, logs.FilterMessage("hidden").Len())
}

func TestWithComponent(t *testing.T) {
	log, logs := observed(zapcore.InfoLevel)

	log.WithComponent("runner").With("attempt", 1).Info("started")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "runner", fields["component"])
	assert.Equal(t, int64(1), fields["attempt"])
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
	assert.Same(t, Default(), Default())
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	log, err := New(Config{Level: "loud", OutputPaths: []string{"stderr"}})

	require.NoError(t, err)
	assert.True(t, log.Desugar().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Desugar().Core().Enabled(zapcore.DebugLevel))
}
