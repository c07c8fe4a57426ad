package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/internal/core/tx"
	"txcoord/internal/core/tx/txtest"
	"txcoord/internal/domain/account"
	"txcoord/internal/infrastructure/storage/postgres"
	"txcoord/internal/infrastructure/storage/postgres/account_repo"
)

func newLedgerService() (*account.Service, *txtest.Ledger) {
	ledger := txtest.NewLedger()
	return account.NewService(account_repo.NewRepo(), tx.NewRunner(ledger)), ledger
}

func TestRunScenario(t *testing.T) {
	tests := []struct {
		name    string
		outcome string
		alice   string
	}{
		{name: "a", outcome: "scenario a: committed", alice: "90.00"},
		{name: "b", outcome: "scenario b: rolled back", alice: "100.00"},
		{name: "c", outcome: "scenario c: rolled back", alice: "100.00"},
		{name: "d", outcome: "scenario d: rolled back by work", alice: "100.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newLedgerService()
			var out bytes.Buffer

			err := runScenario(context.Background(), &out, svc, tt.name, 60*time.Millisecond, 20*time.Millisecond)

			require.NoError(t, err)
			assert.Contains(t, out.String(), tt.outcome)
			assert.Contains(t, out.String(), "alice  "+tt.alice)
			assert.Contains(t, out.String(), "TOTAL  200.00")
		})
	}
}

func TestRunScenario_Unknown(t *testing.T) {
	svc, _ := newLedgerService()
	err := runScenario(context.Background(), io.Discard, svc, "z", 0, 0)
	assert.ErrorContains(t, err, `unknown scenario "z"`)
}

func TestPrintStream(t *testing.T) {
	svc, ledger := newLedgerService()
	require.NoError(t, svc.Migrate(context.Background()))
	require.NoError(t, seedDemo(context.Background(), svc))

	var out bytes.Buffer
	err := printStream(context.Background(), &out, tx.Stream(ledger, txtest.SQLListAccounts))

	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"id", "owner", "amount"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"2", "bob", "100"}, strings.Fields(lines[2]))
	assert.Equal(t, ledger.Acquired(), ledger.Released())
}

func TestLoadAccounts(t *testing.T) {
	ledger := txtest.NewLedger()
	txm := postgres.NewTxManager(ledger).WithDefaults(postgres.TxOptions{})

	n, err := loadAccounts(context.Background(), txm, 10, 5)

	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Contains(t, ledger.Executed(), `COPY "accounts"`)
	assert.Equal(t, "COMMIT", ledger.Executed()[len(ledger.Executed())-1])

	n, err = loadAccounts(context.Background(), txm, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRootCmd_RejectsUnknownScenario(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"scenario", "x"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.Execute()

	assert.ErrorContains(t, err, `invalid argument "x"`)
}
