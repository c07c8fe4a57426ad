package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"txcoord/internal/core/tx"
	"txcoord/internal/domain/account"
	v1 "txcoord/internal/infrastructure/http/v1"
	"txcoord/internal/infrastructure/storage/postgres"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "txcoord",
		Short:         "Coordinate concurrent queries inside one PostgreSQL transaction",
		Long:          "txcoord runs ledger transfers whose statements are dispatched concurrently and\ncommits or rolls back only after every dispatched statement has settled.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newMigrateCmd(),
		newTransferCmd(),
		newScenarioCmd(),
		newStreamCmd(),
		newLoadCmd(),
		newServeCmd(),
	)
	return root
}

func newMigrateCmd() *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the accounts table",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if err := a.accounts.Migrate(ctx); err != nil {
				return err
			}
			if seed {
				return seedDemo(ctx, a.accounts)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "reset accounts 1 and 2 to 100.00 each")
	return cmd
}

func newTransferCmd() *cobra.Command {
	var (
		from, to int64
		amount   string
	)
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move an amount between two accounts",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount %q: %w", amount, err)
			}
			if err := a.accounts.Transfer(ctx, account.Transfer{From: from, To: to, Amount: amt}); err != nil {
				return err
			}
			return printBalances(ctx, cmd.OutOrStdout(), a.accounts)
		}),
	}
	cmd.Flags().Int64Var(&from, "from", 1, "debited account id")
	cmd.Flags().Int64Var(&to, "to", 2, "credited account id")
	cmd.Flags().StringVar(&amount, "amount", "10", "amount to move")
	return cmd
}

func newScenarioCmd() *cobra.Command {
	var slow, failAfter time.Duration
	cmd := &cobra.Command{
		Use:   "scenario <a|b|c|d>",
		Short: "Run one of the demonstration scenarios on accounts 1 and 2",
		Long: `a: transfer between two existing accounts, committed
b: transfer to a missing account, rolled back
c: slow unawaited transfer with an error raised mid-flight; the rollback waits for it
d: transfer applied then rolled back explicitly by the work itself`,
		ValidArgs: []string{"a", "b", "c", "d"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			return runScenario(ctx, cmd.OutOrStdout(), a.accounts, args[0], slow, failAfter)
		}),
	}
	cmd.Flags().DurationVar(&slow, "slow", 2*time.Second, "scenario c: how long the slow statement holds the connection")
	cmd.Flags().DurationVar(&failAfter, "fail-after", 500*time.Millisecond, "scenario c: when the work fails")
	return cmd
}

func newStreamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stream",
		Short: "Stream every account row without buffering the result",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			sql, args, err := a.repo.ListQuery().ToSql()
			if err != nil {
				return err
			}
			return printStream(ctx, cmd.OutOrStdout(), a.pool.Stream(sql, args...))
		}),
	}
}

func newLoadCmd() *cobra.Command {
	var (
		start int64
		count int
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Bulk load generated accounts with COPY",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			n, err := loadAccounts(ctx, a.txm, start, count)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d accounts\n", n)
			return nil
		}),
	}
	cmd.Flags().Int64Var(&start, "start", 1000, "first generated account id")
	cmd.Flags().IntVar(&count, "count", 1000, "number of accounts")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP server (health, metrics, ledger API)",
		Args:  cobra.NoArgs,
		RunE:  withApp(serve),
	}
}

func serve(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
	router := v1.NewRouter(v1.RouterConfig{
		Probe:       a.pool,
		Logger:      a.log,
		Accounts:    a.accounts,
		Streamer:    a.pool,
		ExportQuery: a.repo.ListQuery(),
		Metrics:     promhttp.Handler(),
		Version:     version,
	})

	server := &http.Server{
		Addr:         a.cfg.Admin.Addr,
		Handler:      router,
		ReadTimeout:  a.cfg.Admin.ReadTimeout,
		WriteTimeout: a.cfg.Admin.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infow("admin server starting", "addr", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			a.pool.LogStats(ctx)
		case <-ctx.Done():
			a.log.Info("shutting down admin server...")

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Admin.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			a.log.Info("admin server stopped")
			return nil
		}
	}
}

// --- command bodies ---

var (
	demoAmount = decimal.NewFromInt(100)
	missingID  = int64(999_999)
)

func seedDemo(ctx context.Context, svc *account.Service) error {
	return svc.Seed(ctx,
		account.New(1, "alice", demoAmount),
		account.New(2, "bob", demoAmount),
	)
}

// runScenario resets accounts 1 and 2, runs one scenario and prints its
// outcome and the resulting balances.
func runScenario(ctx context.Context, w io.Writer, svc *account.Service, name string, slow, failAfter time.Duration) error {
	if err := svc.Migrate(ctx); err != nil {
		return err
	}
	if err := seedDemo(ctx, svc); err != nil {
		return err
	}

	t := account.Transfer{From: 1, To: 2, Amount: decimal.NewFromInt(10)}
	var err error
	start := time.Now()
	switch name {
	case "a":
		err = svc.Transfer(ctx, t)
	case "b":
		t.To = missingID
		err = svc.Transfer(ctx, t)
	case "c":
		err = svc.AbortDuringSlowTransfer(ctx, t, slow, failAfter)
	case "d":
		err = svc.CancelTransfer(ctx, t)
	default:
		return fmt.Errorf("unknown scenario %q", name)
	}
	elapsed := time.Since(start).Round(time.Millisecond)

	switch {
	case err != nil:
		fmt.Fprintf(w, "scenario %s: rolled back after %s: %v\n", name, elapsed, err)
	case name == "d":
		fmt.Fprintf(w, "scenario %s: rolled back by work after %s\n", name, elapsed)
	default:
		fmt.Fprintf(w, "scenario %s: committed after %s\n", name, elapsed)
	}
	return printBalances(ctx, w, svc)
}

func printBalances(ctx context.Context, w io.Writer, svc *account.Service) error {
	accounts, err := svc.List(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOWNER\tAMOUNT")
	for _, a := range accounts {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", a.ID, a.Owner, a.Amount.StringFixed(2))
	}
	fmt.Fprintf(tw, "\tTOTAL\t%s\n", account.Total(accounts).StringFixed(2))
	return tw.Flush()
}

// printStream writes rows as they arrive. A failure after some rows were
// printed is returned after them.
func printStream(ctx context.Context, w io.Writer, stream *tx.RowStream) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := false
	for row, err := range stream.All(ctx) {
		if err != nil {
			_ = tw.Flush()
			return err
		}
		if !header {
			for i, name := range stream.Fields() {
				if i > 0 {
					fmt.Fprint(tw, "\t")
				}
				fmt.Fprint(tw, name)
			}
			fmt.Fprintln(tw)
			header = true
		}
		for i, v := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, v)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

// loadAccounts generates count accounts starting at id start and copies them
// in one transaction while they are being produced.
func loadAccounts(ctx context.Context, txm *postgres.TxManager, start int64, count int) (int64, error) {
	if count <= 0 {
		return 0, nil
	}

	var loaded int64
	err := txm.RunInTransaction(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		rows := make(chan []any, 256)
		f := postgres.NewBatchInserter().CopyFromRows(ctx, "accounts", []string{"id", "owner", "amount"}, rows)

		go func() {
			defer close(rows)
			for i := 0; i < count; i++ {
				id := start + int64(i)
				select {
				case rows <- []any{id, fmt.Sprintf("generated-%d", id), decimal.Zero}:
				case <-ctx.Done():
					return
				}
			}
		}()

		res, err := f.Wait()
		loaded = res.RowsAffected
		return err
	})
	return loaded, err
}
