// Package main is the entry point for the txcoord command line tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"txcoord/internal/config"
	appctx "txcoord/internal/core/context"
	"txcoord/internal/core/tx"
	"txcoord/internal/domain/account"
	"txcoord/internal/infrastructure/metrics"
	"txcoord/internal/infrastructure/storage/postgres"
	"txcoord/internal/infrastructure/storage/postgres/account_repo"
	"txcoord/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds the wired dependencies shared by every subcommand.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	pool     *postgres.Pool
	metrics  *metrics.Metrics
	txm      *postgres.TxManager
	repo     *account_repo.Repo
	accounts *account.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		Fields:      map[string]any{"app": "txcoord", "version": version},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	poolCfg := postgres.DefaultPoolConfig(cfg.Database.URL)
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = cfg.Database.MinConns
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.Database.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := postgres.NewPool(logger.WithLogger(ctx, log), poolCfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	txm := postgres.NewTxManager(pool, tx.WithObserver(tx.Observers(m, tx.LogObserver{}))).
		WithDefaults(postgres.TxOptions{
			IsolationLevel:   cfg.Tx.Isolation,
			AccessMode:       pgx.ReadWrite,
			StatementTimeout: cfg.Tx.StatementTimeout,
		})
	repo := account_repo.NewRepo()

	log.Infow("database connection established",
		"max_conns", poolCfg.MaxConns,
		"isolation", cfg.Tx.Isolation,
		"statement_timeout", cfg.Tx.StatementTimeout,
	)

	return &app{
		cfg:      cfg,
		log:      log,
		pool:     pool,
		metrics:  m,
		txm:      txm,
		repo:     repo,
		accounts: account.NewService(repo, txm.DefaultRunner()),
	}, nil
}

func (a *app) Close() {
	a.pool.Close()
	_ = a.log.Sync()
}

// withApp wires the application for one command run and tears it down after.
func withApp(run func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := appctx.WithTrace(cmd.Context(), appctx.NewTraceContext())
		ctx = logger.WithLogger(ctx, a.log)
		return run(ctx, a, cmd, args)
	}
}
