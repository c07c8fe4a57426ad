package account

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"txcoord/internal/core/apperror"
	"txcoord/internal/core/tx"
	"txcoord/pkg/logger"
)

// ErrAborted is returned by AbortDuringSlowTransfer once its timer fires.
var ErrAborted = errors.New("transfer aborted by timer")

// Service runs ledger operations as coordinated transactions.
type Service struct {
	repo   Repository
	runner *tx.Runner
}

// NewService creates a new account service.
func NewService(repo Repository, runner *tx.Runner) *Service {
	return &Service{repo: repo, runner: runner}
}

// Migrate creates the schema.
func (s *Service) Migrate(ctx context.Context) error {
	_, err := tx.Transactional(ctx, s.runner, func(ctx context.Context, _ *tx.Tx) (tx.Result, error) {
		return s.repo.EnsureSchema(ctx).Wait()
	})
	return err
}

// Seed upserts accounts in one transaction, all statements dispatched at once.
func (s *Service) Seed(ctx context.Context, accounts ...*Account) error {
	for _, a := range accounts {
		if err := a.Validate(); err != nil {
			return err
		}
	}

	_, err := tx.Transactional(ctx, s.runner, func(ctx context.Context, _ *tx.Tx) ([]tx.Result, error) {
		futures := make([]*tx.Future, len(accounts))
		for i, a := range accounts {
			futures[i] = s.repo.Upsert(ctx, a)
		}
		return tx.WaitAll(futures...)
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "accounts seeded", "count", len(accounts))
	return nil
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, id int64) (*Account, error) {
	return tx.Transactional(ctx, s.runner, func(ctx context.Context, _ *tx.Tx) (*Account, error) {
		return s.repo.Get(ctx, id)
	})
}

// List returns every account ordered by id.
func (s *Service) List(ctx context.Context) ([]Account, error) {
	return tx.Transactional(ctx, s.runner, func(ctx context.Context, _ *tx.Tx) ([]Account, error) {
		return s.repo.List(ctx)
	})
}

// Transfer debits and credits concurrently and commits only if both accounts
// exist. A missing account rolls the whole transfer back with NOT_FOUND.
func (s *Service) Transfer(ctx context.Context, t Transfer) error {
	if err := t.Validate(); err != nil {
		return err
	}

	_, err := tx.Transactional(ctx, s.runner, func(ctx context.Context, _ *tx.Tx) (struct{}, error) {
		return struct{}{}, s.dispatchTransfer(ctx, t)
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "transfer committed", "from", t.From, "to", t.To, "amount", t.Amount.String())
	return nil
}

// AbortDuringSlowTransfer dispatches a transfer behind a statement that holds
// the connection for slow, then fails after failAfter without waiting for it.
// The rollback is only issued once the transfer has been applied, so nothing
// it did survives.
func (s *Service) AbortDuringSlowTransfer(ctx context.Context, t Transfer, slow, failAfter time.Duration) error {
	if err := t.Validate(); err != nil {
		return err
	}

	_, err := tx.Transactional(ctx, s.runner, func(ctx context.Context, _ *tx.Tx) (struct{}, error) {
		s.repo.Sleep(ctx, slow)
		s.repo.AddAmount(ctx, t.From, t.Amount.Neg())
		s.repo.AddAmount(ctx, t.To, t.Amount)

		timer := time.NewTimer(failAfter)
		defer timer.Stop()
		select {
		case <-timer.C:
			return struct{}{}, ErrAborted
		case <-ctx.Done():
			return struct{}{}, ctx.Err()
		}
	})
	return err
}

// CancelTransfer applies a transfer and then rolls it back explicitly. The
// Runner sees the rollback and does not issue another one.
func (s *Service) CancelTransfer(ctx context.Context, t Transfer) error {
	if err := t.Validate(); err != nil {
		return err
	}

	_, err := tx.Transactional(ctx, s.runner, func(ctx context.Context, txn *tx.Tx) (struct{}, error) {
		if err := s.dispatchTransfer(ctx, t); err != nil {
			return struct{}{}, err
		}
		logger.Info(ctx, "cancelling applied transfer", "from", t.From, "to", t.To)
		return struct{}{}, txn.Rollback(ctx).Err()
	})
	return err
}

func (s *Service) dispatchTransfer(ctx context.Context, t Transfer) error {
	ids := []int64{t.From, t.To}
	results, err := tx.WaitAll(
		s.repo.AddAmount(ctx, t.From, t.Amount.Neg()),
		s.repo.AddAmount(ctx, t.To, t.Amount),
	)
	if err != nil {
		return err
	}
	for i, res := range results {
		if res.RowsAffected == 0 {
			return apperror.NewNotFound("account", ids[i])
		}
	}
	return nil
}

// Total sums the amounts of accounts.
func Total(accounts []Account) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range accounts {
		sum = sum.Add(a.Amount)
	}
	return sum
}
