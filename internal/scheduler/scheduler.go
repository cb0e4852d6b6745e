// Package scheduler dispatches per-account units of work on a fixed,
// wall-clock aligned interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/accountant/internal/lock"
	"github.com/atmx/accountant/internal/model"
)

// AccountLister lists the accounts to dispatch on every tick.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]model.Account, error)
}

// Job is one unit of work for one account.
type Job func(ctx context.Context, accountID string) error

// Scheduler runs a job for every account once per interval. Accounts run
// in parallel up to the worker limit; a failing account is logged and
// retried wholesale on the next tick.
type Scheduler struct {
	name     string
	interval time.Duration
	workers  int
	accounts AccountLister
	job      Job
	log      *slog.Logger
	now      func() time.Time
}

// New creates a scheduler named after the operation it runs.
func New(name string, interval time.Duration, workers int, accounts AccountLister, job Job, log *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		workers:  workers,
		accounts: accounts,
		job:      job,
		log:      log.With("scheduler", name),
		now:      time.Now,
	}
}

// next returns the wait until the next interval boundary.
func (s *Scheduler) next() time.Duration {
	now := s.now()
	return now.Truncate(s.interval).Add(s.interval).Sub(now)
}

// Start blocks, running a tick on every interval boundary until ctx is
// canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	wait := s.next()
	s.log.Info("scheduler started", "interval", s.interval, "first_run_in", wait.Round(time.Second))

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(s.next())
		}
	}
}

// Tick dispatches the job for every account and waits for all of them. It
// returns the number of accounts that failed.
func (s *Scheduler) Tick(ctx context.Context) int {
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		s.log.Error("list accounts", "err", err)
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	failures := make(chan string, len(accounts))

	for _, acct := range accounts {
		acct := acct
		g.Go(func() error {
			err := s.job(gctx, acct.ID)
			switch {
			case err == nil:
			case errors.Is(err, lock.ErrLocked):
				s.log.Info("account busy, skipped", "account", acct.Name)
			default:
				s.log.Error("account failed", "account", acct.Name, "err", err)
				failures <- acct.ID
			}
			// One account's failure never cancels the others.
			return nil
		})
	}
	g.Wait()
	close(failures)
	return len(failures)
}
