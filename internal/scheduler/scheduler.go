// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler runs a background loop that periodically polls every
// connected mailbox on a bounded pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/mailintake/internal/lock"
	"github.com/bcem/mailintake/internal/models"
)

// ErrAccountBusy is returned by PollAccount when another process holds the
// account's lock.
var ErrAccountBusy = errors.New("account poll already running elsewhere")

// Defaults applied by New to unset Config fields.
const (
	DefaultInterval    = 5 * time.Minute
	DefaultConcurrency = 4
	DefaultJobTimeout  = 10 * time.Minute
)

// AccountLister returns the accounts to poll on each tick.
type AccountLister interface {
	ListConnectedAccounts(ctx context.Context) ([]models.MailboxAccount, error)
}

// Poller runs one ingestion pass for one account.
type Poller interface {
	PollAccount(ctx context.Context, accountID string) (models.PollResult, error)
}

// Locker guards an account against concurrent polls from other processes.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Config holds scheduler settings. Locker is optional.
type Config struct {
	Accounts    AccountLister
	Poller      Poller
	Locker      Locker
	Interval    time.Duration
	Concurrency int

	// JobTimeout bounds one account poll and is the lock TTL.
	JobTimeout time.Duration
}

// Summary counts what one tick did.
type Summary struct {
	Accounts int `json:"accounts"`
	Polled   int `json:"polled"`
	Locked   int `json:"locked"`
	Failed   int `json:"failed"`
	Messages int `json:"messages"`
}

// Scheduler polls all connected accounts on a fixed interval.
type Scheduler struct {
	accounts    AccountLister
	poller      Poller
	locker      Locker
	interval    time.Duration
	concurrency int
	jobTimeout  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		accounts:    cfg.Accounts,
		poller:      cfg.Poller,
		locker:      cfg.Locker,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		jobTimeout:  cfg.JobTimeout,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.jobTimeout <= 0 {
		s.jobTimeout = DefaultJobTimeout
	}
	return s
}

// Start runs a tick immediately and then one per interval in the background.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(loopCtx)
}

// Stop cancels the loop and waits for in-flight polls to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	slog.Info("mailbox scheduler starting",
		"interval", s.interval,
		"concurrency", s.concurrency,
	)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("mailbox scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		slog.Error("scheduler tick failed", "error", err)
	}
}

// RunOnce polls every connected account once. A failing account is logged
// and counted; it does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	accounts, err := s.accounts.ListConnectedAccounts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list connected accounts: %w", err)
	}

	var (
		mu      sync.Mutex
		summary = Summary{Accounts: len(accounts)}
		g       errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, account := range accounts {
		accountID := account.ID
		g.Go(func() error {
			polled, locked, messages, err := s.pollOne(ctx, accountID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failed++
				slog.Error("account poll failed", "account_id", accountID, "error", err)
			case locked:
				summary.Locked++
			case polled:
				summary.Polled++
				summary.Messages += messages
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("scheduler tick complete",
		"accounts", summary.Accounts,
		"polled", summary.Polled,
		"locked", summary.Locked,
		"failed", summary.Failed,
	)
	return summary, nil
}

// pollOne runs one account for a tick. locked is true when another worker
// holds the account.
func (s *Scheduler) pollOne(ctx context.Context, accountID string) (polled, locked bool, messages int, err error) {
	res, err := s.PollAccount(ctx, accountID)
	switch {
	case errors.Is(err, ErrAccountBusy):
		slog.Debug("account poll already running elsewhere", "account_id", accountID)
		return false, true, 0, nil
	case err != nil:
		return false, false, 0, err
	}
	return true, false, res.Processed, nil
}

// PollAccount polls one account under its lock and the job timeout, exactly
// as a tick does. Out-of-band callers use it so they never race the worker.
func (s *Scheduler) PollAccount(ctx context.Context, accountID string) (models.PollResult, error) {
	if err := ctx.Err(); err != nil {
		return models.PollResult{}, err
	}

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, lock.AccountName(accountID), s.jobTimeout)
		if err != nil {
			return models.PollResult{}, fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return models.PollResult{}, ErrAccountBusy
		}
		defer release()
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	return s.poller.PollAccount(jobCtx, accountID)
}
