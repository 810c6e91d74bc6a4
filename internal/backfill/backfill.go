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
// Package backfill provides historical email ingestion: it walks a mailbox
// forward from a past date through the normal import pipeline, one
// page-capped batch at a time, without moving the account's watermark.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/mailintake/internal/graph"
	"github.com/bcem/mailintake/internal/lock"
	"github.com/bcem/mailintake/internal/models"
)

const (
	defaultLockTTL = 10 * time.Minute

	// lockAttempts bounds how long a batch waits for a busy account, in
	// page delays.
	lockAttempts = 20
)

// ErrAccountBusy means the account stayed locked by another poller.
var ErrAccountBusy = errors.New("account locked by another poller")

// Importer imports one batch of messages received at or after since.
type Importer interface {
	ImportSince(ctx context.Context, accountID string, since time.Time) (models.PollResult, time.Time, error)
}

// Locker serialises work on one account with the scheduled worker.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// BackfillRequest defines the scope of a historical ingestion run.
type BackfillRequest struct {
	AccountIDs []string
	Since      time.Duration // lookback window (e.g. 168h = 1 week)
}

// BackfillResult summarises a completed backfill run.
type BackfillResult struct {
	AccountResults []AccountResult `json:"accounts"`
	TotalNew       int             `json:"total_new"`
	TotalSkipped   int             `json:"total_skipped"`
	Elapsed        time.Duration   `json:"elapsed"`
}

// AccountResult tracks per-account backfill progress.
type AccountResult struct {
	AccountID string `json:"account_id"`
	Batches   int    `json:"batches"`
	Imported  int    `json:"imported"`
	Skipped   int    `json:"skipped"`
	Errors    int    `json:"errors"`
	Halted    string `json:"halted,omitempty"`
}

// Runner performs historical email backfill.
type Runner struct {
	importer  Importer
	locker    Locker
	lockTTL   time.Duration
	batchSize int
	pageDelay time.Duration // delay between batches to avoid throttling
	now       func() time.Time
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Importer  Importer
	Locker    Locker        // optional; each batch holds the account lock
	LockTTL   time.Duration // defaults to 10m
	BatchSize int
	PageDelay time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.PageDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	size := cfg.BatchSize
	if size <= 0 {
		size = graph.MaxMessagesPerPoll
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Runner{
		importer:  cfg.Importer,
		locker:    cfg.Locker,
		lockTTL:   ttl,
		batchSize: size,
		pageDelay: delay,
		now:       time.Now,
	}
}

// Run performs the backfill for all requested accounts. A failing account
// is logged and recorded; the others still run.
func (r *Runner) Run(ctx context.Context, req BackfillRequest) (*BackfillResult, error) {
	start := r.now()
	since := start.UTC().Add(-req.Since)

	slog.Info("starting historical backfill",
		"accounts", len(req.AccountIDs),
		"since", since.Format(time.RFC3339),
	)

	result := &BackfillResult{}

	for _, accountID := range req.AccountIDs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		ar, err := r.backfillAccount(ctx, accountID, since)
		if err != nil {
			slog.Error("backfill failed for account",
				"account_id", accountID,
				"error", err,
			)
			ar.Errors++
			ar.Halted = err.Error()
		}

		result.AccountResults = append(result.AccountResults, ar)
		result.TotalNew += ar.Imported
		result.TotalSkipped += ar.Skipped
	}

	result.Elapsed = r.now().Sub(start)

	slog.Info("historical backfill complete",
		"total_new", result.TotalNew,
		"total_skipped", result.TotalSkipped,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// backfillAccount imports batches until one comes back short of the page cap.
// Each batch resumes at the newest receive time of the previous one; the
// boundary message is fetched twice and deduplicated by the pipeline.
func (r *Runner) backfillAccount(ctx context.Context, accountID string, since time.Time) (AccountResult, error) {
	ar := AccountResult{AccountID: accountID}

	for {
		if ar.Batches > 0 {
			select {
			case <-ctx.Done():
				return ar, ctx.Err()
			case <-time.After(r.pageDelay):
			}
		}

		res, newest, err := r.importBatch(ctx, accountID, since)
		if err != nil {
			return ar, fmt.Errorf("batch %d: %w", ar.Batches, err)
		}
		ar.Batches++
		ar.Imported += res.Processed
		ar.Skipped += res.Skipped
		ar.Errors += res.Errored

		slog.Debug("backfill batch imported",
			"account_id", accountID,
			"batch", ar.Batches,
			"since", since.Format(time.RFC3339),
			"total", res.Total,
		)

		if res.Outcome != models.PollCompleted {
			ar.Halted = string(res.Outcome)
			return ar, nil
		}
		if res.Total < r.batchSize {
			return ar, nil
		}
		if !newest.After(since) {
			// A full batch that all shares one timestamp cannot be paged past.
			ar.Halted = "stalled at " + since.Format(time.RFC3339)
			return ar, nil
		}
		since = newest
	}
}

// importBatch runs one ImportSince under the account lock, waiting a page
// delay between attempts while the scheduled worker holds it.
func (r *Runner) importBatch(ctx context.Context, accountID string, since time.Time) (models.PollResult, time.Time, error) {
	if r.locker == nil {
		return r.importer.ImportSince(ctx, accountID, since)
	}

	for attempt := 0; attempt < lockAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return models.PollResult{}, time.Time{}, ctx.Err()
			case <-time.After(r.pageDelay):
			}
		}

		release, ok, err := r.locker.Acquire(ctx, lock.AccountName(accountID), r.lockTTL)
		if err != nil {
			return models.PollResult{}, time.Time{}, fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			slog.Debug("account busy, waiting", "account_id", accountID, "attempt", attempt+1)
			continue
		}
		res, newest, err := r.importer.ImportSince(ctx, accountID, since)
		release()
		return res, newest, err
	}
	return models.PollResult{}, time.Time{}, ErrAccountBusy
}
