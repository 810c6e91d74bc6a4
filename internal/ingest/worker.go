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

// Package ingest implements the per-account poll: fetch new messages from
// the mailbox, run each through an idempotent import pipeline, and advance
// the account's sync watermark.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/mailintake/internal/models"
	"github.com/bcem/mailintake/internal/token"
)

// DefaultWindow is how far back the first poll of an account reaches.
const DefaultWindow = 24 * time.Hour

// Store is the persistence the worker needs.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*models.MailboxAccount, error)
	UpdateLastSync(ctx context.Context, accountID string, syncedAt time.Time) error
	AuditExists(ctx context.Context, firmID, externalMessageID string) (bool, error)
	CreateInboxEntry(ctx context.Context, e *models.InboxEntry) error
	CreateDocument(ctx context.Context, d *models.MaterializedDocument) error
	CreateDownstreamRun(ctx context.Context, r *models.DownstreamRun) error
	CreateAuditRecord(ctx context.Context, r *models.ImportAuditRecord) error
}

// Provider reads and updates the remote mailbox.
type Provider interface {
	ListNewMessages(ctx context.Context, account *models.MailboxAccount, since time.Time) ([]models.InboundMessage, error)
	ListAttachments(ctx context.Context, account *models.MailboxAccount, messageID string) ([]models.Attachment, error)
	MarkRead(ctx context.Context, account *models.MailboxAccount, messageID string) error
}

// Matcher links a message to a case. A nil result means no match.
type Matcher interface {
	Match(ctx context.Context, firmID string, in models.MatchInput) (*models.MatchResult, error)
}

// Uploader writes attachment bytes to object storage.
type Uploader interface {
	Bucket() string
	Upload(ctx context.Context, objectPath, contentType string, data []byte) error
}

// Trigger starts downstream analysis of a document.
type Trigger interface {
	Start(ctx context.Context, req models.TriggerRequest) error
}

// Notifier is told about every matched import. Failures are logged and
// otherwise ignored.
type Notifier interface {
	NotifyMatched(ctx context.Context, m models.MatchedImport) error
}

// SeenCache short-circuits the audit lookup for messages already imported.
type SeenCache interface {
	Seen(ctx context.Context, firmID, messageID string) (bool, error)
	Remember(ctx context.Context, firmID, messageID string) error
}

// WorkerConfig holds the worker's collaborators. Seen and Notifiers are
// optional.
type WorkerConfig struct {
	Store     Store
	Provider  Provider
	Matcher   Matcher
	Uploader  Uploader
	Trigger   Trigger
	Notifiers []Notifier
	Seen      SeenCache

	// Window is how far back an account that has never synced is read.
	Window time.Duration
}

// Worker polls one account per PollAccount call. It is safe for concurrent
// use across different accounts.
type Worker struct {
	store     Store
	provider  Provider
	matcher   Matcher
	uploader  Uploader
	trigger   Trigger
	notifiers []Notifier
	seen      SeenCache
	window    time.Duration

	now   func() time.Time
	newID func() string
}

// NewWorker creates an ingestion worker.
func NewWorker(cfg WorkerConfig) *Worker {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Worker{
		store:     cfg.Store,
		provider:  cfg.Provider,
		matcher:   cfg.Matcher,
		uploader:  cfg.Uploader,
		trigger:   cfg.Trigger,
		notifiers: cfg.Notifiers,
		seen:      cfg.Seen,
		window:    window,
		now:       time.Now,
		newID:     newID,
	}
}

// PollAccount runs one ingestion pass for the account.
//
// An account that is not connected yields a skipped result. An auth failure
// yields an auth_failure result without advancing the watermark; both return
// a nil error. Any other fetch failure is returned. Failures of individual
// messages are counted in the result and never abort the batch.
func (w *Worker) PollAccount(ctx context.Context, accountID string) (models.PollResult, error) {
	result, _, err := w.run(ctx, accountID, nil, true)
	return result, err
}

// ImportSince imports messages received at or after since through the same
// pipeline as PollAccount but leaves the watermark alone. newest is the
// latest receive time in the batch, for callers paging through history.
func (w *Worker) ImportSince(ctx context.Context, accountID string, since time.Time) (result models.PollResult, newest time.Time, err error) {
	return w.run(ctx, accountID, &since, false)
}

func (w *Worker) run(ctx context.Context, accountID string, from *time.Time, advance bool) (models.PollResult, time.Time, error) {
	result := models.PollResult{AccountID: accountID}
	var newest time.Time

	account, err := w.store.GetAccount(ctx, accountID)
	if err != nil {
		return result, newest, fmt.Errorf("load account %s: %w", accountID, err)
	}

	if !account.Connected() {
		slog.Info("skipping account that is not connected",
			"account_id", accountID,
			"status", account.Status,
		)
		result.Outcome = models.PollSkipped
		return result, newest, nil
	}

	since := w.now().Add(-w.window)
	switch {
	case from != nil:
		since = *from
	case account.LastSyncAt != nil:
		since = *account.LastSyncAt
	}

	fetchedAt := w.now()
	result.FetchedAt = fetchedAt

	messages, err := w.provider.ListNewMessages(ctx, account, since)
	if err != nil {
		if token.IsAuthError(err) {
			slog.Warn("mailbox auth failed, poll aborted",
				"account_id", accountID,
				"firm_id", account.FirmID,
				"error", err,
			)
			result.Outcome = models.PollAuthFailure
			return result, newest, nil
		}
		return result, newest, fmt.Errorf("fetch messages for %s: %w", accountID, err)
	}
	result.Total = len(messages)

	for i := range messages {
		if ctx.Err() != nil {
			return result, newest, ctx.Err()
		}

		msg := &messages[i]
		if msg.ReceivedAt.After(newest) {
			newest = msg.ReceivedAt
		}

		outcome, err := w.processSafely(ctx, account, msg)
		switch {
		case err != nil:
			result.Errored++
			slog.Error("failed to import message",
				"account_id", accountID,
				"firm_id", account.FirmID,
				"message_id", msg.ID,
				"error", err,
			)
		case outcome == messageSkipped:
			result.Skipped++
		default:
			result.Processed++
		}

		// A 401 anywhere in the pipeline flips the account; the rest of the
		// batch would fail the same way.
		if !account.Connected() || token.IsAuthError(err) {
			slog.Warn("mailbox auth failed mid-batch, poll aborted",
				"account_id", accountID,
				"firm_id", account.FirmID,
				"processed", result.Processed,
			)
			result.Outcome = models.PollAuthFailure
			return result, newest, nil
		}
	}

	if advance {
		if err := w.store.UpdateLastSync(ctx, accountID, fetchedAt); err != nil {
			return result, newest, fmt.Errorf("advance watermark for %s: %w", accountID, err)
		}
	}

	result.Outcome = models.PollCompleted
	slog.Info("mailbox poll complete",
		"account_id", accountID,
		"firm_id", account.FirmID,
		"total", result.Total,
		"processed", result.Processed,
		"skipped", result.Skipped,
		"errored", result.Errored,
	)
	return result, newest, nil
}

// processSafely runs the message pipeline, turning a panic into an error so
// one message cannot take down the batch.
func (w *Worker) processSafely(ctx context.Context, account *models.MailboxAccount, msg *models.InboundMessage) (outcome messageOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic importing message: %v", r)
		}
	}()
	return w.processMessage(ctx, account, msg)
}
