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

// Package store provides the Postgres-backed persistence for mailbox
// accounts and everything the ingestion pipeline writes: inbox entries,
// import audit records, documents, downstream runs, timeline events and
// notifications.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailintake/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an import audit record already exists
	// for the (firm, external message id) pair.
	ErrDuplicate = errors.New("store: duplicate import")
)

// Store provides persistence operations in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store backed by the given Postgres pool.
// It ensures the ingestion tables exist on creation.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ingestion schema: %w", err)
	}
	slog.Info("ingestion store initialised")
	return s, nil
}

// Ping checks the Postgres connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mailbox_accounts (
			id               TEXT PRIMARY KEY,
			firm_id          TEXT NOT NULL,
			email_address    TEXT NOT NULL DEFAULT '',
			access_token     TEXT NOT NULL DEFAULT '',
			refresh_token    TEXT NOT NULL DEFAULT '',
			token_expires_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			status           TEXT NOT NULL DEFAULT 'connected',
			status_reason    TEXT NOT NULL DEFAULT '',
			last_sync_at     TIMESTAMPTZ,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_mailbox_accounts_status ON mailbox_accounts(status);

		CREATE TABLE IF NOT EXISTS inbox_entries (
			id                  TEXT PRIMARY KEY,
			firm_id             TEXT NOT NULL,
			account_id          TEXT NOT NULL,
			direction           TEXT NOT NULL,
			case_id             TEXT,
			from_address        TEXT NOT NULL DEFAULT '',
			from_name           TEXT NOT NULL DEFAULT '',
			to_addresses        TEXT[] NOT NULL DEFAULT '{}',
			cc_addresses        TEXT[] NOT NULL DEFAULT '{}',
			subject             TEXT NOT NULL DEFAULT '',
			body_text           TEXT NOT NULL DEFAULT '',
			body_html           TEXT NOT NULL DEFAULT '',
			external_message_id TEXT NOT NULL,
			external_thread_id  TEXT NOT NULL DEFAULT '',
			attachment_count    INT NOT NULL DEFAULT 0,
			status              TEXT NOT NULL,
			received_at         TIMESTAMPTZ,
			created_at          TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_inbox_entries_case ON inbox_entries(case_id);

		CREATE TABLE IF NOT EXISTS email_import_audit (
			id                  TEXT PRIMARY KEY,
			firm_id             TEXT NOT NULL,
			account_id          TEXT NOT NULL,
			external_message_id TEXT NOT NULL,
			case_id             TEXT,
			match_method        TEXT NOT NULL DEFAULT '',
			match_confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
			status              TEXT NOT NULL,
			document_ids        TEXT[] NOT NULL DEFAULT '{}',
			pipeline_run_ids    TEXT[] NOT NULL DEFAULT '{}',
			inbox_entry_id      TEXT NOT NULL,
			processed_at        TIMESTAMPTZ NOT NULL,
			UNIQUE(firm_id, external_message_id)
		);

		CREATE TABLE IF NOT EXISTS documents (
			id             TEXT PRIMARY KEY,
			firm_id        TEXT NOT NULL,
			case_id        TEXT NOT NULL,
			inbox_entry_id TEXT NOT NULL,
			file_name      TEXT NOT NULL,
			content_type   TEXT NOT NULL DEFAULT '',
			size_bytes     BIGINT NOT NULL DEFAULT 0,
			storage_bucket TEXT NOT NULL,
			storage_path   TEXT NOT NULL,
			source         TEXT NOT NULL,
			created_at     TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_documents_case ON documents(case_id);

		CREATE TABLE IF NOT EXISTS pipeline_runs (
			id           TEXT PRIMARY KEY,
			firm_id      TEXT NOT NULL,
			case_id      TEXT NOT NULL,
			document_id  TEXT NOT NULL UNIQUE,
			status       TEXT NOT NULL,
			triggered_by TEXT NOT NULL,
			created_at   TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS case_timeline_events (
			id          BIGSERIAL PRIMARY KEY,
			firm_id     TEXT NOT NULL,
			case_id     TEXT NOT NULL,
			event_type  TEXT NOT NULL,
			title       TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			ref_id      TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS notifications (
			id         BIGSERIAL PRIMARY KEY,
			firm_id    TEXT NOT NULL,
			case_id    TEXT,
			kind       TEXT NOT NULL,
			title      TEXT NOT NULL,
			body       TEXT NOT NULL DEFAULT '',
			read       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_firm ON notifications(firm_id, read);
	`)
	return err
}

const accountColumns = `id, firm_id, email_address, access_token, refresh_token,
	token_expires_at, status, status_reason, last_sync_at, created_at, updated_at`

// GetAccount retrieves a single mailbox account.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.MailboxAccount, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM mailbox_accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

// ListConnectedAccounts returns every account currently able to ingest.
func (s *Store) ListConnectedAccounts(ctx context.Context) ([]models.MailboxAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+`
		FROM mailbox_accounts
		WHERE status = $1
		ORDER BY last_sync_at NULLS FIRST, id
	`, string(models.AccountConnected))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.MailboxAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// SaveTokens persists a refreshed token pair.
func (s *Store) SaveTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailbox_accounts
		SET access_token = $1, refresh_token = $2, token_expires_at = $3, updated_at = NOW()
		WHERE id = $4
	`, accessToken, refreshToken, expiresAt, accountID)
	return err
}

// MarkAccountError flips an account to error after an unrecoverable auth failure.
func (s *Store) MarkAccountError(ctx context.Context, accountID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailbox_accounts
		SET status = $1, status_reason = $2, updated_at = NOW()
		WHERE id = $3
	`, string(models.AccountError), reason, accountID)
	return err
}

// UpdateLastSync advances the account's sync watermark.
func (s *Store) UpdateLastSync(ctx context.Context, accountID string, syncedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailbox_accounts
		SET last_sync_at = $1, updated_at = NOW()
		WHERE id = $2
	`, syncedAt, accountID)
	return err
}

// scanAccount scans a single row into a MailboxAccount.
func scanAccount(row pgx.Row) (*models.MailboxAccount, error) {
	var a models.MailboxAccount
	var status string
	err := row.Scan(
		&a.ID, &a.FirmID, &a.EmailAddress, &a.AccessToken, &a.RefreshToken,
		&a.TokenExpiresAt, &status, &a.StatusReason, &a.LastSyncAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = models.AccountStatus(status)
	return &a, nil
}
