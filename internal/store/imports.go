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

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bcem/mailintake/internal/models"
)

// AuditExists reports whether a message was already imported for the firm.
func (s *Store) AuditExists(ctx context.Context, firmID, externalMessageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM email_import_audit
			WHERE firm_id = $1 AND external_message_id = $2
		)
	`, firmID, externalMessageID).Scan(&exists)
	return exists, err
}

// CreateInboxEntry inserts the record of a processed message.
func (s *Store) CreateInboxEntry(ctx context.Context, e *models.InboxEntry) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO inbox_entries
			(id, firm_id, account_id, direction, case_id, from_address, from_name,
			 to_addresses, cc_addresses, subject, body_text, body_html,
			 external_message_id, external_thread_id, attachment_count, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at
	`, e.ID, e.FirmID, e.AccountID, e.Direction, e.CaseID, e.FromAddress, e.FromName,
		nonNil(e.ToAddresses), nonNil(e.CcAddresses), e.Subject, e.BodyText, e.BodyHTML,
		e.ExternalMessageID, e.ExternalThreadID, e.AttachmentCount, e.Status, e.ReceivedAt,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert inbox entry: %w", err)
	}
	return nil
}

// CreateDocument inserts a document materialised from an attachment.
func (s *Store) CreateDocument(ctx context.Context, d *models.MaterializedDocument) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO documents
			(id, firm_id, case_id, inbox_entry_id, file_name, content_type,
			 size_bytes, storage_bucket, storage_path, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, d.ID, d.FirmID, d.CaseID, d.InboxEntryID, d.FileName, d.ContentType,
		d.SizeBytes, d.StorageBucket, d.StoragePath, d.Source,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// CreateDownstreamRun inserts the queued analysis run for a document.
func (s *Store) CreateDownstreamRun(ctx context.Context, r *models.DownstreamRun) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO pipeline_runs (id, firm_id, case_id, document_id, status, triggered_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, r.ID, r.FirmID, r.CaseID, r.DocumentID, r.Status, r.TriggeredBy,
	).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pipeline run: %w", err)
	}
	return nil
}

// CreateAuditRecord writes the import audit record. It returns ErrDuplicate
// when the (firm, external message id) pair is already recorded.
func (s *Store) CreateAuditRecord(ctx context.Context, r *models.ImportAuditRecord) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO email_import_audit
			(id, firm_id, account_id, external_message_id, case_id, match_method,
			 match_confidence, status, document_ids, pipeline_run_ids, inbox_entry_id, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (firm_id, external_message_id) DO NOTHING
	`, r.ID, r.FirmID, r.AccountID, r.ExternalMessageID, r.CaseID, r.MatchMethod,
		r.MatchConfidence, string(r.Status), nonNil(r.DocumentIDs), nonNil(r.PipelineRunIDs),
		r.InboxEntryID, r.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("insert import audit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// NotifyMatched writes the case timeline event and the firm notification for
// a matched import in one transaction.
func (s *Store) NotifyMatched(ctx context.Context, m models.MatchedImport) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO case_timeline_events (firm_id, case_id, event_type, title, detail, ref_id, occurred_at)
			VALUES ($1, $2, 'email_received', $3, $4, $5, $6)
		`, m.FirmID, m.CaseID, "Email received: "+m.Subject,
			fmt.Sprintf("From %s, %d document(s) attached", m.FromAddress, m.DocumentCount),
			m.InboxEntryID, m.ImportedAt,
		); err != nil {
			return fmt.Errorf("insert timeline event: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO notifications (firm_id, case_id, kind, title, body)
			VALUES ($1, $2, 'email_matched', $3, $4)
		`, m.FirmID, m.CaseID, "New email matched to case", m.Subject); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		return nil
	})
}

// nonNil keeps NOT NULL array columns from receiving SQL NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
