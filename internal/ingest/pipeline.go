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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/bcem/mailintake/internal/models"
	"github.com/bcem/mailintake/internal/store"
)

const (
	// previewLimit caps the body text sent to the matcher, in runes.
	previewLimit = 500

	directionInbound  = "inbound"
	entryReceived     = "received"
	documentSource    = "email"
	runQueued         = "queued"
	triggeredByIngest = "email_ingestion"
)

type messageOutcome int

const (
	messageImported messageOutcome = iota
	messageSkipped
)

func newID() string {
	return uuid.NewString()
}

// processMessage imports one message. It is a no-op for a message whose
// external ID already has an audit record for the firm.
func (w *Worker) processMessage(ctx context.Context, account *models.MailboxAccount, msg *models.InboundMessage) (messageOutcome, error) {
	log := slog.With(
		"account_id", account.ID,
		"firm_id", account.FirmID,
		"message_id", msg.ID,
	)

	dup, err := w.alreadyImported(ctx, account.FirmID, msg.ID)
	if err != nil {
		return messageImported, err
	}
	if dup {
		log.Debug("message already imported")
		return messageSkipped, nil
	}

	match, err := w.matcher.Match(ctx, account.FirmID, models.MatchInput{
		FromAddress: msg.From.Address,
		Subject:     msg.Subject,
		BodyText:    preview(msg),
	})
	if err != nil {
		return messageImported, fmt.Errorf("match message: %w", err)
	}

	// Attachments are only fetched for matched mail. A failure here, an auth
	// failure included, still leaves the message imported without documents.
	var attachments []models.Attachment
	var attachErr error
	if match != nil && msg.HasAttachments {
		attachments, attachErr = w.usableAttachments(ctx, account, msg.ID)
	}

	entry := &models.InboxEntry{
		ID:                w.newID(),
		FirmID:            account.FirmID,
		AccountID:         account.ID,
		Direction:         directionInbound,
		FromAddress:       msg.From.Address,
		FromName:          msg.From.Name,
		ToAddresses:       models.Addresses(msg.To),
		CcAddresses:       models.Addresses(msg.Cc),
		Subject:           msg.Subject,
		BodyText:          msg.BodyText,
		BodyHTML:          msg.BodyHTML,
		ExternalMessageID: msg.ID,
		ExternalThreadID:  msg.ThreadID,
		AttachmentCount:   len(attachments),
		Status:            entryReceived,
		ReceivedAt:        msg.ReceivedAt,
	}
	if match != nil {
		caseID := match.CaseID
		entry.CaseID = &caseID
	}
	if err := w.store.CreateInboxEntry(ctx, entry); err != nil {
		return messageImported, err
	}

	var docIDs, runIDs []string
	if attachErr == nil && len(attachments) > 0 {
		docIDs, runIDs, attachErr = w.materializeAttachments(ctx, account, entry, attachments, match.CaseID)
	}
	if attachErr != nil {
		log.Warn("attachment import stopped early",
			"case_id", match.CaseID,
			"documents", len(docIDs),
			"error", attachErr,
		)
	}

	record := &models.ImportAuditRecord{
		ID:                w.newID(),
		FirmID:            account.FirmID,
		AccountID:         account.ID,
		ExternalMessageID: msg.ID,
		Status:            models.DeriveImportStatus(match != nil, len(docIDs)),
		DocumentIDs:       docIDs,
		PipelineRunIDs:    runIDs,
		InboxEntryID:      entry.ID,
		ProcessedAt:       w.now(),
	}
	if match != nil {
		caseID := match.CaseID
		record.CaseID = &caseID
		record.MatchMethod = match.Method
		record.MatchConfidence = match.Confidence
	}
	if err := w.store.CreateAuditRecord(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			log.Warn("message imported concurrently, keeping the existing audit record")
			return messageSkipped, nil
		}
		return messageImported, err
	}

	w.remember(ctx, log, account.FirmID, msg.ID)

	if match != nil {
		w.notify(ctx, log, models.MatchedImport{
			FirmID:        account.FirmID,
			AccountID:     account.ID,
			CaseID:        match.CaseID,
			InboxEntryID:  entry.ID,
			AuditRecordID: record.ID,
			MessageID:     msg.ID,
			Subject:       msg.Subject,
			FromAddress:   msg.From.Address,
			DocumentCount: len(docIDs),
			Status:        string(record.Status),
			ImportedAt:    record.ProcessedAt,
		})
	}

	w.markRead(ctx, log, account, msg)

	log.Info("message imported",
		"status", record.Status,
		"documents", len(docIDs),
	)
	return messageImported, nil
}

// alreadyImported checks the seen-cache first and the audit table second.
// A cache error falls through to the table.
func (w *Worker) alreadyImported(ctx context.Context, firmID, messageID string) (bool, error) {
	if w.seen != nil {
		seen, err := w.seen.Seen(ctx, firmID, messageID)
		if err == nil && seen {
			return true, nil
		}
		if err != nil {
			slog.Warn("seen-cache lookup failed", "firm_id", firmID, "message_id", messageID, "error", err)
		}
	}

	exists, err := w.store.AuditExists(ctx, firmID, messageID)
	if err != nil {
		return false, fmt.Errorf("check import audit: %w", err)
	}
	return exists, nil
}

// usableAttachments lists the message's attachments, keeping only those that
// may become documents.
func (w *Worker) usableAttachments(ctx context.Context, account *models.MailboxAccount, messageID string) ([]models.Attachment, error) {
	all, err := w.provider.ListAttachments(ctx, account, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	var usable []models.Attachment
	for _, att := range all {
		if att.Usable() {
			usable = append(usable, att)
		}
	}
	return usable, nil
}

// materializeAttachments turns each attachment into a stored document with a
// queued analysis run. The first upload or insert failure stops the loop; the
// IDs created before it are returned with the error.
func (w *Worker) materializeAttachments(ctx context.Context, account *models.MailboxAccount, entry *models.InboxEntry, attachments []models.Attachment, caseID string) (docIDs, runIDs []string, err error) {
	for index, att := range attachments {
		objectPath := ObjectPath(account.FirmID, caseID, entry.ID, index, att.Name)

		if err := w.uploader.Upload(ctx, objectPath, att.ContentType, att.Content); err != nil {
			return docIDs, runIDs, fmt.Errorf("upload %q: %w", att.Name, err)
		}

		doc := &models.MaterializedDocument{
			ID:            w.newID(),
			FirmID:        account.FirmID,
			CaseID:        caseID,
			InboxEntryID:  entry.ID,
			FileName:      att.Name,
			ContentType:   att.ContentType,
			SizeBytes:     att.Size,
			StorageBucket: w.uploader.Bucket(),
			StoragePath:   objectPath,
			Source:        documentSource,
		}
		if err := w.store.CreateDocument(ctx, doc); err != nil {
			return docIDs, runIDs, fmt.Errorf("create document %q: %w", att.Name, err)
		}
		docIDs = append(docIDs, doc.ID)

		run := &models.DownstreamRun{
			ID:          w.newID(),
			FirmID:      account.FirmID,
			CaseID:      caseID,
			DocumentID:  doc.ID,
			Status:      runQueued,
			TriggeredBy: triggeredByIngest,
		}
		if err := w.store.CreateDownstreamRun(ctx, run); err != nil {
			return docIDs, runIDs, fmt.Errorf("create pipeline run for %q: %w", att.Name, err)
		}
		runIDs = append(runIDs, run.ID)

		if err := w.trigger.Start(ctx, models.TriggerRequest{
			RunID:       run.ID,
			FirmID:      account.FirmID,
			CaseID:      caseID,
			DocumentID:  doc.ID,
			TriggeredBy: triggeredByIngest,
		}); err != nil {
			slog.Warn("failed to trigger document analysis",
				"document_id", doc.ID,
				"run_id", run.ID,
				"error", err,
			)
		}
	}

	return docIDs, runIDs, nil
}

func (w *Worker) remember(ctx context.Context, log *slog.Logger, firmID, messageID string) {
	if w.seen == nil {
		return
	}
	if err := w.seen.Remember(ctx, firmID, messageID); err != nil {
		log.Warn("failed to update seen-cache", "error", err)
	}
}

// notify fans a matched import out to every notifier. Failures are logged
// and discarded; the import itself is already recorded.
func (w *Worker) notify(ctx context.Context, log *slog.Logger, m models.MatchedImport) {
	for _, n := range w.notifiers {
		if err := n.NotifyMatched(ctx, m); err != nil {
			log.Warn("failed to notify matched import",
				"case_id", m.CaseID,
				"notifier", fmt.Sprintf("%T", n),
				"error", err,
			)
		}
	}
}

// markRead flags the source message as read. Failure is logged and discarded.
func (w *Worker) markRead(ctx context.Context, log *slog.Logger, account *models.MailboxAccount, msg *models.InboundMessage) {
	if msg.IsRead || !account.Connected() {
		return
	}
	if err := w.provider.MarkRead(ctx, account, msg.ID); err != nil {
		log.Warn("failed to mark message read", "error", err)
	}
}

// ObjectPath is the storage location of the index-th attachment of an inbox
// entry. It is deterministic so a retried upload overwrites rather than
// duplicates.
func ObjectPath(firmID, caseID, entryID string, index int, name string) string {
	return fmt.Sprintf("firms/%s/cases/%s/email/%s/%d-%s", firmID, caseID, entryID, index, safeName(name))
}

var nameReplacer = strings.NewReplacer("/", "_", "\\", "_", "\x00", "")

func safeName(name string) string {
	name = strings.TrimSpace(nameReplacer.Replace(name))
	if name == "" || name == "." || name == ".." {
		return "attachment"
	}
	return name
}

// preview is the body text handed to the matcher.
func preview(msg *models.InboundMessage) string {
	text := msg.BodyText
	if text == "" {
		text = msg.BodyPreview
	}
	if r := []rune(text); len(r) > previewLimit {
		return string(r[:previewLimit])
	}
	return text
}
