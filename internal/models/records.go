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

package models

import "time"

// ImportStatus is the outcome recorded on an ImportAuditRecord.
type ImportStatus string

const (
	ImportCompleted ImportStatus = "completed"
	ImportMatched   ImportStatus = "matched"
	ImportUnmatched ImportStatus = "unmatched"

	// ImportFailed is only assigned by the manual routing flow.
	ImportFailed ImportStatus = "failed"
)

// DeriveImportStatus maps a match outcome and document count to a status.
func DeriveImportStatus(matched bool, documents int) ImportStatus {
	switch {
	case matched && documents > 0:
		return ImportCompleted
	case matched:
		return ImportMatched
	default:
		return ImportUnmatched
	}
}

// MatchInput is what the case matcher sees of a message.
type MatchInput struct {
	FromAddress string `json:"from_address"`
	Subject     string `json:"subject"`
	BodyText    string `json:"body_text"`
}

// MatchResult links a message to a case.
type MatchResult struct {
	CaseID     string  `json:"case_id"`
	Method     string  `json:"method"`
	Confidence float64 `json:"confidence"`
}

// InboxEntry is the persisted record of one processed message.
type InboxEntry struct {
	ID                string
	FirmID            string
	AccountID         string
	Direction         string
	CaseID            *string
	FromAddress       string
	FromName          string
	ToAddresses       []string
	CcAddresses       []string
	Subject           string
	BodyText          string
	BodyHTML          string
	ExternalMessageID string
	ExternalThreadID  string
	AttachmentCount   int
	Status            string
	ReceivedAt        time.Time
	CreatedAt         time.Time
}

// ImportAuditRecord is keyed by (FirmID, ExternalMessageID) and is written
// exactly once per message.
type ImportAuditRecord struct {
	ID                string
	FirmID            string
	AccountID         string
	ExternalMessageID string
	CaseID            *string
	MatchMethod       string
	MatchConfidence   float64
	Status            ImportStatus
	DocumentIDs       []string
	PipelineRunIDs    []string
	InboxEntryID      string
	ProcessedAt       time.Time
}

// MaterializedDocument is a case document created from an attachment.
type MaterializedDocument struct {
	ID            string
	FirmID        string
	CaseID        string
	InboxEntryID  string
	FileName      string
	ContentType   string
	SizeBytes     int64
	StorageBucket string
	StoragePath   string
	Source        string
	CreatedAt     time.Time
}

// DownstreamRun is a queued analysis job for one document.
type DownstreamRun struct {
	ID          string
	FirmID      string
	CaseID      string
	DocumentID  string
	Status      string
	TriggeredBy string
	CreatedAt   time.Time
}

// TriggerRequest starts downstream analysis for a document.
type TriggerRequest struct {
	RunID       string `json:"run_id"`
	FirmID      string `json:"firm_id"`
	CaseID      string `json:"case_id"`
	DocumentID  string `json:"document_id"`
	TriggeredBy string `json:"triggered_by"`
}

// MatchedImport is the payload handed to notifiers after a matched message
// has been recorded.
type MatchedImport struct {
	FirmID        string    `json:"firm_id"`
	AccountID     string    `json:"account_id"`
	CaseID        string    `json:"case_id"`
	InboxEntryID  string    `json:"inbox_entry_id"`
	AuditRecordID string    `json:"audit_record_id"`
	MessageID     string    `json:"message_id"`
	Subject       string    `json:"subject"`
	FromAddress   string    `json:"from_address"`
	DocumentCount int       `json:"document_count"`
	Status        string    `json:"status"`
	ImportedAt    time.Time `json:"imported_at"`
}
