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

// AccountStatus is the connection state of a mailbox account.
type AccountStatus string

const (
	AccountConnected AccountStatus = "connected"
	AccountError     AccountStatus = "error"
)

// MailboxAccount is one OAuth-connected mailbox belonging to a firm.
type MailboxAccount struct {
	ID             string
	FirmID         string
	EmailAddress   string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	Status         AccountStatus
	StatusReason   string
	LastSyncAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Connected reports whether ingestion may run for the account.
func (a *MailboxAccount) Connected() bool {
	return a.Status == AccountConnected
}

// PollOutcome describes how a single account poll ended.
type PollOutcome string

const (
	PollCompleted   PollOutcome = "completed"
	PollSkipped     PollOutcome = "skipped"
	PollAuthFailure PollOutcome = "auth_failure"
)

// PollResult summarises one ingestion invocation for an account.
type PollResult struct {
	AccountID string      `json:"account_id"`
	Outcome   PollOutcome `json:"outcome"`
	Processed int         `json:"processed"`
	Skipped   int         `json:"skipped"`
	Errored   int         `json:"errored"`
	Total     int         `json:"total"`
	FetchedAt time.Time   `json:"fetched_at"`
}
