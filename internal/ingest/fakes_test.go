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
	"fmt"
	"sync"
	"time"

	"github.com/bcem/mailintake/internal/models"
	"github.com/bcem/mailintake/internal/store"
)

// memStore is an in-memory Store enforcing the audit uniqueness constraint.
type memStore struct {
	mu        sync.Mutex
	account   models.MailboxAccount
	entries   []*models.InboxEntry
	audits    map[string]*models.ImportAuditRecord
	documents []*models.MaterializedDocument
	runs      []*models.DownstreamRun
	lastSync  []time.Time

	documentErr error
}

func newMemStore(account models.MailboxAccount) *memStore {
	return &memStore{
		account: account,
		audits:  map[string]*models.ImportAuditRecord{},
	}
}

func auditKey(firmID, messageID string) string { return firmID + "/" + messageID }

func (s *memStore) GetAccount(_ context.Context, accountID string) (*models.MailboxAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if accountID != s.account.ID {
		return nil, store.ErrNotFound
	}
	a := s.account
	return &a, nil
}

func (s *memStore) UpdateLastSync(_ context.Context, _ string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = append(s.lastSync, syncedAt)
	s.account.LastSyncAt = &syncedAt
	return nil
}

func (s *memStore) AuditExists(_ context.Context, firmID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.audits[auditKey(firmID, messageID)]
	return ok, nil
}

func (s *memStore) CreateInboxEntry(_ context.Context, e *models.InboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memStore) CreateDocument(_ context.Context, d *models.MaterializedDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.documentErr != nil {
		return s.documentErr
	}
	s.documents = append(s.documents, d)
	return nil
}

func (s *memStore) CreateDownstreamRun(_ context.Context, r *models.DownstreamRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, r)
	return nil
}

func (s *memStore) CreateAuditRecord(_ context.Context, r *models.ImportAuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := auditKey(r.FirmID, r.ExternalMessageID)
	if _, ok := s.audits[k]; ok {
		return store.ErrDuplicate
	}
	s.audits[k] = r
	return nil
}

func (s *memStore) audit(messageID string) *models.ImportAuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audits[auditKey(s.account.FirmID, messageID)]
}

// fakeProvider serves a fixed batch and per-message attachments.
type fakeProvider struct {
	messages    []models.InboundMessage
	attachments map[string][]models.Attachment
	listErr     error
	// onAttachments runs before attachments are returned, to simulate a 401
	// flipping the account.
	onAttachments func(account *models.MailboxAccount) error
	markReadErr   error

	since      []time.Time
	markedRead []string
}

func (p *fakeProvider) ListNewMessages(_ context.Context, _ *models.MailboxAccount, since time.Time) ([]models.InboundMessage, error) {
	p.since = append(p.since, since)
	if p.listErr != nil {
		return nil, p.listErr
	}
	out := make([]models.InboundMessage, len(p.messages))
	copy(out, p.messages)
	return out, nil
}

func (p *fakeProvider) ListAttachments(_ context.Context, account *models.MailboxAccount, messageID string) ([]models.Attachment, error) {
	if p.onAttachments != nil {
		if err := p.onAttachments(account); err != nil {
			return nil, err
		}
	}
	return p.attachments[messageID], nil
}

func (p *fakeProvider) MarkRead(_ context.Context, _ *models.MailboxAccount, messageID string) error {
	p.markedRead = append(p.markedRead, messageID)
	return p.markReadErr
}

// fakeMatcher answers per message subject.
type fakeMatcher struct {
	cases  map[string]string
	errs   map[string]error
	panics map[string]bool
	inputs []models.MatchInput
}

func (m *fakeMatcher) Match(_ context.Context, _ string, in models.MatchInput) (*models.MatchResult, error) {
	m.inputs = append(m.inputs, in)
	if m.panics[in.Subject] {
		panic("matcher exploded")
	}
	if err := m.errs[in.Subject]; err != nil {
		return nil, err
	}
	caseID, ok := m.cases[in.Subject]
	if !ok {
		return nil, nil
	}
	return &models.MatchResult{CaseID: caseID, Method: "subject_reference", Confidence: 0.9}, nil
}

type fakeUploader struct {
	paths  []string
	failAt int // 1-based upload number to fail; 0 never fails
}

func (u *fakeUploader) Bucket() string { return "case-docs" }

func (u *fakeUploader) Upload(_ context.Context, objectPath, _ string, _ []byte) error {
	if u.failAt > 0 && len(u.paths)+1 == u.failAt {
		return fmt.Errorf("storage unavailable")
	}
	u.paths = append(u.paths, objectPath)
	return nil
}

type fakeTrigger struct {
	started []models.TriggerRequest
	err     error
}

func (t *fakeTrigger) Start(_ context.Context, req models.TriggerRequest) error {
	t.started = append(t.started, req)
	return t.err
}

type fakeNotifier struct {
	got []models.MatchedImport
	err error
}

func (n *fakeNotifier) NotifyMatched(_ context.Context, m models.MatchedImport) error {
	n.got = append(n.got, m)
	return n.err
}

type memSeen struct {
	keys    map[string]bool
	lookups int
}

func (c *memSeen) Seen(_ context.Context, firmID, messageID string) (bool, error) {
	c.lookups++
	return c.keys[auditKey(firmID, messageID)], nil
}

func (c *memSeen) Remember(_ context.Context, firmID, messageID string) error {
	c.keys[auditKey(firmID, messageID)] = true
	return nil
}
