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

// Package events publishes ingestion events to NATS JetStream so that other
// services can react to newly imported email without polling Postgres.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bcem/mailintake/internal/models"
)

const (
	// StreamName is the JetStream stream holding email events.
	StreamName = "EMAIL_EVENTS"

	// subjectPrefix is followed by the firm ID.
	subjectPrefix = "email.imported."
)

// jetStream is the subset of nats.JetStreamContext the publisher uses.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// Publisher wraps NATS JetStream for publishing import events.
type Publisher struct {
	nc *nats.Conn
	js jetStream
}

// NewPublisher connects to NATS and obtains a JetStream context.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("mailintake"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the email events stream if it does not exist.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(StreamName, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"email.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     14 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// NotifyMatched publishes an email.imported event for a matched import. The
// audit record ID is the JetStream message ID, so a replay within the
// duplicate window is dropped by the server.
func (p *Publisher) NotifyMatched(ctx context.Context, m models.MatchedImport) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal import event: %w", err)
	}

	subject := subjectPrefix + m.FirmID
	if _, err := p.js.Publish(subject, payload, nats.MsgId(m.AuditRecordID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	slog.Debug("published import event",
		"subject", subject,
		"case_id", m.CaseID,
		"audit_record_id", m.AuditRecordID,
	)
	return nil
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
