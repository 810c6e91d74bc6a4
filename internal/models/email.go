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

// Package models defines the data structures shared across the ingestion service.
package models

import "time"

// MaxAttachmentBytes is the size ceiling above which attachments are discarded.
const MaxAttachmentBytes = 25 << 20

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// InboundMessage is a message as delivered by the mailbox provider for one poll.
// It is input to mapping only and is never persisted as-is.
type InboundMessage struct {
	ID                string
	ThreadID          string
	InternetMessageID string
	From              EmailAddress
	To                []EmailAddress
	Cc                []EmailAddress
	Subject           string
	ReceivedAt        time.Time
	BodyText          string
	BodyHTML          string
	BodyPreview       string
	HasAttachments    bool
	IsRead            bool
}

// Attachment represents a file attached to an inbound message.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	Content     []byte
	IsInline    bool
}

// Usable reports whether the attachment survives the import filter:
// inline parts and anything over MaxAttachmentBytes are dropped.
func (a Attachment) Usable() bool {
	return !a.IsInline && a.Size <= MaxAttachmentBytes
}

// OutboundMessage is a reply or new message sent through the provider.
type OutboundMessage struct {
	To       []EmailAddress
	Cc       []EmailAddress
	Subject  string
	BodyHTML string

	// ReplyToID is the provider ID of the message being answered. When set,
	// the provider threads the reply onto that conversation and fills in the
	// In-Reply-To and References headers itself.
	ReplyToID string
}

// Addresses flattens a recipient list to bare addresses.
func Addresses(list []EmailAddress) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out
}
