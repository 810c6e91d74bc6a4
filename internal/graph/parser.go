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

package graph

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/bcem/mailintake/internal/models"
)

// fileAttachmentType is the only attachment kind that carries bytes.
const fileAttachmentType = "#microsoft.graph.fileAttachment"

type graphAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	} `json:"emailAddress"`
}

// graphMessage represents the relevant fields from a Graph API message response.
type graphMessage struct {
	ID                string         `json:"id"`
	ConversationID    string         `json:"conversationId"`
	InternetMessageID string         `json:"internetMessageId"`
	Subject           string         `json:"subject"`
	From              *graphAddress  `json:"from"`
	ToRecipients      []graphAddress `json:"toRecipients"`
	CcRecipients      []graphAddress `json:"ccRecipients"`
	ReceivedDateTime  string         `json:"receivedDateTime"`
	BodyPreview       string         `json:"bodyPreview"`
	Body              struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	HasAttachments bool `json:"hasAttachments"`
	IsRead         bool `json:"isRead"`
}

// messagesPage represents a page of the /messages list response.
type messagesPage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

// graphAttachment is one entry of /messages/{id}/attachments.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	IsInline     bool   `json:"isInline"`
	ContentBytes string `json:"contentBytes"`
}

type attachmentsPage struct {
	Value    []graphAttachment `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

// toMessage maps the wire shape onto an InboundMessage. The mapping is one
// way; nothing downstream sees graphMessage.
func (m graphMessage) toMessage() models.InboundMessage {
	msg := models.InboundMessage{
		ID:                m.ID,
		ThreadID:          m.ConversationID,
		InternetMessageID: m.InternetMessageID,
		Subject:           m.Subject,
		BodyPreview:       m.BodyPreview,
		HasAttachments:    m.HasAttachments,
		IsRead:            m.IsRead,
		To:                toAddresses(m.ToRecipients),
		Cc:                toAddresses(m.CcRecipients),
	}

	if m.From != nil {
		msg.From = models.EmailAddress{
			Address: m.From.EmailAddress.Address,
			Name:    m.From.EmailAddress.Name,
		}
	}

	if ts, err := time.Parse(time.RFC3339, m.ReceivedDateTime); err == nil {
		msg.ReceivedAt = ts.UTC()
	}

	if strings.EqualFold(m.Body.ContentType, "html") {
		msg.BodyHTML = m.Body.Content
		msg.BodyText = htmlToText(m.Body.Content)
		if msg.BodyText == "" {
			msg.BodyText = m.BodyPreview
		}
	} else {
		msg.BodyText = m.Body.Content
	}

	return msg
}

func toAddresses(in []graphAddress) []models.EmailAddress {
	out := make([]models.EmailAddress, 0, len(in))
	for _, r := range in {
		out = append(out, models.EmailAddress{
			Address: r.EmailAddress.Address,
			Name:    r.EmailAddress.Name,
		})
	}
	return out
}

// toAttachment decodes a file attachment. ok is false for item and reference
// attachments, which carry no bytes.
func (a graphAttachment) toAttachment() (models.Attachment, bool, error) {
	if a.ODataType != "" && a.ODataType != fileAttachmentType {
		return models.Attachment{}, false, nil
	}

	att := models.Attachment{
		Name:        a.Name,
		ContentType: a.ContentType,
		Size:        a.Size,
		IsInline:    a.IsInline,
	}
	if !att.Usable() {
		// Skip decoding bytes that will be discarded anyway.
		return att, true, nil
	}

	content, err := base64.StdEncoding.DecodeString(a.ContentBytes)
	if err != nil {
		return models.Attachment{}, false, fmt.Errorf("decode attachment %q: %w", a.Name, err)
	}
	att.Content = content
	if att.Size == 0 {
		att.Size = int64(len(content))
	}
	return att, true, nil
}

// outgoingMessage is the message resource of a send or reply request.
type outgoingMessage struct {
	Subject string `json:"subject,omitempty"`
	Body    struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	ToRecipients []graphAddress `json:"toRecipients"`
	CcRecipients []graphAddress `json:"ccRecipients,omitempty"`
}

// sendMailRequest is the body of POST /me/sendMail.
type sendMailRequest struct {
	Message         outgoingMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// replyRequest is the body of POST /me/messages/{id}/reply. Graph rejects
// custom threading headers on sendMail, so replies go through this action.
type replyRequest struct {
	Message outgoingMessage `json:"message"`
}

func fromAddresses(in []models.EmailAddress) []graphAddress {
	out := make([]graphAddress, 0, len(in))
	for _, a := range in {
		var ga graphAddress
		ga.EmailAddress.Address = a.Address
		ga.EmailAddress.Name = a.Name
		out = append(out, ga)
	}
	return out
}

func buildOutgoing(msg models.OutboundMessage) outgoingMessage {
	var out outgoingMessage
	out.Subject = msg.Subject
	out.Body.ContentType = "HTML"
	out.Body.Content = msg.BodyHTML
	out.ToRecipients = fromAddresses(msg.To)
	if len(msg.Cc) > 0 {
		out.CcRecipients = fromAddresses(msg.Cc)
	}
	return out
}
