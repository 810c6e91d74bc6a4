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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bcem/mailintake/internal/models"
)

const (
	// MaxMessagesPerPoll caps how many messages one poll returns.
	MaxMessagesPerPoll = 50

	// pageSize is the $top requested per page.
	pageSize = 25

	messageFields = "id,conversationId,internetMessageId,subject,from,toRecipients,ccRecipients," +
		"receivedDateTime,bodyPreview,body,hasAttachments,isRead"
)

// ErrMissingRecipients is returned by SendMessage for a message with no To.
var ErrMissingRecipients = errors.New("graph: message has no recipients")

// ListNewMessages returns messages received at or after since, oldest first,
// following @odata.nextLink until the cursor ends or MaxMessagesPerPoll
// messages have been collected.
func (c *Client) ListNewMessages(ctx context.Context, account *models.MailboxAccount, since time.Time) ([]models.InboundMessage, error) {
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	params.Set("$orderby", "receivedDateTime asc")
	params.Set("$top", fmt.Sprintf("%d", pageSize))
	params.Set("$select", messageFields)

	listURL := fmt.Sprintf("%s/me/messages?%s", c.baseURL, params.Encode())

	var messages []models.InboundMessage
	pageCount := 0
	for nextURL := listURL; nextURL != "" && len(messages) < MaxMessagesPerPoll; {
		var page messagesPage
		if err := c.do(ctx, account, http.MethodGet, nextURL, nil, &page); err != nil {
			return nil, fmt.Errorf("list messages page %d: %w", pageCount, err)
		}
		pageCount++

		for _, m := range page.Value {
			messages = append(messages, m.toMessage())
		}
		nextURL = page.NextLink
	}

	if len(messages) > MaxMessagesPerPoll {
		messages = messages[:MaxMessagesPerPoll]
	}

	slog.Debug("listed new messages",
		"account_id", account.ID,
		"since", since.UTC().Format(time.RFC3339),
		"pages", pageCount,
		"messages", len(messages),
	)

	return messages, nil
}

// ListAttachments returns the file attachments of a message that survive the
// import filter (not inline, not above models.MaxAttachmentBytes).
func (c *Client) ListAttachments(ctx context.Context, account *models.MailboxAccount, messageID string) ([]models.Attachment, error) {
	listURL := fmt.Sprintf("%s/me/messages/%s/attachments", c.baseURL, url.PathEscape(messageID))

	var out []models.Attachment
	for nextURL := listURL; nextURL != ""; {
		var page attachmentsPage
		if err := c.do(ctx, account, http.MethodGet, nextURL, nil, &page); err != nil {
			return nil, fmt.Errorf("list attachments: %w", err)
		}

		for _, ga := range page.Value {
			att, ok, err := ga.toAttachment()
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if !att.Usable() {
				slog.Debug("discarding attachment",
					"message_id", messageID,
					"name", att.Name,
					"inline", att.IsInline,
					"size", att.Size,
				)
				continue
			}
			out = append(out, att)
		}
		nextURL = page.NextLink
	}

	return out, nil
}

// MarkRead flags a message as read. Callers treat failure as best-effort.
func (c *Client) MarkRead(ctx context.Context, account *models.MailboxAccount, messageID string) error {
	u := fmt.Sprintf("%s/me/messages/%s", c.baseURL, url.PathEscape(messageID))
	payload := map[string]bool{"isRead": true}
	if err := c.do(ctx, account, http.MethodPatch, u, payload, nil); err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	return nil
}

// SendMessage sends a new message, or a reply threaded onto an existing
// conversation when msg.ReplyToID is set.
func (c *Client) SendMessage(ctx context.Context, account *models.MailboxAccount, msg models.OutboundMessage) error {
	if len(msg.To) == 0 {
		return ErrMissingRecipients
	}

	var (
		u       string
		payload interface{}
	)
	if msg.ReplyToID != "" {
		u = fmt.Sprintf("%s/me/messages/%s/reply", c.baseURL, url.PathEscape(msg.ReplyToID))
		payload = replyRequest{Message: buildOutgoing(msg)}
	} else {
		u = fmt.Sprintf("%s/me/sendMail", c.baseURL)
		payload = sendMailRequest{Message: buildOutgoing(msg), SaveToSentItems: true}
	}

	if err := c.do(ctx, account, http.MethodPost, u, payload, nil); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	slog.Info("message sent",
		"account_id", account.ID,
		"recipients", len(msg.To)+len(msg.Cc),
		"reply", msg.ReplyToID != "",
	)
	return nil
}
