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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailintake/internal/models"
	"github.com/bcem/mailintake/internal/token"
)

// --- Fakes ---

type staticTokens struct {
	calls int32
	err   error
}

func (s *staticTokens) EnsureFreshToken(_ context.Context, _ *models.MailboxAccount) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return "", s.err
	}
	return "test-token", nil
}

type mockAccounts struct {
	mu     sync.Mutex
	errors map[string]string
}

func newMockAccounts() *mockAccounts {
	return &mockAccounts{errors: make(map[string]string)}
}

func (m *mockAccounts) MarkAccountError(_ context.Context, accountID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[accountID] = reason
	return nil
}

func (m *mockAccounts) marked(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.errors[accountID]
	return ok
}

type harness struct {
	client   *Client
	tokens   *staticTokens
	accounts *mockAccounts
	sleeps   []time.Duration
}

func newHarness(t *testing.T, handler http.HandlerFunc) *harness {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	h := &harness{tokens: &staticTokens{}, accounts: newMockAccounts()}
	h.client = NewClient(ClientConfig{
		HTTPClient: server.Client(),
		BaseURL:    server.URL,
		Tokens:     h.tokens,
		Accounts:   h.accounts,
	})
	h.client.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func testAccount() *models.MailboxAccount {
	return &models.MailboxAccount{ID: "acct-1", FirmID: "firm-1", Status: models.AccountConnected}
}

func messageJSON(id string, received time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":                id,
		"conversationId":    "conv-" + id,
		"internetMessageId": "<" + id + "@example.com>",
		"subject":           "Subject " + id,
		"from": map[string]interface{}{
			"emailAddress": map[string]string{"address": "client@example.com", "name": "Client"},
		},
		"toRecipients": []map[string]interface{}{
			{"emailAddress": map[string]string{"address": "intake@firm.example", "name": "Intake"}},
		},
		"receivedDateTime": received.UTC().Format(time.RFC3339),
		"bodyPreview":      "preview " + id,
		"body":             map[string]string{"contentType": "html", "content": "<p>body " + id + "</p>"},
		"hasAttachments":   false,
		"isRead":           false,
	}
}

// --- Resilient execution policy ---

func TestDo_RetryCeilingOn503(t *testing.T) {
	var calls int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := h.client.MarkRead(context.Background(), testAccount(), "m1")
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, 3, se.Attempts)
	assert.True(t, se.Retryable())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)
	assert.False(t, token.IsAuthError(err))
}

func TestDo_503ThenSuccess(t *testing.T) {
	var calls int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})

	err := h.client.MarkRead(context.Background(), testAccount(), "m1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Len(t, h.sleeps, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.tokens.calls), "token fetched once per call")
}

func TestDo_RetryAfterHonoured(t *testing.T) {
	var calls int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, h.client.MarkRead(context.Background(), testAccount(), "m1"))
	assert.Equal(t, []time.Duration{7 * time.Second}, h.sleeps)
}

func TestDo_401ShortCircuits(t *testing.T) {
	var calls int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"InvalidAuthenticationToken"}}`))
	})

	account := testAccount()
	_, err := h.client.ListNewMessages(context.Background(), account, time.Now().Add(-time.Hour))
	require.Error(t, err)
	assert.True(t, token.IsAuthError(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "401 must not be retried")
	assert.Empty(t, h.sleeps)
	assert.True(t, h.accounts.marked("acct-1"))
	assert.Equal(t, models.AccountError, account.Status)
}

func TestDo_TokenAuthErrorMarksAccount(t *testing.T) {
	var calls int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})
	h.tokens.err = &token.AuthError{AccountID: "acct-1", Reason: "refresh rejected"}

	err := h.client.MarkRead(context.Background(), testAccount(), "m1")
	require.Error(t, err)
	assert.True(t, token.IsAuthError(err))
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.True(t, h.accounts.marked("acct-1"))
}

func TestDo_OtherStatusFailsImmediately(t *testing.T) {
	var calls int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"BadRequest","message":"invalid filter"}}`))
	})

	err := h.client.MarkRead(context.Background(), testAccount(), "m1")
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Contains(t, se.Body, "invalid filter")
	assert.False(t, se.Retryable())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.False(t, h.accounts.marked("acct-1"))
}

func TestRetryDelay(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Second, retryDelay("", 1, now))
	assert.Equal(t, 2*time.Second, retryDelay("", 2, now))
	assert.Equal(t, 4*time.Second, retryDelay("", 3, now))
	assert.Equal(t, 3*time.Second, retryDelay("3", 1, now))
	assert.Equal(t, 10*time.Second, retryDelay(now.Add(10*time.Second).Format(http.TimeFormat), 1, now))
	assert.Equal(t, time.Duration(0), retryDelay(now.Add(-time.Minute).Format(http.TimeFormat), 1, now))
	assert.Equal(t, 2*time.Second, retryDelay("garbage", 2, now))
}

// --- Operations ---

func TestListNewMessages_PaginationCap(t *testing.T) {
	start := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	var pages int32

	var serverURL string
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&pages, 1))
		value := make([]map[string]interface{}, 0, 25)
		for i := 0; i < 25; i++ {
			idx := (n-1)*25 + i
			value = append(value, messageJSON(fmt.Sprintf("m%03d", idx), start.Add(time.Duration(idx)*time.Minute)))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"value":           value,
			"@odata.nextLink": fmt.Sprintf("%s/me/messages?page=%d", serverURL, n+1),
		})
	})
	serverURL = h.client.baseURL

	msgs, err := h.client.ListNewMessages(context.Background(), testAccount(), start)
	require.NoError(t, err)
	assert.Len(t, msgs, MaxMessagesPerPoll)
	assert.Equal(t, int32(2), atomic.LoadInt32(&pages), "stop following the cursor once the cap is reached")
	assert.Equal(t, "m000", msgs[0].ID)
	assert.Equal(t, "m049", msgs[49].ID)
}

func TestListNewMessages_TruncatesOversizedPage(t *testing.T) {
	start := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		value := make([]map[string]interface{}, 0, 60)
		for i := 0; i < 60; i++ {
			value = append(value, messageJSON(fmt.Sprintf("m%03d", i), start))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"value": value})
	})

	msgs, err := h.client.ListNewMessages(context.Background(), testAccount(), start)
	require.NoError(t, err)
	assert.Len(t, msgs, MaxMessagesPerPoll)
}

func TestListNewMessages_QueryAndMapping(t *testing.T) {
	since := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	received := since.Add(30 * time.Minute)

	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/messages", r.URL.Path)
		assert.Equal(t, "receivedDateTime ge 2026-02-01T09:00:00Z", r.URL.Query().Get("$filter"))
		assert.Equal(t, "receivedDateTime asc", r.URL.Query().Get("$orderby"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"value": []map[string]interface{}{messageJSON("m1", received)},
		})
	})

	msgs, err := h.client.ListNewMessages(context.Background(), testAccount(), since)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "conv-m1", m.ThreadID)
	assert.Equal(t, "client@example.com", m.From.Address)
	assert.Equal(t, []string{"intake@firm.example"}, models.Addresses(m.To))
	assert.Equal(t, received, m.ReceivedAt)
	assert.Equal(t, "<p>body m1</p>", m.BodyHTML)
	assert.Equal(t, "body m1", m.BodyText, "text is derived from the full HTML body")
}

func TestListAttachments_Filter(t *testing.T) {
	small := base64.StdEncoding.EncodeToString(make([]byte, 1024))
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/messages/m1/attachments", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"value": []map[string]interface{}{
				{
					"@odata.type": fileAttachmentType, "name": "contract.pdf",
					"contentType": "application/pdf", "size": 1024, "isInline": false, "contentBytes": small,
				},
				{
					"@odata.type": fileAttachmentType, "name": "logo.png",
					"contentType": "image/png", "size": 1024, "isInline": true, "contentBytes": small,
				},
				{
					"@odata.type": fileAttachmentType, "name": "scan.tiff",
					"contentType": "image/tiff", "size": 30 << 20, "isInline": false, "contentBytes": "",
				},
				{
					"@odata.type": "#microsoft.graph.itemAttachment", "name": "forwarded",
					"size": 100, "isInline": false,
				},
			},
		})
	})

	atts, err := h.client.ListAttachments(context.Background(), testAccount(), "m1")
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "contract.pdf", atts[0].Name)
	assert.Len(t, atts[0].Content, 1024)
}

func TestMarkRead_SendsPatch(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/me/messages/m1", r.URL.Path)
		var body map[string]bool
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body["isRead"])
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"m1","isRead":true}`))
	})

	require.NoError(t, h.client.MarkRead(context.Background(), testAccount(), "m1"))
}

func TestSendMessage_ReplyUsesReplyAction(t *testing.T) {
	var (
		path string
		raw  string
		got  replyRequest
	)
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		path = r.URL.EscapedPath()
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
		assert.NoError(t, json.Unmarshal(b, &got))
		w.WriteHeader(http.StatusAccepted)
	})

	err := h.client.SendMessage(context.Background(), testAccount(), models.OutboundMessage{
		To:        []models.EmailAddress{{Address: "client@example.com"}},
		Cc:        []models.EmailAddress{{Address: "partner@firm.example"}},
		Subject:   "Re: Lease",
		BodyHTML:  "<p>Thanks</p>",
		ReplyToID: "AAMk/1",
	})
	require.NoError(t, err)

	assert.Equal(t, "/me/messages/AAMk%2F1/reply", path)
	assert.Equal(t, "Re: Lease", got.Message.Subject)
	assert.Equal(t, "<p>Thanks</p>", got.Message.Body.Content)
	require.Len(t, got.Message.ToRecipients, 1)
	assert.Equal(t, "client@example.com", got.Message.ToRecipients[0].EmailAddress.Address)
	require.Len(t, got.Message.CcRecipients, 1)
	assert.NotContains(t, raw, "internetMessageHeaders", "threading is left to the provider")
}

func TestSendMessage_NewMessageUsesSendMail(t *testing.T) {
	var (
		path string
		got  sendMailRequest
	)
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})

	err := h.client.SendMessage(context.Background(), testAccount(), models.OutboundMessage{
		To:      []models.EmailAddress{{Address: "client@example.com"}},
		Subject: "Hello",
	})
	require.NoError(t, err)

	assert.Equal(t, "/me/sendMail", path)
	assert.True(t, got.SaveToSentItems)
	assert.Equal(t, "Hello", got.Message.Subject)
	assert.Empty(t, got.Message.CcRecipients)
}

func TestSendMessage_RequiresRecipients(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	err := h.client.SendMessage(context.Background(), testAccount(), models.OutboundMessage{Subject: "x"})
	assert.ErrorIs(t, err, ErrMissingRecipients)
}
