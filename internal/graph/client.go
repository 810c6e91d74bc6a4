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

// Package graph is the Microsoft Graph mail client used by the ingestion
// worker. Every request goes through a single execution policy: one token
// lookup per call, terminal handling of 401, bounded retry of 429/503 and
// immediate failure for anything else.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/bcem/mailintake/internal/models"
	"github.com/bcem/mailintake/internal/token"
)

const (
	// DefaultBaseURL is the Graph v1.0 root.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// maxAttempts bounds retries of throttled requests (first try included).
	maxAttempts = 3

	// baseBackoff is the first retry delay when no Retry-After is given.
	baseBackoff = time.Second

	// maxErrorBody caps how much of an error response is kept.
	maxErrorBody = 2048
)

// TokenProvider returns a fresh access token for an account.
// Implemented by token.Manager.
type TokenProvider interface {
	EnsureFreshToken(ctx context.Context, account *models.MailboxAccount) (string, error)
}

// AccountStore records terminal auth failures. Implemented by store.Store.
type AccountStore interface {
	MarkAccountError(ctx context.Context, accountID, reason string) error
}

// StatusError is a non-2xx provider response that is not an auth failure.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Attempts   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("graph %s %s returned HTTP %d after %d attempt(s): %s",
		e.Method, e.URL, e.StatusCode, e.Attempts, e.Body)
}

// Retryable reports whether the status is one the policy retries.
func (e *StatusError) Retryable() bool {
	return isThrottled(e.StatusCode)
}

// Client talks to the Graph mail endpoints on behalf of connected mailboxes.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenProvider
	accounts   AccountStore
	limiter    *rate.Limiter

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// ClientConfig holds the dependencies of a Graph client.
type ClientConfig struct {
	HTTPClient *http.Client
	BaseURL    string
	Tokens     TokenProvider
	Accounts   AccountStore

	// RequestsPerSecond throttles outgoing requests. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
}

// NewClient creates a Graph mail client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		tokens:     cfg.Tokens,
		accounts:   cfg.Accounts,
		limiter:    limiter,
		sleep:      sleepContext,
	}
}

// do executes one logical provider call. A non-nil out receives the decoded
// JSON body of a successful response.
func (c *Client) do(ctx context.Context, account *models.MailboxAccount, method, url string, payload interface{}, out interface{}) error {
	accessToken, err := c.tokens.EnsureFreshToken(ctx, account)
	if err != nil {
		if token.IsAuthError(err) {
			c.markAuthFailure(ctx, account, err.Error())
		}
		return err
	}

	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if method == http.MethodGet {
			req.Header.Set("Prefer", "outlook.body-content-type=\"html\"")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("graph %s %s: %w", method, url, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			defer resp.Body.Close()
			if out == nil || resp.StatusCode == http.StatusNoContent {
				io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode graph response: %w", err)
			}
			return nil
		}

		detail := readErrorBody(resp)

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			// A rejected token will not become valid by retrying.
			reason := fmt.Sprintf("graph returned HTTP 401: %s", detail)
			c.markAuthFailure(ctx, account, reason)
			return &token.AuthError{AccountID: account.ID, Reason: reason}

		case isThrottled(resp.StatusCode):
			if attempt >= maxAttempts {
				return &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: detail, Attempts: attempt}
			}
			wait := retryDelay(resp.Header.Get("Retry-After"), attempt, time.Now())
			slog.Warn("graph request throttled, backing off",
				"account_id", account.ID,
				"status", resp.StatusCode,
				"attempt", attempt,
				"wait", wait,
			)
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}

		default:
			return &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: detail, Attempts: attempt}
		}
	}
}

// markAuthFailure flips the account to error so later polls stop at preflight.
func (c *Client) markAuthFailure(ctx context.Context, account *models.MailboxAccount, reason string) {
	account.Status = models.AccountError
	account.StatusReason = reason

	if c.accounts == nil {
		return
	}
	if err := c.accounts.MarkAccountError(ctx, account.ID, reason); err != nil {
		slog.Error("failed to mark mailbox as errored",
			"account_id", account.ID,
			"error", err,
		)
		return
	}
	slog.Warn("mailbox needs reconnection",
		"account_id", account.ID,
		"firm_id", account.FirmID,
		"reason", reason,
	)
}

func isThrottled(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// retryDelay honours a Retry-After hint (delta-seconds or HTTP-date) and
// otherwise backs off exponentially from baseBackoff.
func retryDelay(retryAfter string, attempt int, now time.Time) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(retryAfter); err == nil {
			if d := at.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	return baseBackoff << (attempt - 1)
}

func readErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return string(b)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
