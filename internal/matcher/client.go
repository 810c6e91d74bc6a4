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

// Package matcher calls the case-matching service, which links an inbound
// message to a case by sender, subject references and body content.
package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bcem/mailintake/internal/models"
)

// Config holds the matcher service settings.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client is an HTTP client for the case matcher.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a matcher client.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: hc,
	}
}

// Match returns the case a message belongs to, or nil when no case matches.
func (c *Client) Match(ctx context.Context, firmID string, in models.MatchInput) (*models.MatchResult, error) {
	body, err := json.Marshal(struct {
		FirmID string `json:"firm_id"`
		models.MatchInput
	}{FirmID: firmID, MatchInput: in})
	if err != nil {
		return nil, fmt.Errorf("marshal match request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/match", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create match request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("match request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("matcher returned %d: %s", resp.StatusCode, string(b))
	}

	var result models.MatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode match response: %w", err)
	}
	if result.CaseID == "" {
		return nil, nil
	}
	return &result, nil
}
