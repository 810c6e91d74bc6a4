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

// Package token manages the delegated OAuth2 token pair of each connected
// mailbox. Access tokens are refreshed ahead of expiry with a refresh-token
// grant and the new pair is written back to the account store.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/bcem/mailintake/internal/models"
)

// RefreshMargin is how close to expiry a token may get before it is refreshed.
const RefreshMargin = 5 * time.Minute

// defaultLifetime is assumed when the token endpoint omits expires_in.
const defaultLifetime = time.Hour

// Store persists refreshed tokens. Implemented by store.Store.
type Store interface {
	SaveTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error
}

// AuthError means the account can no longer authenticate with the provider.
// It is terminal for the account: retrying will not help until the mailbox is
// reconnected.
type AuthError struct {
	AccountID string
	Reason    string
	Err       error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mailbox %s auth failed: %s: %v", e.AccountID, e.Reason, e.Err)
	}
	return fmt.Sprintf("mailbox %s auth failed: %s", e.AccountID, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is, or wraps, an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Manager hands out fresh access tokens for mailbox accounts.
type Manager struct {
	oauth      *oauth2.Config
	store      Store
	httpClient *http.Client
	now        func() time.Time

	// refreshes collapses concurrent refreshes for the same account so a
	// refresh token is never redeemed twice by one process.
	refreshes singleflight.Group
}

// ManagerConfig holds the dependencies of a token manager.
type ManagerConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	Store        Store
	HTTPClient   *http.Client
}

// NewManager creates a token manager for the provider's token endpoint.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store:      cfg.Store,
		httpClient: cfg.HTTPClient,
		now:        time.Now,
	}
}

// EnsureFreshToken returns a usable access token for the account, refreshing
// and persisting a new pair when the current one expires within RefreshMargin.
// The account struct is updated in place after a refresh.
func (m *Manager) EnsureFreshToken(ctx context.Context, account *models.MailboxAccount) (string, error) {
	now := m.now()
	if account.AccessToken != "" && account.TokenExpiresAt.After(now.Add(RefreshMargin)) {
		return account.AccessToken, nil
	}

	if account.RefreshToken == "" {
		return "", &AuthError{AccountID: account.ID, Reason: "no refresh token stored"}
	}

	v, err, shared := m.refreshes.Do(account.ID, func() (interface{}, error) {
		return m.refresh(ctx, account)
	})
	if err != nil {
		return "", err
	}

	tok := v.(*oauth2.Token)
	account.AccessToken = tok.AccessToken
	account.RefreshToken = tok.RefreshToken
	account.TokenExpiresAt = tok.Expiry

	if shared {
		slog.Debug("reused in-flight token refresh", "account_id", account.ID)
	}

	return tok.AccessToken, nil
}

// refresh performs the refresh-token grant and persists the result.
func (m *Manager) refresh(ctx context.Context, account *models.MailboxAccount) (*oauth2.Token, error) {
	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}

	// A token without an access token is never valid, which forces the
	// token source to redeem the refresh token.
	src := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && grantRejected(re) {
			return nil, &AuthError{AccountID: account.ID, Reason: "refresh rejected", Err: err}
		}
		return nil, fmt.Errorf("refresh token for mailbox %s: %w", account.ID, err)
	}

	if tok.RefreshToken == "" {
		tok.RefreshToken = account.RefreshToken
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = m.now().Add(defaultLifetime)
	}

	if err := m.store.SaveTokens(ctx, account.ID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}

	slog.Info("mailbox token refreshed",
		"account_id", account.ID,
		"expires_at", tok.Expiry,
	)

	return tok, nil
}

// grantRejected reports whether the token endpoint refused the grant itself
// (revoked consent, expired refresh token) as opposed to failing transiently.
// Throttling and 5xx responses never make a mailbox unrecoverable.
func grantRejected(re *oauth2.RetrieveError) bool {
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return false
	}
	return re.ErrorCode != "" || status == http.StatusBadRequest || status == http.StatusUnauthorized
}
