// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/singleflight"
)

// Credentials holds the OAuth2 client and user secrets in locked memory
// enclaves, so they never sit in plain heap pages between uses.
type Credentials struct {
	ClientID string
	Username string

	clientSecret *memguard.Enclave
	password     *memguard.Enclave
}

// NewCredentials seals the secrets into enclaves. The plaintext arguments
// should not be retained by the caller.
func NewCredentials(clientID, clientSecret, username, password string) Credentials {
	return Credentials{
		ClientID:     clientID,
		Username:     username,
		clientSecret: memguard.NewEnclave([]byte(clientSecret)),
		password:     memguard.NewEnclave([]byte(password)),
	}
}

// Complete reports whether all four credential parts are present.
func (c Credentials) Complete() bool {
	return c.ClientID != "" && c.Username != "" && c.clientSecret != nil && c.password != nil
}

// withSecrets opens the enclaves for the duration of fn and wipes the
// plaintext buffers afterwards.
func (c Credentials) withSecrets(fn func(clientSecret, password string) error) error {
	secretBuf, err := c.clientSecret.Open()
	if err != nil {
		return fmt.Errorf("open client secret enclave: %w", err)
	}
	defer secretBuf.Destroy()

	passwordBuf, err := c.password.Open()
	if err != nil {
		return fmt.Errorf("open password enclave: %w", err)
	}
	defer passwordBuf.Destroy()

	return fn(secretBuf.String(), passwordBuf.String())
}

// ManagerConfig configures the token lifecycle manager.
type ManagerConfig struct {
	// TokenURL is the platform's token endpoint
	// (e.g. "https://api.podio.com/oauth/token").
	TokenURL string

	// Credentials authenticate the password grant. Required.
	Credentials Credentials

	// Store persists issued token pairs. If nil, a MemoryStore is used.
	Store Store

	// HTTPClient issues token requests. If nil, a 30s-timeout client
	// is used.
	HTTPClient *http.Client

	// Logger records lifecycle events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Manager owns the token lifecycle.
//
// Description:
//
//	Hands out valid access tokens, refreshing proactively inside the
//	pre-expiry window. Concurrent callers that all notice a stale token
//	are collapsed into one token-endpoint request via singleflight; the
//	rest share its result. A failed refresh falls back to the password
//	grant; a failed password grant clears stored state and returns
//	ErrAuthFailed.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	cfg    ManagerConfig
	http   *http.Client
	logger *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	current Token
	loaded  bool

	now func() time.Time
}

// NewManager creates a token lifecycle manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	if !cfg.Credentials.Complete() {
		return nil, ErrNoCredentials
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		cfg:    cfg,
		http:   cfg.HTTPClient,
		logger: cfg.Logger.With(slog.String("component", "auth_manager")),
		now:    time.Now,
	}, nil
}

// AccessToken returns a currently valid access token, acquiring or
// refreshing as needed. Implements the gateway's token source.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	tok, ok := m.cachedValid()
	if ok {
		return tok.AccessToken, nil
	}
	return m.renew(ctx)
}

// ForceRefresh discards the current access token and obtains a fresh one.
// Used by the gateway after an unexpected 401.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.current.AccessToken = ""
	m.mu.Unlock()
	return m.renew(ctx)
}

// Clear drops the in-memory token and the stored pair.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.current = Token{}
	m.loaded = true
	m.mu.Unlock()
	return m.cfg.Store.Clear(ctx)
}

// Current returns the in-memory token pair, without triggering renewal.
func (m *Manager) Current() Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// cachedValid returns the cached token when it is outside the refresh
// window, loading from the store on first use.
func (m *Manager) cachedValid() (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		if tok, err := m.cfg.Store.Load(context.Background()); err == nil {
			m.current = tok
		}
		m.loaded = true
	}
	if m.current.Valid(m.now()) && !m.current.NeedsRefresh(m.now()) {
		return m.current, true
	}
	return Token{}, false
}

// renew obtains a fresh token, collapsing concurrent callers into one
// token-endpoint round trip.
func (m *Manager) renew(ctx context.Context) (string, error) {
	v, err, _ := m.group.Do("token", func() (any, error) {
		// Another caller may have renewed while this one queued.
		if tok, ok := m.cachedValid(); ok {
			return tok.AccessToken, nil
		}
		tok, err := m.obtain(ctx)
		if err != nil {
			return "", err
		}
		m.mu.Lock()
		m.current = tok
		m.loaded = true
		m.mu.Unlock()

		if err := m.cfg.Store.Save(ctx, tok); err != nil {
			// Renewal itself succeeded; persistence failure only costs
			// the next restart a re-authentication.
			m.logger.Warn("failed to persist token", slog.String("error", err.Error()))
		}
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// obtain runs the refresh grant when a rotating refresh token exists,
// falling back to the password grant.
func (m *Manager) obtain(ctx context.Context) (Token, error) {
	m.mu.Lock()
	refreshToken := m.current.RefreshToken
	m.mu.Unlock()

	if refreshToken != "" {
		tok, err := m.refreshGrant(ctx, refreshToken)
		if err == nil {
			m.logger.Info("access token refreshed",
				slog.Time("expires_at", tok.ExpiresAt))
			return tok, nil
		}
		m.logger.Warn("refresh grant failed, falling back to password grant",
			slog.String("error", err.Error()))
	}

	tok, err := m.passwordGrant(ctx)
	if err != nil {
		// Both paths are dead. Clear state so a later attempt starts
		// clean instead of replaying a revoked refresh token.
		m.mu.Lock()
		m.current = Token{}
		m.mu.Unlock()
		if clearErr := m.cfg.Store.Clear(ctx); clearErr != nil {
			m.logger.Warn("failed to clear stored token", slog.String("error", clearErr.Error()))
		}
		return Token{}, err
	}
	m.logger.Info("access token acquired", slog.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

func (m *Manager) passwordGrant(ctx context.Context) (Token, error) {
	var tok Token
	err := m.cfg.Credentials.withSecrets(func(clientSecret, password string) error {
		form := url.Values{
			"grant_type":    {"password"},
			"client_id":     {m.cfg.Credentials.ClientID},
			"client_secret": {clientSecret},
			"username":      {m.cfg.Credentials.Username},
			"password":      {password},
		}
		var err error
		tok, err = m.tokenRequest(ctx, form)
		return err
	})
	return tok, err
}

func (m *Manager) refreshGrant(ctx context.Context, refreshToken string) (Token, error) {
	var tok Token
	err := m.cfg.Credentials.withSecrets(func(clientSecret, _ string) error {
		form := url.Values{
			"grant_type":    {"refresh_token"},
			"client_id":     {m.cfg.Credentials.ClientID},
			"client_secret": {clientSecret},
			"refresh_token": {refreshToken},
		}
		var err error
		tok, err = m.tokenRequest(ctx, form)
		return err
	})
	return tok, err
}

// tokenRequest posts one grant to the token endpoint.
func (m *Manager) tokenRequest(ctx context.Context, form url.Values) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.http.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Token{}, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &envelope)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			return Token{}, fmt.Errorf("%w: %s %s", ErrAuthFailed, envelope.Error, envelope.ErrorDescription)
		}
		return Token{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, envelope.ErrorDescription)
	}

	var grant struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if grant.AccessToken == "" {
		return Token{}, fmt.Errorf("token endpoint returned no access token")
	}

	now := m.now()
	return Token{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Duration(grant.ExpiresIn) * time.Second),
	}, nil
}
