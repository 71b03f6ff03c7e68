// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth manages the OAuth2 token lifecycle against the platform's
// token endpoint: password-grant acquisition, proactive refresh inside a
// pre-expiry window, rotating refresh tokens, and durable token storage.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/workmove/services/migrate/storage/badger"
)

// RefreshWindow is how long before expiry a token is refreshed proactively.
// A token presented inside this window may die mid-request; refreshing
// early keeps long bulk runs off the 401 path.
const RefreshWindow = 5 * time.Minute

// Sentinel errors for the token lifecycle.
var (
	// ErrNoToken indicates no token is stored yet.
	ErrNoToken = errors.New("no token stored")

	// ErrNoCredentials indicates the manager has no credentials to
	// acquire or re-acquire a token with.
	ErrNoCredentials = errors.New("no credentials configured")

	// ErrAuthFailed indicates the platform rejected the credentials or
	// the refresh token. Stored state is cleared when this is returned.
	ErrAuthFailed = errors.New("authentication failed")
)

// Token is one issued token pair.
//
// The refresh token rotates: every refresh invalidates the previous one,
// so a stale copy is worthless and persisting the latest pair matters.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token is past its expiry.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// NeedsRefresh reports whether the token is expired or inside the
// pre-expiry refresh window.
func (t Token) NeedsRefresh(now time.Time) bool {
	return !now.Add(RefreshWindow).Before(t.ExpiresAt)
}

// Valid reports whether the token can be presented right now.
func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && !t.Expired(now)
}

// Store persists the current token pair across process restarts.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the stored token, or ErrNoToken when none exists.
	Load(ctx context.Context) (Token, error)

	// Save replaces the stored token.
	Save(ctx context.Context, t Token) error

	// Clear removes the stored token. Clearing an empty store is not
	// an error.
	Clear(ctx context.Context) error
}

// MemoryStore keeps the token in process memory only.
type MemoryStore struct {
	mu    sync.Mutex
	token Token
	set   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return Token{}, ErrNoToken
	}
	return s.token, nil
}

func (s *MemoryStore) Save(ctx context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = t
	s.set = true
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = Token{}
	s.set = false
	return nil
}

// FileStore persists the token as owner-readable JSON on disk.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by the given file path. Parent
// directories are created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Token{}, ErrNoToken
	}
	if err != nil {
		return Token{}, fmt.Errorf("read token file: %w", err)
	}

	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, fmt.Errorf("decode token file: %w", err)
	}
	return t, nil
}

func (s *FileStore) Save(ctx context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	// Write-then-rename so a crash never leaves a truncated token file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// tokenKey is the badger key for the stored token pair.
var tokenKey = []byte("auth:token")

// BadgerStore persists the token in the embedded database, alongside job
// state, so a single data directory carries everything resumable.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a store on an open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Load(ctx context.Context) (Token, error) {
	var t Token
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(tokenKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &t)
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return Token{}, ErrNoToken
	}
	if err != nil {
		return Token{}, fmt.Errorf("load token: %w", err)
	}
	return t, nil
}

func (s *BadgerStore) Save(ctx context.Context, t Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set(tokenKey, data)
	})
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *BadgerStore) Clear(ctx context.Context) error {
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		err := txn.Delete(tokenKey)
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}
