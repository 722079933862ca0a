// Package token manages the brokerage provider's OAuth access token:
// credential resolution, a three-tier token cache (process memory, local
// file, shared remote store), and the provider's one-issuance-per-window
// policy.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/daehan-lim/stock-insight/internal/observ"
)

// CachedToken is the persisted token shape, shared by the file document
// and the remote store document.
type CachedToken struct {
	Token     string    `json:"token" bson:"token"`
	IssuedAt  time.Time `json:"issuedAt" bson:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt" bson:"expiresAt"`
}

// Valid reports whether the token is usable, keeping slack before the
// real expiry so in-flight calls do not race it.
func (t *CachedToken) Valid(slack time.Duration) bool {
	return t != nil && t.Token != "" && time.Now().Add(slack).Before(t.ExpiresAt)
}

// Store is one cache tier. Get returns (nil, nil) on a clean miss; a
// disabled tier behaves as a permanent miss and swallows writes.
type Store interface {
	Name() string
	Get(ctx context.Context) (*CachedToken, error)
	Set(ctx context.Context, tok *CachedToken) error
	Invalidate(ctx context.Context) error
}

// MemoryStore is the first tier.
type MemoryStore struct {
	mu  sync.RWMutex
	tok *CachedToken
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Get(ctx context.Context) (*CachedToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tok == nil {
		return nil, nil
	}
	cp := *m.tok
	return &cp, nil
}

func (m *MemoryStore) Set(ctx context.Context, tok *CachedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tok = &cp
	return nil
}

func (m *MemoryStore) Invalidate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = nil
	return nil
}

// FileStore is the second tier: one small JSON document at a well-known
// path. An absent or corrupt file is a miss, not an error. The first
// failed write (read-only filesystem) disables the tier for the rest of
// the process instead of retrying every call.
type FileStore struct {
	mu       sync.Mutex
	path     string
	disabled bool
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (f *FileStore) Name() string { return "file" }

func (f *FileStore) Get(ctx context.Context) (*CachedToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disabled {
		return nil, nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, nil // absent file is a miss
	}
	var tok CachedToken
	if err := json.Unmarshal(data, &tok); err != nil {
		observ.Log("token_file_corrupt", map[string]any{"path": f.path, "error": err.Error()})
		return nil, nil
	}
	if tok.Token == "" || tok.ExpiresAt.Before(tok.IssuedAt) {
		return nil, nil
	}
	return &tok, nil
}

func (f *FileStore) Set(ctx context.Context, tok *CachedToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disabled {
		return nil
	}
	if err := f.write(tok); err != nil {
		f.disabled = true
		observ.Log("token_file_tier_disabled", map[string]any{"path": f.path, "error": err.Error()})
		return fmt.Errorf("file tier disabled: %w", err)
	}
	return nil
}

// write goes through a temp file so a crash mid-write never leaves a
// truncated document behind.
func (f *FileStore) write(tok *CachedToken) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Invalidate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disabled {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
