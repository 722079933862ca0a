package token

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCachedTokenValid(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		tok  *CachedToken
		want bool
	}{
		{"nil", nil, false},
		{"empty_token", &CachedToken{ExpiresAt: now.Add(time.Hour)}, false},
		{"fresh", &CachedToken{Token: "t", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}, true},
		{"within_slack", &CachedToken{Token: "t", IssuedAt: now, ExpiresAt: now.Add(5 * time.Minute)}, false},
		{"expired", &CachedToken{Token: "t", IssuedAt: now.Add(-25 * time.Hour), ExpiresAt: now.Add(-time.Hour)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.tok.Valid(10 * time.Minute); got != tc.want {
				t.Fatalf("Valid() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "token.json")
	fs := NewFileStore(path)

	if tok, err := fs.Get(ctx); err != nil || tok != nil {
		t.Fatalf("absent file should be a clean miss, got tok=%v err=%v", tok, err)
	}

	want := &CachedToken{
		Token:     "abc123",
		IssuedAt:  time.Now().Truncate(time.Second),
		ExpiresAt: time.Now().Add(24 * time.Hour).Truncate(time.Second),
	}
	if err := fs.Set(ctx, want); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := fs.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Token != want.Token || !got.IssuedAt.Equal(want.IssuedAt) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}

	if err := fs.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if tok, _ := fs.Get(ctx); tok != nil {
		t.Fatal("token should be gone after invalidate")
	}
}

func TestFileStoreDisablesAfterFirstWriteFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The parent of the token path is a regular file, so writes fail
	// with ENOTDIR regardless of who runs the test.
	path := filepath.Join(blocker, "token.json")
	fs := NewFileStore(path)
	tok := &CachedToken{Token: "t1", IssuedAt: time.Now(), ExpiresAt: time.Now().Add(24 * time.Hour)}

	if err := fs.Set(ctx, tok); err == nil {
		t.Fatal("first write into an unwritable path must report the failure")
	}

	if err := fs.Set(ctx, tok); err != nil {
		t.Fatalf("disabled tier must swallow writes, got %v", err)
	}

	// Make the path real and plant a valid document through a second
	// store. The disabled store must stay a miss: it no longer touches
	// the filesystem at all.
	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	if err := NewFileStore(path).Set(ctx, tok); err != nil {
		t.Fatalf("seeding through a fresh store: %v", err)
	}
	if got, err := fs.Get(ctx); err != nil || got != nil {
		t.Fatalf("disabled tier must be a permanent miss, got tok=%v err=%v", got, err)
	}
}

func TestFileStoreCorruptFileIsMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	fs := NewFileStore(path)
	tok, err := fs.Get(context.Background())
	if err != nil || tok != nil {
		t.Fatalf("corrupt file should be a miss, got tok=%v err=%v", tok, err)
	}
}

func TestMemoryStoreCopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	orig := &CachedToken{Token: "t1", IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	if err := ms.Set(ctx, orig); err != nil {
		t.Fatal(err)
	}
	orig.Token = "mutated"

	got, _ := ms.Get(ctx)
	if got.Token != "t1" {
		t.Fatalf("store shares caller memory: got %q", got.Token)
	}
	got.Token = "mutated-again"
	again, _ := ms.Get(ctx)
	if again.Token != "t1" {
		t.Fatalf("store leaked internal pointer: got %q", again.Token)
	}
}
