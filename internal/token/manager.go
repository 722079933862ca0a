package token

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/daehan-lim/stock-insight/internal/observ"
)

// CredentialSource values.
const (
	SourcePrimaryStore = "primary-store"
	SourceEnvFallback  = "environment-fallback"
)

// Credential is the brokerage app key pair. Resolved once per process.
type Credential struct {
	AppKey    string
	AppSecret string
	Source    string
}

// CredentialStore is the primary credential store, usually the remote tier.
type CredentialStore interface {
	GetCredential(ctx context.Context) (*Credential, error)
	SetCredential(ctx context.Context, cred *Credential) error
}

// IssueFunc performs one token issuance against the provider.
type IssueFunc func(ctx context.Context, cred Credential) (*CachedToken, error)

// ErrNoCredentials means neither the primary store nor the environment
// produced credentials that validate. Terminal for this provider.
var ErrNoCredentials = errors.New("no valid brokerage credentials available")

// GuardError is returned when the issuance window guard blocks a refresh
// and no usable cached token exists.
type GuardError struct {
	RetryAfter time.Duration
}

func (e *GuardError) Error() string {
	hours := int(math.Ceil(e.RetryAfter.Hours()))
	return fmt.Sprintf("token issuance blocked by provider rate policy: retry after ~%dh", hours)
}

// Config for the manager. Zero values pick the provider's documented
// policy: 24h token lifetime refreshed no more than once per 23h, treated
// as expired 10 minutes early.
type Config struct {
	AppKeyEnv    string
	AppSecretEnv string
	ExpirySlack  time.Duration
	IssueWindow  time.Duration
}

// Manager owns the token lifecycle state machine:
// NO_TOKEN -> TOKEN_VALID -> (near expiry or invalidation) -> NO_TOKEN.
type Manager struct {
	mu    sync.Mutex
	tiers []Store
	creds CredentialStore
	issue IssueFunc
	cfg   Config

	cred      *Credential
	lastIssue time.Time
}

// NewManager wires the tiers in read-priority order. creds may be nil
// when no primary credential store is configured.
func NewManager(cfg Config, tiers []Store, creds CredentialStore, issue IssueFunc) *Manager {
	if cfg.AppKeyEnv == "" {
		cfg.AppKeyEnv = "KIS_APP_KEY"
	}
	if cfg.AppSecretEnv == "" {
		cfg.AppSecretEnv = "KIS_APP_SECRET"
	}
	if cfg.ExpirySlack <= 0 {
		cfg.ExpirySlack = 10 * time.Minute
	}
	if cfg.IssueWindow <= 0 {
		cfg.IssueWindow = 23 * time.Hour
	}
	return &Manager{tiers: tiers, creds: creds, issue: issue, cfg: cfg}
}

// Token returns a usable access token, reading the tiers in priority
// order and issuing a new one only when every tier misses and the
// issuance guard allows it.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tok := m.readTiers(ctx); tok != nil {
		return tok.Token, nil
	}

	if remaining := m.guardRemaining(); remaining > 0 {
		observ.Log("token_issuance_blocked", map[string]any{
			"retry_after": remaining.String(),
		})
		return "", &GuardError{RetryAfter: remaining}
	}

	tok, err := m.issueLocked(ctx)
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

// Credential returns the resolved credential. When a cached token made
// issuance unnecessary the credential has not been trial-validated yet;
// it is resolved here without validation (primary store, then env) so
// per-request headers can be built. Validation happens at the next
// issuance.
func (m *Manager) Credential(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred != nil {
		return *m.cred, nil
	}
	if m.creds != nil {
		if cred, err := m.creds.GetCredential(ctx); err == nil && cred != nil {
			m.cred = cred
			return *cred, nil
		}
	}
	appKey := os.Getenv(m.cfg.AppKeyEnv)
	appSecret := os.Getenv(m.cfg.AppSecretEnv)
	if appKey == "" || appSecret == "" {
		return Credential{}, ErrNoCredentials
	}
	m.cred = &Credential{AppKey: appKey, AppSecret: appSecret, Source: SourceEnvFallback}
	return *m.cred, nil
}

// Invalidate deletes the token from every tier. The next call goes
// through issuance, still subject to the guard: a token the provider
// rejected within the issuance window fails fast instead of burning
// the one permitted issuance on a retry loop.
func (m *Manager) Invalidate(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tier := range m.tiers {
		if err := tier.Invalidate(ctx); err != nil {
			observ.Log("token_invalidate_error", map[string]any{
				"tier": tier.Name(), "error": err.Error(),
			})
		}
	}
	observ.Log("token_invalidated", nil)
}

// readTiers scans for a valid token; a hit back-fills the tiers above.
// It also learns the most recent issuance time from any tier, so the
// guard survives process restarts via the persisted tiers.
func (m *Manager) readTiers(ctx context.Context) *CachedToken {
	for i, tier := range m.tiers {
		tok, err := tier.Get(ctx)
		if err != nil {
			observ.Log("token_tier_read_error", map[string]any{
				"tier": tier.Name(), "error": err.Error(),
			})
			continue
		}
		if tok == nil {
			continue
		}
		if tok.IssuedAt.After(m.lastIssue) {
			m.lastIssue = tok.IssuedAt
		}
		if !tok.Valid(m.cfg.ExpirySlack) {
			continue
		}
		for _, upper := range m.tiers[:i] {
			if err := upper.Set(ctx, tok); err != nil {
				observ.Log("token_tier_backfill_error", map[string]any{
					"tier": upper.Name(), "error": err.Error(),
				})
			}
		}
		return tok
	}
	return nil
}

func (m *Manager) guardRemaining() time.Duration {
	if m.lastIssue.IsZero() {
		return 0
	}
	elapsed := time.Since(m.lastIssue)
	if elapsed >= m.cfg.IssueWindow {
		return 0
	}
	return m.cfg.IssueWindow - elapsed
}

// issueLocked resolves credentials if needed and performs one issuance,
// writing the result to all tiers. Callers hold the lock.
func (m *Manager) issueLocked(ctx context.Context) (*CachedToken, error) {
	if m.cred != nil {
		tok, err := m.issue(ctx, *m.cred)
		if err != nil {
			return nil, err
		}
		m.storeToken(ctx, tok)
		return tok, nil
	}
	return m.resolveAndIssue(ctx)
}

// resolveAndIssue resolves credentials in priority order, validating each
// candidate by attempting a real issuance. The token from the winning
// trial is kept, so validation never spends an extra issuance.
func (m *Manager) resolveAndIssue(ctx context.Context) (*CachedToken, error) {
	var primaryErr error

	if m.creds != nil {
		cred, err := m.creds.GetCredential(ctx)
		if err != nil {
			observ.Log("credential_store_read_error", map[string]any{"error": err.Error()})
		}
		if cred != nil {
			tok, err := m.issue(ctx, *cred)
			if err == nil {
				m.cred = cred
				m.storeToken(ctx, tok)
				observ.Log("credential_resolved", map[string]any{"source": cred.Source})
				return tok, nil
			}
			primaryErr = err
			observ.Log("credential_primary_invalid", map[string]any{"error": err.Error()})
		}
	}

	appKey := os.Getenv(m.cfg.AppKeyEnv)
	appSecret := os.Getenv(m.cfg.AppSecretEnv)
	if appKey == "" || appSecret == "" {
		if primaryErr != nil {
			return nil, fmt.Errorf("%w: primary store credentials rejected and no fallback set: %v",
				ErrNoCredentials, primaryErr)
		}
		return nil, ErrNoCredentials
	}

	cred := &Credential{AppKey: appKey, AppSecret: appSecret, Source: SourceEnvFallback}
	tok, err := m.issue(ctx, *cred)
	if err != nil {
		return nil, fmt.Errorf("%w: fallback credentials rejected: %v", ErrNoCredentials, err)
	}
	m.cred = cred
	m.storeToken(ctx, tok)
	observ.Log("credential_resolved", map[string]any{"source": cred.Source})

	// The primary store held stale credentials; push the validated
	// fallback back for future processes. Best effort.
	if m.creds != nil && primaryErr != nil {
		go func(c Credential) {
			wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.creds.SetCredential(wctx, &c); err != nil {
				observ.Log("credential_writeback_failed", map[string]any{"error": err.Error()})
				return
			}
			observ.Log("credential_writeback_ok", nil)
		}(*cred)
	}
	return tok, nil
}

func (m *Manager) storeToken(ctx context.Context, tok *CachedToken) {
	m.lastIssue = tok.IssuedAt
	for _, tier := range m.tiers {
		if err := tier.Set(ctx, tok); err != nil {
			observ.Log("token_tier_write_error", map[string]any{
				"tier": tier.Name(), "error": err.Error(),
			})
		}
	}
	observ.Log("token_issued", map[string]any{
		"expires_at": tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
