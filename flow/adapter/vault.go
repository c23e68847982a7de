package adapter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Credential errors. Runners map these onto the credentials_missing and
// credentials_expired failure kinds, attempting one refresh before
// giving up.
var (
	ErrCredentialsMissing = errors.New("credentials missing")
	ErrCredentialsExpired = errors.New("credentials expired")
)

// Credential is an access token for one (user, provider) pair.
type Credential struct {
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the credential carries a past expiry.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// Vault fetches and refreshes credentials. Internals (encryption,
// storage, OAuth dances) live outside the engine; only this contract is
// used.
type Vault interface {
	// Fetch returns the credential for a user and provider, or
	// ErrCredentialsMissing / ErrCredentialsExpired.
	Fetch(ctx context.Context, userID, provider string) (Credential, error)

	// Refresh exchanges a refresh token for a fresh credential.
	Refresh(ctx context.Context, provider, refreshToken string) (Credential, error)
}

// MemVault is an in-memory Vault for tests and examples.
type MemVault struct {
	mu    sync.RWMutex
	creds map[string]Credential
	now   func() time.Time

	// RefreshFunc, when set, serves Refresh calls. Unset refreshes
	// fail with ErrCredentialsExpired.
	RefreshFunc func(provider, refreshToken string) (Credential, error)
}

// NewMemVault creates an empty MemVault.
func NewMemVault() *MemVault {
	return &MemVault{creds: make(map[string]Credential), now: time.Now}
}

// Put stores a credential for a user and provider.
func (v *MemVault) Put(userID, provider string, cred Credential) {
	v.mu.Lock()
	v.creds[userID+"/"+provider] = cred
	v.mu.Unlock()
}

// Fetch implements Vault.
func (v *MemVault) Fetch(_ context.Context, userID, provider string) (Credential, error) {
	v.mu.RLock()
	cred, ok := v.creds[userID+"/"+provider]
	v.mu.RUnlock()
	if !ok {
		return Credential{}, ErrCredentialsMissing
	}
	if cred.Expired(v.now()) {
		return cred, ErrCredentialsExpired
	}
	return cred, nil
}

// Refresh implements Vault.
func (v *MemVault) Refresh(_ context.Context, provider, refreshToken string) (Credential, error) {
	if v.RefreshFunc == nil {
		return Credential{}, ErrCredentialsExpired
	}
	return v.RefreshFunc(provider, refreshToken)
}
