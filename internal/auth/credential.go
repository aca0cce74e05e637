// Package auth supplies account credentials to protocol handlers and
// verifies bearer tokens on the admin API.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/model"
)

// Credential is what a handler needs to open a session. Password protocols
// use Username/Password; REST protocols use Token.
type Credential struct {
	Username string
	Password string
	Token    *oauth2.Token
}

// Expired reports whether the credential can no longer be used.
func (c Credential) Expired(now time.Time) bool {
	if c.Token == nil {
		return false
	}
	if c.Token.AccessToken == "" {
		return true
	}
	return !c.Token.Expiry.IsZero() && !c.Token.Expiry.After(now)
}

// TokenSource returns a static oauth2 token source for the credential.
func (c Credential) TokenSource() oauth2.TokenSource {
	if c.Token == nil {
		return oauth2.StaticTokenSource(&oauth2.Token{})
	}
	return oauth2.StaticTokenSource(c.Token)
}

// Supplier returns the current credential of an account. It fails with an
// error wrapping model.ErrCredentialExpired when the credential is missing,
// revoked or expired.
type Supplier interface {
	GetCredential(ctx context.Context, accountID string) (Credential, error)
}

// expired builds the error suppliers return for unusable credentials.
func expired(accountID string, cause error) error {
	if cause == nil {
		return fmt.Errorf("account %s: %w", accountID, model.ErrCredentialExpired)
	}
	return fmt.Errorf("account %s: %w: %v", accountID, model.ErrCredentialExpired, cause)
}

// StaticSupplier serves credentials from memory, typically from the config
// file.
type StaticSupplier struct {
	mu    sync.RWMutex
	creds map[string]Credential
	now   func() time.Time
}

// NewStaticSupplier creates a supplier over a fixed credential map.
func NewStaticSupplier(creds map[string]Credential) *StaticSupplier {
	s := &StaticSupplier{creds: make(map[string]Credential, len(creds)), now: time.Now}
	for id, c := range creds {
		s.creds[id] = c
	}
	return s
}

// Set replaces the credential of an account.
func (s *StaticSupplier) Set(accountID string, c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[accountID] = c
}

// Revoke removes the credential of an account.
func (s *StaticSupplier) Revoke(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, accountID)
}

func (s *StaticSupplier) GetCredential(_ context.Context, accountID string) (Credential, error) {
	s.mu.RLock()
	c, ok := s.creds[accountID]
	s.mu.RUnlock()
	if !ok {
		return Credential{}, expired(accountID, nil)
	}
	if c.Expired(s.now()) {
		return Credential{}, expired(accountID, nil)
	}
	return c, nil
}
