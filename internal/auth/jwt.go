package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Principal is the caller of the admin API.
type Principal struct {
	Subject string `json:"sub"`
	Name    string `json:"name,omitempty"`
}

// JWTVerifier validates bearer tokens on admin requests, either against a
// shared HS256 secret or against a JWKS endpoint with cached keys.
type JWTVerifier struct {
	secret []byte

	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration
}

// NewSecretVerifier verifies HS256 tokens signed with secret.
func NewSecretVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("empty JWT secret")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

// NewJWKSVerifier verifies tokens against keys published at jwksURL. Keys
// are fetched once up front and refreshed in the background until ctx ends.
func NewJWKSVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet
	v.lastFetch = time.Now()

	go v.backgroundRefresh(ctx)
	return v, nil
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()
		if err != nil {
			continue
		}
		v.keySetMutex.Lock()
		v.keySet = keySet
		v.lastFetch = time.Now()
		v.keySetMutex.Unlock()
	}
}

func (v *JWTVerifier) keyOption() jwt.ParseOption {
	if v.secret != nil {
		return jwt.WithKey(jwa.HS256, v.secret)
	}
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return jwt.WithKeySet(v.keySet)
}

// PrincipalFromRequest validates the Authorization bearer token.
func (v *JWTVerifier) PrincipalFromRequest(r *http.Request) (*Principal, error) {
	token, err := jwt.ParseRequest(r, v.keyOption(), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	p := &Principal{Subject: token.Subject()}
	if p.Subject == "" {
		return nil, errors.New("token missing subject")
	}
	if name, ok := token.Get("name"); ok {
		p.Name, _ = name.(string)
	}
	return p, nil
}
