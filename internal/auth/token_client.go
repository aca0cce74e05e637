package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// Provider names the OAuth provider behind an account.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// TokenClient fetches OAuth tokens from an external token service. The
// service owns storage and refresh; this client only asks for the current
// access token of an account.
type TokenClient struct {
	baseURL      string
	serviceToken string
	providers    map[string]Provider
	client       *http.Client
}

// NewTokenClient creates a token service client. providers maps account ids
// to their OAuth provider.
func NewTokenClient(baseURL, serviceToken string, providers map[string]Provider) *TokenClient {
	return &TokenClient{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		providers:    providers,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *TokenClient) GetCredential(ctx context.Context, accountID string) (Credential, error) {
	provider, ok := c.providers[accountID]
	if !ok {
		return Credential{}, fmt.Errorf("account %s has no token provider", accountID)
	}

	u := fmt.Sprintf("%s/api/auth/accounts/%s/token?account=%s", c.baseURL, provider, url.QueryEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
		return Credential{}, expired(accountID, fmt.Errorf("token service returned %d", resp.StatusCode))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Credential{}, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Credential{}, fmt.Errorf("decode response: %w", err)
	}

	cred := Credential{Token: &oauth2.Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    "Bearer",
	}}
	if result.ExpiresAt > 0 {
		cred.Token.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	if cred.Expired(time.Now()) {
		return Credential{}, expired(accountID, nil)
	}
	return cred, nil
}
