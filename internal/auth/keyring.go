package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

const serviceName = "mailsync"

// storedCredential is the keyring item payload.
type storedCredential struct {
	Username     string    `json:"username,omitempty"`
	Password     string    `json:"password,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// KeyringSupplier reads credentials from the system keyring.
type KeyringSupplier struct {
	ring keyring.Keyring
	now  func() time.Time
}

// OpenKeyring opens the system keyring, falling back to an encrypted file
// under fileDir.
func OpenKeyring(fileDir, filePassword string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// NewKeyringSupplier wraps an open keyring.
func NewKeyringSupplier(ring keyring.Keyring) *KeyringSupplier {
	return &KeyringSupplier{ring: ring, now: time.Now}
}

func key(accountID string) string {
	return "account:" + accountID
}

func (k *KeyringSupplier) GetCredential(_ context.Context, accountID string) (Credential, error) {
	item, err := k.ring.Get(key(accountID))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return Credential{}, expired(accountID, err)
		}
		return Credential{}, fmt.Errorf("getting credential for %s: %w", accountID, err)
	}

	var sc storedCredential
	if err := json.Unmarshal(item.Data, &sc); err != nil {
		return Credential{}, fmt.Errorf("decoding credential for %s: %w", accountID, err)
	}

	c := Credential{Username: sc.Username, Password: sc.Password}
	if sc.AccessToken != "" || sc.RefreshToken != "" {
		c.Token = &oauth2.Token{
			AccessToken:  sc.AccessToken,
			RefreshToken: sc.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       sc.Expiry,
		}
	}
	if c.Expired(k.now()) {
		return Credential{}, expired(accountID, nil)
	}
	return c, nil
}

// Store saves the credential of an account.
func (k *KeyringSupplier) Store(accountID string, c Credential) error {
	sc := storedCredential{Username: c.Username, Password: c.Password}
	if c.Token != nil {
		sc.AccessToken = c.Token.AccessToken
		sc.RefreshToken = c.Token.RefreshToken
		sc.Expiry = c.Token.Expiry
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encoding credential for %s: %w", accountID, err)
	}

	err = k.ring.Set(keyring.Item{
		Key:   key(accountID),
		Data:  data,
		Label: "mailsync " + accountID,
	})
	if err != nil {
		return fmt.Errorf("setting credential for %s: %w", accountID, err)
	}
	return nil
}

// Delete removes the credential of an account.
func (k *KeyringSupplier) Delete(accountID string) error {
	if err := k.ring.Remove(key(accountID)); err != nil {
		return fmt.Errorf("deleting credential for %s: %w", accountID, err)
	}
	return nil
}
