// Package credential stores the Gmail OAuth token in the system keyring.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

const serviceName = "gmailer"

// ErrNoToken is returned when no token has been stored for a user yet.
var ErrNoToken = errors.New("no stored oauth token")

// TokenStore persists OAuth tokens keyed by mailbox user.
type TokenStore struct {
	ring keyring.Keyring
}

// Open returns a TokenStore on the first available keyring backend. fileDir
// is used by the encrypted file fallback.
func Open(fileDir string) (*TokenStore, error) {
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
		FilePasswordFunc:         keyring.FixedStringPrompt("gmailer-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &TokenStore{ring: ring}, nil
}

// NewTokenStore wraps an already opened keyring.
func NewTokenStore(ring keyring.Keyring) *TokenStore {
	return &TokenStore{ring: ring}
}

// Token returns the stored token for user.
func (s *TokenStore) Token(user string) (*oauth2.Token, error) {
	item, err := s.ring.Get(key(user))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w for %q", ErrNoToken, user)
		}
		return nil, fmt.Errorf("getting token for %q: %w", user, err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token for %q: %w", user, err)
	}
	return &tok, nil
}

// SaveToken stores tok for user, replacing any previous token.
func (s *TokenStore) SaveToken(user string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token for %q: %w", user, err)
	}
	err = s.ring.Set(keyring.Item{
		Key:         key(user),
		Data:        data,
		Label:       "gmailer OAuth token",
		Description: "Gmail API token for " + user,
	})
	if err != nil {
		return fmt.Errorf("setting token for %q: %w", user, err)
	}
	return nil
}

// DeleteToken removes the token for user.
func (s *TokenStore) DeleteToken(user string) error {
	if err := s.ring.Remove(key(user)); err != nil {
		return fmt.Errorf("deleting token for %q: %w", user, err)
	}
	return nil
}

func key(user string) string {
	return "oauth-token:" + user
}
