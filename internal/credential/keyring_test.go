package credential

import (
	"errors"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

func TestTokenStore_RoundTrip(t *testing.T) {
	t.Parallel()

	store := NewTokenStore(keyring.NewArrayKeyring(nil))
	expiry := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	in := &oauth2.Token{
		AccessToken:  "access",
		TokenType:    "Bearer",
		RefreshToken: "refresh",
		Expiry:       expiry,
	}

	if err := store.SaveToken("me", in); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	out, err := store.Token("me")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if out.AccessToken != "access" || out.RefreshToken != "refresh" || !out.Expiry.Equal(expiry) {
		t.Errorf("Token(): got %+v", out)
	}

	if err := store.DeleteToken("me"); err != nil {
		t.Fatalf("DeleteToken() error = %v", err)
	}
	if _, err := store.Token("me"); !errors.Is(err, ErrNoToken) {
		t.Errorf("Token() after delete: got %v, want ErrNoToken", err)
	}
}

func TestTokenStore_Missing(t *testing.T) {
	t.Parallel()

	store := NewTokenStore(keyring.NewArrayKeyring(nil))
	if _, err := store.Token("nobody@example.com"); !errors.Is(err, ErrNoToken) {
		t.Errorf("Token(): got %v, want ErrNoToken", err)
	}
}
