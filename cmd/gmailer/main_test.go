package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/tracyhatemice/gmailer/internal/config"
	"github.com/tracyhatemice/gmailer/internal/ledger"
	"github.com/tracyhatemice/gmailer/internal/receiver"
	"github.com/tracyhatemice/gmailer/internal/sender"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestParseAuthCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"bare code", "  4/0Abc-def \n", "4/0Abc-def", false},
		{"redirect url", "http://localhost/?state=s1&code=4%2F0Abc&scope=x", "4/0Abc", false},
		{"redirect without state", "http://localhost/?code=xyz", "xyz", false},
		{"empty", "\n", "", true},
		{"state mismatch", "http://localhost/?state=other&code=xyz", "", true},
		{"denied", "http://localhost/?error=access_denied&state=s1", "", true},
		{"no code", "http://localhost/?state=s1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAuthCode(tt.input, "s1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseAuthCode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseAuthCode(): got %q, want %q", got, tt.want)
			}
		})
	}
}

type savedTokens struct {
	user string
	tok  *oauth2.Token
}

func (s *savedTokens) SaveToken(user string, tok *oauth2.Token) error {
	s.user, s.tok = user, tok
	return nil
}

func (s *savedTokens) DeleteToken(user string) error {
	if s.tok == nil || s.user != user {
		return errors.New("no token for " + user)
	}
	s.user, s.tok = "", nil
	return nil
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	store := &savedTokens{user: "me", tok: &oauth2.Token{AccessToken: "access"}}
	var out bytes.Buffer
	if err := revoke(store, "me", &out); err != nil {
		t.Fatalf("revoke() error = %v", err)
	}
	if store.tok != nil {
		t.Errorf("token: got %+v, want removed", store.tok)
	}
	if got, want := out.String(), "Token for me removed.\n"; got != want {
		t.Errorf("output: got %q, want %q", got, want)
	}

	if err := revoke(store, "me", &out); err == nil {
		t.Error("revoke() of a missing token: expected error")
	}
}

func TestAuthorize_ExchangesAndStores(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "the-code" {
			http.Error(w, "bad code", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access",
			"refresh_token": "refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	cfg := &oauth2.Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost",
		Endpoint:     oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"},
	}
	store := &savedTokens{}
	var out bytes.Buffer

	err := authorize(context.Background(), cfg, store, "me", strings.NewReader("the-code\n"), &out)
	if err != nil {
		t.Fatalf("authorize() error = %v", err)
	}
	if store.user != "me" {
		t.Errorf("user: got %q, want %q", store.user, "me")
	}
	if store.tok == nil || store.tok.RefreshToken != "refresh" {
		t.Errorf("token: got %+v, want refresh token %q", store.tok, "refresh")
	}
	if !strings.Contains(out.String(), srv.URL+"/auth") {
		t.Errorf("output does not show the consent URL: %q", out.String())
	}
}

func TestNewLedgerBackend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	fileCfg := &config.Config{Ledger: config.Ledger{Driver: "file", Dir: dir, Name: "sent"}}
	b, err := newLedgerBackend(fileCfg)
	if err != nil {
		t.Fatalf("newLedgerBackend(file) error = %v", err)
	}
	if _, ok := b.(*ledger.FileBackend); !ok {
		t.Errorf("file driver: got %T, want *ledger.FileBackend", b)
	}

	sqlCfg := &config.Config{Ledger: config.Ledger{Driver: "sqlite", Dir: dir, Name: "sent"}}
	b, err = newLedgerBackend(sqlCfg)
	if err != nil {
		t.Fatalf("newLedgerBackend(sqlite) error = %v", err)
	}
	defer b.Close()
	if _, ok := b.(*ledger.SQLiteBackend); !ok {
		t.Errorf("sqlite driver: got %T, want *ledger.SQLiteBackend", b)
	}
}

func TestNewSenderAndReceiver(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Mailbox: config.Mailbox{Protocol: "imap", Host: "imap.example.com", Port: 993},
		Sender:  config.Sender{Protocol: "mbox", MboxPath: filepath.Join(t.TempDir(), "out.mbox")},
	}

	recv, err := newReceiver(cfg, nil, discard)
	if err != nil {
		t.Fatalf("newReceiver() error = %v", err)
	}
	if _, ok := recv.(*receiver.IMAP); !ok {
		t.Errorf("receiver: got %T, want *receiver.IMAP", recv)
	}

	send, err := newSender(context.Background(), cfg, nil, discard)
	if err != nil {
		t.Fatalf("newSender() error = %v", err)
	}
	if _, ok := send.(*sender.Mbox); !ok {
		t.Errorf("sender: got %T, want *sender.Mbox", send)
	}

	gmailCfg := &config.Config{
		Mailbox: config.Mailbox{Protocol: "gmail"},
		Sender:  config.Sender{Protocol: "gmail"},
	}
	if _, err := newReceiver(gmailCfg, nil, discard); err == nil {
		t.Error("newReceiver(gmail) without client: expected error")
	}
	if _, err := newSender(context.Background(), gmailCfg, nil, discard); err == nil {
		t.Error("newSender(gmail) without client: expected error")
	}
}

func TestLedgerCountCommand(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "MySentEmails.txt"), []byte("a\nb\n\nc\n"), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "forward_to_address: x@example.com\n" +
		"ledger: {driver: file, dir: " + dir + "}\n" +
		"mailbox: {protocol: imap, host: imap.example.com, port: 993}\n" +
		"sender: {protocol: mbox}\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	cmd := newRootCmd(&app{})
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"ledger", "count", "--config", cfgPath, "--log-level", "error"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "3\t") {
		t.Errorf("output: got %q, want a count of 3", out.String())
	}
}

func TestRootCommand_BadConfig(t *testing.T) {
	cmd := newRootCmd(&app{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}
