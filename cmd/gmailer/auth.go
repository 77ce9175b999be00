package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tracyhatemice/gmailer/internal/credential"
	"github.com/tracyhatemice/gmailer/internal/gmail"
)

func newAuthCmd(a *app) *cobra.Command {
	var revokeToken bool
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize gmailer against the Gmail account and store the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tokens, err := credential.Open(a.cfg.Gmail.KeyringDir)
			if err != nil {
				return err
			}
			if revokeToken {
				return revoke(tokens, a.cfg.UserID, cmd.OutOrStdout())
			}
			oauth := gmail.OAuthConfig(a.cfg.Gmail.ClientID, a.cfg.Gmail.ClientSecret, a.cfg.Gmail.RedirectURL)
			return authorize(cmd.Context(), oauth, tokens, a.cfg.UserID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&revokeToken, "revoke", false, "remove the stored token instead of authorizing")
	return cmd
}

// tokenSaver is the write side of the token store.
type tokenSaver interface {
	SaveToken(user string, tok *oauth2.Token) error
}

type tokenDeleter interface {
	DeleteToken(user string) error
}

// revoke removes the stored token for user. The next run fails to
// authenticate until auth is run again.
func revoke(tokens tokenDeleter, user string, out io.Writer) error {
	if err := tokens.DeleteToken(user); err != nil {
		return err
	}
	fmt.Fprintf(out, "Token for %s removed.\n", user)
	return nil
}

// authorize runs the manual consent flow: print the consent URL, read back
// the code (or the whole redirect URL) and store the exchanged token.
func authorize(ctx context.Context, cfg *oauth2.Config, tokens tokenSaver, user string, in io.Reader, out io.Writer) error {
	state := uuid.NewString()
	fmt.Fprintf(out, "Open this URL in a browser and grant access:\n\n%s\n\n", gmail.AuthURL(cfg, state))
	fmt.Fprint(out, "Paste the authorization code or the full redirect URL: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read authorization code: %w", err)
	}
	code, err := parseAuthCode(line, state)
	if err != nil {
		return err
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	if err := tokens.SaveToken(user, tok); err != nil {
		return err
	}
	fmt.Fprintln(out, "Token stored.")
	return nil
}

// parseAuthCode accepts a bare code or a redirect URL carrying code and
// state query parameters.
func parseAuthCode(input, state string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("no authorization code given")
	}
	if !strings.Contains(input, "://") {
		return input, nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse redirect URL: %w", err)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("authorization denied: %s", e)
	}
	if got := q.Get("state"); got != "" && got != state {
		return "", errors.New("state mismatch in redirect URL")
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("redirect URL has no code parameter")
	}
	return code, nil
}
