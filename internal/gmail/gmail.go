// Package gmail reads and sends messages through the Gmail REST API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/tracyhatemice/gmailer/internal/receiver"
)

// maxPageSize is the largest page users.messages.list accepts.
const maxPageSize = 500

// TokenStore loads and saves the OAuth token of a mailbox user.
type TokenStore interface {
	Token(user string) (*oauth2.Token, error)
	SaveToken(user string, tok *oauth2.Token) error
}

// OAuthConfig returns the OAuth client configuration for the Gmail API.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			gmailapi.GmailReadonlyScope,
			gmailapi.GmailSendScope,
		},
		Endpoint: google.Endpoint,
	}
}

// AuthURL returns the consent page URL for an offline token.
func AuthURL(cfg *oauth2.Config, state string) string {
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Client is a Gmail mailbox. It implements both receiver.Receiver and
// sender.Sender.
type Client struct {
	userID  string
	oauth   *oauth2.Config
	tokens  TokenStore
	extra   []option.ClientOption
	breaker *breaker
	logger  *slog.Logger

	svc *gmailapi.Service
}

// New creates a client for userID. extra options are appended when the API
// service is built, which lets callers point it at another endpoint.
func New(userID string, cfg *oauth2.Config, tokens TokenStore, logger *slog.Logger, extra ...option.ClientOption) *Client {
	if userID == "" {
		userID = "me"
	}
	return &Client{
		userID:  userID,
		oauth:   cfg,
		tokens:  tokens,
		extra:   extra,
		breaker: newBreaker(logger),
		logger:  logger,
	}
}

// Authenticate loads the stored token, refreshes it when expired and builds
// the API service. Calling it again once authenticated is a no-op.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.svc != nil {
		return nil
	}

	tok, err := c.tokens.Token(c.userID)
	if err != nil {
		return fmt.Errorf("gmail auth: %w", err)
	}

	src := c.oauth.TokenSource(ctx, tok)
	fresh, err := src.Token()
	if err != nil {
		return fmt.Errorf("gmail auth: access token expired and cannot be refreshed: %w", err)
	}
	if fresh.AccessToken != tok.AccessToken {
		c.logger.Info("gmail access token refreshed", "user", c.userID)
		if err := c.tokens.SaveToken(c.userID, fresh); err != nil {
			c.logger.Warn("saving refreshed token failed", "user", c.userID, "error", err)
		}
	} else {
		c.logger.Debug("gmail access token ok", "user", c.userID)
	}

	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.ReuseTokenSource(fresh, src))}, c.extra...)
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return fmt.Errorf("gmail auth: create service: %w", err)
	}
	c.svc = svc
	return nil
}

// List pages through users.messages.list for query until max references
// are collected or the listing is exhausted. Spam and trash are excluded.
func (c *Client) List(ctx context.Context, query string, max int) ([]receiver.MessageRef, error) {
	if c.svc == nil {
		return nil, errors.New("gmail list: not authenticated")
	}

	pageSize := int64(max)
	if pageSize > maxPageSize || pageSize <= 0 {
		pageSize = maxPageSize
	}

	var refs []receiver.MessageRef
	pageToken := ""
	for {
		call := c.svc.Users.Messages.List(c.userID).
			Q(query).
			IncludeSpamTrash(false).
			MaxResults(pageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmailapi.ListMessagesResponse
		err := c.breaker.execute("list", func() error {
			var apiErr error
			resp, apiErr = call.Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("gmail list: %w", err)
		}

		for _, m := range resp.Messages {
			refs = append(refs, receiver.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
		}

		if len(resp.Messages) == 0 || resp.NextPageToken == "" || (max > 0 && len(refs) >= max) {
			break
		}
		pageToken = resp.NextPageToken
	}

	if max > 0 && len(refs) > max {
		refs = refs[:max]
	}
	return refs, nil
}

// Get downloads a message in raw format.
func (c *Client) Get(ctx context.Context, id string) (receiver.RawMessage, error) {
	if c.svc == nil {
		return receiver.RawMessage{}, errors.New("gmail get: not authenticated")
	}

	var msg *gmailapi.Message
	err := c.breaker.execute("get", func() error {
		var apiErr error
		msg, apiErr = c.svc.Users.Messages.Get(c.userID, id).Format("raw").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return receiver.RawMessage{}, fmt.Errorf("gmail get %s: %w", id, err)
	}

	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return receiver.RawMessage{}, fmt.Errorf("gmail get %s: %w", id, err)
	}
	if len(raw) == 0 {
		return receiver.RawMessage{}, fmt.Errorf("gmail get %s: empty raw payload", id)
	}
	return receiver.RawMessage{ID: id, Raw: raw}, nil
}

// Send submits raw as a new message and returns its Gmail identifier.
func (c *Client) Send(ctx context.Context, raw []byte) (string, error) {
	if c.svc == nil {
		return "", errors.New("gmail send: not authenticated")
	}

	out := &gmailapi.Message{Raw: base64.URLEncoding.EncodeToString(raw)}

	var sent *gmailapi.Message
	err := c.breaker.execute("send", func() error {
		var apiErr error
		sent, apiErr = c.svc.Users.Messages.Send(c.userID, out).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("gmail send: %w", err)
	}
	if sent == nil || sent.Id == "" {
		return "", errors.New("gmail send: no message id returned")
	}
	return sent.Id, nil
}

// Name returns the transport name.
func (c *Client) Name() string {
	return "gmail"
}

// Close is a no-op; the API is stateless HTTP.
func (c *Client) Close() error {
	return nil
}

// decodeRaw decodes the base64url payload Gmail uses for raw messages,
// with or without padding.
func decodeRaw(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode raw payload: %w", err)
	}
	return b, nil
}
