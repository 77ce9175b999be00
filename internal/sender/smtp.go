package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
)

// SMTP relays messages through an SMTP server.
type SMTP struct {
	host     string
	port     int
	username string
	password string
	from     string
	useTLS   bool
	logger   *slog.Logger
}

// NewSMTP creates a new SMTP sender. from overrides the envelope sender; when
// empty the username is used, then the message's own From address.
func NewSMTP(host string, port int, username, password, from string, useTLS bool, logger *slog.Logger) *SMTP {
	return &SMTP{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		useTLS:   useTLS,
		logger:   logger,
	}
}

// Name returns the transport name.
func (s *SMTP) Name() string {
	return "smtp"
}

// Send delivers raw to the recipients named in its To and Cc headers. The
// returned identifier is the message's Message-ID.
func (s *SMTP) Send(ctx context.Context, raw []byte) (string, error) {
	env, err := readEnvelope(raw)
	if err != nil {
		return "", err
	}
	from := s.envelopeFrom(env)

	client, err := s.dial(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	if s.username != "" && s.password != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			return "", fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return "", fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range env.to {
		if err := client.Rcpt(rcpt); err != nil {
			return "", fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(crlf(raw)); err != nil {
		return "", fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("smtp close data: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Debug("smtp quit failed", "error", err)
	}
	return env.messageID, nil
}

func (s *SMTP) envelopeFrom(env envelope) string {
	switch {
	case s.from != "":
		return s.from
	case s.username != "":
		return s.username
	default:
		return env.from
	}
}

func (s *SMTP) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	tlsConfig := &tls.Config{ServerName: s.host}

	var conn net.Conn
	var err error
	if s.useTLS {
		d := &tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp new client: %w", err)
	}

	if !s.useTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				s.logger.Warn("STARTTLS failed, continuing without TLS", "error", err)
			}
		}
	}
	return client, nil
}

// crlf normalizes bare LF line endings, which many relays reject.
func crlf(raw []byte) []byte {
	if !bytes.Contains(raw, []byte("\n")) {
		return raw
	}
	normalized := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(normalized, []byte("\n"), []byte("\r\n"))
}
