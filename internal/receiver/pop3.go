package receiver

import (
	"context"
	"fmt"
	"log/slog"

	pop3client "github.com/knadh/go-pop3"
)

// POP3 reads messages over POP3/POP3S. Identifiers are the server's UIDL
// values.
type POP3 struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	logger   *slog.Logger

	conn *pop3client.Conn
	seq  map[string]int // UIDL -> message number in this session
}

// NewPOP3 creates a new POP3 receiver.
func NewPOP3(host string, port int, username, password string, useTLS bool, logger *slog.Logger) *POP3 {
	return &POP3{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		logger:   logger,
	}
}

// Authenticate connects and logs in. POP3 servers show a fixed snapshot of
// the maildrop per session, so an earlier session is always replaced.
func (r *POP3) Authenticate(_ context.Context) error {
	if r.conn != nil {
		r.Close()
	}
	client := pop3client.New(pop3client.Opt{
		Host:       r.host,
		Port:       r.port,
		TLSEnabled: r.useTLS,
	})
	conn, err := client.NewConn()
	if err != nil {
		return fmt.Errorf("pop3 connect %s:%d: %w", r.host, r.port, err)
	}
	if err := conn.Auth(r.username, r.password); err != nil {
		conn.Quit()
		return fmt.Errorf("pop3 auth %s: %w", r.username, err)
	}

	r.conn = conn
	return nil
}

// List returns the newest max messages. POP3 has a single mailbox, so
// filter is ignored.
func (r *POP3) List(_ context.Context, _ string, max int) ([]MessageRef, error) {
	if r.conn == nil {
		return nil, fmt.Errorf("pop3 list: not authenticated")
	}

	msgs, err := r.conn.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 uidl: %w", err)
	}

	r.seq = make(map[string]int, len(msgs))
	refs := make([]MessageRef, 0, len(msgs))
	for _, msg := range msgs {
		id := msg.UID
		if id == "" {
			// Servers without UIDL support get a session-local fallback.
			id = fmt.Sprintf("pop3-%d-%s", msg.ID, r.username)
		}
		r.seq[id] = msg.ID
		refs = append(refs, MessageRef{ID: id})
	}

	r.logger.Debug("pop3 listed messages", "count", len(refs))
	return truncate(newestFirst(refs), max), nil
}

// Get retrieves a message listed in this session.
func (r *POP3) Get(_ context.Context, id string) (RawMessage, error) {
	if r.conn == nil {
		return RawMessage{}, fmt.Errorf("pop3 retr: not authenticated")
	}
	n, ok := r.seq[id]
	if !ok {
		return RawMessage{}, fmt.Errorf("pop3 retr: unknown message %q", id)
	}

	buf, err := r.conn.RetrRaw(n)
	if err != nil {
		return RawMessage{}, fmt.Errorf("pop3 retr %d: %w", n, err)
	}
	return RawMessage{ID: id, Raw: buf.Bytes()}, nil
}

// Close ends the session.
func (r *POP3) Close() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Quit()
	r.conn = nil
	return err
}
