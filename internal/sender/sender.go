// Package sender delivers rewritten messages to the forward target.
package sender

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Sender delivers a fully formed RFC 5322 message. The recipients are taken
// from the message headers.
type Sender interface {
	// Send transmits raw and returns the identifier the transport assigned
	// to it, if any.
	Send(ctx context.Context, raw []byte) (string, error)

	// Name returns a short transport name for logging.
	Name() string
}

// envelope holds the addressing data a transport needs besides the bytes.
type envelope struct {
	from      string
	to        []string
	messageID string
}

// readEnvelope extracts the sender, every To/Cc recipient and the
// Message-ID from the header of raw.
func readEnvelope(raw []byte) (envelope, error) {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return envelope{}, fmt.Errorf("parse message header: %w", err)
	}
	defer r.Close()

	var env envelope
	if addrs, err := r.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		env.from = addrs[0].Address
	}
	for _, key := range []string{"To", "Cc"} {
		addrs, err := r.Header.AddressList(key)
		if err != nil {
			return envelope{}, fmt.Errorf("parse %s header: %w", key, err)
		}
		for _, a := range addrs {
			env.to = append(env.to, a.Address)
		}
	}
	if len(env.to) == 0 {
		return envelope{}, fmt.Errorf("message has no recipients")
	}
	if id, err := r.Header.MessageID(); err == nil {
		env.messageID = strings.TrimSpace(id)
	}
	return env, nil
}
