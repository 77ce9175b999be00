// Package receiver lists and downloads messages from a remote mailbox.
package receiver

import "context"

// MessageRef identifies a message in the mailbox without its content.
type MessageRef struct {
	ID       string // stable identifier, recorded in the ledger
	ThreadID string // conversation identifier, if the mailbox has one
}

// RawMessage is a downloaded message in transport form.
type RawMessage struct {
	ID  string
	Raw []byte // RFC 5322 message bytes
}

// Receiver reads messages from a remote mailbox.
type Receiver interface {
	// Authenticate establishes and validates the mailbox session.
	Authenticate(ctx context.Context) error

	// List returns at most max message references matching filter,
	// newest first.
	List(ctx context.Context, filter string, max int) ([]MessageRef, error)

	// Get downloads the raw message with the given identifier.
	Get(ctx context.Context, id string) (RawMessage, error)

	// Close releases any resources held by the receiver.
	Close() error
}

// newestFirst reverses refs in place; mailboxes number messages oldest first.
func newestFirst(refs []MessageRef) []MessageRef {
	for i, j := 0, len(refs)-1; i < j; i, j = i+1, j-1 {
		refs[i], refs[j] = refs[j], refs[i]
	}
	return refs
}

func truncate(refs []MessageRef, max int) []MessageRef {
	if max > 0 && len(refs) > max {
		return refs[:max]
	}
	return refs
}
