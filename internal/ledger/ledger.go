// Package ledger records the identifiers of messages that were already
// forwarded so later runs never send them again.
//
// A Ledger is owned by a single process. Overlapping runs against the same
// backing store are not supported and are not guarded by a lock.
package ledger

import (
	"context"
	"log/slog"
	"strings"
)

// Set is a set of message identifiers.
type Set map[string]struct{}

// Has reports whether id is in the set.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Backend is a storage medium for the ledger.
type Backend interface {
	// Load returns every recorded identifier.
	Load(ctx context.Context) (Set, error)

	// Append durably records ids and returns how many were written.
	Append(ctx context.Context, ids []string) (int, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Ledger downgrades backend failures so they never abort a run: a failed
// load reads as an empty ledger and a failed append reports zero entries.
// The cost of either is a duplicate forward, never a lost or blocked one.
type Ledger struct {
	backend Backend
	logger  *slog.Logger
}

// New wraps backend.
func New(backend Backend, logger *slog.Logger) *Ledger {
	return &Ledger{backend: backend, logger: logger}
}

// LoadIdentifiers returns all previously recorded identifiers, or an empty
// set if the store is absent or unreadable.
func (l *Ledger) LoadIdentifiers(ctx context.Context) Set {
	ids, err := l.backend.Load(ctx)
	if err != nil {
		l.logger.Warn("ledger unreadable, treating as empty", "error", err)
		return Set{}
	}
	if ids == nil {
		return Set{}
	}
	return ids
}

// AppendIdentifiers records ids and returns the number appended. Any
// failure is logged and reported as zero.
func (l *Ledger) AppendIdentifiers(ctx context.Context, ids []string) int {
	clean := normalize(ids)
	if len(clean) == 0 {
		return 0
	}

	n, err := l.backend.Append(ctx, clean)
	if err != nil {
		l.logger.Error("ledger append failed", "count", len(clean), "error", err)
		return 0
	}
	return n
}

// Close closes the backend.
func (l *Ledger) Close() error {
	return l.backend.Close()
}

// normalize trims ids, drops blanks and removes duplicates while keeping
// the original order.
func normalize(ids []string) []string {
	seen := make(Set, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen.Has(id) {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
