package sender

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/google/uuid"
)

// Mbox appends messages to a local mbox file instead of sending them. It is
// meant for dry runs.
type Mbox struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewMbox creates a sender writing to the mbox file at path.
func NewMbox(path string) *Mbox {
	return &Mbox{path: path, now: time.Now}
}

// Name returns the transport name.
func (m *Mbox) Name() string {
	return "mbox"
}

// Send appends raw as a new mbox entry and returns a generated identifier.
func (m *Mbox) Send(ctx context.Context, raw []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	env, err := readEnvelope(raw)
	if err != nil {
		return "", err
	}
	from := env.from
	if from == "" {
		from = "MAILER-DAEMON"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create mbox dir: %w", err)
		}
	}
	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()

	w := mbox.NewWriter(f)
	mw, err := w.CreateMessage(from, m.now())
	if err != nil {
		return "", fmt.Errorf("create mbox entry: %w", err)
	}
	if _, err := mw.Write(bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))); err != nil {
		return "", fmt.Errorf("write mbox entry: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finish mbox entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync mbox: %w", err)
	}
	return uuid.NewString(), nil
}
