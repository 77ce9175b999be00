package ledger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend keeps identifiers in a newline-delimited text file, one per
// line.
type FileBackend struct {
	mu   sync.Mutex
	file string
}

// NewFileBackend returns a backend for filePath. The parent directory is
// created on first append.
func NewFileBackend(filePath string) *FileBackend {
	return &FileBackend{file: filePath}
}

// Load reads the whole file. A missing file is an empty ledger.
func (f *FileBackend) Load(_ context.Context) (Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make(Set)

	file, err := os.Open(f.file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ids, nil
		}
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			ids[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger file: %w", err)
	}
	return ids, nil
}

// Append writes ids as one batch and syncs the file.
func (f *FileBackend) Append(_ context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.file), 0o755); err != nil {
		return 0, fmt.Errorf("create ledger dir: %w", err)
	}

	file, err := os.OpenFile(f.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open ledger file for append: %w", err)
	}

	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('\n')
	}

	if _, err := file.WriteString(b.String()); err != nil {
		file.Close()
		return 0, fmt.Errorf("write ledger ids: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return 0, fmt.Errorf("sync ledger file: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("close ledger file: %w", err)
	}
	return len(ids), nil
}

// Close is a no-op; the file is opened per operation.
func (f *FileBackend) Close() error {
	return nil
}
