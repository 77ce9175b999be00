package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS sent_messages (
	id      TEXT PRIMARY KEY,
	sent_at TEXT NOT NULL
)`

// SQLiteBackend keeps identifiers in a local SQLite database.
type SQLiteBackend struct {
	db *sqlx.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath and ensures
// the schema exists.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Load returns every recorded identifier.
func (s *SQLiteBackend) Load(ctx context.Context) (Set, error) {
	var rows []string
	if err := s.db.SelectContext(ctx, &rows, "SELECT id FROM sent_messages"); err != nil {
		return nil, fmt.Errorf("selecting ledger ids: %w", err)
	}

	ids := make(Set, len(rows))
	for _, id := range rows {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// Append inserts ids in one transaction. Identifiers already present are
// ignored and not counted.
func (s *SQLiteBackend) Append(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning ledger tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	n := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO sent_messages (id, sent_at) VALUES (?, ?)", id, now)
		if err != nil {
			return 0, fmt.Errorf("inserting ledger id %q: %w", id, err)
		}
		if affected, err := res.RowsAffected(); err == nil {
			n += int(affected)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing ledger tx: %w", err)
	}
	return n, nil
}

// Close closes the underlying database connection.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
