package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS facts (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    venue TEXT NOT NULL,
    account TEXT NOT NULL,
    client_order_id TEXT,
    symbol TEXT,
    seq INTEGER NOT NULL DEFAULT 0,
    state TEXT,
    detail TEXT,
    at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facts_order ON facts(venue, account, client_order_id, seq);
CREATE INDEX IF NOT EXISTS idx_facts_kind ON facts(kind, at);
`

// Store is the sqlite-backed fact journal.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the journal database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends one fact. Facts are never updated or deleted.
func (s *Store) Record(ctx context.Context, f Fact) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (id, kind, venue, account, client_order_id, symbol, seq, state, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, string(f.Kind), f.Venue, f.Account, f.ClientOrderID, f.Symbol,
		int64(f.Seq), f.State, f.Detail, f.At)
	if err != nil {
		return fmt.Errorf("record fact: %w", err)
	}
	return nil
}

// OrderHistory returns the facts recorded for one order in sequence order,
// the audit trail behind a supersedes chain.
func (s *Store) OrderHistory(ctx context.Context, venue, account, clientOrderID string) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, venue, account, client_order_id, symbol, seq, state, detail, at
		FROM facts
		WHERE venue = ? AND account = ? AND client_order_id = ?
		ORDER BY seq ASC, at ASC`,
		venue, account, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("query order history: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		var kind string
		var seq int64
		if err := rows.Scan(&f.ID, &kind, &f.Venue, &f.Account, &f.ClientOrderID,
			&f.Symbol, &seq, &f.State, &f.Detail, &f.At); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.Kind = FactKind(kind)
		f.Seq = uint64(seq)
		out = append(out, f)
	}
	return out, rows.Err()
}

var _ Writer = (*Store)(nil)
