package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Schema holds the directory store DDL, applied via dbopen.WithSchema.
// The meta table distinguishes a never-populated store from a genuinely
// empty roster: LoadAll reports ErrNotWarmed until Replace has run once.
const Schema = `
CREATE TABLE IF NOT EXISTS students (
	identifier   TEXT PRIMARY KEY,
	display_name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS directory_meta (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	warmed_at TEXT NOT NULL
);
`

var (
	// ErrNotWarmed signals that the store has never been populated. Callers
	// may retry; an empty result without this error is authoritative.
	ErrNotWarmed = errors.New("directory: store not warmed")
	// ErrNotFound signals that a single-row lookup matched nothing.
	ErrNotFound = errors.New("directory: identifier not found")
)

// Store is the primary external directory collaborator.
type Store interface {
	// LoadAll returns every identifier→name pair, or ErrNotWarmed if the
	// store has never been populated.
	LoadAll(ctx context.Context) ([]StudentRecord, error)
	// Lookup resolves a single identifier, or ErrNotFound.
	Lookup(ctx context.Context, identifier string) (string, error)
}

// SQLStore backs the directory with a SQLite table.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) LoadAll(ctx context.Context) ([]StudentRecord, error) {
	var warmedAt string
	err := s.db.QueryRowContext(ctx, `SELECT warmed_at FROM directory_meta WHERE id = 1`).Scan(&warmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotWarmed
	}
	if err != nil {
		return nil, fmt.Errorf("directory meta: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT identifier, display_name FROM students`)
	if err != nil {
		return nil, fmt.Errorf("directory load: %w", err)
	}
	defer rows.Close()

	var records []StudentRecord
	for rows.Next() {
		var rec StudentRecord
		if err := rows.Scan(&rec.Identifier, &rec.DisplayName); err != nil {
			return nil, fmt.Errorf("directory scan: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLStore) Lookup(ctx context.Context, identifier string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name FROM students WHERE identifier = ?`,
		strings.ToUpper(identifier)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("directory lookup: %w", err)
	}
	return name, nil
}

// Replace swaps the full roster in one transaction and marks the store
// warmed. An empty slice is a legitimate roster, not a reset to unwarmed.
func (s *SQLStore) Replace(ctx context.Context, records []StudentRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("directory replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM students`); err != nil {
		return fmt.Errorf("directory clear: %w", err)
	}
	for _, rec := range records {
		if rec.Identifier == "" || rec.DisplayName == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO students (identifier, display_name) VALUES (?, ?)`,
			strings.ToUpper(rec.Identifier), rec.DisplayName); err != nil {
			return fmt.Errorf("directory insert: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO directory_meta (id, warmed_at) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET warmed_at = excluded.warmed_at`,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("directory meta: %w", err)
	}
	return tx.Commit()
}
