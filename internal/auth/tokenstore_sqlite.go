package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteTokenStore persists the two token slots in a SQLite database.
type SQLiteTokenStore struct {
	db *sql.DB
}

// OpenSQLiteTokenStore opens (or creates) the database at path.
// An empty path or ":memory:" keeps the slots in memory.
func OpenSQLiteTokenStore(path string) (*SQLiteTokenStore, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create token store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteTokenStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteTokenStore wraps an open database and ensures the schema exists.
func NewSQLiteTokenStore(db *sql.DB) (*SQLiteTokenStore, error) {
	if db == nil {
		return nil, errors.New("token store: db is nil")
	}
	s := &SQLiteTokenStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTokenStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS token_slots (
			slot TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create token_slots table: %w", err)
	}
	return nil
}

// Load reads both slots. Missing slots come back empty.
func (s *SQLiteTokenStore) Load(ctx context.Context) (Tokens, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slot, value FROM token_slots WHERE slot IN (?, ?)`,
		SlotAccessToken, SlotRefreshToken,
	)
	if err != nil {
		return Tokens{}, fmt.Errorf("load tokens: %w", err)
	}
	defer rows.Close()

	var tokens Tokens
	for rows.Next() {
		var slot, value string
		if err := rows.Scan(&slot, &value); err != nil {
			return Tokens{}, fmt.Errorf("scan token slot: %w", err)
		}
		switch slot {
		case SlotAccessToken:
			tokens.Access = value
		case SlotRefreshToken:
			tokens.Refresh = value
		}
	}
	if err := rows.Err(); err != nil {
		return Tokens{}, fmt.Errorf("load tokens: %w", err)
	}
	return tokens, nil
}

// Save writes both slots in one transaction.
func (s *SQLiteTokenStore) Save(ctx context.Context, tokens Tokens) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		for _, slot := range []struct{ name, value string }{
			{SlotAccessToken, tokens.Access},
			{SlotRefreshToken, tokens.Refresh},
		} {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO token_slots (slot, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(slot) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
			`, slot.name, slot.value, now); err != nil {
				return fmt.Errorf("save %s: %w", slot.name, err)
			}
		}
		return nil
	})
}

// Clear removes both slots in one transaction.
func (s *SQLiteTokenStore) Clear(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM token_slots WHERE slot IN (?, ?)`,
			SlotAccessToken, SlotRefreshToken,
		); err != nil {
			return fmt.Errorf("clear tokens: %w", err)
		}
		return nil
	})
}

// Close releases the database.
func (s *SQLiteTokenStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteTokenStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin token tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback() //nolint:errcheck // fn error is returned
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit token tx: %w", err)
	}
	return nil
}
