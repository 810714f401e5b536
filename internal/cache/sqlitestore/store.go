// Package sqlitestore persists cache generations in a SQLite database file.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NoahCxrest/offline-cache-gateway/internal/cache"
)

//go:embed schema.sql
var schemaSQL string

// Store implements cache.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// Single writer; concurrent callers queue on the pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exists(ctx context.Context, q querier, generation string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM generations WHERE name = ?", generation).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("lookup generation %q: %w", generation, err)
	default:
		return true, nil
	}
}

// Open creates the generation row if absent.
func (s *Store) Open(ctx context.Context, generation string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO generations (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING",
		generation, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("open generation %q: %w", generation, err)
	}
	return nil
}

// Get retrieves a cached entry if present.
func (s *Store) Get(ctx context.Context, generation, key string) (cache.Entry, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM entries WHERE generation = ? AND key = ?", generation, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		ok, err := exists(ctx, s.db, generation)
		if err != nil {
			return cache.Entry{}, false, err
		}
		if !ok {
			return cache.Entry{}, false, cache.ErrNoGeneration
		}
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("select entry %q: %w", key, err)
	}

	entry, err := cache.Decode(payload)
	if err != nil {
		return cache.Entry{}, false, err
	}
	return entry, true, nil
}

// Put upserts every record inside one transaction.
func (s *Store) Put(ctx context.Context, generation string, records ...cache.Record) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ok, err := exists(ctx, tx, generation)
	if err != nil {
		return err
	}
	if !ok {
		return cache.ErrNoGeneration
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO entries (generation, key, payload, stored_at) VALUES (?, ?, ?, ?)
ON CONFLICT(generation, key) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		payload, err := cache.Encode(rec.Entry)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, generation, rec.Key, payload, rec.Entry.StoredAt.UTC().UnixMilli()); err != nil {
			return fmt.Errorf("upsert entry %q: %w", rec.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Keys lists the request keys of a generation in lexical order.
func (s *Store) Keys(ctx context.Context, generation string) ([]string, error) {
	ok, err := exists(ctx, s.db, generation)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cache.ErrNoGeneration
	}
	return s.strings(ctx, "SELECT key FROM entries WHERE generation = ? ORDER BY key", generation)
}

// Generations lists generation names in lexical order.
func (s *Store) Generations(ctx context.Context) ([]string, error) {
	return s.strings(ctx, "SELECT name FROM generations ORDER BY name")
}

// Delete removes the generation and its entries.
func (s *Store) Delete(ctx context.Context, generation string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", generation); err != nil {
		return false, fmt.Errorf("delete entries %q: %w", generation, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE name = ?", generation)
	if err != nil {
		return false, fmt.Errorf("delete generation %q: %w", generation, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}
