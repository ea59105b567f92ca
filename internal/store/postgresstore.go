// Package store provides remote persistence backends for config entries. Each
// backend mirrors entry files into a local spool directory so the file layout
// seen by operators stays the same whatever the backend.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
)

const defaultEntryTable = "config_entries"

// PostgresStoreConfig captures configuration required to initialize a Postgres-backed store.
type PostgresStoreConfig struct {
	DSN        string
	Schema     string
	EntryTable string
	SpoolDir   string
}

// PostgresStore persists config entries in PostgreSQL while mirroring them to
// a local spool directory.
type PostgresStore struct {
	db    *sql.DB
	cfg   PostgresStoreConfig
	spool *entry.FileStore
	mu    sync.Mutex
}

// NewPostgresStore establishes a connection to PostgreSQL and prepares the spool directory.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	if cfg.EntryTable == "" {
		cfg.EntryTable = defaultEntryTable
	}
	spoolDir, err := prepareSpool(cfg.SpoolDir, "pgstore")
	if err != nil {
		return nil, fmt.Errorf("postgres store: %w", err)
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	return &PostgresStore{db: db, cfg: cfg, spool: entry.NewFileStore(spoolDir)}, nil
}

// Close releases the underlying database connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EntryDir returns the local directory containing mirrored entry files.
func (s *PostgresStore) EntryDir() string {
	return s.spool.BaseDir()
}

// EnsureSchema creates the entry table (and schema when provided).
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store: not initialized")
	}
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			domain TEXT NOT NULL,
			unique_id TEXT NOT NULL DEFAULT '',
			content JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.table())); err != nil {
		return fmt.Errorf("postgres store: create entry table: %w", err)
	}
	return nil
}

// Bootstrap creates the schema and rewrites the spool directory from the database.
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	entries, err := s.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err = resetSpool(s.spool.BaseDir()); err != nil {
		return fmt.Errorf("postgres store: %w", err)
	}
	for _, e := range entries {
		e.Path = ""
		if _, err = s.spool.Save(ctx, e); err != nil {
			return fmt.Errorf("postgres store: mirror entry %s: %w", e.EntryID, err)
		}
	}
	return nil
}

// Save implements entry.Store.
func (s *PostgresStore) Save(ctx context.Context, e *entry.Entry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", fmt.Errorf("postgres store: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.spool.Save(ctx, e)
	if err != nil {
		return "", fmt.Errorf("postgres store: %w", err)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("postgres store: marshal entry: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, domain, unique_id, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id)
		DO UPDATE SET domain = EXCLUDED.domain, unique_id = EXCLUDED.unique_id, content = EXCLUDED.content, updated_at = NOW()
	`, s.table())
	if _, err = s.db.ExecContext(ctx, query, e.EntryID, e.Domain, e.UniqueID, json.RawMessage(payload), e.CreatedAt); err != nil {
		return "", fmt.Errorf("postgres store: upsert entry: %w", err)
	}
	return path, nil
}

// List implements entry.Store.
func (s *PostgresStore) List(ctx context.Context) ([]*entry.Entry, error) {
	query := fmt.Sprintf("SELECT id, content, created_at, updated_at FROM %s ORDER BY created_at, id", s.table())
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*entry.Entry, 0, 8)
	for rows.Next() {
		var (
			id        string
			payload   []byte
			createdAt time.Time
			updatedAt time.Time
		)
		if err = rows.Scan(&id, &payload, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan entry row: %w", err)
		}
		e, errDecode := decodeEntry(payload)
		if errDecode != nil {
			log.WithError(errDecode).Warnf("postgres store: skipping entry %s", id)
			continue
		}
		e.EntryID = id
		e.CreatedAt, e.UpdatedAt = createdAt.UTC(), updatedAt.UTC()
		e.Path = filepath.Join(s.spool.BaseDir(), entry.FileName(e))
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate entry rows: %w", err)
	}
	return entries, nil
}

// Delete implements entry.Store.
func (s *PostgresStore) Delete(ctx context.Context, entryID string) error {
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return fmt.Errorf("postgres store: id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table()), entryID)
	if err != nil {
		return fmt.Errorf("postgres store: delete entry record: %w", err)
	}
	errSpool := s.spool.Delete(ctx, entryID)
	if errSpool != nil && !errors.Is(errSpool, entry.ErrNotFound) {
		return fmt.Errorf("postgres store: %w", errSpool)
	}
	if affected, errRows := res.RowsAffected(); errRows == nil && affected == 0 && errSpool != nil {
		return entry.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) table() string {
	return fullTableName(s.cfg.Schema, s.cfg.EntryTable)
}

func fullTableName(schema, name string) string {
	if strings.TrimSpace(schema) == "" {
		return quoteIdentifier(name)
	}
	return quoteIdentifier(schema) + "." + quoteIdentifier(name)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}

// decodeEntry parses a stored entry document.
func decodeEntry(data []byte) (*entry.Entry, error) {
	data = normalizeLineEndings(data)
	var e entry.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// prepareSpool resolves dir (defaulting to ./<fallback>) and creates it.
func prepareSpool(dir, fallback string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		if cwd, err := os.Getwd(); err == nil {
			dir = filepath.Join(cwd, fallback)
		} else {
			dir = filepath.Join(os.TempDir(), fallback)
		}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve spool directory: %w", err)
	}
	if err = os.MkdirAll(abs, 0o700); err != nil {
		return "", fmt.Errorf("create spool directory: %w", err)
	}
	return abs, nil
}

// resetSpool removes every entry file from dir.
func resetSpool(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return err
	}
	for _, f := range files {
		if errRemove := os.Remove(f); errRemove != nil && !os.IsNotExist(errRemove) {
			return fmt.Errorf("reset spool: %w", errRemove)
		}
	}
	return nil
}

func normalizeLineEndings(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	return []byte(strings.ReplaceAll(s, "\r", "\n"))
}

func readSpoolFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spool file: %w", err)
	}
	return normalizeLineEndings(data), nil
}
