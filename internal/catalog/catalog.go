// Package catalog records which documents have been ingested, with their
// content hash, page and chunk counts and timestamps.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/efebarandurmaz/docrag/internal/catalog/migrations"
	"github.com/efebarandurmaz/docrag/internal/domain"
)

// Store persists catalog entries keyed by doc_id.
type Store interface {
	// Get returns domain.ErrNotFound when docID is unknown.
	Get(ctx context.Context, docID string) (domain.CatalogEntry, error)
	// Put inserts or replaces an entry. IngestedAt of an existing row is kept.
	Put(ctx context.Context, e domain.CatalogEntry) error
	// Delete returns domain.ErrNotFound when docID is unknown.
	Delete(ctx context.Context, docID string) error
	// List returns all entries ordered by doc_id.
	List(ctx context.Context) ([]domain.CatalogEntry, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

var _ Store = (*SQLStore)(nil)

// Open picks the backend from the DSN:
//   - postgres:// or postgresql://: PostgreSQL via pgx
//   - empty: SQLite at defaultPath
//   - anything else: SQLite at the given path
func Open(ctx context.Context, dsn, defaultPath string) (*SQLStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		s, err := openPostgres(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return s, nil
	}
	if dsn == "" {
		dsn = defaultPath
	}
	return openSQLite(ctx, dsn)
}

func openSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLite free of SQLITE_BUSY under concurrent ingests.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.migrate(ctx, migrations.SQLite, "sqlite"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func openPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.migrate(ctx, migrations.Postgres, "postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// migrate executes every embedded .sql file not yet recorded in
// schema_migrations, in name order, one statement at a time.
func (s *SQLStore) migrate(ctx context.Context, fsys fs.FS, dir string) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("read schema_migrations: %w", err)
		}
		applied[name] = true
	}
	rows.Close()

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") && !applied[e.Name()] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := fs.ReadFile(fsys, dir+"/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		for _, stmt := range strings.Split(string(data), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration %s: %w", name, err)
			}
		}
		if _, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`),
			name, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const selectColumns = `SELECT doc_id, filename, mime, page_count, content_hash, chunk_count, index_key, ingested_at, updated_at FROM documents`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (domain.CatalogEntry, error) {
	var (
		e         domain.CatalogEntry
		pages     sql.NullInt64
		ingested  int64
		updatedAt int64
	)
	if err := row.Scan(&e.DocID, &e.Filename, &e.MIME, &pages, &e.ContentHash, &e.ChunkCount, &e.IndexKey, &ingested, &updatedAt); err != nil {
		return e, err
	}
	if pages.Valid {
		e.PageCount = domain.IntPtr(int(pages.Int64))
	}
	e.IngestedAt = time.UnixMilli(ingested).UTC()
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return e, nil
}

func (s *SQLStore) Get(ctx context.Context, docID string) (domain.CatalogEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE doc_id = ?`), docID))
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%w: document %q", domain.ErrNotFound, docID)
	}
	if err != nil {
		return e, fmt.Errorf("query document: %w", err)
	}
	return e, nil
}

func (s *SQLStore) Put(ctx context.Context, e domain.CatalogEntry) error {
	now := time.Now().UTC()
	if e.IngestedAt.IsZero() {
		e.IngestedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	var pages sql.NullInt64
	if e.PageCount != nil {
		pages = sql.NullInt64{Int64: int64(*e.PageCount), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO documents (
			doc_id, filename, mime, page_count, content_hash, chunk_count, index_key, ingested_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (doc_id) DO UPDATE SET
			filename = excluded.filename,
			mime = excluded.mime,
			page_count = excluded.page_count,
			content_hash = excluded.content_hash,
			chunk_count = excluded.chunk_count,
			index_key = excluded.index_key,
			updated_at = excluded.updated_at`),
		e.DocID, e.Filename, e.MIME, pages, e.ContentHash, e.ChunkCount, e.IndexKey,
		e.IngestedAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, docID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM documents WHERE doc_id = ?`), docID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: document %q", domain.ErrNotFound, docID)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]domain.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY doc_id`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var out []domain.CatalogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
