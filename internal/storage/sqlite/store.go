// Package sqlite provides a SQLite-backed event journal and snapshot store.
// Appends rely on the events table's PRIMARY KEY (domain, root, seq) so a
// lost sequence race surfaces as a constraint violation, reported to callers
// as storage.ErrSeqConflict.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/louisbranch/chronicle/internal/book"
	sqlitemigrate "github.com/louisbranch/chronicle/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/chronicle/internal/storage"
	"github.com/louisbranch/chronicle/internal/storage/sqlite/migrations"
)

// Store persists event pages and snapshots in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// Add appends pages under the cover. Non-forced pages must target the current
// tip exactly; a lost race returns storage.ErrSeqConflict and commits nothing.
func (s *Store) Add(ctx context.Context, cover book.Cover, pages []book.EventPage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := cover.Validate(); err != nil {
		return err
	}
	if len(pages) == 0 {
		return book.ErrNoPages
	}
	for _, page := range pages {
		if err := page.Event.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next uint64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq) + 1, 0) FROM events WHERE domain = ? AND root = ?",
		cover.Domain, cover.Root,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("read tip: %w", err)
	}

	expected := next
	for _, page := range pages {
		if !page.Forced {
			if page.Sequence != expected {
				return storage.ErrSeqConflict
			}
			expected++
		}

		createdAt := page.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		forced := 0
		if page.Forced {
			forced = 1
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (domain, root, seq, forced, type_name, payload, correlation_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cover.Domain, cover.Root, int64(page.Sequence), forced,
			page.Event.TypeName, page.Event.Data, cover.CorrelationID, toMillis(createdAt),
		)
		if err != nil {
			if isConstraintError(err) {
				return storage.ErrSeqConflict
			}
			return fmt.Errorf("append event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) queryPages(ctx context.Context, domain string, root []byte, where string, args ...any) (book.EventBook, error) {
	eb := book.EventBook{Cover: book.Cover{Domain: domain, Root: root}}
	if s == nil || s.sqlDB == nil {
		return eb, fmt.Errorf("storage is not configured")
	}

	query := `SELECT seq, forced, type_name, payload, created_at FROM events
		WHERE domain = ? AND root = ?` + where + " ORDER BY seq ASC"
	queryArgs := append([]any{domain, root}, args...)
	rows, err := s.sqlDB.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return eb, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq       int64
			forced    int
			typeName  string
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&seq, &forced, &typeName, &payload, &createdAt); err != nil {
			return eb, fmt.Errorf("scan event: %w", err)
		}
		eb.Pages = append(eb.Pages, book.EventPage{
			Sequence:  uint64(seq),
			Forced:    forced != 0,
			Event:     book.Payload{TypeName: typeName, Data: payload},
			CreatedAt: fromMillis(createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return eb, fmt.Errorf("iterate events: %w", err)
	}

	next, err := s.GetNextSequence(ctx, domain, root)
	if err != nil {
		return eb, err
	}
	eb.NextSequence = next
	return eb, nil
}

// Get returns the full history for a root. A never-seen root yields an empty
// book with NextSequence 0.
func (s *Store) Get(ctx context.Context, domain string, root []byte) (book.EventBook, error) {
	if err := ctx.Err(); err != nil {
		return book.EventBook{}, err
	}
	return s.queryPages(ctx, domain, root, "")
}

// GetFrom returns pages with sequence >= from.
func (s *Store) GetFrom(ctx context.Context, domain string, root []byte, from uint64) (book.EventBook, error) {
	if err := ctx.Err(); err != nil {
		return book.EventBook{}, err
	}
	return s.queryPages(ctx, domain, root, " AND seq >= ?", int64(from))
}

// GetFromTo returns pages with from <= sequence < to.
func (s *Store) GetFromTo(ctx context.Context, domain string, root []byte, from, to uint64) (book.EventBook, error) {
	if err := ctx.Err(); err != nil {
		return book.EventBook{}, err
	}
	return s.queryPages(ctx, domain, root, " AND seq >= ? AND seq < ?", int64(from), int64(to))
}

// GetNextSequence returns the next free sequence for a root.
func (s *Store) GetNextSequence(ctx context.Context, domain string, root []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var next uint64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq) + 1, 0) FROM events WHERE domain = ? AND root = ?",
		domain, root,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("read tip: %w", err)
	}
	return next, nil
}

// ListRoots returns every root with committed events in a domain.
func (s *Store) ListRoots(ctx context.Context, domain string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT DISTINCT root FROM events WHERE domain = ? ORDER BY root ASC", domain)
	if err != nil {
		return nil, fmt.Errorf("query roots: %w", err)
	}
	defer rows.Close()

	var roots [][]byte
	for rows.Next() {
		var root []byte
		if err := rows.Scan(&root); err != nil {
			return nil, fmt.Errorf("scan root: %w", err)
		}
		roots = append(roots, root)
	}
	return roots, rows.Err()
}

// ListDomains returns every domain with committed events.
func (s *Store) ListDomains(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT DISTINCT domain FROM events ORDER BY domain ASC")
	if err != nil {
		return nil, fmt.Errorf("query domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var domain string
		if err := rows.Scan(&domain); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		domains = append(domains, domain)
	}
	return domains, rows.Err()
}

// GetByCorrelation returns every book whose pages carry the correlation id,
// grouped per (domain, root).
func (s *Store) GetByCorrelation(ctx context.Context, correlationID string) ([]book.EventBook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT domain, root, seq, forced, type_name, payload, created_at FROM events
		 WHERE correlation_id = ? ORDER BY domain ASC, root ASC, seq ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query by correlation: %w", err)
	}
	defer rows.Close()

	var books []book.EventBook
	index := make(map[string]int)
	for rows.Next() {
		var (
			domain    string
			root      []byte
			seq       int64
			forced    int
			typeName  string
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&domain, &root, &seq, &forced, &typeName, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		cover := book.Cover{Domain: domain, Root: root, CorrelationID: correlationID}
		i, ok := index[cover.Key()]
		if !ok {
			books = append(books, book.EventBook{Cover: cover})
			i = len(books) - 1
			index[cover.Key()] = i
		}
		books[i].Pages = append(books[i].Pages, book.EventPage{
			Sequence:  uint64(seq),
			Forced:    forced != 0,
			Event:     book.Payload{TypeName: typeName, Data: payload},
			CreatedAt: fromMillis(createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	for i := range books {
		last := books[i].Pages[len(books[i].Pages)-1]
		books[i].NextSequence = last.Sequence + 1
	}
	return books, nil
}

// GetSnapshot returns the snapshot for a root, or storage.ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, domain string, root []byte) (book.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return book.Snapshot{}, err
	}
	var (
		seq      int64
		typeName string
		state    []byte
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT seq, type_name, state FROM snapshots WHERE domain = ? AND root = ?",
		domain, root,
	).Scan(&seq, &typeName, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return book.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return book.Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	return book.Snapshot{
		Sequence: uint64(seq),
		State:    book.Payload{TypeName: typeName, Data: state},
	}, nil
}

// PutSnapshot stores or replaces the snapshot for a root.
func (s *Store) PutSnapshot(ctx context.Context, domain string, root []byte, snap book.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO snapshots (domain, root, seq, type_name, state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (domain, root) DO UPDATE SET
		   seq = excluded.seq, type_name = excluded.type_name,
		   state = excluded.state, updated_at = excluded.updated_at`,
		domain, root, int64(snap.Sequence), snap.State.TypeName, snap.State.Data,
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot removes the snapshot for a root.
func (s *Store) DeleteSnapshot(ctx context.Context, domain string, root []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM snapshots WHERE domain = ? AND root = ?", domain, root)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
