// Package sqlite implements the storage interface on a single on-disk
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/types"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Conn.
// Store methods run against it so the same code serves both the pooled
// handle and the dedicated locked connection inside WithCaseLock.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQLite-backed storage implementation.
type Store struct {
	db *sql.DB
	q  querier

	// inTx marks a Store view bound to an open writer transaction.
	inTx bool

	colCache   map[string]map[string]bool
	colCacheMu sync.Mutex
}

var _ storage.Storage = (*Store)(nil)

// Open creates (if needed) and opens the database at path, applies pragmas,
// the base schema, and all pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A small pool; writers still serialize because each IMMEDIATE
	// transaction takes the database write lock.
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, q: db, colCache: map[string]map[string]bool{}}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s.inTx {
		return fmt.Errorf("close called on a transactional store view")
	}
	return s.db.Close()
}

// hasColumn reports whether table has the named column, using a per-table
// cache so feature checks stay off the hot path.
func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	s.colCacheMu.Lock()
	if cols, ok := s.colCache[table]; ok {
		s.colCacheMu.Unlock()
		return cols[column], nil
	}
	s.colCacheMu.Unlock()

	rows, err := s.q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, fmt.Errorf("failed to introspect %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	s.colCacheMu.Lock()
	s.colCache[table] = cols
	s.colCacheMu.Unlock()
	return cols[column], nil
}

// invalidateColumns drops the cached column set for a table after DDL.
func (s *Store) invalidateColumns(table string) {
	s.colCacheMu.Lock()
	delete(s.colCache, table)
	s.colCacheMu.Unlock()
}

// isBusy reports whether err is SQLITE_BUSY / database-is-locked.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// beginImmediate starts a writer transaction on conn.
//
// Raw BEGIN IMMEDIATE is used instead of BeginTx because database/sql has no
// transaction modes and the driver's BeginTx always runs DEFERRED. IMMEDIATE
// takes the RESERVED lock up front, serializing concurrent writers on the
// case they both target.
func beginImmediate(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
	return err
}

// WithCaseLock serializes state-mutating work on one case. The callback
// receives a transactional store view and the case as re-read inside the
// lock. SQLITE_BUSY maps to storage.ErrBusy so callers skip instead of spin.
func (s *Store) WithCaseLock(ctx context.Context, caseID string, fn func(ctx context.Context, tx storage.Storage, c *types.Case) error) error {
	if s.inTx {
		return fmt.Errorf("nested WithCaseLock on case %s", caseID)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediate(ctx, conn); err != nil {
		if isBusy(err) {
			debug.Logf("case %s: lock busy, skipping\n", caseID)
			return storage.ErrBusy
		}
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context: rollback must run even if ctx is canceled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	view := &Store{db: s.db, q: conn, inTx: true, colCache: map[string]map[string]bool{}}

	c, err := view.GetCase(ctx, caseID)
	if err != nil {
		return err
	}

	if err := fn(ctx, view, c); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit case %s: %w", caseID, err)
	}
	committed = true
	return nil
}
