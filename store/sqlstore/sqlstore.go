/*
Package sqlstore provides a database/sql implementation of economy.TxStore.

PURPOSE:
  Persists balances, definitions, workflow rows and audit records in SQLite
  or PostgreSQL. Both dialects share one schema shape and one set of
  queries; placeholders are written as ? and rebound to $N for Postgres.

DIALECTS:
  sqlite:   github.com/mattn/go-sqlite3, WAL, single connection
  postgres: github.com/jackc/pgx/v5/stdlib

KEY TABLES:
  balances:          (owner_id, guild_id, reward_type_id) -> amount >= 0
  quest_completions: workflow rows with filter columns plus data_json
  applied_modifiers: status/expiry columns for the expiry sweep
  user_trophies:     UNIQUE (user_id, trophy_id, guild_id)
  chronicle_events:  append-only, ordered by seq
  notifications:     append-only, ordered by seq

Complex entities are stored whole as data_json; only the columns the
queries filter on are broken out.

CONCURRENCY:
  SQLite runs a single connection, so transactions are serialized.
  On Postgres, GetBalance inside WithTx creates the row if missing and
  reads it FOR UPDATE; the lock is held until the action commits.
  Serialization failures and deadlocks surface as
  economy.ErrConcurrentModification.

AUDIT INSERTS:
  AppendChronicle, AppendNotification and AddUserTrophy run under a
  savepoint inside a transaction, so a failed insert leaves the
  surrounding transaction usable. Postgres otherwise aborts it.

MIGRATIONS:
  Embedded per dialect under migrations/<dialect>/ and recorded in
  schema_migrations.

USAGE:
  st, err := sqlstore.Open(ctx, sqlstore.DialectSQLite, "./data/economy.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()
  engine := economy.NewEngine(st)

SEE ALSO:
  - economy/store.go:        Store and TxStore contracts
  - economy/store/memory.go: in-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/mckayc/task-donegeon-sub004/economy"
)

//go:embed migrations/*/*.sql
var migrationFS embed.FS

// Dialect selects the SQL driver and the small syntax differences.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts the names used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database dialect %q", s)
	}
}

// timeLayout is fixed-width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements economy.TxStore on database/sql.
//
// The value returned by Open runs each call in its own implicit
// transaction. WithTx hands fn a Store bound to a *sql.Tx.
type Store struct {
	dialect Dialect
	db      *sql.DB
	q       querier
	inTx    bool
}

var _ economy.TxStore = (*Store)(nil)

// Open connects, pings and migrates. For SQLite the dsn is a file path or
// ":memory:"; for Postgres it is a connection URL.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite3"
		dsn = dsn + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	case DialectPostgres:
		driver = "pgx"
		if dsn == "" {
			return nil, errors.New("postgres dialect requires a connection URL")
		}
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One connection: serializes writers and keeps ":memory:" alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}

	s := &Store{dialect: dialect, db: db, q: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Printf("[Store] database ready: dialect=%s", dialect)
	return s, nil
}

// NewSQLite opens a SQLite store. Use ":memory:" for a throwaway database.
func NewSQLite(dbPath string) (*Store, error) {
	return Open(context.Background(), DialectSQLite, dbPath)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect reports which database the store talks to.
func (s *Store) Dialect() Dialect { return s.dialect }

// =============================================================================
// MIGRATIONS
// =============================================================================

func (s *Store) migrate(ctx context.Context) error {
	create := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate schema migrations: %w", err)
	}
	rows.Close()

	files, err := fs.Glob(migrationFS, fmt.Sprintf("migrations/%s/*.sql", s.dialect))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		version := path.Base(file)
		if applied[version] {
			continue
		}
		body, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		record := s.rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)")
		if _, err := tx.ExecContext(ctx, record, version, formatTime(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
		log.Printf("[Store] applied migration %s", version)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (economy.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Nested calls reuse the
// open transaction.
func (s *Store) WithTx(ctx context.Context, fn func(economy.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", s.classify(err))
	}
	defer sqlTx.Rollback()

	txStore := &Store{dialect: s.dialect, db: s.db, q: sqlTx, inTx: true}
	if err := fn(txStore); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", s.classify(err))
	}
	return nil
}

// savepoint runs fn so that its failure does not poison the enclosing
// transaction.
func (s *Store) savepoint(ctx context.Context, name string, fn func() error) error {
	if !s.inTx {
		return fn()
	}
	if _, err := s.q.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return s.classify(err)
	}
	if err := fn(); err != nil {
		if _, rbErr := s.q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	_, err := s.q.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return s.classify(err)
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

// rebind rewrites ? placeholders to $N for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	return s.classify(err)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.q.QueryContext(ctx, s.rebind(query), args...)
	return rows, s.classify(err)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// upsert inserts a row keyed by its first column or replaces the other
// columns of the existing row.
func (s *Store) upsert(ctx context.Context, table string, cols []string, args ...any) error {
	ph := make([]string, len(cols))
	set := make([]string, 0, len(cols)-1)
	for i, c := range cols {
		ph[i] = "?"
		if i > 0 {
			set = append(set, c+" = excluded."+c)
		}
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(ph, ", "), cols[0], strings.Join(set, ", "))
	if err := s.exec(ctx, q, args...); err != nil {
		return fmt.Errorf("save %s: %w", table, err)
	}
	return nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// classify maps driver errors onto the economy sentinels the engine and the
// API understand. Unknown errors pass through unchanged.
func (s *Store) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isUniqueConstraintError(err):
		return fmt.Errorf("%w: %v", economy.ErrDuplicate, err)
	case isConflictError(err):
		return fmt.Errorf("%w: %v", economy.ErrConcurrentModification, err)
	default:
		return err
	}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isConflictError reports lock contention that a retry may resolve.
func isConflictError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected, lock_not_available
		return pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "55P03"
	}
	return false
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for tests and demo reseeding).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"balances", "users", "settings", "reward_types", "quests", "quest_completions",
		"modifier_definitions", "applied_modifiers", "markets", "assets", "purchase_requests",
		"trophies", "user_trophies", "ranks", "chronicle_events", "notifications",
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}
