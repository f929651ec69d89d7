package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/agentsync/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Zero-byte or table-less file, repaired by schema.sql
// 1 - Five-table schema with append-only triggers
const currentSchemaVersion = 1

// Session metadata keys written by Open.
const (
	MetaSchemaVersion           = "schema_version"
	MetaWorkflowTemplateVersion = "workflow_template_version"
	MetaEngineVersion           = "engine_version"
	MetaInitializedAt           = "initialized_at"
)

const (
	defaultBusyTimeout = 5 * time.Second
	defaultRetryBudget = 10 * time.Second
)

// Store is the SQLite file shared by every worktree of one repository.
type Store struct {
	db          *sql.DB
	path        string
	busyTimeout time.Duration
	retryBudget time.Duration
}

// Option configures Open.
type Option func(*Store)

// WithBusyTimeout sets how long SQLite itself waits on a locked file.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.busyTimeout = d
		}
	}
}

// WithRetryBudget bounds how long WithTx keeps retrying BUSY/LOCKED errors.
func WithRetryBudget(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retryBudget = d
		}
	}
}

// Open creates or opens the store at path, creating the parent directory.
// Schema and migrations are applied every time, so a zero-byte or table-less
// file is repaired rather than rejected.
//
// The connection is configured with:
//   - WAL journal and synchronous=NORMAL
//   - busy_timeout (default 5s) for cross-process lock contention
//   - foreign key enforcement
//   - immediate transactions, so every write transaction takes the write lock at BEGIN
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:        path,
		busyTimeout: defaultBusyTimeout,
		retryBudget: defaultRetryBudget,
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", s.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection per process; processes serialize on the file lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s.db = db

	ctx := context.Background()
	if err := s.applySchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return s, nil
}

func (s *Store) dsn() string {
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprintf("%d", s.busyTimeout.Milliseconds()))
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	return "file:" + s.path + "?" + q.Encode()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the file the store was opened from.
func (s *Store) Path() string {
	return s.path
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// applySchema creates tables if they don't exist, runs migrations and
// refreshes the session metadata rows. Runs inside one retried transaction
// so concurrent first opens from several worktrees do not race.
func (s *Store) applySchema(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("execute schema: %w", err)
		}
		if err := runMigrations(ctx, tx.tx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		return writeSessionDefaults(ctx, tx)
	})
}

// runMigrations applies incremental schema migrations based on user_version.
// A file written by a newer schema is refused rather than downgraded.
func runMigrations(ctx context.Context, tx *sql.Tx) error {
	var version int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// writeSessionDefaults records version rows on every open and
// initialized_at only the first time.
func writeSessionDefaults(ctx context.Context, tx *Tx) error {
	now := time.Now()
	for key, value := range map[string]string{
		MetaSchemaVersion:           fmt.Sprintf("%d", currentSchemaVersion),
		MetaWorkflowTemplateVersion: ir.WorkflowTemplateVersion,
		MetaEngineVersion:           ir.EngineVersion,
	} {
		if err := tx.SetSessionValue(ctx, key, value, now); err != nil {
			return err
		}
	}
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO session_metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, MetaInitializedAt, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("write %s: %w", MetaInitializedAt, err)
	}
	return nil
}

// Tx is one immediate write transaction. All mutations go through a Tx so a
// change and its audit row commit or roll back together.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a single immediate transaction and commits if fn
// returns nil. BUSY and LOCKED errors restart the whole transaction with
// exponential backoff until the retry budget is spent; any other error
// rolls back and is returned as is.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = s.retryBudget

	return backoff.Retry(func() error {
		err := s.runTxOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if IsBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

func (s *Store) runTxOnce(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// IsBusy reports whether err is SQLite BUSY or LOCKED.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
