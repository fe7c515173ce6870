// Package postgres provides a Postgres-backed persistent store that mirrors
// the in-memory semantics and snapshots each commit to a JSONB bucket table.
//
// The working set lives in process memory and every commit rewrites whole
// buckets, so exactly one process may write a given database. NewStore takes
// a session advisory lock and fails with ErrStoreLocked while another Store
// holds it.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"donationcore/internal/infra/persistence/memory"
	"donationcore/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/donationcore?sslmode=disable"
)

// stateLockKey is the advisory lock guarding the state table.
const stateLockKey int64 = 0x646f6e6174696f6e

// ErrStoreLocked reports that another process already owns the database.
var ErrStoreLocked = errors.New("postgres state is owned by another writer")

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db   *sql.DB
	lock *sql.Conn
	mu   sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It ensures the snapshot table exists and hydrates the working set from it.
func NewStore(ctx context.Context, dsn string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	lock, err := acquireWriterLock(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	fail := func(err error) (*Store, error) {
		_ = lock.Close()
		_ = db.Close()
		return nil, err
	}
	if err := ensureStateTable(ctx, db); err != nil {
		return fail(err)
	}
	snapshot, found, err := loadSnapshot(ctx, db)
	if err != nil {
		return fail(err)
	}
	s := &Store{db: db, lock: lock}
	s.Store = memory.NewStore(engine, append(opts, memory.WithCommitHook(s.persist))...)
	if found {
		s.ImportState(snapshot)
	}
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the writer lock and the connection pool.
func (s *Store) Close() error {
	_, unlockErr := s.lock.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, stateLockKey)
	return errors.Join(unlockErr, s.lock.Close(), s.db.Close())
}

// acquireWriterLock pins a connection holding the state advisory lock.
func acquireWriterLock(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, stateLockKey).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("acquire writer lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, ErrStoreLocked
	}
	return conn, nil
}

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, false, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	found := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, false, fmt.Errorf("scan state: %w", err)
		}
		target, ok := snapshot.Bucket(bucket)
		if !ok || len(payload) == 0 {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return memory.Snapshot{}, false, fmt.Errorf("decode %s: %w", bucket, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, false, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, found, nil
}

func (s *Store) persist(ctx context.Context, snapshot memory.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range memory.BucketNames {
		target, _ := snapshot.Bucket(bucket)
		data, err := json.Marshal(target)
		if err != nil {
			return fmt.Errorf("encode %s: %w", bucket, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
