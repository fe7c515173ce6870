// Package sqlite provides a SQLite-backed persistent store that snapshots the
// in-memory working set to a single bucketed table after each commit.
//
// The state is loaded once at open and every commit rewrites whole buckets,
// so a database file must have a single writing process. A second process
// would overwrite the first one's commits; run replays against a copy or
// with the server stopped.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"donationcore/internal/infra/persistence/memory"
	"donationcore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.Store = (*Store)(nil)

const defaultPath = "donationcore.db"

// Store persists the in-memory state to SQLite as JSON blobs, one row per bucket.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the database at path and hydrates the working
// set from any existing snapshot. An empty path selects donationcore.db.
func NewStore(path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer; the memory store already serializes commits
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{db: db, path: path}
	s.Store = memory.NewStore(engine, append(opts, memory.WithCommitHook(s.persist))...)
	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	found := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		target, ok := snapshot.Bucket(bucket)
		if !ok || len(payload) == 0 {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if found {
		s.ImportState(snapshot)
	}
	return nil
}

func (s *Store) persist(ctx context.Context, snapshot memory.Snapshot) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range memory.BucketNames {
		target, _ := snapshot.Bucket(bucket)
		data, err := json.Marshal(target)
		if err != nil {
			return fmt.Errorf("encode %s: %w", bucket, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	return tx.Commit()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
