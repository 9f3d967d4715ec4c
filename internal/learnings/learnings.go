// Package learnings implements the durable, project-scoped learnings
// ring described in the data model: a bounded, append-only store of the
// most recent 100 records, shared across runs. It is backed by
// modernc.org/sqlite (pure Go, no cgo), the same driver the retrieval
// pack's other graph-execution tooling depends on for local persistence.
package learnings

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/averyhale/forge/internal/runctx"
	_ "modernc.org/sqlite"
)

// maxRing is the documented bound: inserting beyond it prunes the oldest
// row in the same transaction.
const maxRing = 100

// Learning is a single accumulated record.
type Learning struct {
	ID        string
	Kind      string
	StageID   string
	Summary   string
	Timestamp time.Time
}

// Store is a sqlite-backed, single-writer learnings ring for one
// project. Safe for concurrent use.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open opens (creating if necessary) the learnings database at path,
// enabling WAL mode and a busy timeout so a concurrent reader (e.g. a
// `forge status` invocation) never blocks a run's append.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("learnings: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("learnings: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.createTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS learnings (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			stage_id   TEXT NOT NULL,
			summary    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("learnings: creating table: %w", err)
	}
	return nil
}

// Append inserts a new learning, pruning the oldest row in the same
// transaction if the ring would exceed maxRing entries.
func (s *Store) Append(ctx context.Context, l Learning) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("learnings: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO learnings (id, kind, stage_id, summary, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.Kind, l.StageID, l.Summary, l.Timestamp.Unix(),
	); err != nil {
		return fmt.Errorf("learnings: insert: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM learnings`).Scan(&count); err != nil {
		return fmt.Errorf("learnings: counting: %w", err)
	}
	if count > maxRing {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM learnings WHERE id IN (
				SELECT id FROM learnings ORDER BY created_at ASC, rowid ASC LIMIT ?
			)
		`, count-maxRing); err != nil {
			return fmt.Errorf("learnings: pruning: %w", err)
		}
	}

	return tx.Commit()
}

// Recent returns up to limit of the most recent learnings, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Learning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > maxRing {
		limit = maxRing
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, stage_id, summary, created_at FROM learnings ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("learnings: query: %w", err)
	}
	defer rows.Close()

	var out []Learning
	for rows.Next() {
		var l Learning
		var ts int64
		if err := rows.Scan(&l.ID, &l.Kind, &l.StageID, &l.Summary, &ts); err != nil {
			return nil, fmt.Errorf("learnings: scan: %w", err)
		}
		l.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path this store was opened against.
func (s *Store) Path() string {
	return s.path
}

// Snapshots converts a batch of learnings into the read-only form the
// context propagation layer threads into template resolution.
func Snapshots(ls []Learning) []runctx.LearningSnapshot {
	out := make([]runctx.LearningSnapshot, 0, len(ls))
	for _, l := range ls {
		out = append(out, runctx.LearningSnapshot{
			ID:        l.ID,
			Kind:      l.Kind,
			StageID:   l.StageID,
			Summary:   l.Summary,
			Timestamp: l.Timestamp.Format(time.RFC3339),
		})
	}
	return out
}
