// Package storage is the durable, append-only revision log backing the
// collaboration service. Revisions are only ever inserted or pruned;
// nothing here mutates a stored row.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/knowhub/collab/internal/collab"
)

// Store wraps the sqlite revision log.
type Store struct {
	db *sql.DB
}

// Revision is one stored edit snapshot.
type Revision struct {
	ID           int64     `json:"id"`
	EntryID      int64     `json:"entry_id"`
	AuthorID     int64     `json:"author_id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Category     string    `json:"category"`
	Tags         []string  `json:"tags"`
	RevisionNote string    `json:"revision_note"`
	CreatedAt    time.Time `json:"created_at"`
}

// Open creates the sqlite database (and its parent directory) if needed
// and bootstraps the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS revisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id INTEGER NOT NULL,
		author_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		revision_note TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_revisions_entry_id ON revisions(entry_id);
	CREATE INDEX IF NOT EXISTS idx_revisions_entry_created ON revisions(entry_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRevision appends one revision. Implements collab.RevisionStore.
func (s *Store) SaveRevision(ctx context.Context, rev collab.Revision) error {
	tags := rev.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO revisions (entry_id, author_id, title, content, category, tags, revision_note)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rev.EntryID, rev.AuthorID, rev.Title, rev.Content, rev.Category, string(tagsJSON), rev.RevisionNote)
	return err
}

// GetRevision retrieves a revision by id, or nil when absent.
func (s *Store) GetRevision(ctx context.Context, id int64) (*Revision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entry_id, author_id, title, content, category, tags, revision_note, created_at
		FROM revisions WHERE id = ?
	`, id)

	rev, err := scanRevision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// ListRevisions returns an entry's revisions, newest first.
func (s *Store) ListRevisions(ctx context.Context, entryID int64, limit, offset int) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, author_id, title, content, category, tags, revision_note, created_at
		FROM revisions
		WHERE entry_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, entryID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revisions []Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		revisions = append(revisions, *rev)
	}
	return revisions, rows.Err()
}

// CountRevisions returns the number of revisions stored for an entry.
func (s *Store) CountRevisions(ctx context.Context, entryID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM revisions WHERE entry_id = ?", entryID,
	).Scan(&count)
	return count, err
}

// EntryIDs lists every entry id that has at least one revision.
func (s *Store) EntryIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT entry_id FROM revisions ORDER BY entry_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneRevisions deletes an entry's oldest revisions, keeping the most
// recent keep rows. Returns the number deleted.
func (s *Store) PruneRevisions(ctx context.Context, entryID int64, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM revisions
		WHERE entry_id = ? AND id NOT IN (
			SELECT id FROM revisions
			WHERE entry_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, entryID, entryID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats reports storage-wide totals for the stats endpoint.
func (s *Store) Stats(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)

	var revisionCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM revisions").Scan(&revisionCount); err != nil {
		return nil, err
	}
	stats["revision_count"] = revisionCount

	var entryCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT entry_id) FROM revisions").Scan(&entryCount); err != nil {
		return nil, err
	}
	stats["entry_count"] = entryCount

	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRevision(row scanner) (*Revision, error) {
	var rev Revision
	var tagsJSON string
	err := row.Scan(&rev.ID, &rev.EntryID, &rev.AuthorID, &rev.Title, &rev.Content,
		&rev.Category, &tagsJSON, &rev.RevisionNote, &rev.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &rev.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if rev.Tags == nil {
		rev.Tags = []string{}
	}
	return &rev, nil
}
