// Package blobmeta is a minimal realization of the higher-level blob
// metadata catalog that spec.md describes only by contract (component E,
// §6.3). It exists so the reference/lifecycle protocol (§4.G) and the
// garbage collector (§4.F) are exercised end to end by real code: a block
// blob's body is one extent.Descriptor per committed block.
package blobmeta

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/bleepstore/bleepstore/internal/extent"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// referencePageSize is how many extent ids OpenReferencedExtentPager
// returns per page to the garbage collector.
const referencePageSize = 2000

// Container is a blob container: a namespace owned by an account.
type Container struct {
	Name        string
	AccountName string
	CreatedAt   time.Time
}

// Block is one committed block of a block blob: its position in the blob
// and the extent byte range holding its bytes.
type Block struct {
	BlockID    string
	Descriptor extent.Descriptor
}

// Blob is a block blob: a container/name pair whose body is the
// concatenation of its committed blocks, in order.
type Blob struct {
	Container    string
	Name         string
	Blocks       []Block
	ContentType  string
	Size         int64
	LastModified time.Time
	ETag         string
}

// Store is the SQLite-backed blob metadata catalog.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the blob metadata database at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening blob metadata database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing blob metadata database: %w", err)
	}
	return s, nil
}

func (s *Store) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS containers (
			name         TEXT PRIMARY KEY,
			account_name TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS blobs (
			container     TEXT NOT NULL,
			name          TEXT NOT NULL,
			content_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
			size          INTEGER NOT NULL DEFAULT 0,
			etag          TEXT NOT NULL DEFAULT '',
			last_modified TEXT NOT NULL,

			PRIMARY KEY (container, name),
			FOREIGN KEY (container) REFERENCES containers(name) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS blob_blocks (
			container  TEXT NOT NULL,
			blob_name  TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			block_id   TEXT NOT NULL,
			extent_id  TEXT NOT NULL,
			offset_in  INTEGER NOT NULL,
			byte_count INTEGER NOT NULL,

			PRIMARY KEY (container, blob_name, seq),
			FOREIGN KEY (container, blob_name) REFERENCES blobs(container, name) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_blob_blocks_extent ON blob_blocks(extent_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateContainer registers a new container.
func (s *Store) CreateContainer(ctx context.Context, c *Container) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO containers (name, account_name, created_at) VALUES (?, ?, ?)`,
		c.Name, c.AccountName, c.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("creating container %q: %w", c.Name, err)
	}
	return nil
}

// PutBlob commits a blob's full block list, replacing any previous blocks
// for that blob. Each block's descriptor must already be durable (returned
// by a prior extent.WriterPool.Append) before this call, per the
// reference/lifecycle protocol (spec.md §4.G): this is "step 2, persist D
// in the higher-level catalog."
func (s *Store) PutBlob(ctx context.Context, b *Blob) error {
	if b.LastModified.IsZero() {
		b.LastModified = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	contentType := b.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO blobs (container, name, content_type, size, etag, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.Container, b.Name, contentType, b.Size, b.ETag, b.LastModified.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("putting blob %q/%q: %w", b.Container, b.Name, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM blob_blocks WHERE container = ? AND blob_name = ?`, b.Container, b.Name,
	); err != nil {
		return fmt.Errorf("clearing blocks for %q/%q: %w", b.Container, b.Name, err)
	}

	for i, blk := range b.Blocks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blob_blocks (container, blob_name, seq, block_id, extent_id, offset_in, byte_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.Container, b.Name, i, blk.BlockID, blk.Descriptor.ExtentID, blk.Descriptor.Offset, blk.Descriptor.Count,
		); err != nil {
			return fmt.Errorf("inserting block %d for %q/%q: %w", i, b.Container, b.Name, err)
		}
	}

	return tx.Commit()
}

// GetBlob retrieves a blob and its ordered block list, or (nil, nil) if it
// does not exist.
func (s *Store) GetBlob(ctx context.Context, container, name string) (*Blob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT container, name, content_type, size, etag, last_modified
		 FROM blobs WHERE container = ? AND name = ?`,
		container, name,
	)
	var b Blob
	var lastModifiedStr string
	err := row.Scan(&b.Container, &b.Name, &b.ContentType, &b.Size, &b.ETag, &lastModifiedStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting blob %q/%q: %w", container, name, err)
	}
	b.LastModified, _ = time.Parse(timeFormat, lastModifiedStr)

	rows, err := s.db.QueryContext(ctx,
		`SELECT block_id, extent_id, offset_in, byte_count FROM blob_blocks
		 WHERE container = ? AND blob_name = ? ORDER BY seq`,
		container, name,
	)
	if err != nil {
		return nil, fmt.Errorf("listing blocks for %q/%q: %w", container, name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var blk Block
		if err := rows.Scan(&blk.BlockID, &blk.Descriptor.ExtentID, &blk.Descriptor.Offset, &blk.Descriptor.Count); err != nil {
			return nil, fmt.Errorf("scanning block row: %w", err)
		}
		b.Blocks = append(b.Blocks, blk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating block rows: %w", err)
	}
	return &b, nil
}

// DeleteBlob removes a blob and its block list. This is "step 1, remove
// all references" of the deleter side of the reference/lifecycle protocol
// (spec.md §4.G) — the underlying extents are reclaimed later by GC, never
// synchronously here.
func (s *Store) DeleteBlob(ctx context.Context, container, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE container = ? AND name = ?`, container, name,
	)
	if err != nil {
		return fmt.Errorf("deleting blob %q/%q: %w", container, name, err)
	}
	return nil
}

// blobPager implements extent.ReferencePager over blob_blocks.extent_id,
// paged by rowid so a long-running GC sweep doesn't hold a single giant
// result set in memory.
type blobPager struct {
	db       *sql.DB
	lastRow  int64
	finished bool
}

// OpenReferencedExtentPager implements extent.ReferenceSource: the only
// coupling the core requires from a higher-level catalog (spec.md §6.3).
func (s *Store) OpenReferencedExtentPager() extent.ReferencePager {
	return &blobPager{db: s.db}
}

func (p *blobPager) NextPage(ctx context.Context) ([]string, bool, error) {
	if p.finished {
		return nil, true, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT rowid, extent_id FROM blob_blocks WHERE rowid > ? ORDER BY rowid LIMIT ?`,
		p.lastRow, referencePageSize,
	)
	if err != nil {
		return nil, false, fmt.Errorf("paging referenced extents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var rowid int64
		var extentID string
		if err := rows.Scan(&rowid, &extentID); err != nil {
			return nil, false, fmt.Errorf("scanning referenced extent row: %w", err)
		}
		p.lastRow = rowid
		ids = append(ids, extentID)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterating referenced extent rows: %w", err)
	}
	if len(ids) < referencePageSize {
		p.finished = true
	}
	return ids, p.finished, nil
}
