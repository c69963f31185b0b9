// Package queuemeta is a minimal realization of the higher-level queue
// metadata catalog spec.md describes only by contract (component E, §6.3).
// A queue message's body is a single extent.Descriptor. This package also
// enforces the protocol-layer payload limit from spec.md §8 scenario 4
// (64 KiB of base64-encoded body) before any extent write happens, so a
// PayloadTooLarge message never reaches the extent store.
package queuemeta

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/bleepstore/bleepstore/internal/coreerrors"
	"github.com/bleepstore/bleepstore/internal/extent"
	"github.com/bleepstore/bleepstore/internal/uid"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// MaxMessageBodyBase64Bytes is the maximum size, in base64-encoded bytes,
// of a queue message body (spec.md §8 scenario 4). A message whose encoded
// body exceeds this is rejected with PayloadTooLarge before any extent is
// written.
const MaxMessageBodyBase64Bytes = 64 * 1024

const referencePageSize = 2000

// Queue is a message queue: a namespace owned by an account.
type Queue struct {
	Name        string
	AccountName string
	CreatedAt   time.Time
}

// Message is one enqueued message: its body lives in a single extent byte
// range.
type Message struct {
	ID           string
	Queue        string
	Descriptor   extent.Descriptor
	InsertedAt   time.Time
	DequeueCount int
}

// Store is the SQLite-backed queue metadata catalog.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the queue metadata database at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening queue metadata database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing queue metadata database: %w", err)
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
		CREATE TABLE IF NOT EXISTS queues (
			name         TEXT PRIMARY KEY,
			account_name TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id             TEXT PRIMARY KEY,
			queue_name     TEXT NOT NULL,
			extent_id      TEXT NOT NULL,
			offset_in      INTEGER NOT NULL,
			byte_count     INTEGER NOT NULL,
			inserted_at    TEXT NOT NULL,
			dequeue_count  INTEGER NOT NULL DEFAULT 0,

			FOREIGN KEY (queue_name) REFERENCES queues(name) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_queue ON messages(queue_name);
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

// CreateQueue registers a new queue.
func (s *Store) CreateQueue(ctx context.Context, q *Queue) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queues (name, account_name, created_at) VALUES (?, ?, ?)`,
		q.Name, q.AccountName, q.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("creating queue %q: %w", q.Name, err)
	}
	return nil
}

// Enqueue writes bodyBase64 through the writer pool and records the
// resulting descriptor, implementing the reference/lifecycle protocol
// (spec.md §4.G): append first, persist the descriptor second. Rejects
// with PayloadTooLarge before any extent write if bodyBase64 exceeds
// MaxMessageBodyBase64Bytes (spec.md §8 scenario 4, §7).
func (s *Store) Enqueue(ctx context.Context, writer *extent.WriterPool, destinationID, queueName string, bodyBase64 []byte) (*Message, error) {
	if len(bodyBase64) > MaxMessageBodyBase64Bytes {
		return nil, coreerrors.New(coreerrors.KindPayloadTooLarge, "queuemeta.Store.Enqueue", nil)
	}

	desc, err := writer.Append(ctx, destinationID, bodyBase64)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:         uid.New(),
		Queue:      queueName,
		Descriptor: desc,
		InsertedAt: time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, queue_name, extent_id, offset_in, byte_count, inserted_at, dequeue_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		msg.ID, msg.Queue, desc.ExtentID, desc.Offset, desc.Count, msg.InsertedAt.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("recording message %q: %w", msg.ID, err)
	}
	return msg, nil
}

// Peek resolves a message's extent descriptor and streams its body bytes
// (still base64-encoded, as enqueued) without removing it from the queue.
func (s *Store) Peek(ctx context.Context, reader *extent.Reader, messageID string) (io.ReadCloser, error) {
	msg, err := s.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, coreerrors.New(coreerrors.KindExtentNotFound, "queuemeta.Store.Peek", nil)
	}
	return reader.Read(ctx, msg.Descriptor.ExtentID, msg.Descriptor.Offset, msg.Descriptor.Count)
}

func (s *Store) getMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, queue_name, extent_id, offset_in, byte_count, inserted_at, dequeue_count
		 FROM messages WHERE id = ?`, id,
	)
	var m Message
	var insertedAtStr string
	err := row.Scan(&m.ID, &m.Queue, &m.Descriptor.ExtentID, &m.Descriptor.Offset, &m.Descriptor.Count, &insertedAtStr, &m.DequeueCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %q: %w", id, err)
	}
	m.InsertedAt, _ = time.Parse(timeFormat, insertedAtStr)
	return &m, nil
}

// Delete removes a message's reference. This is "step 1, remove all
// references" of the deleter side of the reference/lifecycle protocol
// (spec.md §4.G) — the underlying extent is reclaimed later by GC.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ?`, messageID,
	)
	if err != nil {
		return fmt.Errorf("deleting message %q: %w", messageID, err)
	}
	return nil
}

type messagePager struct {
	db       *sql.DB
	lastID   string
	finished bool
}

// OpenReferencedExtentPager implements extent.ReferenceSource: the only
// coupling the core requires from a higher-level catalog (spec.md §6.3).
func (s *Store) OpenReferencedExtentPager() extent.ReferencePager {
	return &messagePager{db: s.db}
}

func (p *messagePager) NextPage(ctx context.Context) ([]string, bool, error) {
	if p.finished {
		return nil, true, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, extent_id FROM messages WHERE id > ? ORDER BY id LIMIT ?`,
		p.lastID, referencePageSize,
	)
	if err != nil {
		return nil, false, fmt.Errorf("paging referenced extents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var msgID, extentID string
		if err := rows.Scan(&msgID, &extentID); err != nil {
			return nil, false, fmt.Errorf("scanning referenced extent row: %w", err)
		}
		p.lastID = msgID
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
