// Package account implements the account store and per-account service
// properties store (spec.md §3, §4.H): a small, read-mostly SQLite-backed
// key/value layer the request path consults but does not mutate outside
// administrative provisioning.
package account

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/bleepstore/bleepstore/internal/uid"
)

// timeFormat is the ISO 8601 format used for all timestamps in SQLite,
// matching the teacher's metadata store convention.
const timeFormat = "2006-01-02T15:04:05.000Z"

// Account is a storage account: name, key, and administrative flags. The
// core treats it as an external, mostly read-only lookup (spec.md §3).
type Account struct {
	Name        string
	Key         string
	Enabled     bool
	Permissions string // e.g. "rwdl" style permission string
	CreatedAt   time.Time
}

// Store is the SQLite-backed account table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the account database at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening account database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing account database: %w", err)
	}
	return s, nil
}

func (s *Store) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			name        TEXT PRIMARY KEY,
			account_key TEXT NOT NULL,
			enabled     INTEGER NOT NULL DEFAULT 1,
			permissions TEXT NOT NULL DEFAULT 'rwdl',
			created_at  TEXT NOT NULL
		);
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

// Get retrieves an account by name, or (nil, nil) if it does not exist.
func (s *Store) Get(ctx context.Context, name string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, account_key, enabled, permissions, created_at FROM accounts WHERE name = ?`,
		name,
	)
	var a Account
	var enabled int
	var createdAtStr string
	err := row.Scan(&a.Name, &a.Key, &enabled, &a.Permissions, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %q: %w", name, err)
	}
	a.Enabled = enabled != 0
	a.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
	return &a, nil
}

// Put creates or replaces an account record. A blank Key is generated
// fresh via internal/uid.
func (s *Store) Put(ctx context.Context, a *Account) error {
	if a.Key == "" {
		a.Key = uid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	enabled := 0
	if a.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO accounts (name, account_key, enabled, permissions, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		a.Name, a.Key, enabled, a.Permissions, a.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("putting account %q: %w", a.Name, err)
	}
	return nil
}

// EnsureSeeded creates a default enabled account with the given name and
// key if it does not already exist. Used on startup the way the teacher
// seeds a default credential (cmd/bleepstore/main.go's
// seedDefaultCredentials), generalized to Azure-style account/key pairs.
func (s *Store) EnsureSeeded(ctx context.Context, name, key string) error {
	existing, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return s.Put(ctx, &Account{
		Name:        name,
		Key:         key,
		Enabled:     true,
		Permissions: "rwdl",
	})
}
