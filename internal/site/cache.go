package site

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	blecrypto "github.com/chaz8081/plejd-mqtt/internal/ble/crypto"
)

// Cache stores the raw site document between runs.
type Cache interface {
	Load(ctx context.Context) ([]byte, error)
	Store(ctx context.Context, doc []byte) error
}

const (
	dirPermissions  = 0o750
	filePermissions = 0o600

	connectionTimeout = 5 * time.Second

	schema = `CREATE TABLE IF NOT EXISTS site_cache (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	payload    BLOB    NOT NULL,
	sealed     INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`
)

// SQLiteCache keeps the site document in a single-row SQLite table. When a
// secret is configured the document, which contains the mesh key, is sealed
// with AES-GCM before it touches the disk.
type SQLiteCache struct {
	db   *sql.DB
	path string
	key  []byte // nil stores plaintext
}

// OpenSQLiteCache opens or creates the cache database at path.
func OpenSQLiteCache(path string, secret string) (*SQLiteCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("site: creating cache directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("site: opening cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("site: creating cache schema: %w", err)
	}
	_ = os.Chmod(path, filePermissions)

	c := &SQLiteCache{db: db, path: path}
	if secret != "" {
		key, err := blecrypto.DeriveCacheKey([]byte(secret))
		if err != nil {
			db.Close() //nolint:errcheck // best effort cleanup on error path
			return nil, err
		}
		c.key = key
	}
	return c, nil
}

// Path returns the database file path.
func (c *SQLiteCache) Path() string { return c.path }

// Load returns the cached document or ErrCacheMiss.
func (c *SQLiteCache) Load(ctx context.Context) ([]byte, error) {
	var payload []byte
	var sealed bool
	err := c.db.QueryRowContext(ctx, "SELECT payload, sealed FROM site_cache WHERE id = 1").Scan(&payload, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("site: reading cache: %w", err)
	}

	if !sealed {
		return payload, nil
	}
	if c.key == nil {
		return nil, fmt.Errorf("site: cache is sealed but no cache secret is configured")
	}
	doc, err := blecrypto.Open(c.key, payload)
	if err != nil {
		return nil, fmt.Errorf("site: unsealing cache: %w", err)
	}
	return doc, nil
}

// Store replaces the cached document.
func (c *SQLiteCache) Store(ctx context.Context, doc []byte) error {
	payload := doc
	sealed := c.key != nil
	if sealed {
		var err error
		payload, err = blecrypto.Seal(c.key, doc)
		if err != nil {
			return fmt.Errorf("site: sealing cache: %w", err)
		}
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO site_cache (id, payload, sealed, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, sealed = excluded.sealed, updated_at = excluded.updated_at`,
		payload, sealed, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("site: writing cache: %w", err)
	}
	return nil
}

// Close closes the database.
func (c *SQLiteCache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("site: closing cache: %w", err)
	}
	return nil
}
