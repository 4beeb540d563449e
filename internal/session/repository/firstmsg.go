package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const firstMsgSchema = `
CREATE TABLE IF NOT EXISTS first_user_messages (
	path    TEXT PRIMARY KEY,
	mtime   INTEGER NOT NULL,
	message TEXT NOT NULL
)`

// firstMessageCache persists first-user-message lookups keyed by journal
// path. Parsing every journal just to render a session list is the hottest
// path in the UI, so this survives restarts.
type firstMessageCache struct {
	db *sqlx.DB
}

func openFirstMessageCache(dir string) (*firstMessageCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := sqlx.Open("sqlite3", filepath.Join(dir, "cache.db")+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if _, err := db.Exec(firstMsgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return &firstMessageCache{db: db}, nil
}

// Get returns the cached message when the stored mtime matches.
func (c *firstMessageCache) Get(path string, mtime int64) (string, bool) {
	var row struct {
		Mtime   int64  `db:"mtime"`
		Message string `db:"message"`
	}
	err := c.db.Get(&row, "SELECT mtime, message FROM first_user_messages WHERE path = ?", path)
	if err != nil {
		return "", false
	}
	if row.Mtime != mtime {
		return "", false
	}
	return row.Message, true
}

func (c *firstMessageCache) Put(path string, mtime int64, message string) error {
	_, err := c.db.Exec(
		"INSERT INTO first_user_messages (path, mtime, message) VALUES (?, ?, ?) "+
			"ON CONFLICT(path) DO UPDATE SET mtime = excluded.mtime, message = excluded.message",
		path, mtime, message)
	return err
}

func (c *firstMessageCache) Invalidate(path string) error {
	_, err := c.db.Exec("DELETE FROM first_user_messages WHERE path = ?", path)
	return err
}

func (c *firstMessageCache) Close() error {
	return c.db.Close()
}
