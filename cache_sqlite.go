package whiz

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCache persists room sequences in a local SQLite file so the last view
// of every room survives a restart.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache opens (or creates) the cache database at path.
func NewSQLiteCache(ctx context.Context, path string) (*SQLiteCache, error) {
	if path == "" {
		return nil, errors.New("sqlite cache: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite cache: create dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite cache: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite cache: ping: %w", err)
	}

	c := &SQLiteCache{db: db}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS room_messages (
		room_name  TEXT PRIMARY KEY,
		messages   TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite cache: init schema: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Get(ctx context.Context, room string) ([]Message, error) {
	var blob string
	err := c.db.QueryRowContext(ctx,
		`SELECT messages FROM room_messages WHERE room_name = ?`, room,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite cache: get %q: %w", room, err)
	}

	var msgs []Message
	if err := json.Unmarshal([]byte(blob), &msgs); err != nil {
		return nil, fmt.Errorf("sqlite cache: decode %q: %w", room, err)
	}
	return msgs, nil
}

func (c *SQLiteCache) Put(ctx context.Context, room string, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	blob, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("sqlite cache: encode %q: %w", room, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO room_messages (room_name, messages, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(room_name) DO UPDATE SET
			messages = excluded.messages,
			updated_at = excluded.updated_at`,
		room, string(blob), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite cache: put %q: %w", room, err)
	}
	return nil
}

func (c *SQLiteCache) Delete(ctx context.Context, room string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM room_messages WHERE room_name = ?`, room); err != nil {
		return fmt.Errorf("sqlite cache: delete %q: %w", room, err)
	}
	return nil
}

// Close closes the database connection.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
