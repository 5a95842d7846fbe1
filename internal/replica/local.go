package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/erazemk/lostfound/internal/db"
	"github.com/erazemk/lostfound/internal/model"
)

const localSchema = `
CREATE TABLE IF NOT EXISTS items (
    id   TEXT PRIMARY KEY,
    data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
    seq  INTEGER PRIMARY KEY AUTOINCREMENT,
    id   TEXT NOT NULL UNIQUE,
    data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Meta keys.
const (
	metaToken     = "token"
	metaUserID    = "user_id"
	metaRole      = "role"
	metaCursor    = "cursor"
	metaFavorites = "favorites"
)

// LocalStore is the on-device copy of the board. Values are stored as
// JSON documents keyed by id.
type LocalStore struct {
	db *sql.DB
}

// OpenLocal opens or creates the local store at path.
func OpenLocal(path string) (*LocalStore, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := database.Exec(localSchema); err != nil {
		database.Close()
		return nil, fmt.Errorf("creating local schema: %w", err)
	}
	return &LocalStore{db: database}, nil
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// Items loads every stored item.
func (s *LocalStore) Items(ctx context.Context) (map[string]model.Item, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM items")
	if err != nil {
		return nil, fmt.Errorf("loading items: %w", err)
	}
	defer rows.Close()

	items := make(map[string]model.Item)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		var item model.Item
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, fmt.Errorf("decoding item: %w", err)
		}
		items[item.ID] = item
	}
	return items, rows.Err()
}

// Outbox loads pending mutations in the order they were made.
func (s *LocalStore) Outbox(ctx context.Context) ([]Mutation, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM outbox ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("loading outbox: %w", err)
	}
	defer rows.Close()

	var outbox []Mutation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning mutation: %w", err)
		}
		var m Mutation
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("decoding mutation: %w", err)
		}
		outbox = append(outbox, m)
	}
	return outbox, rows.Err()
}

// Meta returns a metadata value, or "" if unset.
func (s *LocalStore) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting %s: %w", key, err)
	}
	return value, nil
}

// Change is a set of local writes committed together.
type Change struct {
	Put     []model.Item
	Delete  []string
	Enqueue *Mutation
	Dequeue string
	Meta    map[string]string
}

// Commit applies c in one transaction.
func (s *LocalStore) Commit(ctx context.Context, c Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, item := range c.Put {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encoding item: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO items (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data",
			item.ID, string(data)); err != nil {
			return fmt.Errorf("storing item: %w", err)
		}
	}
	for _, id := range c.Delete {
		if _, err := tx.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting item: %w", err)
		}
	}
	if c.Enqueue != nil {
		data, err := json.Marshal(c.Enqueue)
		if err != nil {
			return fmt.Errorf("encoding mutation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO outbox (id, data) VALUES (?, ?)",
			c.Enqueue.ID, string(data)); err != nil {
			return fmt.Errorf("queueing mutation: %w", err)
		}
	}
	if c.Dequeue != "" {
		if _, err := tx.ExecContext(ctx, "DELETE FROM outbox WHERE id = ?", c.Dequeue); err != nil {
			return fmt.Errorf("removing mutation: %w", err)
		}
	}
	for key, value := range c.Meta {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			key, value); err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing local change: %w", err)
	}
	return nil
}
