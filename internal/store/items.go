package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/erazemk/lostfound/internal/model"
)

const itemColumns = `id, owner_id, type, name, description, location, date, category,
	contact, contact_phone, size, color, brand, image_ref, resolved, status, version,
	created_at, updated_at, deleted_at`

func scanItem(s scanner) (*model.Item, error) {
	i := &model.Item{}
	err := s.Scan(&i.ID, &i.OwnerID, &i.Type, &i.Name, &i.Description, &i.Location,
		&i.Date, &i.Category, &i.Contact, &i.ContactPhone, &i.Size, &i.Color, &i.Brand,
		&i.ImageRef, &i.Resolved, &i.Status, &i.Version, &i.CreatedAt, &i.UpdatedAt,
		&i.DeletedAt)
	if err != nil {
		return nil, err
	}
	return i, nil
}

func scanItems(rows *sql.Rows) ([]model.Item, error) {
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// nextVersion allocates the next value of the global item change sequence.
func nextVersion(ctx context.Context, q querier) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO sequences (name, value) VALUES ('items', 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("allocating item version: %w", err)
	}
	return v, nil
}

// CreateItem inserts item. When item.ID is empty a new id is generated;
// otherwise the caller-supplied id is kept and ErrItemExists is returned if
// it is already in use.
func CreateItem(ctx context.Context, db *sql.DB, item *model.Item) (*model.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	version, err := nextVersion(ctx, tx)
	if err != nil {
		return nil, err
	}

	ts := now()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO items (id, owner_id, type, name, description, location, date, category,
			contact, contact_phone, size, color, brand, image_ref, resolved, status, version,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.OwnerID, item.Type, item.Name, item.Description, item.Location,
		item.Date.UTC(), item.Category, item.Contact, item.ContactPhone, item.Size,
		item.Color, item.Brand, item.ImageRef, item.Resolved, item.Status, version, ts, ts,
	)
	if isUniqueViolation(err) {
		return nil, ErrItemExists
	}
	if err != nil {
		return nil, fmt.Errorf("creating item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing item: %w", err)
	}
	return GetItem(ctx, db, item.ID)
}

// GetItem returns an item by ID, including tombstones.
func GetItem(ctx context.Context, db *sql.DB, id string) (*model.Item, error) {
	return getItem(ctx, db, id)
}

func getItem(ctx context.Context, q querier, id string) (*model.Item, error) {
	item, err := scanItem(q.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return item, nil
}

// ListItems returns live items matching f, newest first. Type, status and
// owner narrow the query; the text and date criteria are applied by
// f.Matches so that listings behave exactly like offline filtering.
func ListItems(ctx context.Context, db *sql.DB, f model.Filter) ([]model.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE deleted_at IS NULL`
	var args []any
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	query += ` ORDER BY created_at DESC, version DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	all, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	items := make([]model.Item, 0, len(all))
	for _, item := range all {
		if f.Matches(&item) {
			items = append(items, item)
		}
	}
	return items, nil
}

// UpdateItem writes the mutable fields of item and assigns it a new version.
// The returned item reflects the stored row.
func UpdateItem(ctx context.Context, db *sql.DB, item *model.Item) (*model.Item, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	version, err := nextVersion(ctx, tx)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE items SET type = ?, name = ?, description = ?, location = ?, date = ?,
			category = ?, contact = ?, contact_phone = ?, size = ?, color = ?, brand = ?,
			image_ref = ?, resolved = ?, status = ?, version = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		item.Type, item.Name, item.Description, item.Location, item.Date.UTC(),
		item.Category, item.Contact, item.ContactPhone, item.Size, item.Color, item.Brand,
		item.ImageRef, item.Resolved, item.Status, version, now(), item.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating item: %w", err)
	}

	updated, err := getItem(ctx, tx, item.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing item update: %w", err)
	}
	return updated, nil
}

// SetItemStatus changes the moderation status of a live item.
func SetItemStatus(ctx context.Context, db *sql.DB, id, status string) (*model.Item, error) {
	item, err := GetItem(ctx, db, id)
	if err != nil || item == nil || item.Deleted() {
		return nil, err
	}
	item.Status = status
	return UpdateItem(ctx, db, item)
}

// DeleteItem tombstones an item. It returns nil if the item does not exist
// or is already deleted.
func DeleteItem(ctx context.Context, db *sql.DB, id string) (*model.Item, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := tombstoneItem(ctx, tx, id)
	if err != nil || item == nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM favorites WHERE item_id = ?`, id); err != nil {
		return nil, fmt.Errorf("removing favorites: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing item deletion: %w", err)
	}
	return item, nil
}

// tombstoneItem marks a live item deleted under a new version.
func tombstoneItem(ctx context.Context, q querier, id string) (*model.Item, error) {
	version, err := nextVersion(ctx, q)
	if err != nil {
		return nil, err
	}

	ts := now()
	res, err := q.ExecContext(ctx,
		`UPDATE items SET deleted_at = ?, updated_at = ?, version = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		ts, ts, version, id,
	)
	if err != nil {
		return nil, fmt.Errorf("deleting item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return getItem(ctx, q, id)
}

// PurgeItems tombstones every live item and returns the tombstones.
func PurgeItems(ctx context.Context, db *sql.DB) ([]model.Item, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM items WHERE deleted_at IS NULL ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning item id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	var tombstones []model.Item
	for _, id := range ids {
		item, err := tombstoneItem(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if item != nil {
			tombstones = append(tombstones, *item)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM favorites`); err != nil {
		return nil, fmt.Errorf("clearing favorites: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing purge: %w", err)
	}
	return tombstones, nil
}

// GetChanges returns item rows, tombstones included, whose version is
// greater than since, in ascending version order. At most limit rows are
// returned when limit > 0. The second result is the version a reader should
// resume from: the last returned row when the page is full, otherwise the
// latest version stored.
func GetChanges(ctx context.Context, db *sql.DB, since int64, limit int) ([]model.Item, int64, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE version > ? ORDER BY version`
	args := []any{since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	// Rows and the latest version must come from the same snapshot, or a
	// write committed in between would be skipped by the reader's cursor.
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing changes: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, 0, err
	}

	var latest int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(value), 0) FROM sequences WHERE name = 'items'`,
	).Scan(&latest)
	if err != nil {
		return nil, 0, fmt.Errorf("reading latest version: %w", err)
	}
	if limit > 0 && len(items) == limit {
		latest = items[len(items)-1].Version
	}
	return items, max(latest, since), nil
}

// GetStats counts approved live items by type and resolution.
func GetStats(ctx context.Context, db *sql.DB) (*model.Stats, error) {
	stats := &model.Stats{}
	err := db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN type = 'lost' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN type = 'found' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN resolved = 1 THEN 1 ELSE 0 END), 0)
		 FROM items WHERE deleted_at IS NULL AND status = ?`,
		model.ItemStatusApproved,
	).Scan(&stats.Lost, &stats.Found, &stats.Resolved)
	if err != nil {
		return nil, fmt.Errorf("getting stats: %w", err)
	}
	return stats, nil
}
