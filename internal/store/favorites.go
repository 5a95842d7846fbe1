package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ToggleFavorite adds itemID to the user's favorites if absent and removes
// it otherwise. It reports whether the item is now a favorite.
func ToggleFavorite(ctx context.Context, db *sql.DB, userID, itemID string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM favorites WHERE user_id = ? AND item_id = ?`, userID, itemID,
	)
	if err != nil {
		return false, fmt.Errorf("removing favorite: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO favorites (user_id, item_id, created_at) VALUES (?, ?, ?)`,
		userID, itemID, now(),
	)
	if err != nil {
		return false, fmt.Errorf("adding favorite: %w", err)
	}
	return true, nil
}

// ListFavorites returns the item ids a user has favorited, oldest first.
func ListFavorites(ctx context.Context, db *sql.DB, userID string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT item_id FROM favorites WHERE user_id = ? ORDER BY created_at, item_id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing favorites: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning favorite: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
