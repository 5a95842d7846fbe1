package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/erazemk/lostfound/internal/model"
)

// CreateNotification stores a notification for userID. itemID may be empty.
func CreateNotification(ctx context.Context, db *sql.DB, userID, itemID, title, body string) (*model.Notification, error) {
	n := &model.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		ItemID:    itemID,
		Title:     title,
		Body:      body,
		CreatedAt: now(),
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, item_id, title, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, nullString(itemID), n.Title, n.Body, n.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns a user's notifications, newest first.
func ListNotifications(ctx context.Context, db *sql.DB, userID string) ([]model.Notification, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, user_id, item_id, title, body, read, created_at
		 FROM notifications WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer rows.Close()

	notifications := []model.Notification{}
	for rows.Next() {
		var n model.Notification
		var itemID sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &itemID, &n.Title, &n.Body, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		n.ItemID = itemID.String
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// MarkNotificationRead marks one of the user's notifications read. It
// reports whether the notification was found.
func MarkNotificationRead(ctx context.Context, db *sql.DB, userID, id string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE notifications SET read = 1 WHERE id = ? AND user_id = ?`, id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("marking notification read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkItemNotificationsRead marks every unread notification of the user
// about itemID read and returns how many changed.
func MarkItemNotificationsRead(ctx context.Context, db *sql.DB, userID, itemID string) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE notifications SET read = 1 WHERE user_id = ? AND item_id = ? AND read = 0`,
		userID, itemID,
	)
	if err != nil {
		return 0, fmt.Errorf("marking item notifications read: %w", err)
	}
	return res.RowsAffected()
}

// CountUnreadNotifications returns the number of unread notifications.
func CountUnreadNotifications(ctx context.Context, db *sql.DB, userID string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = 0`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting notifications: %w", err)
	}
	return count, nil
}
