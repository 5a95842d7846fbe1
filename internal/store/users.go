package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/erazemk/lostfound/internal/model"
)

const userColumns = `id, name, email, password_hash, role, strikes, blocked_until,
	permanently_blocked, created_at, updated_at`

func scanUser(s scanner) (*model.User, error) {
	u := &model.User{}
	err := s.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &u.Strikes,
		&u.BlockedUntil, &u.PermanentlyBlocked, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser creates a new user. Emails are unique regardless of case.
func CreateUser(ctx context.Context, db *sql.DB, name, email, passwordHash, role string) (*model.User, error) {
	email = strings.TrimSpace(email)

	taken, err := EmailTaken(ctx, db, email, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrEmailTaken
	}

	id := uuid.NewString()
	ts := now()
	_, err = db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, role, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, name, email, passwordHash, role, ts, ts,
	)
	if isUniqueViolation(err) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	return GetUser(ctx, db, id)
}

// EmailTaken reports whether email belongs to a user other than exceptID.
func EmailTaken(ctx context.Context, db *sql.DB, email, exceptID string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE email = ? COLLATE NOCASE AND id != ?`,
		strings.TrimSpace(email), exceptID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking email: %w", err)
	}
	return count > 0, nil
}

// GetUser returns a user by ID.
func GetUser(ctx context.Context, db *sql.DB, id string) (*model.User, error) {
	u, err := scanUser(db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return u, nil
}

// GetUserByEmail returns a user by email, compared case-insensitively.
func GetUserByEmail(ctx context.Context, db *sql.DB, email string) (*model.User, error) {
	u, err := scanUser(db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ? COLLATE NOCASE`, strings.TrimSpace(email),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by email: %w", err)
	}
	return u, nil
}

// ListUsers returns all users ordered by registration.
func ListUsers(ctx context.Context, db *sql.DB) ([]model.User, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// HasAdmin reports whether at least one admin account exists.
func HasAdmin(ctx context.Context, db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE role = ?`, model.RoleAdmin,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting admins: %w", err)
	}
	return count > 0, nil
}

// UpdateUserProfile updates a user's name and email.
func UpdateUserProfile(ctx context.Context, db *sql.DB, id, name, email string) error {
	taken, err := EmailTaken(ctx, db, email, id)
	if err != nil {
		return err
	}
	if taken {
		return ErrEmailTaken
	}

	_, err = db.ExecContext(ctx,
		`UPDATE users SET name = ?, email = ?, updated_at = ? WHERE id = ?`,
		name, strings.TrimSpace(email), now(), id,
	)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("updating user profile: %w", err)
	}
	return nil
}

// UpdateUserPassword updates a user's password hash.
func UpdateUserPassword(ctx context.Context, db *sql.DB, id, passwordHash string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, now(), id,
	)
	if err != nil {
		return fmt.Errorf("updating user password: %w", err)
	}
	return nil
}

// SaveUserModeration persists the strike counter and block flags of u.
func SaveUserModeration(ctx context.Context, db *sql.DB, u *model.User) error {
	_, err := db.ExecContext(ctx,
		`UPDATE users SET strikes = ?, blocked_until = ?, permanently_blocked = ?, updated_at = ?
		 WHERE id = ?`,
		u.Strikes, u.BlockedUntil, u.PermanentlyBlocked, now(), u.ID,
	)
	if err != nil {
		return fmt.Errorf("saving user moderation: %w", err)
	}
	return nil
}

// AddStrike increments the strike counter of user id in the database and
// passes the updated user to escalate, whose block flags are then saved in
// the same transaction. It returns nil when the user does not exist.
func AddStrike(ctx context.Context, db *sql.DB, id string, escalate func(*model.User)) (*model.User, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	u, err := scanUser(tx.QueryRowContext(ctx,
		`UPDATE users SET strikes = strikes + 1, updated_at = ? WHERE id = ?
		 RETURNING `+userColumns,
		now(), id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("adding strike: %w", err)
	}

	escalate(u)
	_, err = tx.ExecContext(ctx,
		`UPDATE users SET blocked_until = ?, permanently_blocked = ? WHERE id = ?`,
		u.BlockedUntil, u.PermanentlyBlocked, u.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("saving block: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing strike: %w", err)
	}
	return u, nil
}

// DeleteUser removes a user together with everything they own. Owned items
// are tombstoned rather than removed so that replicas observe the delete.
// The tombstones are returned.
func DeleteUser(ctx context.Context, db *sql.DB, id string) ([]model.Item, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM items WHERE owner_id = ? AND deleted_at IS NULL`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("listing owned items: %w", err)
	}
	var itemIDs []string
	for rows.Next() {
		var itemID string
		if err := rows.Scan(&itemID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning item id: %w", err)
		}
		itemIDs = append(itemIDs, itemID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing owned items: %w", err)
	}

	var tombstones []model.Item
	for _, itemID := range itemIDs {
		item, err := tombstoneItem(ctx, tx, itemID)
		if err != nil {
			return nil, err
		}
		tombstones = append(tombstones, *item)
	}

	cleanup := []string{
		`DELETE FROM favorites WHERE user_id = ?`,
		`DELETE FROM favorites WHERE item_id IN (SELECT id FROM items WHERE owner_id = ?)`,
		`DELETE FROM notifications WHERE user_id = ?`,
		`DELETE FROM messages WHERE sender_id = ? OR recipient_id = ?`,
		`DELETE FROM users WHERE id = ?`,
	}
	for _, q := range cleanup {
		args := []any{id}
		if strings.Count(q, "?") == 2 {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return nil, fmt.Errorf("deleting user data: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing user deletion: %w", err)
	}
	return tombstones, nil
}
