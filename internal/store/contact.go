package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/erazemk/lostfound/internal/model"
)

// CreateContactMessage stores a contact form submission.
func CreateContactMessage(ctx context.Context, db *sql.DB, name, email, message, userID string) (*model.ContactMessage, error) {
	c := &model.ContactMessage{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     email,
		Message:   message,
		UserID:    userID,
		CreatedAt: now(),
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO contact_messages (id, name, email, message, user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Email, c.Message, nullString(userID), c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating contact message: %w", err)
	}
	return c, nil
}

// ListContactMessages returns all contact submissions, newest first.
func ListContactMessages(ctx context.Context, db *sql.DB) ([]model.ContactMessage, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, email, message, user_id, created_at
		 FROM contact_messages ORDER BY created_at DESC, rowid DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing contact messages: %w", err)
	}
	defer rows.Close()

	messages := []model.ContactMessage{}
	for rows.Next() {
		var c model.ContactMessage
		var userID sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Message, &userID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning contact message: %w", err)
		}
		c.UserID = userID.String
		messages = append(messages, c)
	}
	return messages, rows.Err()
}
