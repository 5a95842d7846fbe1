package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/erazemk/lostfound/internal/model"
)

const messageColumns = `id, chat_id, item_id, sender_id, recipient_id, text, created_at`

func scanMessage(s scanner) (*model.Message, error) {
	m := &model.Message{}
	if err := s.Scan(&m.ID, &m.ChatID, &m.ItemID, &m.SenderID, &m.RecipientID, &m.Text, &m.CreatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateMessage stores a chat message. The chat id is derived from the item
// and the two participants.
func CreateMessage(ctx context.Context, db *sql.DB, itemID, senderID, recipientID, text string) (*model.Message, error) {
	m := &model.Message{
		ID:          uuid.NewString(),
		ChatID:      model.ChatID(itemID, senderID, recipientID),
		ItemID:      itemID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Text:        text,
		CreatedAt:   now(),
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.ItemID, m.SenderID, m.RecipientID, m.Text, m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}
	return m, nil
}

// ListChatMessages returns the messages of a chat in the order they were sent.
func ListChatMessages(ctx context.Context, db *sql.DB, chatID string) ([]model.Message, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? ORDER BY created_at, rowid`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// ListChats returns the user's conversations, most recently active first,
// each with its last message.
func ListChats(ctx context.Context, db *sql.DB, userID string) ([]model.Chat, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE sender_id = ? OR recipient_id = ?
		 ORDER BY created_at DESC, rowid DESC`, userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	defer rows.Close()

	chats := []model.Chat{}
	seen := make(map[string]bool)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if seen[m.ChatID] {
			continue
		}
		seen[m.ChatID] = true

		other := m.RecipientID
		if other == userID {
			other = m.SenderID
		}
		chats = append(chats, model.Chat{
			ChatID:      m.ChatID,
			ItemID:      m.ItemID,
			OtherUserID: other,
			LastMessage: *m,
		})
	}
	return chats, rows.Err()
}
