package model

import (
	"fmt"
	"time"
)

// Message is a chat message between two users about an item.
type Message struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	ItemID      string    `json:"item_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

// Chat summarizes a conversation for the inbox view.
type Chat struct {
	ChatID      string  `json:"chat_id"`
	ItemID      string  `json:"item_id"`
	OtherUserID string  `json:"other_user_id"`
	LastMessage Message `json:"last_message"`
}

// ChatID returns the conversation id for two users discussing an item.
// The id does not depend on which user starts the conversation.
func ChatID(itemID, userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("chat_%s_%s_%s", itemID, userA, userB)
}

// MaxMessageLength bounds a single chat message.
const MaxMessageLength = 2000
