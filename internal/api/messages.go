package api

import (
	"database/sql"
	"log/slog"
	"net/http"
	"strings"

	"github.com/erazemk/lostfound/internal/hub"
	"github.com/erazemk/lostfound/internal/model"
	"github.com/erazemk/lostfound/internal/store"
)

// MessagesHandler handles chats between users about an item.
type MessagesHandler struct {
	DB  *sql.DB
	Hub *hub.Hub
}

type sendMessageRequest struct {
	ItemID      string `json:"item_id"`
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
}

// previewLength bounds the message excerpt put in notifications.
const previewLength = 80

// Send handles POST /api/messages.
func (h *MessagesHandler) Send(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	if !checkNotBlocked(w, r, h.DB, claims) {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Text = strings.TrimSpace(req.Text)
	if req.ItemID == "" || req.RecipientID == "" || req.Text == "" {
		jsonError(w, http.StatusBadRequest, "item_id, recipient_id and text required")
		return
	}
	if len(req.Text) > model.MaxMessageLength {
		jsonError(w, http.StatusBadRequest, "message too long")
		return
	}
	if req.RecipientID == claims.UserID {
		jsonError(w, http.StatusBadRequest, "cannot message yourself")
		return
	}

	item, err := store.GetItem(r.Context(), h.DB, req.ItemID)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if item == nil || !item.VisibleTo(claims.UserID, claims.Role) {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}
	// Every conversation includes the item's owner.
	if item.OwnerID != claims.UserID && item.OwnerID != req.RecipientID {
		jsonError(w, http.StatusBadRequest, "recipient must be the item owner")
		return
	}

	recipient, err := store.GetUser(r.Context(), h.DB, req.RecipientID)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recipient == nil {
		jsonError(w, http.StatusNotFound, "recipient not found")
		return
	}

	msg, err := store.CreateMessage(r.Context(), h.DB, item.ID, claims.UserID, recipient.ID, req.Text)
	if err != nil {
		slog.Error("failed to send message", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	if h.Hub != nil {
		h.Hub.Publish(hub.Event{Type: hub.EventMessageCreated, Data: msg, UserID: recipient.ID})
		h.Hub.Publish(hub.Event{Type: hub.EventMessageCreated, Data: msg, UserID: claims.UserID})
	}
	notify(r.Context(), h.DB, h.Hub, recipient.ID, item.ID, "New message about "+item.Name, preview(req.Text))

	slog.Info("message sent", "chat", msg.ChatID, "from", claims.UserID, "to", recipient.ID)
	jsonResponse(w, http.StatusCreated, msg)
}

// ListChats handles GET /api/chats.
func (h *MessagesHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	chats, err := store.ListChats(r.Context(), h.DB, claims.UserID)
	if err != nil {
		slog.Error("failed to list chats", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	jsonResponse(w, http.StatusOK, chats)
}

// ListMessages handles GET /api/chats/{chatId}/messages.
func (h *MessagesHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	messages, err := store.ListChatMessages(r.Context(), h.DB, r.PathValue("chatId"))
	if err != nil {
		slog.Error("failed to list messages", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if len(messages) > 0 {
		first := messages[0]
		if first.SenderID != claims.UserID && first.RecipientID != claims.UserID {
			jsonError(w, http.StatusForbidden, "not a participant of this chat")
			return
		}
	}
	jsonResponse(w, http.StatusOK, messages)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLength {
		return text
	}
	return string(runes[:previewLength]) + "..."
}
