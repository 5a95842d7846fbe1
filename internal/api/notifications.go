package api

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/erazemk/lostfound/internal/store"
)

// NotificationsHandler handles the caller's notifications.
type NotificationsHandler struct {
	DB *sql.DB
}

// List handles GET /api/notifications.
func (h *NotificationsHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	list, err := store.ListNotifications(r.Context(), h.DB, claims.UserID)
	if err != nil {
		slog.Error("failed to list notifications", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	unread := 0
	for _, n := range list {
		if !n.Read {
			unread++
		}
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"notifications": list,
		"unread":        unread,
	})
}

// MarkRead handles POST /api/notifications/{id}/read.
func (h *NotificationsHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	found, err := store.MarkNotificationRead(r.Context(), h.DB, claims.UserID, r.PathValue("id"))
	if err != nil {
		slog.Error("failed to mark notification read", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to mark notification read")
		return
	}
	if !found {
		jsonError(w, http.StatusNotFound, "notification not found")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": "notification read"})
}

// MarkReadForItem handles POST /api/items/{id}/notifications/read.
func (h *NotificationsHandler) MarkReadForItem(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	n, err := store.MarkItemNotificationsRead(r.Context(), h.DB, claims.UserID, r.PathValue("id"))
	if err != nil {
		slog.Error("failed to mark item notifications read", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to mark notifications read")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]int64{"marked": n})
}
