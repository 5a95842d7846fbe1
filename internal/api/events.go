package api

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/erazemk/lostfound/internal/hub"
	"github.com/erazemk/lostfound/internal/model"
	"github.com/erazemk/lostfound/internal/store"
)

// publishItem pushes an item change to the streams allowed to see it.
// Approved items and tombstones go to everyone; anything still under
// review only reaches the owner and admins.
func publishItem(h *hub.Hub, item *model.Item) {
	if h == nil || item == nil {
		return
	}
	switch {
	case item.Deleted():
		h.Publish(hub.Event{Type: hub.EventItemDeleted, Data: item.Tombstone()})
	case item.Status == model.ItemStatusApproved:
		h.Publish(hub.Event{Type: hub.EventItemChanged, Data: item})
	default:
		h.Publish(hub.Event{Type: hub.EventItemChanged, Data: item, UserID: item.OwnerID, IncludeAdmins: true})
	}
}

// notify stores a notification and pushes it to the recipient. Failures are
// logged; the triggering operation has already succeeded.
func notify(ctx context.Context, db *sql.DB, h *hub.Hub, userID, itemID, title, body string) {
	n, err := store.CreateNotification(ctx, db, userID, itemID, title, body)
	if err != nil {
		slog.Error("failed to create notification", "user", userID, "error", err)
		return
	}
	if h != nil {
		h.Publish(hub.Event{Type: hub.EventNotificationCreated, Data: n, UserID: userID})
	}
}
