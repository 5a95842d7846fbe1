package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/erazemk/lostfound/internal/auth"
	"github.com/erazemk/lostfound/internal/hub"
	"github.com/erazemk/lostfound/internal/imaging"
	"github.com/erazemk/lostfound/internal/model"
	"github.com/erazemk/lostfound/internal/moderation"
)

// Services are the long-lived collaborators shared by the handlers. Nil
// fields fall back to defaults; a nil Hub disables realtime events.
type Services struct {
	Hub    *hub.Hub
	Policy *moderation.Live
	Images *imaging.Processor

	// SessionTTL is the lifetime of issued tokens; zero uses the default.
	SessionTTL time.Duration
}

// NewRouter creates the API router with all endpoints registered.
func NewRouter(db *sql.DB, sessionSecret string, svc Services) http.Handler {
	if svc.Policy == nil {
		svc.Policy = moderation.NewLive(moderation.DefaultPolicy())
	}
	if svc.Images == nil {
		svc.Images = imaging.NewProcessor(0, 0)
	}

	mux := http.NewServeMux()

	sessions := auth.NewSessions(sessionSecret, svc.SessionTTL)

	authHandler := &AuthHandler{DB: db, Sessions: sessions}
	accountHandler := &AccountHandler{DB: db, Hub: svc.Hub}
	itemsHandler := &ItemsHandler{DB: db, Hub: svc.Hub, Policy: svc.Policy, Images: svc.Images}
	messagesHandler := &MessagesHandler{DB: db, Hub: svc.Hub}
	notificationsHandler := &NotificationsHandler{DB: db}
	adminHandler := &AdminHandler{DB: db, Hub: svc.Hub, Policy: svc.Policy}
	contactHandler := &ContactHandler{DB: db}
	syncHandler := &SyncHandler{DB: db, Hub: svc.Hub}

	authMW := AuthMiddleware(sessions, db)
	optionalAuth := OptionalAuth(sessions, db)
	requireAdmin := RequireRole(model.RoleAdmin)
	idem := Idempotent(db)

	// write wraps an authenticated, idempotent write.
	write := func(h http.HandlerFunc) http.Handler {
		return authMW(idem(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return authMW(requireAdmin(idem(h)))
	}

	// Public.
	mux.HandleFunc("POST /api/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)
	mux.HandleFunc("GET /api/stats", itemsHandler.Stats)
	mux.Handle("POST /api/contact", optionalAuth(http.HandlerFunc(contactHandler.Submit)))

	// Listings: anonymous viewers see approved items only.
	mux.Handle("GET /api/items", optionalAuth(http.HandlerFunc(itemsHandler.List)))
	mux.Handle("GET /api/items/{id}", optionalAuth(http.HandlerFunc(itemsHandler.Get)))
	mux.Handle("GET /api/items/{id}/image", optionalAuth(http.HandlerFunc(itemsHandler.GetImage)))
	mux.Handle("GET /api/changes", optionalAuth(http.HandlerFunc(syncHandler.Changes)))

	// Session and account.
	mux.Handle("POST /api/auth/logout", authMW(http.HandlerFunc(authHandler.Logout)))
	mux.Handle("GET /api/me", authMW(http.HandlerFunc(accountHandler.Get)))
	mux.Handle("PUT /api/me", write(accountHandler.UpdateProfile))
	mux.Handle("PUT /api/me/password", authMW(http.HandlerFunc(accountHandler.ChangePassword)))
	mux.Handle("DELETE /api/me", authMW(http.HandlerFunc(accountHandler.Delete)))
	mux.Handle("GET /api/me/favorites", authMW(http.HandlerFunc(accountHandler.ListFavorites)))
	mux.Handle("POST /api/me/favorites/{itemId}", write(accountHandler.ToggleFavorite))

	// Item writes.
	mux.Handle("POST /api/items", write(itemsHandler.Create))
	mux.Handle("PATCH /api/items/{id}", write(itemsHandler.Update))
	mux.Handle("POST /api/items/{id}/resolve", write(itemsHandler.ToggleResolved))
	mux.Handle("DELETE /api/items/{id}", write(itemsHandler.Delete))

	// Messaging.
	mux.Handle("POST /api/messages", write(messagesHandler.Send))
	mux.Handle("GET /api/chats", authMW(http.HandlerFunc(messagesHandler.ListChats)))
	mux.Handle("GET /api/chats/{chatId}/messages", authMW(http.HandlerFunc(messagesHandler.ListMessages)))

	// Notifications.
	mux.Handle("GET /api/notifications", authMW(http.HandlerFunc(notificationsHandler.List)))
	mux.Handle("POST /api/notifications/{id}/read", authMW(http.HandlerFunc(notificationsHandler.MarkRead)))
	mux.Handle("POST /api/items/{id}/notifications/read", authMW(http.HandlerFunc(notificationsHandler.MarkReadForItem)))

	// Realtime.
	mux.Handle("GET /api/events", authMW(http.HandlerFunc(syncHandler.Events)))
	mux.Handle("GET /api/users/{id}/presence", authMW(http.HandlerFunc(syncHandler.Presence)))

	// Moderation (admin only).
	mux.Handle("GET /api/admin/users", authMW(requireAdmin(http.HandlerFunc(adminHandler.ListUsers))))
	mux.Handle("DELETE /api/admin/users/{id}", admin(adminHandler.DeleteUser))
	mux.Handle("POST /api/admin/users/{id}/strikes", admin(adminHandler.AddStrike))
	mux.Handle("POST /api/admin/users/{id}/unblock", admin(adminHandler.Unblock))
	mux.Handle("PUT /api/admin/items/{id}/status", admin(adminHandler.SetItemStatus))
	mux.Handle("POST /api/admin/items/purge", admin(adminHandler.PurgeItems))
	mux.Handle("GET /api/admin/contact", authMW(requireAdmin(http.HandlerFunc(adminHandler.ListContactMessages))))

	return mux
}
