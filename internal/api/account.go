package api

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/erazemk/lostfound/internal/auth"
	"github.com/erazemk/lostfound/internal/hub"
	"github.com/erazemk/lostfound/internal/model"
	"github.com/erazemk/lostfound/internal/store"
)

// AccountHandler handles the caller's own profile, password and favorites.
type AccountHandler struct {
	DB  *sql.DB
	Hub *hub.Hub
}

type updateProfileRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type accountResponse struct {
	User          *model.User `json:"user"`
	Favorites     []string    `json:"favorites"`
	UnreadNotices int         `json:"unread_notifications"`
}

// Get handles GET /api/me.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	user, err := store.GetUser(r.Context(), h.DB, claims.UserID)
	if err != nil || user == nil {
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	favorites, err := store.ListFavorites(r.Context(), h.DB, user.ID)
	if err != nil {
		slog.Error("failed to list favorites", "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	unread, err := store.CountUnreadNotifications(r.Context(), h.DB, user.ID)
	if err != nil {
		slog.Error("failed to count notifications", "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	jsonResponse(w, http.StatusOK, accountResponse{User: user, Favorites: favorites, UnreadNotices: unread})
}

// UpdateProfile handles PUT /api/me.
func (h *AccountHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := store.GetUser(r.Context(), h.DB, claims.UserID)
	if err != nil || user == nil {
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	name, email := user.Name, user.Email
	if req.Name != nil {
		name = strings.TrimSpace(*req.Name)
	}
	if req.Email != nil {
		email = strings.TrimSpace(*req.Email)
	}
	if name == "" || !strings.Contains(email, "@") {
		jsonError(w, http.StatusBadRequest, "name and a valid email required")
		return
	}

	err = store.UpdateUserProfile(r.Context(), h.DB, user.ID, name, email)
	if errors.Is(err, store.ErrEmailTaken) {
		jsonError(w, http.StatusConflict, "email already registered")
		return
	}
	if err != nil {
		slog.Error("failed to update profile", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to update profile")
		return
	}

	user, _ = store.GetUser(r.Context(), h.DB, user.ID)
	slog.Info("profile updated", "user", claims.UserID)
	jsonResponse(w, http.StatusOK, user)
}

// ChangePassword handles PUT /api/me/password.
func (h *AccountHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.CurrentPassword == "" || req.NewPassword == "" {
		jsonError(w, http.StatusBadRequest, "current and new password required")
		return
	}
	if err := model.ValidatePassword(req.NewPassword); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := store.GetUser(r.Context(), h.DB, claims.UserID)
	if err != nil || user == nil {
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !auth.CheckPassword(user.PasswordHash, req.CurrentPassword) {
		jsonError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	if err := store.UpdateUserPassword(r.Context(), h.DB, claims.UserID, hash); err != nil {
		slog.Error("failed to update password", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to update password")
		return
	}

	slog.Info("user changed own password", "user", claims.UserID)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "password updated"})
}

// Delete handles DELETE /api/me. The account, its items, favorites,
// notifications and messages are removed together.
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	tombstones, err := store.DeleteUser(r.Context(), h.DB, claims.UserID)
	if err != nil {
		slog.Error("failed to delete account", "user", claims.UserID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}
	for i := range tombstones {
		publishItem(h.Hub, &tombstones[i])
	}

	if err := store.RevokeSession(r.Context(), h.DB, claims.ID, claims.Expiry()); err != nil {
		slog.Warn("failed to revoke token of deleted account", "error", err)
	}

	slog.Info("account deleted", "user", claims.UserID, "items", len(tombstones))
	jsonResponse(w, http.StatusOK, map[string]string{"message": "account deleted"})
}

// ListFavorites handles GET /api/me/favorites.
func (h *AccountHandler) ListFavorites(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	favorites, err := store.ListFavorites(r.Context(), h.DB, claims.UserID)
	if err != nil {
		slog.Error("failed to list favorites", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list favorites")
		return
	}
	jsonResponse(w, http.StatusOK, favorites)
}

// ToggleFavorite handles POST /api/me/favorites/{itemId} and returns the
// resulting favorite set.
func (h *AccountHandler) ToggleFavorite(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	itemID := r.PathValue("itemId")

	item, err := store.GetItem(r.Context(), h.DB, itemID)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if item == nil || !item.VisibleTo(claims.UserID, claims.Role) {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}

	if _, err := store.ToggleFavorite(r.Context(), h.DB, claims.UserID, itemID); err != nil {
		slog.Error("failed to toggle favorite", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to toggle favorite")
		return
	}

	favorites, err := store.ListFavorites(r.Context(), h.DB, claims.UserID)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	jsonResponse(w, http.StatusOK, favorites)
}
