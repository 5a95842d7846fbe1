package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/erazemk/lostfound/internal/hub"
	"github.com/erazemk/lostfound/internal/model"
	"github.com/erazemk/lostfound/internal/moderation"
	"github.com/erazemk/lostfound/internal/store"
)

// AdminHandler handles moderation endpoints (admin only).
type AdminHandler struct {
	DB     *sql.DB
	Hub    *hub.Hub
	Policy *moderation.Live
}

type setStatusRequest struct {
	Status string `json:"status"`
	Strike bool   `json:"strike"`
	Reason string `json:"reason"`
}

type strikeRequest struct {
	Reason string `json:"reason"`
}

type unblockRequest struct {
	ResetStrikes bool `json:"reset_strikes"`
}

type strikeResponse struct {
	User    *model.User        `json:"user"`
	Outcome moderation.Outcome `json:"outcome"`
}

// ListUsers handles GET /api/admin/users.
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := store.ListUsers(r.Context(), h.DB)
	if err != nil {
		slog.Error("failed to list users", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []model.User{}
	}
	jsonResponse(w, http.StatusOK, users)
}

// DeleteUser handles DELETE /api/admin/users/{id}.
func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	id := r.PathValue("id")

	if id == claims.UserID {
		jsonError(w, http.StatusBadRequest, "cannot delete yourself")
		return
	}

	user, ok := h.loadUser(w, r, id)
	if !ok {
		return
	}

	tombstones, err := store.DeleteUser(r.Context(), h.DB, user.ID)
	if err != nil {
		slog.Error("failed to delete user", "user", user.ID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	for i := range tombstones {
		publishItem(h.Hub, &tombstones[i])
	}

	slog.Info("user deleted", "user", user.ID, "by", claims.UserID, "items", len(tombstones))
	jsonResponse(w, http.StatusOK, map[string]string{"message": "user deleted"})
}

// AddStrike handles POST /api/admin/users/{id}/strikes.
func (h *AdminHandler) AddStrike(w http.ResponseWriter, r *http.Request) {
	var req strikeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, ok := h.loadUser(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if user.Role == model.RoleAdmin {
		jsonError(w, http.StatusBadRequest, "cannot strike an admin")
		return
	}

	outcome, err := h.strike(r.Context(), user, "", strings.TrimSpace(req.Reason))
	if err != nil {
		slog.Error("failed to add strike", "user", user.ID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to add strike")
		return
	}
	jsonResponse(w, http.StatusOK, strikeResponse{User: user, Outcome: outcome})
}

// Unblock handles POST /api/admin/users/{id}/unblock.
func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	var req unblockRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	user, ok := h.loadUser(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	moderation.Unblock(user, req.ResetStrikes)
	if err := store.SaveUserModeration(r.Context(), h.DB, user); err != nil {
		slog.Error("failed to unblock user", "user", user.ID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to unblock user")
		return
	}
	notify(r.Context(), h.DB, h.Hub, user.ID, "", "Account unblocked", "")

	slog.Info("user unblocked", "user", user.ID, "reset_strikes", req.ResetStrikes, "by", GetClaims(r.Context()).UserID)
	jsonResponse(w, http.StatusOK, user)
}

// SetItemStatus handles PUT /api/admin/items/{id}/status. A rejection can
// also strike the owner.
func (h *AdminHandler) SetItemStatus(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())

	var req setStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !model.ValidItemStatus(req.Status) {
		jsonError(w, http.StatusBadRequest, "invalid status")
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)

	item, err := store.SetItemStatus(r.Context(), h.DB, r.PathValue("id"), req.Status)
	if err != nil {
		slog.Error("failed to set item status", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to set item status")
		return
	}
	if item == nil {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}
	publishItem(h.Hub, item)
	slog.Info("item status changed", "item", item.ID, "status", item.Status, "by", claims.UserID)

	if item.Status != model.ItemStatusPending {
		notify(r.Context(), h.DB, h.Hub, item.OwnerID, item.ID,
			fmt.Sprintf("Your item %q was %s", item.Name, item.Status), req.Reason)
	}

	if req.Strike && item.Status == model.ItemStatusRejected {
		owner, err := store.GetUser(r.Context(), h.DB, item.OwnerID)
		if err != nil {
			slog.Error("failed to load item owner", "error", err)
		} else if owner != nil && owner.Role != model.RoleAdmin {
			reason := req.Reason
			if reason == "" {
				reason = fmt.Sprintf("Listing %q was rejected", item.Name)
			}
			if _, err := h.strike(r.Context(), owner, item.ID, reason); err != nil {
				slog.Error("failed to strike item owner", "user", owner.ID, "error", err)
			}
		}
	}

	jsonResponse(w, http.StatusOK, item)
}

// PurgeItems handles POST /api/admin/items/purge.
func (h *AdminHandler) PurgeItems(w http.ResponseWriter, r *http.Request) {
	tombstones, err := store.PurgeItems(r.Context(), h.DB)
	if err != nil {
		slog.Error("failed to purge items", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to purge items")
		return
	}
	for i := range tombstones {
		publishItem(h.Hub, &tombstones[i])
	}

	slog.Warn("all items purged", "count", len(tombstones), "by", GetClaims(r.Context()).UserID)
	jsonResponse(w, http.StatusOK, map[string]int{"deleted": len(tombstones)})
}

// ListContactMessages handles GET /api/admin/contact.
func (h *AdminHandler) ListContactMessages(w http.ResponseWriter, r *http.Request) {
	list, err := store.ListContactMessages(r.Context(), h.DB)
	if err != nil {
		slog.Error("failed to list contact messages", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list contact messages")
		return
	}
	jsonResponse(w, http.StatusOK, list)
}

func (h *AdminHandler) loadUser(w http.ResponseWriter, r *http.Request, id string) (*model.User, bool) {
	user, err := store.GetUser(r.Context(), h.DB, id)
	if err != nil {
		slog.Error("failed to get user", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get user")
		return nil, false
	}
	if user == nil {
		jsonError(w, http.StatusNotFound, "user not found")
		return nil, false
	}
	return user, true
}

// strike adds one strike to user under the current policy, persists the
// result and tells the user.
func (h *AdminHandler) strike(ctx context.Context, user *model.User, itemID, reason string) (moderation.Outcome, error) {
	policy := h.Policy.Load()
	var outcome moderation.Outcome
	updated, err := store.AddStrike(ctx, h.DB, user.ID, func(u *model.User) {
		outcome = policy.Escalate(u, time.Now())
	})
	if err != nil {
		return "", err
	}
	if updated == nil {
		return "", fmt.Errorf("user %s no longer exists", user.ID)
	}
	*user = *updated

	title, body := moderation.Notice(outcome, user, reason)
	notify(ctx, h.DB, h.Hub, user.ID, itemID, title, body)

	slog.Info("strike added", "user", user.ID, "strikes", user.Strikes, "outcome", outcome)
	return outcome, nil
}
