package api

import (
	"database/sql"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/erazemk/lostfound/internal/hub"
	"github.com/erazemk/lostfound/internal/model"
	"github.com/erazemk/lostfound/internal/store"
)

// SyncHandler serves the changes feed and realtime streams replicas use to
// stay current.
type SyncHandler struct {
	DB  *sql.DB
	Hub *hub.Hub
}

// Page sizes of the changes feed.
const (
	defaultChangesLimit = 500
	maxChangesLimit     = 1000
)

// ChangesResponse is a page of the changes feed.
type ChangesResponse struct {
	Changes []model.Item `json:"changes"`
	Version int64        `json:"version"`
	More    bool         `json:"more"`
}

// Changes handles GET /api/changes?since=N&limit=M. Rows the caller may
// not see are returned as tombstones so replicas drop them.
func (h *SyncHandler) Changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since int64
	if s := q.Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			jsonError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = v
	}
	limit := defaultChangesLimit
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			jsonError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(v, maxChangesLimit)
	}

	items, version, err := store.GetChanges(r.Context(), h.DB, since, limit)
	if err != nil {
		slog.Error("failed to get changes", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get changes")
		return
	}

	userID, role := viewer(r)
	changes := make([]model.Item, 0, len(items))
	for i := range items {
		item := &items[i]
		if item.VisibleTo(userID, role) {
			changes = append(changes, *item)
		} else {
			changes = append(changes, item.Tombstone())
		}
	}

	jsonResponse(w, http.StatusOK, ChangesResponse{
		Changes: changes,
		Version: version,
		More:    len(items) == limit,
	})
}

// Events handles GET /api/events, a Server-Sent Events stream.
func (h *SyncHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		jsonError(w, http.StatusServiceUnavailable, "realtime events disabled")
		return
	}
	claims := GetClaims(r.Context())
	h.Hub.Serve(w, r, claims.UserID, claims.Role == model.RoleAdmin)
}

// Presence handles GET /api/users/{id}/presence.
func (h *SyncHandler) Presence(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		jsonError(w, http.StatusServiceUnavailable, "realtime events disabled")
		return
	}
	jsonResponse(w, http.StatusOK, h.Hub.Presence(r.PathValue("id")))
}
