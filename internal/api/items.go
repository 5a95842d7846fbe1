package api

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/erazemk/lostfound/internal/auth"
	"github.com/erazemk/lostfound/internal/hub"
	"github.com/erazemk/lostfound/internal/imaging"
	"github.com/erazemk/lostfound/internal/model"
	"github.com/erazemk/lostfound/internal/moderation"
	"github.com/erazemk/lostfound/internal/store"
)

// ItemsHandler handles item listing and CRUD endpoints.
type ItemsHandler struct {
	DB     *sql.DB
	Hub    *hub.Hub
	Policy *moderation.Live
	Images *imaging.Processor
}

type createItemRequest struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Location     string `json:"location"`
	Date         string `json:"date"`
	Category     string `json:"category"`
	Contact      string `json:"contact"`
	ContactPhone string `json:"contact_phone"`
	Size         string `json:"size"`
	Color        string `json:"color"`
	Brand        string `json:"brand"`
	ImageRef     string `json:"image_ref"`
}

type updateItemRequest struct {
	Type         *string `json:"type"`
	Name         *string `json:"name"`
	Description  *string `json:"description"`
	Location     *string `json:"location"`
	Date         *string `json:"date"`
	Category     *string `json:"category"`
	Contact      *string `json:"contact"`
	ContactPhone *string `json:"contact_phone"`
	Size         *string `json:"size"`
	Color        *string `json:"color"`
	Brand        *string `json:"brand"`
	ImageRef     *string `json:"image_ref"`
	Resolved     *bool   `json:"resolved"`
}

func (req *updateItemRequest) patch() (*model.ItemPatch, error) {
	p := &model.ItemPatch{
		Type:         req.Type,
		Name:         req.Name,
		Description:  req.Description,
		Location:     req.Location,
		Category:     req.Category,
		Contact:      req.Contact,
		ContactPhone: req.ContactPhone,
		Size:         req.Size,
		Color:        req.Color,
		Brand:        req.Brand,
		ImageRef:     req.ImageRef,
		Resolved:     req.Resolved,
	}
	if req.Date != nil {
		d, err := parseDate(*req.Date)
		if err != nil {
			return nil, fmt.Errorf("invalid date")
		}
		p.Date = &d
	}
	return p, nil
}

// List handles GET /api/items.
func (h *ItemsHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := model.ParseFilter(r.URL.Query())
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := store.ListItems(r.Context(), h.DB, f)
	if err != nil {
		slog.Error("failed to list items", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list items")
		return
	}

	userID, role := viewer(r)
	visible := make([]model.Item, 0, len(items))
	for i := range items {
		if items[i].VisibleTo(userID, role) {
			visible = append(visible, items[i])
		}
	}
	jsonResponse(w, http.StatusOK, visible)
}

// Create handles POST /api/items.
func (h *ItemsHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	if !checkNotBlocked(w, r, h.DB, claims) {
		return
	}

	var req createItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item := &model.Item{
		OwnerID:      claims.UserID,
		Type:         req.Type,
		Name:         req.Name,
		Description:  req.Description,
		Location:     req.Location,
		Category:     req.Category,
		Contact:      req.Contact,
		ContactPhone: req.ContactPhone,
		Size:         req.Size,
		Color:        req.Color,
		Brand:        req.Brand,
		Status:       h.Policy.Load().DefaultStatus,
	}
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "invalid item id")
			return
		}
		item.ID = id.String()
	}
	if req.Date == "" {
		item.Date = time.Now().UTC()
	} else {
		d, err := parseDate(req.Date)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "invalid date")
			return
		}
		item.Date = d
	}
	if err := item.Validate(); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	ref, err := h.Images.NormalizeRef(req.ImageRef)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	item.ImageRef = ref

	created, err := store.CreateItem(r.Context(), h.DB, item)
	if errors.Is(err, store.ErrItemExists) {
		jsonError(w, http.StatusConflict, "item already exists")
		return
	}
	if err != nil {
		slog.Error("failed to create item", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to create item")
		return
	}

	publishItem(h.Hub, created)
	slog.Info("item created", "item", created.ID, "user", claims.UserID, "type", created.Type, "status", created.Status)
	jsonResponse(w, http.StatusCreated, created)
}

// Get handles GET /api/items/{id}.
func (h *ItemsHandler) Get(w http.ResponseWriter, r *http.Request) {
	item, ok := h.visibleItem(w, r)
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, item)
}

// Update handles PATCH /api/items/{id}. An owner's edit sends the listing
// back to the default moderation status.
func (h *ItemsHandler) Update(w http.ResponseWriter, r *http.Request) {
	item, claims, ok := h.managedItem(w, r)
	if !ok {
		return
	}

	var req updateItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	patch, err := req.patch()
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	oldRef := item.ImageRef
	patch.Apply(item)
	if err := item.Validate(); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if item.ImageRef != oldRef {
		ref, err := h.Images.NormalizeRef(item.ImageRef)
		if err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		item.ImageRef = ref
	}
	if claims.Role != model.RoleAdmin {
		item.Status = h.Policy.Load().DefaultStatus
	}

	h.save(w, r, item, "item updated")
}

// ToggleResolved handles POST /api/items/{id}/resolve.
func (h *ItemsHandler) ToggleResolved(w http.ResponseWriter, r *http.Request) {
	item, _, ok := h.managedItem(w, r)
	if !ok {
		return
	}
	item.Resolved = !item.Resolved
	h.save(w, r, item, "item resolution toggled")
}

// Delete handles DELETE /api/items/{id}.
func (h *ItemsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	item, claims, ok := h.managedItem(w, r)
	if !ok {
		return
	}

	deleted, err := store.DeleteItem(r.Context(), h.DB, item.ID)
	if err != nil {
		slog.Error("failed to delete item", "item", item.ID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to delete item")
		return
	}
	if deleted == nil {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}

	publishItem(h.Hub, deleted)
	slog.Info("item deleted", "item", item.ID, "user", claims.UserID)
	jsonResponse(w, http.StatusOK, deleted.Tombstone())
}

// GetImage handles GET /api/items/{id}/image. Inline photos are served as
// bytes; external references are redirected to.
func (h *ItemsHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	item, ok := h.visibleItem(w, r)
	if !ok {
		return
	}

	switch {
	case item.ImageRef == "":
		jsonError(w, http.StatusNotFound, "no image")
	case imaging.IsDataURL(item.ImageRef):
		data, mime, err := imaging.DecodeDataURL(item.ImageRef)
		if err != nil {
			slog.Error("stored image is corrupt", "item", item.ID, "error", err)
			jsonError(w, http.StatusInternalServerError, "failed to decode image")
			return
		}
		w.Header().Set("Content-Type", mime)
		w.Header().Set("Cache-Control", "private, max-age=300")
		w.Write(data)
	default:
		http.Redirect(w, r, item.ImageRef, http.StatusFound)
	}
}

// Stats handles GET /api/stats.
func (h *ItemsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := store.GetStats(r.Context(), h.DB)
	if err != nil {
		slog.Error("failed to get stats", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	jsonResponse(w, http.StatusOK, stats)
}

// visibleItem loads the {id} item and answers 404 if the caller may not
// see it.
func (h *ItemsHandler) visibleItem(w http.ResponseWriter, r *http.Request) (*model.Item, bool) {
	item, err := store.GetItem(r.Context(), h.DB, r.PathValue("id"))
	if err != nil {
		slog.Error("failed to get item", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get item")
		return nil, false
	}
	userID, role := viewer(r)
	if item == nil || !item.VisibleTo(userID, role) {
		jsonError(w, http.StatusNotFound, "item not found")
		return nil, false
	}
	return item, true
}

// managedItem loads the {id} item for a write by its owner or an admin.
func (h *ItemsHandler) managedItem(w http.ResponseWriter, r *http.Request) (*model.Item, *auth.Claims, bool) {
	claims := GetClaims(r.Context())

	item, err := store.GetItem(r.Context(), h.DB, r.PathValue("id"))
	if err != nil {
		slog.Error("failed to get item", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get item")
		return nil, nil, false
	}
	if item == nil || item.Deleted() {
		jsonError(w, http.StatusNotFound, "item not found")
		return nil, nil, false
	}
	if claims.Role != model.RoleAdmin {
		if item.OwnerID != claims.UserID {
			jsonError(w, http.StatusForbidden, "not the owner of this item")
			return nil, nil, false
		}
		if !checkNotBlocked(w, r, h.DB, claims) {
			return nil, nil, false
		}
	}
	return item, claims, true
}

// checkNotBlocked answers 403 for callers under a moderation block.
func checkNotBlocked(w http.ResponseWriter, r *http.Request, db *sql.DB, claims *auth.Claims) bool {
	user, err := store.GetUser(r.Context(), db, claims.UserID)
	if err != nil || user == nil {
		jsonError(w, http.StatusInternalServerError, "internal error")
		return false
	}
	if now := time.Now(); user.IsBlocked(now) {
		jsonError(w, http.StatusForbidden, user.BlockReason(now))
		return false
	}
	return true
}

func (h *ItemsHandler) save(w http.ResponseWriter, r *http.Request, item *model.Item, audit string) {
	updated, err := store.UpdateItem(r.Context(), h.DB, item)
	if err != nil {
		slog.Error("failed to update item", "item", item.ID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to update item")
		return
	}
	if updated == nil || updated.Deleted() {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}

	publishItem(h.Hub, updated)
	claims := GetClaims(r.Context())
	slog.Info(audit, "item", updated.ID, "user", claims.UserID, "status", updated.Status)
	jsonResponse(w, http.StatusOK, updated)
}
