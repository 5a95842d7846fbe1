package model

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// Item is a lost or found posting.
type Item struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Type         string     `json:"type"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Location     string     `json:"location"`
	Date         time.Time  `json:"date"`
	Category     string     `json:"category"`
	Contact      string     `json:"contact"`
	ContactPhone string     `json:"contact_phone,omitempty"`
	Size         string     `json:"size,omitempty"`
	Color        string     `json:"color,omitempty"`
	Brand        string     `json:"brand,omitempty"`
	ImageRef     string     `json:"image_ref,omitempty"`
	Resolved     bool       `json:"resolved"`
	Status       string     `json:"status"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Item types.
const (
	ItemTypeLost  = "lost"
	ItemTypeFound = "found"
)

// Moderation statuses.
const (
	ItemStatusPending  = "pending"
	ItemStatusApproved = "approved"
	ItemStatusRejected = "rejected"
)

// Categories is the closed set of item categories.
var Categories = []string{
	"Electronics",
	"Books",
	"ID Cards",
	"Clothing",
	"Bags & Backpacks",
	"Accessories",
	"Stationery",
	"Sports Equipment",
	"Others",
}

// Field limits.
const (
	MaxNameLength        = 100
	MaxDescriptionLength = 2000
	MaxFieldLength       = 200
)

// ValidItemType reports whether t is lost or found.
func ValidItemType(t string) bool {
	return t == ItemTypeLost || t == ItemTypeFound
}

// ValidCategory reports whether c is one of Categories.
func ValidCategory(c string) bool {
	return slices.Contains(Categories, c)
}

// ValidItemStatus reports whether s is a moderation status.
func ValidItemStatus(s string) bool {
	return s == ItemStatusPending || s == ItemStatusApproved || s == ItemStatusRejected
}

// Validate trims the required text fields and checks the constraints every
// stored item must satisfy.
func (i *Item) Validate() error {
	i.Name = strings.TrimSpace(i.Name)
	i.Location = strings.TrimSpace(i.Location)
	i.Contact = strings.TrimSpace(i.Contact)

	switch {
	case !ValidItemType(i.Type):
		return errors.New("type must be lost or found")
	case i.Name == "":
		return errors.New("name required")
	case len(i.Name) > MaxNameLength:
		return errors.New("name too long")
	case len(i.Description) > MaxDescriptionLength:
		return errors.New("description too long")
	case i.Location == "":
		return errors.New("location required")
	case !ValidCategory(i.Category):
		return errors.New("invalid category")
	case i.Contact == "":
		return errors.New("contact required")
	case i.Date.IsZero():
		return errors.New("date required")
	case i.Date.After(time.Now().Add(24 * time.Hour)):
		return errors.New("date is in the future")
	}
	for _, f := range []string{i.Location, i.Contact, i.ContactPhone, i.Size, i.Color, i.Brand} {
		if len(f) > MaxFieldLength {
			return errors.New("field too long")
		}
	}
	return nil
}

// Deleted reports whether the item is a tombstone.
func (i *Item) Deleted() bool {
	return i.DeletedAt != nil
}

// Tombstone returns the delete marker replicas receive for the item. Items
// a viewer may no longer see are sent the same way so that replicas drop them.
func (i *Item) Tombstone() Item {
	deletedAt := i.UpdatedAt
	if i.DeletedAt != nil {
		deletedAt = *i.DeletedAt
	}
	return Item{
		ID:        i.ID,
		Version:   i.Version,
		UpdatedAt: i.UpdatedAt,
		DeletedAt: &deletedAt,
	}
}

// VisibleTo reports whether a viewer may see the item. Approved items are
// public; everything else is limited to the owner and admins.
func (i *Item) VisibleTo(userID, role string) bool {
	if i.Deleted() {
		return false
	}
	if i.Status == ItemStatusApproved {
		return true
	}
	return userID != "" && (i.OwnerID == userID || role == RoleAdmin)
}

// ItemPatch carries a partial item update. Nil fields are left unchanged.
type ItemPatch struct {
	Type         *string    `json:"type,omitempty"`
	Name         *string    `json:"name,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Location     *string    `json:"location,omitempty"`
	Date         *time.Time `json:"date,omitempty"`
	Category     *string    `json:"category,omitempty"`
	Contact      *string    `json:"contact,omitempty"`
	ContactPhone *string    `json:"contact_phone,omitempty"`
	Size         *string    `json:"size,omitempty"`
	Color        *string    `json:"color,omitempty"`
	Brand        *string    `json:"brand,omitempty"`
	ImageRef     *string    `json:"image_ref,omitempty"`
	Resolved     *bool      `json:"resolved,omitempty"`
}

// Apply copies the set fields of p onto item.
func (p *ItemPatch) Apply(item *Item) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&item.Type, p.Type)
	setString(&item.Name, p.Name)
	setString(&item.Description, p.Description)
	setString(&item.Location, p.Location)
	setString(&item.Category, p.Category)
	setString(&item.Contact, p.Contact)
	setString(&item.ContactPhone, p.ContactPhone)
	setString(&item.Size, p.Size)
	setString(&item.Color, p.Color)
	setString(&item.Brand, p.Brand)
	setString(&item.ImageRef, p.ImageRef)
	if p.Date != nil {
		item.Date = *p.Date
	}
	if p.Resolved != nil {
		item.Resolved = *p.Resolved
	}
}

// Stats summarizes the public board.
type Stats struct {
	Lost     int `json:"lost"`
	Found    int `json:"found"`
	Resolved int `json:"resolved"`
}
