package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/erazemk/lostfound/internal/db"
	"github.com/erazemk/lostfound/internal/model"
)

func createTestItem(t *testing.T, database *sql.DB, ownerID, name string) *model.Item {
	t.Helper()
	item, err := CreateItem(context.Background(), database, &model.Item{
		OwnerID:  ownerID,
		Type:     model.ItemTypeLost,
		Name:     name,
		Location: "Library",
		Date:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Category: "Accessories",
		Contact:  "owner@example.com",
		Status:   model.ItemStatusApproved,
	})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	return item
}

func TestCreateAndGetItem(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	item := createTestItem(t, database, "u1", "Wallet")
	if item.ID == "" {
		t.Fatal("expected generated id")
	}
	if item.Version == 0 {
		t.Error("expected a version")
	}

	got, err := GetItem(ctx, database, item.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Name != "Wallet" || got.Location != "Library" {
		t.Errorf("unexpected item: %+v", got)
	}
	if !got.Date.Equal(item.Date) {
		t.Errorf("expected date %v, got %v", item.Date, got.Date)
	}
}

func TestCreateItemWithClientID(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	item := &model.Item{
		ID: "client-1", OwnerID: "u1", Type: model.ItemTypeFound, Name: "Keys",
		Category: "Others", Date: time.Now(), Status: model.ItemStatusPending,
	}
	if _, err := CreateItem(ctx, database, item); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	dup := *item
	_, err := CreateItem(ctx, database, &dup)
	if !errors.Is(err, ErrItemExists) {
		t.Errorf("expected ErrItemExists, got %v", err)
	}
}

func TestListItemsFilter(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	createTestItem(t, database, "u1", "Blue Wallet")
	phone := createTestItem(t, database, "u2", "Phone")
	phone.Type = model.ItemTypeFound
	UpdateItem(ctx, database, phone)

	all, _ := ListItems(ctx, database, model.Filter{})
	if len(all) != 2 {
		t.Fatalf("expected 2 items, got %d", len(all))
	}
	if all[0].Name != "Phone" {
		t.Errorf("expected newest first, got %q", all[0].Name)
	}

	found, _ := ListItems(ctx, database, model.Filter{Type: model.ItemTypeFound})
	if len(found) != 1 || found[0].ID != phone.ID {
		t.Errorf("expected only the phone, got %+v", found)
	}

	byText, _ := ListItems(ctx, database, model.Filter{Q: "WALLET"})
	if len(byText) != 1 || byText[0].Name != "Blue Wallet" {
		t.Errorf("expected the wallet, got %+v", byText)
	}

	mine, _ := ListItems(ctx, database, model.Filter{OwnerID: "u2"})
	if len(mine) != 1 {
		t.Errorf("expected 1 owned item, got %d", len(mine))
	}
}

func TestUpdateItemBumpsVersion(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	item := createTestItem(t, database, "u1", "Wallet")
	item.Resolved = true
	updated, err := UpdateItem(ctx, database, item)
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if !updated.Resolved {
		t.Error("expected resolved")
	}
	if updated.Version <= item.Version {
		t.Errorf("expected version > %d, got %d", item.Version, updated.Version)
	}
}

func TestSetItemStatus(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	item := createTestItem(t, database, "u1", "Wallet")
	got, err := SetItemStatus(ctx, database, item.ID, model.ItemStatusRejected)
	if err != nil {
		t.Fatalf("SetItemStatus: %v", err)
	}
	if got.Status != model.ItemStatusRejected {
		t.Errorf("expected rejected, got %q", got.Status)
	}

	missing, err := SetItemStatus(ctx, database, "nope", model.ItemStatusApproved)
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing item, got %v, %v", missing, err)
	}
}

func TestSoftDeleteItem(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	item := createTestItem(t, database, "u1", "Delete Me")
	ToggleFavorite(ctx, database, "u2", item.ID)

	deleted, err := DeleteItem(ctx, database, item.ID)
	if err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if deleted == nil || !deleted.Deleted() {
		t.Fatal("expected a tombstone")
	}

	items, _ := ListItems(ctx, database, model.Filter{})
	if len(items) != 0 {
		t.Errorf("expected 0 items after soft delete, got %d", len(items))
	}

	// The tombstone stays fetchable so replicas can learn about it.
	got, _ := GetItem(ctx, database, item.ID)
	if got == nil || !got.Deleted() {
		t.Error("expected soft-deleted item to still be fetchable by ID")
	}

	favs, _ := ListFavorites(ctx, database, "u2")
	if len(favs) != 0 {
		t.Errorf("expected favorite to be removed, got %v", favs)
	}

	again, err := DeleteItem(ctx, database, item.ID)
	if err != nil || again != nil {
		t.Errorf("expected nil, nil on second delete, got %v, %v", again, err)
	}
}

func TestGetChanges(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	a := createTestItem(t, database, "u1", "A")
	b := createTestItem(t, database, "u1", "B")
	DeleteItem(ctx, database, a.ID)

	changes, latest, err := GetChanges(ctx, database, 0, 0)
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changed rows, got %d", len(changes))
	}
	if changes[0].ID != b.ID || changes[1].ID != a.ID || !changes[1].Deleted() {
		t.Errorf("expected B then tombstone A, got %s, %s", changes[0].ID, changes[1].ID)
	}
	if latest != 3 {
		t.Errorf("expected latest version 3, got %d", latest)
	}

	changes, _, _ = GetChanges(ctx, database, latest, 0)
	if len(changes) != 0 {
		t.Errorf("expected no changes after latest, got %d", len(changes))
	}

	page, cursor, _ := GetChanges(ctx, database, 0, 1)
	if len(page) != 1 || cursor != page[0].Version {
		t.Errorf("expected a one-row page ending at its own version, got %d rows, cursor %d", len(page), cursor)
	}
}

func TestGetChangesDuringWrites(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	const total = 200
	errc := make(chan error, 1)
	go func() {
		for i := range total {
			_, err := CreateItem(ctx, database, &model.Item{
				OwnerID:  "u1",
				Type:     model.ItemTypeFound,
				Name:     fmt.Sprintf("Item %d", i),
				Location: "Gym",
				Date:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
				Category: "Others",
				Contact:  "owner@example.com",
				Status:   model.ItemStatusApproved,
			})
			if err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	seen := make(map[string]bool)
	var cursor int64
	pull := func() {
		changes, latest, err := GetChanges(ctx, database, cursor, 0)
		if err != nil {
			t.Fatalf("GetChanges: %v", err)
		}
		for _, c := range changes {
			seen[c.ID] = true
		}
		cursor = latest
	}

	for done := false; !done; {
		select {
		case err := <-errc:
			if err != nil {
				t.Fatalf("CreateItem: %v", err)
			}
			done = true
		default:
			pull()
		}
	}
	pull()

	if len(seen) != total {
		t.Errorf("reader saw %d of %d items, cursor %d", len(seen), total, cursor)
	}
}

func TestPurgeItems(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	createTestItem(t, database, "u1", "A")
	createTestItem(t, database, "u2", "B")

	tombstones, err := PurgeItems(ctx, database)
	if err != nil {
		t.Fatalf("PurgeItems: %v", err)
	}
	if len(tombstones) != 2 {
		t.Errorf("expected 2 tombstones, got %d", len(tombstones))
	}
	items, _ := ListItems(ctx, database, model.Filter{})
	if len(items) != 0 {
		t.Errorf("expected no live items, got %d", len(items))
	}
}

func TestGetStats(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	createTestItem(t, database, "u1", "A")
	b := createTestItem(t, database, "u1", "B")
	b.Type = model.ItemTypeFound
	b.Resolved = true
	UpdateItem(ctx, database, b)
	c := createTestItem(t, database, "u1", "C")
	SetItemStatus(ctx, database, c.ID, model.ItemStatusPending)

	stats, err := GetStats(ctx, database)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Lost != 1 || stats.Found != 1 || stats.Resolved != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
