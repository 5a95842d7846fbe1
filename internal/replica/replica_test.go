package replica

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/erazemk/lostfound/internal/api"
	"github.com/erazemk/lostfound/internal/auth"
	"github.com/erazemk/lostfound/internal/client"
	"github.com/erazemk/lostfound/internal/db"
	"github.com/erazemk/lostfound/internal/model"
	"github.com/erazemk/lostfound/internal/store"
)

var errOffline = errors.New("network is unreachable")

// flakyRemote wraps a Remote with a switch that simulates losing
// connectivity and switches that make the server refuse creates or updates.
type flakyRemote struct {
	Remote
	offline       atomic.Bool
	rejectCreates atomic.Bool
	rejectUpdates atomic.Bool
}

func (f *flakyRemote) CreateItem(ctx context.Context, mutationID string, item *model.Item) (*model.Item, error) {
	if f.offline.Load() {
		return nil, errOffline
	}
	if f.rejectCreates.Load() {
		return nil, &client.APIError{Status: http.StatusForbidden, Message: "account is blocked"}
	}
	return f.Remote.CreateItem(ctx, mutationID, item)
}

func (f *flakyRemote) UpdateItem(ctx context.Context, mutationID, id string, patch *model.ItemPatch) (*model.Item, error) {
	if f.offline.Load() {
		return nil, errOffline
	}
	if f.rejectUpdates.Load() {
		return nil, &client.APIError{Status: http.StatusForbidden, Message: "forbidden"}
	}
	return f.Remote.UpdateItem(ctx, mutationID, id, patch)
}

func (f *flakyRemote) ToggleResolved(ctx context.Context, mutationID, id string) (*model.Item, error) {
	if f.offline.Load() {
		return nil, errOffline
	}
	return f.Remote.ToggleResolved(ctx, mutationID, id)
}

func (f *flakyRemote) DeleteItem(ctx context.Context, mutationID, id string) error {
	if f.offline.Load() {
		return errOffline
	}
	return f.Remote.DeleteItem(ctx, mutationID, id)
}

func (f *flakyRemote) ToggleFavorite(ctx context.Context, mutationID, itemID string) ([]string, error) {
	if f.offline.Load() {
		return nil, errOffline
	}
	return f.Remote.ToggleFavorite(ctx, mutationID, itemID)
}

func (f *flakyRemote) GetItem(ctx context.Context, id string) (*model.Item, error) {
	if f.offline.Load() {
		return nil, errOffline
	}
	return f.Remote.GetItem(ctx, id)
}

func (f *flakyRemote) Favorites(ctx context.Context) ([]string, error) {
	if f.offline.Load() {
		return nil, errOffline
	}
	return f.Remote.Favorites(ctx)
}

func (f *flakyRemote) Changes(ctx context.Context, since int64, limit int) (*client.ChangesPage, error) {
	if f.offline.Load() {
		return nil, errOffline
	}
	return f.Remote.Changes(ctx, since, limit)
}

// newTestServer starts the API and returns its URL and a client logged in
// as admin.
func newTestServer(t *testing.T) (string, *client.Client) {
	t.Helper()
	database := db.NewTestDB(t)
	server := httptest.NewServer(api.NewRouter(database, "test-secret", api.Services{}))
	t.Cleanup(server.Close)

	ctx := context.Background()
	hash, _ := auth.HashPassword("password")
	if _, err := store.CreateUser(ctx, database, "Admin", "admin@example.com", hash, model.RoleAdmin); err != nil {
		t.Fatalf("creating admin: %v", err)
	}
	admin := client.New(server.URL)
	if _, err := admin.Login(ctx, "admin@example.com", "password"); err != nil {
		t.Fatalf("admin login: %v", err)
	}
	return server.URL, admin
}

// newUser registers an account and returns a remote for it along with its
// replica session.
func newUser(t *testing.T, url, name, email string) (*flakyRemote, Session) {
	t.Helper()
	c := client.New(url)
	session, err := c.Register(context.Background(), name, email, "password123")
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return &flakyRemote{Remote: c}, Session{Token: session.Token, UserID: session.User.ID, Role: session.User.Role}
}

func openLocal(t *testing.T, path string) *LocalStore {
	t.Helper()
	local, err := OpenLocal(path)
	if err != nil {
		t.Fatalf("opening local store: %v", err)
	}
	t.Cleanup(func() { local.Close() })
	return local
}

func newReplica(t *testing.T, remote Remote, session *Session) *Replica {
	t.Helper()
	local := openLocal(t, filepath.Join(t.TempDir(), "replica.db"))
	r, err := Open(context.Background(), local, remote, 0)
	if err != nil {
		t.Fatalf("opening replica: %v", err)
	}
	if session != nil {
		if err := r.SetSession(context.Background(), *session); err != nil {
			t.Fatalf("SetSession: %v", err)
		}
	}
	return r
}

func testItem(name string) model.Item {
	return model.Item{
		Type:     model.ItemTypeLost,
		Name:     name,
		Location: "Library",
		Date:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Category: "Clothing",
		Contact:  "alice@example.com",
	}
}

func ptr[T any](v T) *T { return &v }

func TestWriteRequiresSession(t *testing.T) {
	r := newReplica(t, &flakyRemote{}, nil)
	if _, err := r.CreateItem(context.Background(), testItem("Scarf")); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
	if _, err := r.UpdateItem(context.Background(), "missing", model.ItemPatch{}); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestOfflineWritesFlushLater(t *testing.T) {
	url, admin := newTestServer(t)
	ctx := context.Background()
	remote, session := newUser(t, url, "Alice", "alice@example.com")
	remote.offline.Store(true)
	r := newReplica(t, remote, &session)

	item, err := r.CreateItem(ctx, testItem("Red scarf"))
	if err != nil {
		t.Fatalf("CreateItem offline: %v", err)
	}
	if item.ID == "" || item.OwnerID != session.UserID || item.Status != model.ItemStatusPending {
		t.Fatalf("unexpected local item: %+v", item)
	}

	if _, err := r.UpdateItem(ctx, item.ID, model.ItemPatch{Color: ptr("red")}); err != nil {
		t.Fatalf("UpdateItem offline: %v", err)
	}
	if r.Pending() != 2 {
		t.Fatalf("expected 2 pending writes, got %d", r.Pending())
	}
	if got := r.Items(model.Filter{Q: "RED"}); len(got) != 1 || got[0].Color != "red" {
		t.Fatalf("expected local item visible, got %+v", got)
	}

	if err := r.Flush(ctx); !errors.Is(err, errOffline) {
		t.Fatalf("expected offline error from Flush, got %v", err)
	}
	if r.Pending() != 2 {
		t.Errorf("expected writes kept after failed flush, got %d", r.Pending())
	}

	remote.offline.Store(false)
	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if r.Pending() != 0 {
		t.Errorf("expected empty outbox, got %d", r.Pending())
	}

	server, err := admin.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("item did not reach the server: %v", err)
	}
	if server.Color != "red" || server.OwnerID != session.UserID {
		t.Errorf("unexpected server item: %+v", server)
	}
	local, ok := r.Item(item.ID)
	if !ok || local.Version != server.Version {
		t.Errorf("expected local copy at server version %d, got %+v", server.Version, local)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "replica.db")
	remote := &flakyRemote{}
	remote.offline.Store(true)
	session := Session{Token: "token", UserID: "user-1", Role: model.RoleUser}

	local, err := OpenLocal(path)
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	r, err := Open(ctx, local, remote, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.SetSession(ctx, session); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	item, err := r.CreateItem(ctx, testItem("Gloves"))
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if _, err := r.ToggleFavorite(ctx, item.ID); err != nil {
		t.Fatalf("ToggleFavorite: %v", err)
	}
	local.Close()

	r, err = Open(ctx, openLocal(t, path), remote, 0)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	if r.Session() != session {
		t.Errorf("session not restored: %+v", r.Session())
	}
	if _, ok := r.Item(item.ID); !ok {
		t.Error("item not restored")
	}
	if r.Pending() != 2 {
		t.Errorf("expected 2 pending writes restored, got %d", r.Pending())
	}
	if favs := r.Favorites(); len(favs) != 1 || favs[0] != item.ID {
		t.Errorf("favorites not restored: %v", favs)
	}
}

func TestPullLastWriteWins(t *testing.T) {
	url, admin := newTestServer(t)
	ctx := context.Background()
	remote, session := newUser(t, url, "Alice", "alice@example.com")
	r := newReplica(t, remote, &session)

	item, err := r.CreateItem(ctx, testItem("Umbrella"))
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("expected online write to flush, %d pending", r.Pending())
	}
	if _, err := admin.SetItemStatus(ctx, uuid.NewString(), item.ID, model.ItemStatusApproved, false); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := admin.UpdateItem(ctx, uuid.NewString(), item.ID, &model.ItemPatch{Description: ptr("from admin")}); err != nil {
		t.Fatalf("admin update: %v", err)
	}

	if err := r.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	local, _ := r.Item(item.ID)
	if local.Description != "from admin" || local.Status != model.ItemStatusApproved {
		t.Fatalf("expected server state pulled, got %+v", local)
	}

	// A local write made offline wins over a concurrent server edit.
	remote.offline.Store(true)
	if _, err := r.UpdateItem(ctx, item.ID, model.ItemPatch{Description: ptr("from alice")}); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if _, err := admin.UpdateItem(ctx, uuid.NewString(), item.ID, &model.ItemPatch{Description: ptr("admin again")}); err != nil {
		t.Fatalf("admin update: %v", err)
	}
	remote.offline.Store(false)

	if err := r.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if local, _ := r.Item(item.ID); local.Description != "from alice" {
		t.Errorf("pending local write overwritten by pull: %q", local.Description)
	}

	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	server, err := admin.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	local, _ = r.Item(item.ID)
	if server.Description != "from alice" || local.Description != "from alice" {
		t.Errorf("expected last write to win, server %q local %q", server.Description, local.Description)
	}
	if local.Version != server.Version {
		t.Errorf("expected versions to converge, local %d server %d", local.Version, server.Version)
	}
}

func TestRejectedWriteIsDropped(t *testing.T) {
	url, _ := newTestServer(t)
	ctx := context.Background()
	remote, session := newUser(t, url, "Alice", "alice@example.com")
	r := newReplica(t, remote, &session)

	item, err := r.CreateItem(ctx, testItem("Wallet"))
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	remote.rejectUpdates.Store(true)
	_, err = r.UpdateItem(ctx, item.ID, model.ItemPatch{Brand: ptr("Acme")})
	var apiErr *client.APIError
	if !errors.Is(err, ErrRejected) || !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("expected a rejection carrying the 403, got %v", err)
	}
	if r.Pending() != 0 {
		t.Errorf("expected rejected write dropped, %d pending", r.Pending())
	}
	if local, _ := r.Item(item.ID); local.Brand != "" {
		t.Errorf("expected local copy reverted to server state, got brand %q", local.Brand)
	}
}

func TestRejectedCreateReturnsError(t *testing.T) {
	url, _ := newTestServer(t)
	ctx := context.Background()
	remote, session := newUser(t, url, "Alice", "alice@example.com")
	r := newReplica(t, remote, &session)

	remote.rejectCreates.Store(true)
	item, err := r.CreateItem(ctx, testItem("Wallet"))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got item %+v, err %v", item, err)
	}
	if item.ID != "" {
		t.Errorf("expected no item, got %+v", item)
	}
	if r.Pending() != 0 || len(r.Items(model.Filter{})) != 0 {
		t.Errorf("expected nothing left locally, pending %d, items %d", r.Pending(), len(r.Items(model.Filter{})))
	}

	// A write queued while offline and rejected on a later flush is only
	// logged; the writer already got its local result.
	remote.offline.Store(true)
	if _, err := r.CreateItem(ctx, testItem("Umbrella")); err != nil {
		t.Fatalf("offline CreateItem: %v", err)
	}
	remote.offline.Store(false)
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if r.Pending() != 0 || len(r.Items(model.Filter{})) != 0 {
		t.Errorf("expected rejected offline write dropped, pending %d", r.Pending())
	}
	if len(r.rejected) != 0 {
		t.Errorf("expected no waiting writers, got %d", len(r.rejected))
	}
}

func TestPullDropsHiddenItems(t *testing.T) {
	url, admin := newTestServer(t)
	ctx := context.Background()
	alice, _ := newUser(t, url, "Alice", "alice@example.com")

	created, err := alice.Remote.CreateItem(ctx, uuid.NewString(), ptr(testItem("Headphones")))
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if _, err := admin.SetItemStatus(ctx, uuid.NewString(), created.ID, model.ItemStatusApproved, false); err != nil {
		t.Fatalf("approve: %v", err)
	}

	anon := newReplica(t, client.New(url), nil)
	if err := anon.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got := anon.Items(model.Filter{}); len(got) != 1 {
		t.Fatalf("expected 1 public item, got %d", len(got))
	}

	if _, err := admin.SetItemStatus(ctx, uuid.NewString(), created.ID, model.ItemStatusRejected, false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := anon.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if _, ok := anon.Item(created.ID); ok {
		t.Error("expected rejected item dropped from public replica")
	}
}

func TestPullFollowsPages(t *testing.T) {
	url, admin := newTestServer(t)
	ctx := context.Background()

	for _, name := range []string{"Pen", "Ruler", "Eraser"} {
		item, err := admin.CreateItem(ctx, uuid.NewString(), ptr(testItem(name)))
		if err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
		if _, err := admin.SetItemStatus(ctx, uuid.NewString(), item.ID, model.ItemStatusApproved, false); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}

	local := openLocal(t, filepath.Join(t.TempDir(), "replica.db"))
	r, err := Open(ctx, local, client.New(url), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	items := r.Items(model.Filter{})
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].Name != "Eraser" {
		t.Errorf("expected newest first, got %s", items[0].Name)
	}
	if r.Cursor() == 0 {
		t.Error("expected cursor advanced")
	}
}

func TestFavoritesAndDelete(t *testing.T) {
	url, admin := newTestServer(t)
	ctx := context.Background()
	remote, session := newUser(t, url, "Alice", "alice@example.com")
	r := newReplica(t, remote, &session)

	item, err := r.CreateItem(ctx, testItem("Backpack"))
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	remote.offline.Store(true)
	favorites, err := r.ToggleFavorite(ctx, item.ID)
	if err != nil {
		t.Fatalf("ToggleFavorite: %v", err)
	}
	if len(favorites) != 1 {
		t.Fatalf("expected local favorite, got %v", favorites)
	}
	if _, err := r.ToggleResolved(ctx, item.ID); err != nil {
		t.Fatalf("ToggleResolved: %v", err)
	}
	remote.offline.Store(false)

	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	server, err := remote.Favorites(ctx)
	if err != nil {
		t.Fatalf("Favorites: %v", err)
	}
	if len(server) != 1 || server[0] != item.ID {
		t.Errorf("favorite not synced: %v", server)
	}
	if local, _ := r.Item(item.ID); !local.Resolved {
		t.Error("expected item resolved")
	}

	if err := r.DeleteItem(ctx, item.ID); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if _, ok := r.Item(item.ID); ok {
		t.Error("expected item removed locally")
	}
	if err := r.DeleteItem(ctx, item.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
	var apiErr *client.APIError
	if _, err := admin.GetItem(ctx, item.ID); !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("expected item deleted on server, got %v", err)
	}
	if err := r.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if favs := r.Favorites(); len(favs) != 0 {
		t.Errorf("expected favorites cleared by server delete, got %v", favs)
	}
}

func TestSetSessionSwitchesUser(t *testing.T) {
	ctx := context.Background()
	remote := &flakyRemote{}
	remote.offline.Store(true)
	alice := Session{Token: "a", UserID: "alice", Role: model.RoleUser}
	r := newReplica(t, remote, &alice)

	if _, err := r.CreateItem(ctx, testItem("Notebook")); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if err := r.SetSession(ctx, Session{Token: "b", UserID: "bob"}); !errors.Is(err, ErrPendingWrites) {
		t.Fatalf("expected ErrPendingWrites, got %v", err)
	}

	// Refreshing the same user's token keeps the cache.
	alice.Token = "a2"
	if err := r.SetSession(ctx, alice); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if len(r.Items(model.Filter{})) != 1 {
		t.Error("expected cache kept for the same user")
	}
}
