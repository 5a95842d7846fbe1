package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/erazemk/lostfound/internal/auth"
	"github.com/erazemk/lostfound/internal/db"
	"github.com/erazemk/lostfound/internal/model"
	"github.com/erazemk/lostfound/internal/store"
)

const testJWTSecret = "test-secret"

func setupTestServerWith(t *testing.T, svc Services) (*httptest.Server, *sql.DB, string) {
	t.Helper()
	database := db.NewTestDB(t)
	router := NewRouter(database, testJWTSecret, svc)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	// Create admin user.
	ctx := context.Background()
	hash, _ := auth.HashPassword("password")
	store.CreateUser(ctx, database, "Admin", "admin@example.com", hash, model.RoleAdmin)

	token := login(t, server, "admin@example.com", "password")
	return server, database, token
}

func setupTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	server, _, token := setupTestServerWith(t, Services{})
	return server, token
}

func login(t *testing.T, server *httptest.Server, email, password string) string {
	t.Helper()
	var session sessionResponse
	status := call(t, "POST", server.URL+"/api/auth/login", "", map[string]string{
		"email": email, "password": password,
	}, &session)
	if status != http.StatusOK {
		t.Fatalf("login failed: %d", status)
	}
	if session.Token == "" {
		t.Fatal("empty token from login")
	}
	return session.Token
}

// registerUser creates an account through the API and returns its token and id.
func registerUser(t *testing.T, server *httptest.Server, name, email string) (string, string) {
	t.Helper()
	var session sessionResponse
	status := call(t, "POST", server.URL+"/api/auth/register", "", map[string]string{
		"name": name, "email": email, "password": "password123",
	}, &session)
	if status != http.StatusCreated {
		t.Fatalf("register %s: expected 201, got %d", email, status)
	}
	return session.Token, session.User.ID
}

func authRequest(method, url, token string, body any) (*http.Request, error) {
	var bodyReader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// call performs a request and decodes the JSON response into out, if given.
func call(t *testing.T, method, url, token string, body, out any) int {
	t.Helper()
	req, err := authRequest(method, url, token, body)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	return do(t, req, out)
}

func do(t *testing.T, req *http.Request, out any) int {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func newItemBody(name string) map[string]string {
	return map[string]string{
		"type":     model.ItemTypeLost,
		"name":     name,
		"location": "Library, 2nd floor",
		"date":     "2024-03-01",
		"category": "Accessories",
		"contact":  "me@example.com",
	}
}

func TestLoginEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	// Test invalid credentials.
	status := call(t, "POST", server.URL+"/api/auth/login", "", map[string]string{
		"email": "admin@example.com", "password": "wrong",
	}, nil)
	if status != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad password, got %d", status)
	}

	// Email lookup ignores case.
	login(t, server, "ADMIN@example.com", "password")
}

func TestRegister(t *testing.T) {
	server, _ := setupTestServer(t)

	registerUser(t, server, "Ana", "ana@example.com")

	status := call(t, "POST", server.URL+"/api/auth/register", "", map[string]string{
		"name": "Ana 2", "email": "ANA@example.com", "password": "password123",
	}, nil)
	if status != http.StatusConflict {
		t.Errorf("expected 409 for duplicate email, got %d", status)
	}

	status = call(t, "POST", server.URL+"/api/auth/register", "", map[string]string{
		"name": "Bo", "email": "bo@example.com", "password": "short",
	}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("expected 400 for short password, got %d", status)
	}
}

func TestItemLifecycle(t *testing.T) {
	server, adminToken := setupTestServer(t)
	ownerToken, ownerID := registerUser(t, server, "Owner", "owner@example.com")
	otherToken, _ := registerUser(t, server, "Other", "other@example.com")

	var item model.Item
	if status := call(t, "POST", server.URL+"/api/items", ownerToken, newItemBody("Blue Wallet"), &item); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if item.Status != model.ItemStatusPending || item.OwnerID != ownerID {
		t.Fatalf("unexpected new item: %+v", item)
	}

	// Pending items are hidden from everyone but the owner and admins.
	var listed []model.Item
	call(t, "GET", server.URL+"/api/items", "", nil, &listed)
	if len(listed) != 0 {
		t.Errorf("expected no public items, got %d", len(listed))
	}
	if status := call(t, "GET", server.URL+"/api/items/"+item.ID, otherToken, nil, nil); status != http.StatusNotFound {
		t.Errorf("expected 404 for other user, got %d", status)
	}
	if status := call(t, "GET", server.URL+"/api/items/"+item.ID, ownerToken, nil, nil); status != http.StatusOK {
		t.Errorf("expected 200 for owner, got %d", status)
	}

	// Approve.
	status := call(t, "PUT", server.URL+"/api/admin/items/"+item.ID+"/status", adminToken,
		map[string]any{"status": model.ItemStatusApproved}, &item)
	if status != http.StatusOK || item.Status != model.ItemStatusApproved {
		t.Fatalf("approve: status %d, item %+v", status, item)
	}
	call(t, "GET", server.URL+"/api/items?q=wallet", "", nil, &listed)
	if len(listed) != 1 {
		t.Errorf("expected 1 public item, got %d", len(listed))
	}

	// Others cannot edit.
	if status := call(t, "PATCH", server.URL+"/api/items/"+item.ID, otherToken, map[string]string{"name": "Mine"}, nil); status != http.StatusForbidden {
		t.Errorf("expected 403 for non-owner edit, got %d", status)
	}

	// An owner edit goes back to review.
	status = call(t, "PATCH", server.URL+"/api/items/"+item.ID, ownerToken, map[string]string{"color": "blue"}, &item)
	if status != http.StatusOK || item.Color != "blue" || item.Status != model.ItemStatusPending {
		t.Errorf("owner edit: status %d, item %+v", status, item)
	}

	call(t, "POST", server.URL+"/api/items/"+item.ID+"/resolve", ownerToken, nil, &item)
	if !item.Resolved {
		t.Error("expected item to be resolved")
	}

	if status := call(t, "DELETE", server.URL+"/api/items/"+item.ID, ownerToken, nil, nil); status != http.StatusOK {
		t.Errorf("expected 200 on delete, got %d", status)
	}
	if status := call(t, "GET", server.URL+"/api/items/"+item.ID, ownerToken, nil, nil); status != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", status)
	}
}

func TestCreateItemValidation(t *testing.T) {
	server, token := setupTestServer(t)

	cases := map[string]func(map[string]string){
		"bad type":     func(b map[string]string) { b["type"] = "stolen" },
		"no name":      func(b map[string]string) { b["name"] = " " },
		"bad category": func(b map[string]string) { b["category"] = "Pets" },
		"no contact":   func(b map[string]string) { b["contact"] = "" },
		"bad date":     func(b map[string]string) { b["date"] = "yesterday" },
		"bad image":    func(b map[string]string) { b["image_ref"] = "ftp://example.com/x.png" },
		"bad id":       func(b map[string]string) { b["id"] = "not-a-uuid" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			body := newItemBody("Thing")
			mutate(body)
			if status := call(t, "POST", server.URL+"/api/items", token, body, nil); status != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", status)
			}
		})
	}
}

func TestIdempotentWrites(t *testing.T) {
	server, token := setupTestServer(t)
	mutationID := uuid.NewString()

	body := newItemBody("Umbrella")
	body["id"] = uuid.NewString()

	req, _ := authRequest("POST", server.URL+"/api/items", token, body)
	req.Header.Set(MutationHeader, mutationID)
	if status := do(t, req, nil); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}

	// A replay of the same mutation is acknowledged but not applied again.
	req, _ = authRequest("POST", server.URL+"/api/items", token, body)
	req.Header.Set(MutationHeader, mutationID)
	var dup map[string]bool
	if status := do(t, req, &dup); status != http.StatusOK || !dup["duplicate"] {
		t.Errorf("expected duplicate ack, got %d %v", status, dup)
	}

	// A new mutation reusing the item id conflicts. The failed attempt does
	// not count as applied, so a retry is evaluated again.
	conflicting := uuid.NewString()
	for range 2 {
		req, _ = authRequest("POST", server.URL+"/api/items", token, body)
		req.Header.Set(MutationHeader, conflicting)
		if status := do(t, req, nil); status != http.StatusConflict {
			t.Errorf("expected 409 for reused item id, got %d", status)
		}
	}

	req, _ = authRequest("POST", server.URL+"/api/items", token, newItemBody("Hat"))
	req.Header.Set(MutationHeader, "nope")
	if status := do(t, req, nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 for bad mutation id, got %d", status)
	}

	var items []model.Item
	call(t, "GET", server.URL+"/api/items", token, nil, &items)
	if len(items) != 1 {
		t.Errorf("expected 1 item, got %d", len(items))
	}
}

func TestChangesFeed(t *testing.T) {
	server, adminToken := setupTestServer(t)
	ownerToken, _ := registerUser(t, server, "Owner", "owner@example.com")

	var pending, approved model.Item
	call(t, "POST", server.URL+"/api/items", ownerToken, newItemBody("Pending"), &pending)
	call(t, "POST", server.URL+"/api/items", ownerToken, newItemBody("Approved"), &approved)
	call(t, "PUT", server.URL+"/api/admin/items/"+approved.ID+"/status", adminToken,
		map[string]any{"status": model.ItemStatusApproved}, nil)

	var public ChangesResponse
	call(t, "GET", server.URL+"/api/changes?since=0", "", nil, &public)
	if len(public.Changes) != 2 || public.Version != 3 || public.More {
		t.Fatalf("unexpected changes page: %+v", public)
	}
	if public.Changes[0].ID != pending.ID || !public.Changes[0].Deleted() || public.Changes[0].Name != "" {
		t.Errorf("expected pending item as tombstone, got %+v", public.Changes[0])
	}
	if public.Changes[1].ID != approved.ID || public.Changes[1].Deleted() {
		t.Errorf("expected approved item in full, got %+v", public.Changes[1])
	}

	var own ChangesResponse
	call(t, "GET", server.URL+"/api/changes?since=0", ownerToken, nil, &own)
	if own.Changes[0].Deleted() || own.Changes[0].Name != "Pending" {
		t.Errorf("owner should see own pending item, got %+v", own.Changes[0])
	}

	var page ChangesResponse
	call(t, "GET", server.URL+"/api/changes?since=0&limit=1", ownerToken, nil, &page)
	if len(page.Changes) != 1 || !page.More || page.Version != page.Changes[0].Version {
		t.Errorf("unexpected first page: %+v", page)
	}

	if status := call(t, "GET", server.URL+"/api/changes?since=-1", "", nil, nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 for negative since, got %d", status)
	}
}

func TestStrikesBlockAccount(t *testing.T) {
	server, adminToken := setupTestServer(t)
	userToken, userID := registerUser(t, server, "Spammer", "spam@example.com")

	var item model.Item
	call(t, "POST", server.URL+"/api/items", userToken, newItemBody("Spam"), &item)

	// Rejecting with a strike counts toward the block.
	call(t, "PUT", server.URL+"/api/admin/items/"+item.ID+"/status", adminToken,
		map[string]any{"status": model.ItemStatusRejected, "strike": true, "reason": "spam"}, nil)

	var res strikeResponse
	call(t, "POST", server.URL+"/api/admin/users/"+userID+"/strikes", adminToken, map[string]string{"reason": "spam"}, &res)
	if res.Outcome != "warned" || res.User.Strikes != 2 {
		t.Fatalf("expected second strike to warn, got %+v", res)
	}
	call(t, "POST", server.URL+"/api/admin/users/"+userID+"/strikes", adminToken, map[string]string{"reason": "spam"}, &res)
	if res.Outcome != "temporarily_blocked" {
		t.Fatalf("expected temporary block on third strike, got %q", res.Outcome)
	}

	status := call(t, "POST", server.URL+"/api/auth/login", "", map[string]string{
		"email": "spam@example.com", "password": "password123",
	}, nil)
	if status != http.StatusForbidden {
		t.Errorf("expected 403 for blocked login, got %d", status)
	}
	if status := call(t, "POST", server.URL+"/api/items", userToken, newItemBody("More spam"), nil); status != http.StatusForbidden {
		t.Errorf("expected 403 for blocked post, got %d", status)
	}

	var notes struct {
		Notifications []model.Notification `json:"notifications"`
		Unread        int                  `json:"unread"`
	}
	call(t, "GET", server.URL+"/api/notifications", userToken, nil, &notes)
	// Rejection, three strikes.
	if notes.Unread != 4 {
		t.Errorf("expected 4 unread notifications, got %d", notes.Unread)
	}

	call(t, "POST", server.URL+"/api/admin/users/"+userID+"/unblock", adminToken, map[string]bool{"reset_strikes": true}, nil)
	login(t, server, "spam@example.com", "password123")
}

func TestMessagingFlow(t *testing.T) {
	server, adminToken := setupTestServer(t)
	ownerToken, ownerID := registerUser(t, server, "Owner", "owner@example.com")
	finderToken, finderID := registerUser(t, server, "Finder", "finder@example.com")
	strangerToken, _ := registerUser(t, server, "Stranger", "stranger@example.com")

	var item model.Item
	call(t, "POST", server.URL+"/api/items", ownerToken, newItemBody("Keys"), &item)
	call(t, "PUT", server.URL+"/api/admin/items/"+item.ID+"/status", adminToken,
		map[string]any{"status": model.ItemStatusApproved}, nil)

	var msg model.Message
	status := call(t, "POST", server.URL+"/api/messages", finderToken, map[string]string{
		"item_id": item.ID, "recipient_id": ownerID, "text": "I think I found these",
	}, &msg)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if msg.ChatID != model.ChatID(item.ID, ownerID, finderID) {
		t.Errorf("unexpected chat id %q", msg.ChatID)
	}

	call(t, "POST", server.URL+"/api/messages", ownerToken, map[string]string{
		"item_id": item.ID, "recipient_id": finderID, "text": "Thank you!",
	}, nil)

	var messages []model.Message
	call(t, "GET", server.URL+"/api/chats/"+msg.ChatID+"/messages", ownerToken, nil, &messages)
	if len(messages) != 2 || messages[1].Text != "Thank you!" {
		t.Errorf("unexpected messages: %+v", messages)
	}
	if status := call(t, "GET", server.URL+"/api/chats/"+msg.ChatID+"/messages", strangerToken, nil, nil); status != http.StatusForbidden {
		t.Errorf("expected 403 for non-participant, got %d", status)
	}

	var chats []model.Chat
	call(t, "GET", server.URL+"/api/chats", finderToken, nil, &chats)
	if len(chats) != 1 || chats[0].OtherUserID != ownerID {
		t.Errorf("unexpected chats: %+v", chats)
	}

	var marked map[string]int64
	call(t, "POST", server.URL+"/api/items/"+item.ID+"/notifications/read", ownerToken, nil, &marked)
	// The approval notice and the finder's message.
	if marked["marked"] != 2 {
		t.Errorf("expected 2 notifications marked read, got %v", marked)
	}

	// Two strangers cannot open a side conversation on someone else's item.
	status = call(t, "POST", server.URL+"/api/messages", strangerToken, map[string]string{
		"item_id": item.ID, "recipient_id": finderID, "text": "hi",
	}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", status)
	}
}

func TestFavoritesAndProfile(t *testing.T) {
	server, adminToken := setupTestServer(t)
	token, _ := registerUser(t, server, "Fan", "fan@example.com")
	registerUser(t, server, "Taken", "taken@example.com")

	var item model.Item
	call(t, "POST", server.URL+"/api/items", adminToken, newItemBody("Scarf"), &item)
	call(t, "PUT", server.URL+"/api/admin/items/"+item.ID+"/status", adminToken,
		map[string]any{"status": model.ItemStatusApproved}, nil)

	var favs []string
	call(t, "POST", server.URL+"/api/me/favorites/"+item.ID, token, nil, &favs)
	if len(favs) != 1 || favs[0] != item.ID {
		t.Errorf("expected item favorited, got %v", favs)
	}
	call(t, "POST", server.URL+"/api/me/favorites/"+item.ID, token, nil, &favs)
	if len(favs) != 0 {
		t.Errorf("expected favorite removed, got %v", favs)
	}

	if status := call(t, "PUT", server.URL+"/api/me", token, map[string]string{"email": "TAKEN@example.com"}, nil); status != http.StatusConflict {
		t.Errorf("expected 409 for taken email, got %d", status)
	}
	var user model.User
	call(t, "PUT", server.URL+"/api/me", token, map[string]string{"name": "Big Fan"}, &user)
	if user.Name != "Big Fan" || user.Email != "fan@example.com" {
		t.Errorf("unexpected profile: %+v", user)
	}

	status := call(t, "PUT", server.URL+"/api/me/password", token, map[string]string{
		"current_password": "wrong-password", "new_password": "newpassword",
	}, nil)
	if status != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong current password, got %d", status)
	}
	call(t, "PUT", server.URL+"/api/me/password", token, map[string]string{
		"current_password": "password123", "new_password": "newpassword",
	}, nil)
	login(t, server, "fan@example.com", "newpassword")
}

func TestLogoutRevokesToken(t *testing.T) {
	server, _ := setupTestServer(t)
	token, _ := registerUser(t, server, "U", "u@example.com")

	if status := call(t, "POST", server.URL+"/api/auth/logout", token, nil, nil); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if status := call(t, "GET", server.URL+"/api/me", token, nil, nil); status != http.StatusUnauthorized {
		t.Errorf("expected 401 after logout, got %d", status)
	}
}

func TestDeleteAccount(t *testing.T) {
	server, adminToken := setupTestServer(t)
	token, _ := registerUser(t, server, "Leaver", "leaver@example.com")

	var item model.Item
	call(t, "POST", server.URL+"/api/items", token, newItemBody("Gloves"), &item)

	if status := call(t, "DELETE", server.URL+"/api/me", token, nil, nil); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if status := call(t, "GET", server.URL+"/api/items/"+item.ID, adminToken, nil, nil); status != http.StatusNotFound {
		t.Errorf("expected owned item gone, got %d", status)
	}
	var users []model.User
	call(t, "GET", server.URL+"/api/admin/users", adminToken, nil, &users)
	if len(users) != 1 {
		t.Errorf("expected only the admin left, got %d users", len(users))
	}
}

func TestContactForm(t *testing.T) {
	server, adminToken := setupTestServer(t)

	if status := call(t, "POST", server.URL+"/api/contact", "", map[string]string{"name": "Ana"}, nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 for incomplete form, got %d", status)
	}
	status := call(t, "POST", server.URL+"/api/contact", "", map[string]string{
		"name": "Ana", "email": "ana@example.com", "message": "Where is the office?",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}

	var list []model.ContactMessage
	call(t, "GET", server.URL+"/api/admin/contact", adminToken, nil, &list)
	if len(list) != 1 || list[0].Email != "ana@example.com" {
		t.Errorf("unexpected contact messages: %+v", list)
	}
}

func TestStats(t *testing.T) {
	server, adminToken := setupTestServer(t)

	var item model.Item
	call(t, "POST", server.URL+"/api/items", adminToken, newItemBody("Bag"), &item)
	call(t, "PUT", server.URL+"/api/admin/items/"+item.ID+"/status", adminToken,
		map[string]any{"status": model.ItemStatusApproved}, nil)
	call(t, "POST", server.URL+"/api/items", adminToken, newItemBody("Unreviewed"), nil)

	var stats model.Stats
	call(t, "GET", server.URL+"/api/stats", "", nil, &stats)
	if stats.Lost != 1 || stats.Found != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestUnauthenticatedAccess(t *testing.T) {
	server, _ := setupTestServer(t)

	resp, _ := http.Get(server.URL + "/api/me")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for unauthenticated request, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	if status := call(t, "POST", server.URL+"/api/items", "", newItemBody("X"), nil); status != http.StatusUnauthorized {
		t.Errorf("expected 401 for anonymous post, got %d", status)
	}
	if status := call(t, "GET", server.URL+"/api/items", "garbage", nil, nil); status != http.StatusUnauthorized {
		t.Errorf("expected 401 for invalid token, got %d", status)
	}
}

func TestRoleBasedAccess(t *testing.T) {
	server, _ := setupTestServer(t)
	userToken, userID := registerUser(t, server, "User", "user@example.com")

	// Regular users cannot moderate.
	if status := call(t, "GET", server.URL+"/api/admin/users", userToken, nil, nil); status != http.StatusForbidden {
		t.Errorf("expected 403 for user listing users, got %d", status)
	}
	if status := call(t, "POST", server.URL+"/api/admin/users/"+userID+"/strikes", userToken, map[string]string{}, nil); status != http.StatusForbidden {
		t.Errorf("expected 403 for user striking, got %d", status)
	}
	if status := call(t, "POST", server.URL+"/api/admin/items/purge", userToken, nil, nil); status != http.StatusForbidden {
		t.Errorf("expected 403 for user purging, got %d", status)
	}
}
