// Package client is a Go client for the lost-and-found JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/erazemk/lostfound/internal/model"
)

// DefaultTimeout bounds a single API call.
const DefaultTimeout = 30 * time.Second

// mutationHeader carries the idempotency key of a write.
const mutationHeader = "X-Mutation-ID"

// ErrDuplicate is returned when the server reports that a mutation id has
// already been applied.
var ErrDuplicate = errors.New("mutation already applied")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Rejected reports whether the server refused the request itself, as
// opposed to failing to process it. Retrying a rejected request will not
// help.
func (e *APIError) Rejected() bool {
	return e.Status >= 400 && e.Status < 500 &&
		e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests
}

// Session is the result of logging in or registering.
type Session struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// ChangesPage is one page of the item changes feed.
type ChangesPage struct {
	Changes []model.Item `json:"changes"`
	Version int64        `json:"version"`
	More    bool         `json:"more"`
}

// Client talks to the API over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token used for authenticated calls.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// do sends a request and decodes a 2xx JSON body into out. A non-empty
// mutationID makes the request idempotent.
func (c *Client) do(ctx context.Context, method, path, mutationID string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if mutationID != "" {
		req.Header.Set(mutationHeader, mutationID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if mutationID != "" {
		var dup struct {
			Duplicate bool `json:"duplicate"`
		}
		if json.Unmarshal(data, &dup) == nil && dup.Duplicate {
			return ErrDuplicate
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Register creates an account and stores the returned token.
func (c *Client) Register(ctx context.Context, name, email, password string) (*Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": name, "email": email, "password": password,
	}, &s)
	if err != nil {
		return nil, err
	}
	c.SetToken(s.Token)
	return &s, nil
}

// Login authenticates and stores the returned token.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": email, "password": password,
	}, &s)
	if err != nil {
		return nil, err
	}
	c.SetToken(s.Token)
	return &s, nil
}

// Logout revokes the current token.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/auth/logout", "", nil, nil); err != nil {
		return err
	}
	c.SetToken("")
	return nil
}

// ListItems returns the items the caller may see that match f.
func (c *Client) ListItems(ctx context.Context, f model.Filter) ([]model.Item, error) {
	path := "/api/items"
	if q := f.Values().Encode(); q != "" {
		path += "?" + q
	}
	var items []model.Item
	if err := c.do(ctx, http.MethodGet, path, "", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// GetItem returns one item.
func (c *Client) GetItem(ctx context.Context, id string) (*model.Item, error) {
	var item model.Item
	if err := c.do(ctx, http.MethodGet, "/api/items/"+url.PathEscape(id), "", nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// CreateItem posts a new item. A non-empty item.ID is kept by the server.
func (c *Client) CreateItem(ctx context.Context, mutationID string, item *model.Item) (*model.Item, error) {
	var created model.Item
	if err := c.do(ctx, http.MethodPost, "/api/items", mutationID, item, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateItem applies a partial update.
func (c *Client) UpdateItem(ctx context.Context, mutationID, id string, patch *model.ItemPatch) (*model.Item, error) {
	var updated model.Item
	if err := c.do(ctx, http.MethodPatch, "/api/items/"+url.PathEscape(id), mutationID, patch, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// ToggleResolved flips the resolved flag of an item.
func (c *Client) ToggleResolved(ctx context.Context, mutationID, id string) (*model.Item, error) {
	var updated model.Item
	if err := c.do(ctx, http.MethodPost, "/api/items/"+url.PathEscape(id)+"/resolve", mutationID, nil, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteItem deletes an item.
func (c *Client) DeleteItem(ctx context.Context, mutationID, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(id), mutationID, nil, nil)
}

// ToggleFavorite adds or removes a favorite and returns the new set.
func (c *Client) ToggleFavorite(ctx context.Context, mutationID, itemID string) ([]string, error) {
	var favorites []string
	if err := c.do(ctx, http.MethodPost, "/api/me/favorites/"+url.PathEscape(itemID), mutationID, nil, &favorites); err != nil {
		return nil, err
	}
	return favorites, nil
}

// Favorites returns the caller's favorite item ids.
func (c *Client) Favorites(ctx context.Context) ([]string, error) {
	var favorites []string
	if err := c.do(ctx, http.MethodGet, "/api/me/favorites", "", nil, &favorites); err != nil {
		return nil, err
	}
	return favorites, nil
}

// Changes returns item changes after version since. limit <= 0 uses the
// server default.
func (c *Client) Changes(ctx context.Context, since int64, limit int) (*ChangesPage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page ChangesPage
	if err := c.do(ctx, http.MethodGet, "/api/changes?"+q.Encode(), "", nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage messages another user about an item.
func (c *Client) SendMessage(ctx context.Context, mutationID, itemID, recipientID, text string) (*model.Message, error) {
	var msg model.Message
	err := c.do(ctx, http.MethodPost, "/api/messages", mutationID, map[string]string{
		"item_id": itemID, "recipient_id": recipientID, "text": text,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Notifications returns the caller's notifications, newest first.
func (c *Client) Notifications(ctx context.Context) ([]model.Notification, error) {
	var resp struct {
		Notifications []model.Notification `json:"notifications"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/notifications", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

// SetItemStatus moderates an item. Admin only.
func (c *Client) SetItemStatus(ctx context.Context, mutationID, id, status string, strike bool) (*model.Item, error) {
	var item model.Item
	err := c.do(ctx, http.MethodPut, "/api/admin/items/"+url.PathEscape(id)+"/status", mutationID, map[string]any{
		"status": status, "strike": strike,
	}, &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}
