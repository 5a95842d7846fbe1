// Package replica keeps an offline copy of the board consistent with the
// server. Writes land in memory and the local store first and are queued
// in an outbox; Flush replays the outbox and Pull applies the server's
// changes feed.
package replica

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erazemk/lostfound/internal/client"
	"github.com/erazemk/lostfound/internal/model"
)

var (
	ErrNotFound      = errors.New("item not found")
	ErrNoSession     = errors.New("not logged in")
	ErrPendingWrites = errors.New("unsynced local writes")
	ErrRejected      = errors.New("write rejected by server")
)

// Mutation kinds.
const (
	KindCreate   = "create"
	KindUpdate   = "update"
	KindResolve  = "resolve"
	KindDelete   = "delete"
	KindFavorite = "favorite"
)

// Mutation is a local write waiting for the server. ID doubles as the
// idempotency key, so a replayed mutation is applied at most once.
type Mutation struct {
	ID        string           `json:"id"`
	Kind      string           `json:"kind"`
	ItemID    string           `json:"item_id"`
	Item      *model.Item      `json:"item,omitempty"`
	Patch     *model.ItemPatch `json:"patch,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Remote is the server side of the replica.
type Remote interface {
	CreateItem(ctx context.Context, mutationID string, item *model.Item) (*model.Item, error)
	UpdateItem(ctx context.Context, mutationID, id string, patch *model.ItemPatch) (*model.Item, error)
	ToggleResolved(ctx context.Context, mutationID, id string) (*model.Item, error)
	DeleteItem(ctx context.Context, mutationID, id string) error
	ToggleFavorite(ctx context.Context, mutationID, itemID string) ([]string, error)
	GetItem(ctx context.Context, id string) (*model.Item, error)
	Favorites(ctx context.Context) ([]string, error)
	Changes(ctx context.Context, since int64, limit int) (*client.ChangesPage, error)
}

var _ Remote = (*client.Client)(nil)

// Session identifies the signed-in user of a replica.
type Session struct {
	Token  string
	UserID string
	Role   string
}

// Replica is the in-memory view of the board backed by a LocalStore.
type Replica struct {
	local    *LocalStore
	remote   Remote
	pageSize int

	// syncMu serializes Flush and Pull.
	syncMu sync.Mutex

	mu        sync.RWMutex
	session   Session
	items     map[string]model.Item
	favorites map[string]bool
	outbox    []Mutation
	cursor    int64

	// rejected holds an entry for every mutation whose writer is waiting
	// on the flush; Flush fills in the server's rejection.
	rejected map[string]error
}

// Open loads the replica state from local. pageSize bounds each changes
// request; zero uses the server default.
func Open(ctx context.Context, local *LocalStore, remote Remote, pageSize int) (*Replica, error) {
	r := &Replica{
		local:     local,
		remote:    remote,
		pageSize:  pageSize,
		favorites: make(map[string]bool),
		rejected:  make(map[string]error),
	}

	var err error
	if r.items, err = local.Items(ctx); err != nil {
		return nil, err
	}
	if r.outbox, err = local.Outbox(ctx); err != nil {
		return nil, err
	}

	meta := make(map[string]string)
	for _, key := range []string{metaToken, metaUserID, metaRole, metaCursor, metaFavorites} {
		if meta[key], err = local.Meta(ctx, key); err != nil {
			return nil, err
		}
	}
	r.session = Session{Token: meta[metaToken], UserID: meta[metaUserID], Role: meta[metaRole]}
	if s := meta[metaCursor]; s != "" {
		if r.cursor, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, fmt.Errorf("parsing cursor: %w", err)
		}
	}
	if s := meta[metaFavorites]; s != "" {
		var ids []string
		if err := json.Unmarshal([]byte(s), &ids); err != nil {
			return nil, fmt.Errorf("decoding favorites: %w", err)
		}
		for _, id := range ids {
			r.favorites[id] = true
		}
	}

	slog.Debug("replica loaded", "items", len(r.items), "pending", len(r.outbox), "cursor", r.cursor)
	return r, nil
}

// Session returns the stored session.
func (r *Replica) Session() Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

// SetSession stores s. Switching to another user discards the cached board,
// which is only allowed once every local write has reached the server.
func (r *Replica) SetSession(ctx context.Context, s Session) error {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	change := Change{Meta: map[string]string{
		metaToken:  s.Token,
		metaUserID: s.UserID,
		metaRole:   s.Role,
	}}
	reset := s.UserID != r.session.UserID
	if reset {
		if len(r.outbox) > 0 {
			return ErrPendingWrites
		}
		for id := range r.items {
			change.Delete = append(change.Delete, id)
		}
		change.Meta[metaCursor] = "0"
		change.Meta[metaFavorites] = "[]"
	}

	if err := r.commit(ctx, change); err != nil {
		return err
	}
	r.session = s
	if reset {
		r.cursor = 0
		r.favorites = make(map[string]bool)
	}
	return nil
}

// Items returns the live items matching f, newest first.
func (r *Replica) Items(f model.Filter) []model.Item {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]model.Item, 0, len(r.items))
	for _, item := range r.items {
		if !item.Deleted() && f.Matches(&item) {
			items = append(items, item)
		}
	}
	slices.SortFunc(items, func(a, b model.Item) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Version, a.Version)
	})
	return items
}

// Item returns one item.
func (r *Replica) Item(id string) (model.Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[id]
	return item, ok && !item.Deleted()
}

// Favorites returns the favorite item ids, sorted.
func (r *Replica) Favorites() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.favorites))
	for id := range r.favorites {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Pending returns the number of writes not yet confirmed by the server.
func (r *Replica) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outbox)
}

// Cursor returns the last applied version of the changes feed.
func (r *Replica) Cursor() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor
}

// CreateItem adds a new item owned by the session user. The item keeps its
// id when it reaches the server.
func (r *Replica) CreateItem(ctx context.Context, item model.Item) (model.Item, error) {
	if err := item.Validate(); err != nil {
		return model.Item{}, err
	}

	err := r.write(ctx, func(s Session) (*Mutation, Change, error) {
		now := time.Now().UTC()
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.OwnerID = s.UserID
		item.Status = model.ItemStatusPending
		item.Resolved = false
		item.Version = 0
		item.CreatedAt = now
		item.UpdatedAt = now
		item.DeletedAt = nil

		sent := item
		m := &Mutation{ID: uuid.NewString(), Kind: KindCreate, ItemID: item.ID, Item: &sent, CreatedAt: now}
		return m, Change{Put: []model.Item{item}}, nil
	})
	if err != nil {
		return model.Item{}, err
	}
	return r.current(item.ID), nil
}

// UpdateItem applies patch to an item.
func (r *Replica) UpdateItem(ctx context.Context, id string, patch model.ItemPatch) (model.Item, error) {
	err := r.write(ctx, func(s Session) (*Mutation, Change, error) {
		item, ok := r.items[id]
		if !ok || item.Deleted() {
			return nil, Change{}, ErrNotFound
		}
		patch.Apply(&item)
		if err := item.Validate(); err != nil {
			return nil, Change{}, err
		}
		item.UpdatedAt = time.Now().UTC()

		m := &Mutation{ID: uuid.NewString(), Kind: KindUpdate, ItemID: id, Patch: &patch, CreatedAt: item.UpdatedAt}
		return m, Change{Put: []model.Item{item}}, nil
	})
	if err != nil {
		return model.Item{}, err
	}
	return r.current(id), nil
}

// ToggleResolved flips the resolved flag of an item.
func (r *Replica) ToggleResolved(ctx context.Context, id string) (model.Item, error) {
	err := r.write(ctx, func(s Session) (*Mutation, Change, error) {
		item, ok := r.items[id]
		if !ok || item.Deleted() {
			return nil, Change{}, ErrNotFound
		}
		item.Resolved = !item.Resolved
		item.UpdatedAt = time.Now().UTC()

		m := &Mutation{ID: uuid.NewString(), Kind: KindResolve, ItemID: id, CreatedAt: item.UpdatedAt}
		return m, Change{Put: []model.Item{item}}, nil
	})
	if err != nil {
		return model.Item{}, err
	}
	return r.current(id), nil
}

// DeleteItem removes an item.
func (r *Replica) DeleteItem(ctx context.Context, id string) error {
	return r.write(ctx, func(s Session) (*Mutation, Change, error) {
		item, ok := r.items[id]
		if !ok || item.Deleted() {
			return nil, Change{}, ErrNotFound
		}
		m := &Mutation{ID: uuid.NewString(), Kind: KindDelete, ItemID: id, CreatedAt: time.Now().UTC()}
		return m, Change{Delete: []string{id}}, nil
	})
}

// ToggleFavorite adds or removes an item from the favorites and returns
// the new set.
func (r *Replica) ToggleFavorite(ctx context.Context, itemID string) ([]string, error) {
	var favorites map[string]bool
	err := r.write(ctx, func(s Session) (*Mutation, Change, error) {
		favorites = make(map[string]bool, len(r.favorites)+1)
		for id := range r.favorites {
			favorites[id] = true
		}
		if favorites[itemID] {
			delete(favorites, itemID)
		} else if item, ok := r.items[itemID]; ok && !item.Deleted() {
			favorites[itemID] = true
		} else {
			return nil, Change{}, ErrNotFound
		}

		data, err := encodeFavorites(favorites)
		if err != nil {
			return nil, Change{}, err
		}
		m := &Mutation{ID: uuid.NewString(), Kind: KindFavorite, ItemID: itemID, CreatedAt: time.Now().UTC()}
		return m, Change{Meta: map[string]string{metaFavorites: data}}, nil
	}, func() { r.favorites = favorites })
	if err != nil {
		return nil, err
	}
	return r.Favorites(), nil
}

// write runs an optimistic write. build computes the mutation and local
// change with r.mu held; both are committed locally before the outbox is
// flushed. A failed flush leaves the write queued and is not returned. When
// the server rejects the write its local effect has been undone and an
// error wrapping ErrRejected is returned.
func (r *Replica) write(ctx context.Context, build func(Session) (*Mutation, Change, error), after ...func()) error {
	r.mu.Lock()
	if r.session.UserID == "" {
		r.mu.Unlock()
		return ErrNoSession
	}
	m, change, err := build(r.session)
	if err == nil {
		change.Enqueue = m
		err = r.commit(ctx, change)
	}
	if err == nil {
		for _, fn := range after {
			fn()
		}
		r.rejected[m.ID] = nil
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if err := r.Flush(ctx); err != nil {
		slog.Warn("remote write failed, kept locally", "mutation", m.ID, "kind", m.Kind, "item", m.ItemID, "error", err)
	}

	r.mu.Lock()
	rejection := r.rejected[m.ID]
	delete(r.rejected, m.ID)
	r.mu.Unlock()
	if rejection != nil {
		return fmt.Errorf("%w: %w", ErrRejected, rejection)
	}
	return nil
}

// current returns the in-memory copy of an item, which the flush may
// already have replaced with the server's version.
func (r *Replica) current(id string) model.Item {
	item, _ := r.Item(id)
	return item
}

// commit persists c and then mirrors it in memory. The caller holds r.mu.
func (r *Replica) commit(ctx context.Context, c Change) error {
	if err := r.local.Commit(ctx, c); err != nil {
		return err
	}
	for _, item := range c.Put {
		r.items[item.ID] = item
	}
	for _, id := range c.Delete {
		delete(r.items, id)
	}
	if c.Enqueue != nil {
		r.outbox = append(r.outbox, *c.Enqueue)
	}
	if c.Dequeue != "" {
		r.outbox = slices.DeleteFunc(r.outbox, func(m Mutation) bool { return m.ID == c.Dequeue })
	}
	return nil
}

// pending reports whether a queued mutation touches the item, or any
// favorite when kind is KindFavorite. The caller holds r.mu.
func (r *Replica) pending(kind, itemID string) bool {
	return slices.ContainsFunc(r.outbox, func(m Mutation) bool { return touches(m, kind, itemID) })
}

func touches(m Mutation, kind, itemID string) bool {
	if kind == KindFavorite {
		return m.Kind == KindFavorite
	}
	return m.Kind != KindFavorite && m.ItemID == itemID
}

func encodeFavorites(favorites map[string]bool) (string, error) {
	ids := make([]string, 0, len(favorites))
	for id := range favorites {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encoding favorites: %w", err)
	}
	return string(data), nil
}
