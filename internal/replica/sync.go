package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/erazemk/lostfound/internal/client"
	"github.com/erazemk/lostfound/internal/model"
)

// Sync flushes local writes and then pulls the server's changes. A failed
// flush does not prevent the pull; pending items keep their local state.
func (r *Replica) Sync(ctx context.Context) error {
	return errors.Join(r.Flush(ctx), r.Pull(ctx))
}

// Flush replays the outbox in order. It stops at the first mutation the
// server could not process and returns that error; mutations the server
// rejects outright are dropped and the affected state is refetched.
func (r *Replica) Flush(ctx context.Context) error {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	for {
		r.mu.RLock()
		if len(r.outbox) == 0 {
			r.mu.RUnlock()
			return nil
		}
		m := r.outbox[0]
		r.mu.RUnlock()

		item, favorites, err := r.send(ctx, m)
		var apiErr *client.APIError
		switch {
		case err == nil:
		case errors.Is(err, client.ErrDuplicate):
			slog.Debug("mutation already applied", "mutation", m.ID)
		case errors.As(err, &apiErr) && apiErr.Rejected():
			slog.Warn("server rejected local write, dropping it",
				"mutation", m.ID, "kind", m.Kind, "item", m.ItemID, "status", apiErr.Status, "error", apiErr.Message)
			item, favorites, err = r.refetch(ctx, m)
			if err != nil {
				return err
			}
			r.mu.Lock()
			if _, waiting := r.rejected[m.ID]; waiting {
				r.rejected[m.ID] = apiErr
			}
			r.mu.Unlock()
		default:
			return fmt.Errorf("flushing mutation %s: %w", m.ID, err)
		}

		if err := r.confirm(ctx, m, item, favorites); err != nil {
			return err
		}
	}
}

// send delivers one mutation and returns the server's resulting state.
func (r *Replica) send(ctx context.Context, m Mutation) (*model.Item, []string, error) {
	switch m.Kind {
	case KindCreate:
		item, err := r.remote.CreateItem(ctx, m.ID, m.Item)
		return item, nil, err
	case KindUpdate:
		item, err := r.remote.UpdateItem(ctx, m.ID, m.ItemID, m.Patch)
		return item, nil, err
	case KindResolve:
		item, err := r.remote.ToggleResolved(ctx, m.ID, m.ItemID)
		return item, nil, err
	case KindDelete:
		return nil, nil, r.remote.DeleteItem(ctx, m.ID, m.ItemID)
	case KindFavorite:
		favorites, err := r.remote.ToggleFavorite(ctx, m.ID, m.ItemID)
		return nil, favorites, err
	default:
		return nil, nil, &client.APIError{Status: http.StatusBadRequest, Message: "unknown mutation kind " + m.Kind}
	}
}

// refetch loads the server state a rejected mutation was meant to change,
// so the optimistic local copy can be replaced.
func (r *Replica) refetch(ctx context.Context, m Mutation) (*model.Item, []string, error) {
	if m.Kind == KindFavorite {
		favorites, err := r.remote.Favorites(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("refetching favorites: %w", err)
		}
		return nil, favorites, nil
	}

	item, err := r.remote.GetItem(ctx, m.ItemID)
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		// Unknown or hidden from us: drop the local copy.
		now := time.Now().UTC()
		return &model.Item{ID: m.ItemID, DeletedAt: &now}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("refetching item %s: %w", m.ItemID, err)
	}
	return item, nil, nil
}

// confirm removes a delivered mutation from the outbox and adopts the
// server's state unless newer local writes are still queued.
func (r *Replica) confirm(ctx context.Context, m Mutation, item *model.Item, favorites []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	change := Change{Dequeue: m.ID}
	remaining := slices.DeleteFunc(slices.Clone(r.outbox), func(o Mutation) bool { return o.ID == m.ID })
	stillPending := func(kind, itemID string) bool {
		return slices.ContainsFunc(remaining, func(o Mutation) bool { return touches(o, kind, itemID) })
	}

	var newFavorites map[string]bool
	switch {
	case item != nil && !stillPending(m.Kind, item.ID):
		if item.Deleted() {
			change.Delete = []string{item.ID}
		} else {
			change.Put = []model.Item{*item}
		}
	case favorites != nil && !stillPending(KindFavorite, ""):
		newFavorites = make(map[string]bool, len(favorites))
		for _, id := range favorites {
			newFavorites[id] = true
		}
		data, err := encodeFavorites(newFavorites)
		if err != nil {
			return err
		}
		change.Meta = map[string]string{metaFavorites: data}
	}

	if err := r.commit(ctx, change); err != nil {
		return err
	}
	if newFavorites != nil {
		r.favorites = newFavorites
	}
	return nil
}

// Pull applies the server's changes since the cursor. Server state wins,
// except for items with queued local writes, which keep their local state
// until the writes are flushed.
func (r *Replica) Pull(ctx context.Context) error {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	for {
		r.mu.RLock()
		since := r.cursor
		loggedIn := r.session.UserID != ""
		r.mu.RUnlock()

		page, err := r.remote.Changes(ctx, since, r.pageSize)
		if err != nil {
			return fmt.Errorf("pulling changes: %w", err)
		}
		if err := r.applyPage(ctx, page); err != nil {
			return err
		}
		slog.Debug("pulled changes", "count", len(page.Changes), "cursor", page.Version)

		if !page.More {
			if loggedIn {
				return r.pullFavorites(ctx)
			}
			return nil
		}
	}
}

func (r *Replica) applyPage(ctx context.Context, page *client.ChangesPage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cursor := max(r.cursor, page.Version)
	change := Change{Meta: map[string]string{metaCursor: strconv.FormatInt(cursor, 10)}}
	for _, item := range page.Changes {
		if r.pending(KindUpdate, item.ID) {
			continue
		}
		local, ok := r.items[item.ID]
		switch {
		case item.Deleted():
			if ok {
				change.Delete = append(change.Delete, item.ID)
			}
		case !ok || item.Version >= local.Version:
			change.Put = append(change.Put, item)
		}
	}

	if err := r.commit(ctx, change); err != nil {
		return err
	}
	r.cursor = cursor
	return nil
}

// pullFavorites replaces the favorites with the server's set when no
// favorite toggles are queued.
func (r *Replica) pullFavorites(ctx context.Context) error {
	favorites, err := r.remote.Favorites(ctx)
	if err != nil {
		return fmt.Errorf("pulling favorites: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending(KindFavorite, "") {
		return nil
	}
	set := make(map[string]bool, len(favorites))
	for _, id := range favorites {
		set[id] = true
	}
	data, err := encodeFavorites(set)
	if err != nil {
		return err
	}
	if err := r.commit(ctx, Change{Meta: map[string]string{metaFavorites: data}}); err != nil {
		return err
	}
	r.favorites = set
	return nil
}
