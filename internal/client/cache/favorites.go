package cache

import (
	"context"
	"errors"
	"fmt"

	"productshot/internal/entity"
	"productshot/internal/errs"
	"productshot/internal/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const tempIDPrefix = "tmp-"

// AddFavoriteOptimistic records a favorite locally under a temporary id and
// then creates it remotely.
//
// On success the temporary id is replaced by the server id. On Conflict the
// server's existing favorite is adopted when it can be found, otherwise the
// local record is rolled back; Conflict is returned either way. On a
// transport failure the record stays as StateLocal for Sync to retry and the
// error is returned. Any other failure rolls the record back.
func (r *Reconciler) AddFavoriteOptimistic(ctx context.Context, generationID string, imageIndex int) (CachedFavorite, error) {
	if generationID == "" || imageIndex < 0 {
		return CachedFavorite{}, fmt.Errorf("favorite %q/%d: %w", generationID, imageIndex, errs.ErrInvalidInput)
	}

	now := r.now()
	r.mu.Lock()
	if existing, ok := r.favoriteForLocked(generationID, imageIndex); ok {
		r.mu.Unlock()
		return existing, fmt.Errorf("favorite %s/%d already cached: %w", generationID, imageIndex, errs.ErrConflict)
	}
	tempID := tempIDPrefix + uuid.NewString()
	temp := CachedFavorite{
		Favorite: entity.Favorite{
			ID:           tempID,
			GenerationID: generationID,
			ImageIndex:   imageIndex,
			CreatedAt:    now,
		},
		TempID:   tempID,
		Sync:     StatePending,
		CachedAt: now,
	}
	if gen, ok := r.generations[generationID]; ok {
		temp.UserID = gen.UserID
	}
	r.favorites[tempID] = temp
	r.mu.Unlock()

	r.putFavorite(temp)
	r.emit(Change{Kind: ChangeFavorite, ID: tempID})

	log := r.log.WithFields(logrus.Fields{
		"generation_id": generationID,
		"image_index":   imageIndex,
		"temp_id":       tempID,
	})

	created, err := r.remote.CreateFavorite(ctx, generationID, imageIndex)
	switch {
	case err == nil:
		return r.acknowledgeFavorite(ctx, tempID, created), nil

	case errors.Is(err, errs.ErrConflict):
		metrics.RecordFavoriteConflict()
		if existing, found := r.lookupRemoteFavorite(ctx, generationID, imageIndex); found {
			log.WithField("favorite_id", existing.ID).Info("adopted existing server favorite")
			return r.acknowledgeFavorite(ctx, tempID, existing), err
		}
		r.dropFavorite(tempID)
		return CachedFavorite{}, err

	case errors.Is(err, errs.ErrTransport):
		log.WithError(err).Info("favorite kept locally until next sync")
		if rec, ok := r.setFavoriteState(tempID, StateLocal); ok {
			return rec, err
		}
		return temp, err

	default:
		log.WithError(err).Warn("favorite rejected, rolling back")
		r.dropFavorite(tempID)
		return CachedFavorite{}, err
	}
}

func (r *Reconciler) lookupRemoteFavorite(ctx context.Context, generationID string, imageIndex int) (entity.Favorite, bool) {
	favs, err := r.remote.ListFavorites(ctx)
	if err != nil {
		r.log.WithError(err).Debug("could not look up conflicting favorite")
		return entity.Favorite{}, false
	}
	for _, f := range favs {
		if f.GenerationID == generationID && f.ImageIndex == imageIndex {
			return f, true
		}
	}
	return entity.Favorite{}, false
}

// acknowledgeFavorite swaps a temporary record for the server's. If the
// temporary record was removed while the create was in flight, the server
// copy is deleted too.
func (r *Reconciler) acknowledgeFavorite(ctx context.Context, tempID string, server entity.Favorite) CachedFavorite {
	now := r.now()
	r.mu.Lock()
	local, stillCached := r.favorites[tempID]
	if !stillCached {
		if adopted, ok := r.favorites[server.ID]; ok {
			r.mu.Unlock()
			return adopted
		}
		tomb := favoriteTombstone{ID: server.ID, GenerationID: server.GenerationID, ImageIndex: server.ImageIndex, RemovedAt: now}
		r.tombstones[server.ID] = tomb
		r.mu.Unlock()

		r.putTombstone(tomb)
		if err := r.deleteRemoteFavorite(ctx, tomb); err != nil {
			r.log.WithError(err).WithField("favorite_id", server.ID).Debug("favorite removal still pending")
		}
		return CachedFavorite{}
	}
	delete(r.favorites, tempID)
	rec := CachedFavorite{Favorite: server, TempID: local.TempID, Sync: StateReconciled, CachedAt: now}
	r.favorites[server.ID] = rec
	r.mu.Unlock()

	if tempID != server.ID {
		r.deleteFavorite(tempID)
	}
	r.putFavorite(rec)
	r.emit(Change{Kind: ChangeFavorite, ID: tempID}, Change{Kind: ChangeFavorite, ID: server.ID})
	return rec
}

// markFavorite moves a favorite from one state to another, reporting whether
// it was in the expected state.
func (r *Reconciler) markFavorite(id string, from, to SyncState) bool {
	r.mu.Lock()
	rec, ok := r.favorites[id]
	if !ok || rec.Sync != from {
		r.mu.Unlock()
		return false
	}
	rec.Sync = to
	r.favorites[id] = rec
	r.mu.Unlock()
	r.putFavorite(rec)
	return true
}

func (r *Reconciler) setFavoriteState(id string, state SyncState) (CachedFavorite, bool) {
	r.mu.Lock()
	rec, ok := r.favorites[id]
	if ok {
		rec.Sync = state
		r.favorites[id] = rec
	}
	r.mu.Unlock()
	if ok {
		r.putFavorite(rec)
	}
	return rec, ok
}

func (r *Reconciler) dropFavorite(id string) {
	r.mu.Lock()
	_, ok := r.favorites[id]
	delete(r.favorites, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.deleteFavorite(id)
	r.emit(Change{Kind: ChangeFavorite, ID: id})
}

// RemoveFavorite deletes a favorite locally, then remotely. id may be the
// server id or the temporary id it was created with. A remote failure does
// not restore the local record: the removal is remembered and retried by
// Sync. Favorites the server never acknowledged cause no remote call, and
// removing an unknown id is a no-op.
func (r *Reconciler) RemoveFavorite(ctx context.Context, id string) error {
	now := r.now()
	r.mu.Lock()
	fav, ok := r.favorites[id]
	if !ok {
		for _, f := range r.favorites {
			if f.TempID != "" && f.TempID == id {
				fav, ok = f, true
				break
			}
		}
	}
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.favorites, fav.ID)

	var tomb *favoriteTombstone
	switch fav.Sync {
	case StateReconciled:
		t := favoriteTombstone{ID: fav.ID, GenerationID: fav.GenerationID, ImageIndex: fav.ImageIndex, RemovedAt: now}
		r.tombstones[t.ID] = t
		tomb = &t
	case StateLocal:
		// 请求可能已到达服务端但响应丢失，按 (generation, index) 在下次同步时清理
		t := favoriteTombstone{ID: fav.ID, GenerationID: fav.GenerationID, ImageIndex: fav.ImageIndex, ByTriple: true, RemovedAt: now}
		r.tombstones[t.ID] = t
		r.mu.Unlock()
		r.putTombstone(t)
		r.deleteFavorite(fav.ID)
		r.emit(Change{Kind: ChangeFavorite, ID: fav.ID})
		return nil
	}
	r.mu.Unlock()

	r.deleteFavorite(fav.ID)
	r.emit(Change{Kind: ChangeFavorite, ID: fav.ID})
	if tomb == nil {
		return nil
	}
	r.putTombstone(*tomb)
	return r.deleteRemoteFavorite(ctx, *tomb)
}

// deleteRemoteFavorite deletes a tombstoned favorite on the server. NotFound
// counts as done.
func (r *Reconciler) deleteRemoteFavorite(ctx context.Context, tomb favoriteTombstone) error {
	err := r.remote.DeleteFavorite(ctx, tomb.ID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	r.mu.Lock()
	delete(r.tombstones, tomb.ID)
	r.mu.Unlock()
	r.deleteTombstone(tomb.ID)
	return nil
}

// ToggleFavorite adds the favorite of (generationID, imageIndex) when absent
// and removes it otherwise. It reports whether the image is now a favorite.
func (r *Reconciler) ToggleFavorite(ctx context.Context, generationID string, imageIndex int) (bool, error) {
	if existing, ok := r.FavoriteFor(generationID, imageIndex); ok {
		return false, r.RemoveFavorite(ctx, existing.ID)
	}
	rec, err := r.AddFavoriteOptimistic(ctx, generationID, imageIndex)
	if err != nil && errors.Is(err, errs.ErrConflict) && rec.ID != "" {
		return true, nil
	}
	if err != nil && errors.Is(err, errs.ErrTransport) {
		return true, err
	}
	return err == nil, err
}
