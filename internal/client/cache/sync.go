package cache

import (
	"context"
	"errors"
	"time"

	"productshot/internal/entity"
	"productshot/internal/errs"
	"productshot/internal/metrics"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	syncModeFull  = "full"
	syncModeDelta = "incremental"
)

type syncCall struct {
	done chan struct{}
	err  error
}

// Sync reconciles the projection with the server. Only one pass runs at a
// time; callers arriving while a pass is running share a single trailing
// pass that starts after it, so each caller's result reflects the local
// writes it made before calling.
func (r *Reconciler) Sync(ctx context.Context) error {
	r.syncMu.Lock()
	var call *syncCall
	if !r.syncing {
		r.syncing = true
		call = &syncCall{done: make(chan struct{})}
		go r.runSyncs(call)
	} else {
		if r.trailing == nil {
			r.trailing = &syncCall{done: make(chan struct{})}
		}
		call = r.trailing
	}
	r.syncMu.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) runSyncs(call *syncCall) {
	for call != nil {
		call.err = r.syncPass()
		close(call.done)

		r.syncMu.Lock()
		call = r.trailing
		r.trailing = nil
		if call == nil {
			r.syncing = false
		}
		r.syncMu.Unlock()
	}
}

// syncMode picks a full listing when no delta marker exists or the last full
// listing is older than FullSyncInterval.
func (r *Reconciler) syncMode(now time.Time) (string, *time.Time) {
	r.mu.RLock()
	lastFull, lastDelta := r.lastFull, r.lastDelta
	r.mu.RUnlock()

	if lastFull.IsZero() || lastDelta.IsZero() || now.Sub(lastFull) > r.opts.FullSyncInterval {
		return syncModeFull, nil
	}
	since := lastDelta.Add(-r.opts.ClockSkew)
	return syncModeDelta, &since
}

func (r *Reconciler) syncPass() error {
	ctx, cancel := context.WithTimeout(r.baseCtx, r.opts.SyncTimeout)
	defer cancel()

	started := r.now()
	mode, since := r.syncMode(started)
	log := r.log.WithField("mode", mode)

	// 先推送未确认的本地写入，随后的列表即可反映其结果
	r.flushLocalWrites(ctx)

	var (
		listing   entity.GenerationListResponse
		favorites []entity.Favorite
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resp, err := r.remote.ListGenerations(gctx, since)
		if err != nil {
			return err
		}
		listing = resp
		return nil
	})
	g.Go(func() error {
		favs, err := r.remote.ListFavorites(gctx)
		if err != nil {
			return err
		}
		favorites = favs
		return nil
	})
	if err := g.Wait(); err != nil {
		metrics.RecordSync(mode, "error", time.Since(started))
		log.WithError(err).Warn("sync failed, keeping cached state")
		return err
	}

	r.mergeGenerations(listing.Generations, mode == syncModeFull, started)
	pendingDeletes := r.mergeFavorites(favorites, started)
	for _, tomb := range pendingDeletes {
		if err := r.deleteRemoteFavorite(ctx, tomb); err != nil {
			log.WithError(err).WithField("favorite_id", tomb.ID).Debug("favorite removal still pending")
		}
	}

	marker := listing.ServerTime
	if marker.IsZero() {
		marker = started
	}
	r.mu.Lock()
	r.lastDelta = marker
	if mode == syncModeFull {
		r.lastFull = marker
	}
	r.mu.Unlock()
	r.setMarker(markerDeltaSync, marker)
	if mode == syncModeFull {
		r.setMarker(markerFullSync, marker)
	}

	metrics.RecordSync(mode, "ok", time.Since(started))
	log.WithFields(logrus.Fields{
		"generations": len(listing.Generations),
		"favorites":   len(favorites),
	}).Debug("sync completed")
	return nil
}

// mergeGeneration combines a cached record with the server's copy. Server
// fields win, except that the status only moves forward and a local soft
// delete is never undone.
func mergeGeneration(local CachedGeneration, incoming entity.Generation, now time.Time) CachedGeneration {
	out := CachedGeneration{Generation: incoming, Sync: StateReconciled, CachedAt: now}
	if local.Status != "" && !local.Status.CanTransition(incoming.Status) {
		out.Generation = local.Generation
		out.DeletedAt = incoming.DeletedAt
	}
	if local.DeletedAt != nil && incoming.DeletedAt == nil {
		out.DeletedAt = local.DeletedAt
		out.Sync = local.Sync
	}
	return out
}

func generationChanged(a, b CachedGeneration) bool {
	return a.Status != b.Status ||
		!a.UpdatedAt.Equal(b.UpdatedAt) ||
		(a.DeletedAt == nil) != (b.DeletedAt == nil) ||
		a.Sync != b.Sync ||
		len(a.OutputImages) != len(b.OutputImages)
}

func (r *Reconciler) mergeGenerations(incoming []entity.Generation, full bool, started time.Time) {
	now := r.now()
	var (
		upserts []CachedGeneration
		removed []string
		changes []Change
	)

	r.mu.Lock()
	seen := make(map[string]struct{}, len(incoming))
	for _, gen := range incoming {
		if gen.ID == "" {
			continue
		}
		seen[gen.ID] = struct{}{}
		local, ok := r.generations[gen.ID]
		if !ok && gen.DeletedAt != nil && full {
			continue
		}
		merged := CachedGeneration{Generation: gen, Sync: StateReconciled, CachedAt: now}
		if ok {
			merged = mergeGeneration(local, gen, now)
			if !generationChanged(local, merged) {
				continue
			}
		}
		r.generations[gen.ID] = merged
		upserts = append(upserts, merged)
		changes = append(changes, Change{Kind: ChangeGeneration, ID: gen.ID})
	}

	if full {
		for id, local := range r.generations {
			if _, ok := seen[id]; ok {
				continue
			}
			// 未确认的本地写入保留；同步开始后写入的记录也保留
			if local.Sync != StateReconciled || local.CachedAt.After(started) {
				continue
			}
			delete(r.generations, id)
			removed = append(removed, id)
			changes = append(changes, Change{Kind: ChangeGeneration, ID: id})
		}
	}
	r.mu.Unlock()

	for _, g := range upserts {
		r.putGeneration(g)
	}
	for _, id := range removed {
		r.deleteGeneration(id)
	}
	r.emit(changes...)
}

// mergeFavorites replaces the favorite projection with the server listing
// while keeping unacknowledged local favorites. It returns tombstones whose
// server favorite still has to be deleted.
func (r *Reconciler) mergeFavorites(incoming []entity.Favorite, started time.Time) []favoriteTombstone {
	now := r.now()
	var (
		upserts  []CachedFavorite
		removed  []string
		changes  []Change
		deletes  []favoriteTombstone
		newTombs []favoriteTombstone
		oldTombs []string
	)

	type triple struct {
		generationID string
		imageIndex   int
	}

	r.mu.Lock()
	remoteByTriple := make(map[triple]entity.Favorite, len(incoming))
	for _, fav := range incoming {
		remoteByTriple[triple{fav.GenerationID, fav.ImageIndex}] = fav
	}

	// 从未确认的删除按 (generation, index) 对应到服务端记录
	for id, tomb := range r.tombstones {
		if !tomb.ByTriple {
			continue
		}
		delete(r.tombstones, id)
		oldTombs = append(oldTombs, id)
		if fav, ok := remoteByTriple[triple{tomb.GenerationID, tomb.ImageIndex}]; ok {
			resolved := favoriteTombstone{ID: fav.ID, GenerationID: fav.GenerationID, ImageIndex: fav.ImageIndex, RemovedAt: tomb.RemovedAt}
			r.tombstones[fav.ID] = resolved
			newTombs = append(newTombs, resolved)
		}
	}

	next := make(map[string]CachedFavorite, len(incoming))
	for _, fav := range incoming {
		if tomb, ok := r.tombstones[fav.ID]; ok {
			deletes = append(deletes, tomb)
			delete(remoteByTriple, triple{fav.GenerationID, fav.ImageIndex})
			continue
		}
		rec := CachedFavorite{Favorite: fav, Sync: StateReconciled, CachedAt: now}
		if local, ok := r.favorites[fav.ID]; ok {
			rec.TempID = local.TempID
			if local.Sync == StateReconciled && local.CreatedAt.Equal(fav.CreatedAt) {
				next[fav.ID] = local
				continue
			}
		}
		next[fav.ID] = rec
		upserts = append(upserts, rec)
		changes = append(changes, Change{Kind: ChangeFavorite, ID: fav.ID})
	}

	for id, local := range r.favorites {
		if _, ok := next[id]; ok {
			continue
		}
		switch {
		case local.Sync == StateReconciled && local.CachedAt.After(started):
			next[id] = local
			continue
		case local.Sync != StateReconciled:
			fav, adopted := remoteByTriple[triple{local.GenerationID, local.ImageIndex}]
			if !adopted {
				next[id] = local
				continue
			}
			if _, tombstoned := r.tombstones[fav.ID]; tombstoned {
				next[id] = local
				continue
			}
			if existing, ok := next[fav.ID]; ok && existing.TempID == "" {
				existing.TempID = local.TempID
				next[fav.ID] = existing
				upserts = append(upserts, existing)
			}
		}
		removed = append(removed, id)
		changes = append(changes, Change{Kind: ChangeFavorite, ID: id})
	}
	r.favorites = next
	r.mu.Unlock()

	for _, id := range oldTombs {
		r.deleteTombstone(id)
	}
	for _, tomb := range newTombs {
		r.putTombstone(tomb)
	}
	for _, id := range removed {
		r.deleteFavorite(id)
	}
	for _, f := range upserts {
		r.putFavorite(f)
	}
	r.emit(changes...)
	return deletes
}

// flushLocalWrites retries writes the server has not acknowledged yet.
func (r *Reconciler) flushLocalWrites(ctx context.Context) {
	r.mu.RLock()
	var (
		favs  []CachedFavorite
		gens  []CachedGeneration
		tombs []favoriteTombstone
	)
	for _, f := range r.favorites {
		if f.Sync == StateLocal {
			favs = append(favs, f)
		}
	}
	for _, g := range r.generations {
		if g.DeletedAt != nil && g.Sync == StateLocal {
			gens = append(gens, g)
		}
	}
	for _, t := range r.tombstones {
		if !t.ByTriple {
			tombs = append(tombs, t)
		}
	}
	r.mu.RUnlock()

	for _, tomb := range tombs {
		if err := r.deleteRemoteFavorite(ctx, tomb); err != nil {
			r.log.WithError(err).WithField("favorite_id", tomb.ID).Debug("favorite removal still pending")
		}
	}
	for _, gen := range gens {
		if err := r.pushGenerationDelete(ctx, gen); err != nil {
			r.log.WithError(err).WithField("generation_id", gen.ID).Debug("generation delete still pending")
		}
	}
	for _, fav := range favs {
		r.retryFavorite(ctx, fav)
	}
}

// retryFavorite re-sends an unacknowledged favorite. A conflict is left for
// the merge step, which adopts the server's record.
func (r *Reconciler) retryFavorite(ctx context.Context, fav CachedFavorite) {
	if !r.markFavorite(fav.ID, StateLocal, StatePending) {
		return
	}
	created, err := r.remote.CreateFavorite(ctx, fav.GenerationID, fav.ImageIndex)
	switch {
	case err == nil:
		r.acknowledgeFavorite(ctx, fav.ID, created)
	case errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrTransport):
		r.markFavorite(fav.ID, StatePending, StateLocal)
	default:
		r.log.WithError(err).WithFields(logrus.Fields{
			"favorite_id":   fav.ID,
			"generation_id": fav.GenerationID,
		}).Warn("dropping favorite rejected by server")
		r.dropFavorite(fav.ID)
	}
}
