// Package cache keeps the on-device projection of a user's generations and
// favorites and reconciles it with the backend.
//
// The projection lives in memory and is written through to a localstore
// database. Only this package mutates it; the task machine reaches it through
// RecordCompletion and DeleteGeneration.
package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"productshot/internal/client/latch"
	"productshot/internal/client/localstore"
	"productshot/internal/client/remote"
	"productshot/internal/entity"
	"productshot/internal/errs"

	"github.com/sirupsen/logrus"
)

const (
	collectionGenerations = "generations"
	collectionFavorites   = "favorites"
	collectionTombstones  = "favorite_tombstones"
	collectionSelections  = "selections"

	markerFullSync  = "generations_full"
	markerDeltaSync = "generations_delta"
)

// Options tunes the reconciler.
type Options struct {
	// FullSyncInterval forces a full listing when the last one is older.
	FullSyncInterval time.Duration
	// ClockSkew is subtracted from the delta marker to absorb clock drift.
	ClockSkew time.Duration
	// SyncTimeout bounds a single sync pass.
	SyncTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.FullSyncInterval <= 0 {
		o.FullSyncInterval = 24 * time.Hour
	}
	if o.ClockSkew < 0 {
		o.ClockSkew = 0
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = time.Minute
	}
	return o
}

// Reconciler owns the cached projection for one session.
type Reconciler struct {
	remote remote.Client
	store  *localstore.Store
	opts   Options
	now    func() time.Time
	log    *logrus.Entry

	generationsColl *localstore.Collection[CachedGeneration]
	favoritesColl   *localstore.Collection[CachedFavorite]
	tombstonesColl  *localstore.Collection[favoriteTombstone]
	selectionsColl  *localstore.Collection[Selection]

	// baseCtx bounds background sync passes; cancelled at session end.
	baseCtx context.Context

	mu          sync.RWMutex
	generations map[string]CachedGeneration
	favorites   map[string]CachedFavorite
	tombstones  map[string]favoriteTombstone
	selections  map[string]Selection
	lastFull    time.Time
	lastDelta   time.Time
	cacheless   bool

	loaded latch.Once

	syncMu   sync.Mutex
	syncing  bool
	trailing *syncCall

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// New builds a reconciler. store may be nil, in which case the projection is
// memory only.
func New(ctx context.Context, client remote.Client, store *localstore.Store, opts Options) *Reconciler {
	r := &Reconciler{
		remote:      client,
		store:       store,
		opts:        opts.withDefaults(),
		now:         func() time.Time { return time.Now().UTC() },
		log:         logrus.WithField("component", "cache"),
		baseCtx:     ctx,
		generations: make(map[string]CachedGeneration),
		favorites:   make(map[string]CachedFavorite),
		tombstones:  make(map[string]favoriteTombstone),
		selections:  make(map[string]Selection),
		subs:        make(map[int]chan Change),
	}
	if store != nil {
		r.generationsColl = localstore.NewCollection(store, collectionGenerations, func(g CachedGeneration) string { return g.ID })
		r.favoritesColl = localstore.NewCollection(store, collectionFavorites, func(f CachedFavorite) string { return f.ID })
		r.tombstonesColl = localstore.NewCollection(store, collectionTombstones, func(t favoriteTombstone) string { return t.ID })
		r.selectionsColl = localstore.NewCollection(store, collectionSelections, func(s Selection) string { return s.GenerationID })
	}
	return r
}

// LoadFromLocal populates the projection from the local store. It runs at
// most once successfully per session; later calls are no-ops. On failure the
// projection stays as it is (empty at boot) and the error is returned.
func (r *Reconciler) LoadFromLocal(ctx context.Context) error {
	_, err := r.loaded.Do(func() error {
		if r.store == nil {
			return nil
		}
		gens, err := r.generationsColl.ListAll(ctx)
		if err != nil {
			return err
		}
		favs, err := r.favoritesColl.ListAll(ctx)
		if err != nil {
			return err
		}
		tombs, err := r.tombstonesColl.ListAll(ctx)
		if err != nil {
			return err
		}
		sels, err := r.selectionsColl.ListAll(ctx)
		if err != nil {
			return err
		}
		lastFull, _, err := r.store.SyncMarker(ctx, markerFullSync)
		if err != nil {
			return err
		}
		lastDelta, _, err := r.store.SyncMarker(ctx, markerDeltaSync)
		if err != nil {
			return err
		}

		var (
			demotedGens []CachedGeneration
			demotedFavs []CachedFavorite
		)
		r.mu.Lock()
		// 已在内存中的记录比磁盘上的新
		// 启动时没有进行中的请求，上次退出前的 pending 写入交给 Sync 重试
		for _, g := range gens {
			if _, ok := r.generations[g.ID]; !ok {
				if g.Sync == StatePending {
					g.Sync = StateLocal
					demotedGens = append(demotedGens, g)
				}
				r.generations[g.ID] = g
			}
		}
		for _, f := range favs {
			if _, ok := r.favorites[f.ID]; !ok {
				if f.Sync == StatePending {
					f.Sync = StateLocal
					demotedFavs = append(demotedFavs, f)
				}
				r.favorites[f.ID] = f
			}
		}
		for _, t := range tombs {
			if _, ok := r.tombstones[t.ID]; !ok {
				r.tombstones[t.ID] = t
			}
		}
		for _, s := range sels {
			if _, ok := r.selections[s.GenerationID]; !ok {
				r.selections[s.GenerationID] = s
			}
		}
		if r.lastFull.IsZero() {
			r.lastFull = lastFull
		}
		if r.lastDelta.IsZero() {
			r.lastDelta = lastDelta
		}
		r.cacheless = false
		r.mu.Unlock()

		for _, g := range demotedGens {
			r.putGeneration(g)
		}
		for _, f := range demotedFavs {
			r.putFavorite(f)
		}

		r.log.WithFields(logrus.Fields{
			"generations": len(gens),
			"favorites":   len(favs),
		}).Debug("loaded cache from local store")
		r.emit(Change{Kind: ChangeReset})
		return nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrStorageUnavailable) {
			r.mu.Lock()
			r.cacheless = true
			r.mu.Unlock()
		}
		r.log.WithError(err).Warn("local cache unavailable, continuing without it")
	}
	return err
}

// Loaded reports whether LoadFromLocal has succeeded this session.
func (r *Reconciler) Loaded() bool {
	return r.loaded.Done()
}

// Reset drops the projection and the persisted collections so the next
// LoadFromLocal and Sync start from scratch.
func (r *Reconciler) Reset(ctx context.Context) error {
	r.mu.Lock()
	r.generations = make(map[string]CachedGeneration)
	r.favorites = make(map[string]CachedFavorite)
	r.tombstones = make(map[string]favoriteTombstone)
	r.selections = make(map[string]Selection)
	r.lastFull = time.Time{}
	r.lastDelta = time.Time{}
	r.mu.Unlock()
	r.loaded.Reset()

	var resetErr error
	if r.store != nil {
		resetErr = errors.Join(
			r.generationsColl.Clear(ctx),
			r.favoritesColl.Clear(ctx),
			r.tombstonesColl.Clear(ctx),
			r.selectionsColl.Clear(ctx),
			r.store.ClearSyncMarkers(ctx),
		)
	}
	r.emit(Change{Kind: ChangeReset})
	return resetErr
}

// Generations returns live generations, newest first.
func (r *Reconciler) Generations() []CachedGeneration {
	r.mu.RLock()
	out := make([]CachedGeneration, 0, len(r.generations))
	for _, g := range r.generations {
		if g.DeletedAt == nil {
			out = append(out, g)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Generation returns the live generation with id.
func (r *Reconciler) Generation(id string) (CachedGeneration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.generations[id]
	if !ok || g.DeletedAt != nil {
		return CachedGeneration{}, false
	}
	return g, true
}

// GenerationByTaskID returns the live generation minted with taskID.
func (r *Reconciler) GenerationByTaskID(taskID string) (CachedGeneration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.generations {
		if g.TaskID == taskID && g.DeletedAt == nil {
			return g, true
		}
	}
	return CachedGeneration{}, false
}

// Favorites returns cached favorites, newest first.
func (r *Reconciler) Favorites() []CachedFavorite {
	r.mu.RLock()
	out := make([]CachedFavorite, 0, len(r.favorites))
	for _, f := range r.favorites {
		out = append(out, f)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FavoriteFor returns the cached favorite of (generationID, imageIndex).
func (r *Reconciler) FavoriteFor(generationID string, imageIndex int) (CachedFavorite, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.favoriteForLocked(generationID, imageIndex)
}

func (r *Reconciler) favoriteForLocked(generationID string, imageIndex int) (CachedFavorite, bool) {
	for _, f := range r.favorites {
		if f.GenerationID == generationID && f.ImageIndex == imageIndex {
			return f, true
		}
	}
	return CachedFavorite{}, false
}

// Subscribe returns a feed of projection changes and a function to stop it.
// Slow subscribers miss events rather than block writers.
func (r *Reconciler) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Reconciler) emit(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		for _, change := range changes {
			select {
			case ch <- change:
			default:
			}
		}
	}
}

// persisting reports whether writes should reach the local store.
func (r *Reconciler) persisting() bool {
	if r.store == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.cacheless
}

// persist runs a local store write. Failures degrade to memory-only caching
// for that record.
func (r *Reconciler) persist(op string, fn func() error) {
	if !r.persisting() {
		return
	}
	if err := fn(); err != nil {
		r.log.WithError(err).WithField("op", op).Warn("local cache write failed")
	}
}

// storeCtx detaches persistence from the caller's cancellation so a write
// that already changed the projection also reaches disk.
func (r *Reconciler) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.baseCtx), 5*time.Second)
}

func (r *Reconciler) putGeneration(g CachedGeneration) {
	ctx, cancel := r.storeCtx()
	defer cancel()
	r.persist("put_generation", func() error { return r.generationsColl.Put(ctx, g) })
}

func (r *Reconciler) deleteGeneration(id string) {
	ctx, cancel := r.storeCtx()
	defer cancel()
	r.persist("delete_generation", func() error { return r.generationsColl.Delete(ctx, id) })
}

func (r *Reconciler) putFavorite(f CachedFavorite) {
	ctx, cancel := r.storeCtx()
	defer cancel()
	r.persist("put_favorite", func() error { return r.favoritesColl.Put(ctx, f) })
}

func (r *Reconciler) deleteFavorite(id string) {
	ctx, cancel := r.storeCtx()
	defer cancel()
	r.persist("delete_favorite", func() error { return r.favoritesColl.Delete(ctx, id) })
}

func (r *Reconciler) putTombstone(t favoriteTombstone) {
	ctx, cancel := r.storeCtx()
	defer cancel()
	r.persist("put_tombstone", func() error { return r.tombstonesColl.Put(ctx, t) })
}

func (r *Reconciler) deleteTombstone(id string) {
	ctx, cancel := r.storeCtx()
	defer cancel()
	r.persist("delete_tombstone", func() error { return r.tombstonesColl.Delete(ctx, id) })
}

func (r *Reconciler) setMarker(name string, at time.Time) {
	ctx, cancel := r.storeCtx()
	defer cancel()
	r.persist("marker", func() error { return r.store.SetSyncMarker(ctx, name, at) })
}

// SaveSelection records the images picked from a generation. Selections
// never leave the device.
func (r *Reconciler) SaveSelection(generationID string, imageIndexes []int) Selection {
	sel := Selection{
		GenerationID: generationID,
		ImageIndexes: append([]int(nil), imageIndexes...),
		UpdatedAt:    r.now(),
	}
	r.mu.Lock()
	r.selections[generationID] = sel
	r.mu.Unlock()

	ctx, cancel := r.storeCtx()
	defer cancel()
	r.persist("put_selection", func() error { return r.selectionsColl.Put(ctx, sel) })
	r.emit(Change{Kind: ChangeSelection, ID: generationID})
	return sel
}

// Selection returns the saved selection of a generation.
func (r *Reconciler) Selection(generationID string) (Selection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sel, ok := r.selections[generationID]
	return sel, ok
}

// RecordCompletion writes a settled generation reported by the task machine.
// The record is keyed by server id, so repeating the call or racing with
// Sync never produces a second copy.
func (r *Reconciler) RecordCompletion(_ context.Context, gen entity.Generation) error {
	if gen.ID == "" {
		return errs.ErrInvalidInput
	}
	now := r.now()
	r.mu.Lock()
	rec := CachedGeneration{Generation: gen, Sync: StateReconciled, CachedAt: now}
	if local, ok := r.generations[gen.ID]; ok {
		rec = mergeGeneration(local, gen, now)
	}
	r.generations[gen.ID] = rec
	r.mu.Unlock()

	r.putGeneration(rec)
	r.emit(Change{Kind: ChangeGeneration, ID: gen.ID})
	r.log.WithFields(logrus.Fields{
		"generation_id": gen.ID,
		"task_id":       gen.TaskID,
		"status":        gen.Status,
	}).Debug("recorded settled generation")
	return nil
}
