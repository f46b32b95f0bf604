package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"productshot/internal/client/localstore"
	"productshot/internal/client/remote/remotetest"
	"productshot/internal/entity"
	"productshot/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	fake  *remotetest.Fake
	store *localstore.Store
	r     *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := localstore.Open(filepath.Join(t.TempDir(), "cache.db"))
	t.Cleanup(func() { _ = store.Close() })
	fake := remotetest.NewFake(7, 10)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := New(ctx, fake, store, Options{ClockSkew: time.Second, SyncTimeout: 5 * time.Second})
	require.NoError(t, r.LoadFromLocal(context.Background()))
	return &harness{fake: fake, store: store, r: r}
}

func (h *harness) reopen(t *testing.T) *Reconciler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, h.fake, h.store, Options{ClockSkew: time.Second, SyncTimeout: 5 * time.Second})
}

func TestSyncMirrorsRemoteAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g1 := h.fake.Seed("task-1", "a.png", "b.png")
	h.fake.Seed("task-2", "c.png")
	h.fake.AddFavoriteRemotely(g1.ID, 1)

	require.NoError(t, h.r.Sync(ctx))
	first := h.r.Generations()
	require.Len(t, first, 2)
	require.Len(t, h.r.Favorites(), 1)

	require.NoError(t, h.r.Sync(ctx))
	second := h.r.Generations()
	require.Len(t, second, 2)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Status, second[i].Status)
	}
	assert.Len(t, h.r.Favorites(), 1)

	got, ok := h.r.GenerationByTaskID("task-1")
	require.True(t, ok)
	assert.Equal(t, g1.ID, got.ID)
	assert.Equal(t, StateReconciled, got.Sync)
}

func TestSyncModes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.r.Sync(ctx))
	require.NoError(t, h.r.Sync(ctx))

	sinces := h.fake.ListSinces()
	require.Len(t, sinces, 2)
	assert.Nil(t, sinces[0], "first sync must be full")
	require.NotNil(t, sinces[1], "second sync must be incremental")

	// 重新打开的会话沿用持久化的标记
	reopened := h.reopen(t)
	require.NoError(t, reopened.LoadFromLocal(ctx))
	require.NoError(t, reopened.Sync(ctx))
	sinces = h.fake.ListSinces()
	require.Len(t, sinces, 3)
	assert.NotNil(t, sinces[2])

	// 超过全量间隔后回到全量同步
	reopened.mu.Lock()
	reopened.lastFull = reopened.lastFull.Add(-48 * time.Hour)
	reopened.mu.Unlock()
	require.NoError(t, reopened.Sync(ctx))
	sinces = h.fake.ListSinces()
	assert.Nil(t, sinces[3])
}

func TestFullSyncEvictsRecordsMissingRemotely(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.fake.Seed("gone", "a.png")
	require.NoError(t, h.r.Sync(ctx))
	require.Len(t, h.r.Generations(), 1)

	// 服务端删除且本地未收到增量：全量同步时清理
	h.fake.DeleteRemotely("gone")
	h.r.mu.Lock()
	h.r.lastFull = time.Time{}
	h.r.mu.Unlock()
	require.NoError(t, h.r.Sync(ctx))
	assert.Empty(t, h.r.Generations())
	_, ok := h.r.Generation(g.ID)
	assert.False(t, ok)
}

func TestSoftDeletedNeverReappear(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.Seed("keep", "a.png")
	h.fake.Seed("drop", "b.png")
	require.NoError(t, h.r.Sync(ctx))

	h.fake.DeleteRemotely("drop")
	require.NoError(t, h.r.Sync(ctx))
	require.Len(t, h.r.Generations(), 1)
	_, ok := h.r.GenerationByTaskID("drop")
	assert.False(t, ok)

	// 离线删除后，即使服务端仍返回该记录也不会恢复
	h.fake.SetOffline(true)
	err := h.r.DeleteGeneration(ctx, "keep")
	require.ErrorIs(t, err, errs.ErrTransport)
	assert.Empty(t, h.r.Generations())

	h.fake.SetOffline(false)
	h.r.mu.Lock()
	h.r.lastFull = time.Time{}
	h.r.mu.Unlock()
	require.NoError(t, h.r.Sync(ctx))
	assert.Empty(t, h.r.Generations())
	assert.Equal(t, 2, h.fake.Calls(remotetest.OpDeleteGeneration))

	listing, err := h.fake.ListGenerations(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, listing.Generations, "pending delete must be pushed by sync")
}

func TestFavoriteAtMostOncePerTriple(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.fake.Seed("task", "a.png", "b.png")
	require.NoError(t, h.r.Sync(ctx))

	fav, err := h.r.AddFavoriteOptimistic(ctx, g.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StateReconciled, fav.Sync)
	assert.NotContains(t, fav.ID, tempIDPrefix)

	_, err = h.r.AddFavoriteOptimistic(ctx, g.ID, 0)
	require.ErrorIs(t, err, errs.ErrConflict)
	assert.Len(t, h.r.Favorites(), 1)
	assert.Equal(t, 1, h.fake.FavoriteCount())
}

func TestFavoriteConflictAdoptsServerRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.fake.Seed("task", "a.png")
	require.NoError(t, h.r.Sync(ctx))

	other := h.fake.AddFavoriteRemotely(g.ID, 0)
	fav, err := h.r.AddFavoriteOptimistic(ctx, g.ID, 0)
	require.ErrorIs(t, err, errs.ErrConflict)
	assert.Equal(t, other.ID, fav.ID)

	favs := h.r.Favorites()
	require.Len(t, favs, 1)
	assert.Equal(t, other.ID, favs[0].ID)
}

func TestFavoriteRejectedIsRolledBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.fake.Seed("task", "a.png")
	require.NoError(t, h.r.Sync(ctx))

	_, err := h.r.AddFavoriteOptimistic(ctx, g.ID, 5)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	assert.Empty(t, h.r.Favorites())
}

func TestOfflineFavoriteIsRetriedBySync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.fake.Seed("task", "a.png")
	require.NoError(t, h.r.Sync(ctx))

	h.fake.SetOffline(true)
	fav, err := h.r.AddFavoriteOptimistic(ctx, g.ID, 0)
	require.ErrorIs(t, err, errs.ErrTransport)
	assert.Equal(t, StateLocal, fav.Sync)
	assert.Contains(t, fav.ID, tempIDPrefix)
	require.Len(t, h.r.Favorites(), 1)

	// 离线时同步失败，本地记录保留
	require.Error(t, h.r.Sync(ctx))
	require.Len(t, h.r.Favorites(), 1)

	h.fake.SetOffline(false)
	require.NoError(t, h.r.Sync(ctx))

	favs := h.r.Favorites()
	require.Len(t, favs, 1)
	assert.Equal(t, StateReconciled, favs[0].Sync)
	assert.NotContains(t, favs[0].ID, tempIDPrefix)
	assert.Equal(t, fav.TempID, favs[0].TempID)
	assert.Equal(t, 1, h.fake.FavoriteCount())
}

func TestRemoveFavoriteTwiceIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.fake.Seed("task", "a.png")
	require.NoError(t, h.r.Sync(ctx))
	fav, err := h.r.AddFavoriteOptimistic(ctx, g.ID, 0)
	require.NoError(t, err)

	require.NoError(t, h.r.RemoveFavorite(ctx, fav.ID))
	require.NoError(t, h.r.RemoveFavorite(ctx, fav.ID))
	assert.Equal(t, 1, h.fake.Calls(remotetest.OpDeleteFavorite))
	assert.Empty(t, h.r.Favorites())
	assert.Equal(t, 0, h.fake.FavoriteCount())
}

func TestRemoveFavoriteRemoteFailureKeepsLocalRemoval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.fake.Seed("task", "a.png")
	require.NoError(t, h.r.Sync(ctx))
	fav, err := h.r.AddFavoriteOptimistic(ctx, g.ID, 0)
	require.NoError(t, err)

	h.fake.SetOffline(true)
	require.ErrorIs(t, h.r.RemoveFavorite(ctx, fav.ID), errs.ErrTransport)
	assert.Empty(t, h.r.Favorites())

	h.fake.SetOffline(false)
	require.NoError(t, h.r.Sync(ctx))
	assert.Empty(t, h.r.Favorites(), "tombstoned favorite must not come back")
	assert.Equal(t, 0, h.fake.FavoriteCount())
}

func TestRemoveUnacknowledgedFavoriteMakesNoRemoteCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.fake.Seed("task", "a.png")
	require.NoError(t, h.r.Sync(ctx))

	h.fake.SetOffline(true)
	fav, _ := h.r.AddFavoriteOptimistic(ctx, g.ID, 0)
	require.NoError(t, h.r.RemoveFavorite(ctx, fav.ID))
	assert.Equal(t, 0, h.fake.Calls(remotetest.OpDeleteFavorite))

	h.fake.SetOffline(false)
	require.NoError(t, h.r.Sync(ctx))
	assert.Empty(t, h.r.Favorites())
}

func TestToggleFavorite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.fake.Seed("task", "a.png")
	require.NoError(t, h.r.Sync(ctx))

	on, err := h.r.ToggleFavorite(ctx, g.ID, 0)
	require.NoError(t, err)
	assert.True(t, on)

	on, err = h.r.ToggleFavorite(ctx, g.ID, 0)
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, 0, h.fake.FavoriteCount())
}

func TestReadYourWritesAcrossCoalescedSyncs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.fake.Seed("task", "a.png", "b.png")
	require.NoError(t, h.r.Sync(ctx))

	release := make(chan struct{})
	h.fake.HoldListings(release)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, h.r.Sync(ctx))
	}()
	require.Eventually(t, func() bool { return h.fake.WaitingListings() == 1 }, 2*time.Second, 5*time.Millisecond)

	// 正在同步时写入，随后的同步请求必须看到这次写入
	h.fake.AddFavoriteRemotely(g.ID, 1)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.r.Sync(ctx))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	h.fake.HoldListings(nil)
	close(release)
	wg.Wait()

	assert.Equal(t, 3, h.fake.Calls(remotetest.OpListGenerations), "concurrent syncs coalesce into one trailing pass")
	_, ok := h.r.FavoriteFor(g.ID, 1)
	assert.True(t, ok)
}

func TestLoadFromLocalRestoresProjectionOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.fake.Seed("task", "a.png")
	require.NoError(t, h.r.Sync(ctx))
	_, err := h.r.AddFavoriteOptimistic(ctx, g.ID, 0)
	require.NoError(t, err)
	h.r.SaveSelection(g.ID, []int{0})

	reopened := h.reopen(t)
	require.NoError(t, reopened.LoadFromLocal(ctx))
	assert.True(t, reopened.Loaded())
	assert.Len(t, reopened.Generations(), 1)
	assert.Len(t, reopened.Favorites(), 1)
	sel, ok := reopened.Selection(g.ID)
	require.True(t, ok)
	assert.Equal(t, []int{0}, sel.ImageIndexes)

	// 再次加载不会覆盖内存中的更新
	require.NoError(t, reopened.RecordCompletion(ctx, g))
	require.NoError(t, reopened.LoadFromLocal(ctx))
	assert.Len(t, reopened.Generations(), 1)
}

func TestLoadFromLocalDegradesWhenStoreUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	store := localstore.Open(filepath.Join(blocker, "cache.db"))
	fake := remotetest.NewFake(1, 1)
	fake.Seed("task", "a.png")
	r := New(context.Background(), fake, store, Options{})

	err := r.LoadFromLocal(context.Background())
	require.ErrorIs(t, err, errs.ErrStorageUnavailable)
	assert.Empty(t, r.Generations())

	require.NoError(t, r.Sync(context.Background()))
	assert.Len(t, r.Generations(), 1)
}

func TestPendingWritesAreRetriedAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.fake.Seed("keep", "a.png")
	drop := h.fake.Seed("drop", "b.png")
	require.NoError(t, h.r.Sync(ctx))

	// 进程在远程调用返回前退出，磁盘上只剩 pending 记录
	now := time.Now().UTC()
	tempID := tempIDPrefix + "crashed"
	require.NoError(t, h.r.favoritesColl.Put(ctx, CachedFavorite{
		Favorite: entity.Favorite{ID: tempID, GenerationID: g.ID, ImageIndex: 0, CreatedAt: now},
		TempID:   tempID,
		Sync:     StatePending,
		CachedAt: now,
	}))
	deleted, ok := h.r.Generation(drop.ID)
	require.True(t, ok)
	deleted.DeletedAt = &now
	deleted.Sync = StatePending
	require.NoError(t, h.r.generationsColl.Put(ctx, deleted))

	reopened := h.reopen(t)
	require.NoError(t, reopened.LoadFromLocal(ctx))
	fav, ok := reopened.FavoriteFor(g.ID, 0)
	require.True(t, ok)
	assert.Equal(t, StateLocal, fav.Sync)

	require.NoError(t, reopened.Sync(ctx))
	require.NoError(t, reopened.Sync(ctx))

	assert.Equal(t, 1, h.fake.Calls(remotetest.OpCreateFavorite))
	assert.Equal(t, 1, h.fake.FavoriteCount())
	fav, ok = reopened.FavoriteFor(g.ID, 0)
	require.True(t, ok)
	assert.Equal(t, StateReconciled, fav.Sync)
	assert.NotEqual(t, tempID, fav.ID)

	assert.Equal(t, 1, h.fake.Calls(remotetest.OpDeleteGeneration))
	listing, err := h.fake.ListGenerations(ctx, nil)
	require.NoError(t, err)
	require.Len(t, listing.Generations, 1)
	assert.Equal(t, g.ID, listing.Generations[0].ID)
	_, visible := reopened.GenerationByTaskID("drop")
	assert.False(t, visible)
}

func TestRecordCompletionWritesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.fake.Seed("task", "a.png")

	feed, stop := h.r.Subscribe(8)
	defer stop()

	require.NoError(t, h.r.RecordCompletion(ctx, g))
	require.NoError(t, h.r.RecordCompletion(ctx, g))
	require.NoError(t, h.r.Sync(ctx))
	assert.Len(t, h.r.Generations(), 1)

	change := <-feed
	assert.Equal(t, Change{Kind: ChangeGeneration, ID: g.ID}, change)
}

func TestResetClearsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.Seed("task", "a.png")
	require.NoError(t, h.r.Sync(ctx))

	require.NoError(t, h.r.Reset(ctx))
	assert.Empty(t, h.r.Generations())
	assert.False(t, h.r.Loaded())

	reopened := h.reopen(t)
	require.NoError(t, reopened.LoadFromLocal(ctx))
	assert.Empty(t, reopened.Generations())

	require.NoError(t, h.r.Sync(ctx))
	sinces := h.fake.ListSinces()
	assert.Nil(t, sinces[len(sinces)-1], "sync after reset is full")
}

func TestMergeGeneration(t *testing.T) {
	now := time.Now().UTC()
	deleted := now.Add(-time.Minute)
	tests := []struct {
		name        string
		local       CachedGeneration
		remote      CachedGeneration
		wantStatus  string
		wantDeleted bool
	}{
		{
			name:       "服务端字段优先",
			local:      cached("processing", nil),
			remote:     cached("completed", nil),
			wantStatus: "completed",
		},
		{
			name:       "终态不回退",
			local:      cached("completed", nil),
			remote:     cached("processing", nil),
			wantStatus: "completed",
		},
		{
			name:       "处理中不回到排队",
			local:      cached("processing", nil),
			remote:     cached("pending", nil),
			wantStatus: "processing",
		},
		{
			name:       "完成不会变为失败",
			local:      cached("completed", nil),
			remote:     cached("failed", nil),
			wantStatus: "completed",
		},
		{
			name:       "排队到完成",
			local:      cached("pending", nil),
			remote:     cached("completed", nil),
			wantStatus: "completed",
		},
		{
			name:        "本地删除保留",
			local:       cached("completed", &deleted),
			remote:      cached("completed", nil),
			wantStatus:  "completed",
			wantDeleted: true,
		},
		{
			name:        "服务端删除生效",
			local:       cached("completed", nil),
			remote:      cached("completed", &deleted),
			wantStatus:  "completed",
			wantDeleted: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeGeneration(tt.local, tt.remote.Generation, now)
			assert.Equal(t, tt.wantStatus, string(got.Status))
			assert.Equal(t, tt.wantDeleted, got.DeletedAt != nil)
		})
	}
}

func cached(status string, deletedAt *time.Time) CachedGeneration {
	var g CachedGeneration
	g.ID = "g"
	g.Status = entity.GenerationStatus(status)
	g.DeletedAt = deletedAt
	g.Sync = StateReconciled
	return g
}
