package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"productshot/internal/client/cache"
	"productshot/internal/client/quota"
	"productshot/internal/client/remote"
	"productshot/internal/client/remote/remotetest"
	"productshot/internal/entity"
	"productshot/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPoll = PollConfig{Interval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxWait: 2 * time.Second}

type harness struct {
	fake   *remotetest.Fake
	cache  *cache.Reconciler
	ledger *quota.Ledger
	m      *Machine
}

func newHarness(t *testing.T, credits int, poll PollConfig) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fake := remotetest.NewFake(3, credits)
	rec := cache.New(ctx, fake, nil, cache.Options{})
	ledger := quota.NewLedger(ctx, fake, nil, 0)
	t.Cleanup(ledger.Wait)
	return &harness{fake: fake, cache: rec, ledger: ledger, m: NewMachine(fake, rec, ledger, poll)}
}

func (h *harness) create(t *testing.T) Task {
	t.Helper()
	task, err := h.m.Create(entity.TaskTypeProductScene, []string{"https://cdn.example.com/shoe.png"}, entity.JSONMap{"style": "studio"})
	require.NoError(t, err)
	return task
}

func TestCreateMintsIDWithoutNetwork(t *testing.T) {
	h := newHarness(t, 5, fastPoll)
	task := h.create(t)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StateCreated, task.State)
	assert.Equal(t, 0, h.fake.Calls(remotetest.OpCreateGeneration))

	got, ok := h.m.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, task.ID, got.ID)

	tests := []struct {
		name     string
		taskType entity.TaskType
		inputs   []string
	}{
		{name: "未知任务类型", taskType: "paint", inputs: []string{"a.png"}},
		{name: "没有输入图片", taskType: entity.TaskTypeUpscale},
		{name: "输入图片为空白", taskType: entity.TaskTypeUpscale, inputs: []string{"  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.m.Create(tt.taskType, tt.inputs, nil)
			require.ErrorIs(t, err, errs.ErrInvalidInput)
		})
	}
}

func TestRunCompletesAndRecordsOnce(t *testing.T) {
	h := newHarness(t, 5, fastPoll)
	ctx := context.Background()
	h.fake.AutoCompleteAfter = 3
	h.fake.AutoOutputs = []string{"out-0.png", "out-1.png"}
	_, err := h.ledger.Refresh(ctx)
	require.NoError(t, err)

	feed, stop := h.cache.Subscribe(16)
	defer stop()

	task := h.create(t)
	done, err := h.m.Run(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	require.NotNil(t, done.Generation)
	assert.Equal(t, []string{"out-0.png", "out-1.png"}, done.Generation.OutputImages)
	assert.Equal(t, done.GenerationID, done.Generation.ID)
	assert.GreaterOrEqual(t, done.Polls, 3)

	cached, ok := h.cache.GenerationByTaskID(task.ID)
	require.True(t, ok)
	assert.Equal(t, done.GenerationID, cached.ID)
	assert.Equal(t, entity.GenerationCompleted, cached.Status)

	// 完成后同步不会产生第二条记录
	require.NoError(t, h.cache.Sync(ctx))
	assert.Len(t, h.cache.Generations(), 1)

	completions := 0
	for len(feed) > 0 {
		if change := <-feed; change.ID == done.GenerationID && change.Kind == cache.ChangeGeneration {
			completions++
		}
	}
	assert.Equal(t, 1, completions)

	h.ledger.Wait()
	assert.Equal(t, 4, h.ledger.Display())

	_, err = h.m.Retry(ctx, task.ID)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestSubmitTransportFailureKeepsTaskID(t *testing.T) {
	h := newHarness(t, 5, fastPoll)
	ctx := context.Background()
	h.fake.AutoCompleteAfter = 1
	h.fake.AutoOutputs = []string{"out.png"}
	h.fake.FailNext(remotetest.OpCreateGeneration, fmt.Errorf("dial: %w", errs.ErrTransport))

	task := h.create(t)
	got, err := h.m.Run(ctx, task.ID)
	require.ErrorIs(t, err, errs.ErrTransport)
	assert.Equal(t, StateCreated, got.State)
	assert.Equal(t, task.ID, got.ID)

	done, err := h.m.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)

	q, err := h.fake.GetQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Used)
}

func TestRetryAfterLostResponseDoesNotChargeTwice(t *testing.T) {
	h := newHarness(t, 5, fastPoll)
	ctx := context.Background()
	h.fake.AutoCompleteAfter = 1

	task := h.create(t)
	// 请求已到达服务端，但响应丢失
	_, err := h.fake.CreateGeneration(ctx, entity.CreateGenerationRequest{
		TaskID: task.ID, TaskType: task.Type, InputImages: task.InputImages,
	})
	require.NoError(t, err)

	done, err := h.m.Run(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)

	q, err := h.fake.GetQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, q.Remaining)
	assert.Equal(t, 1, q.Used)
}

func TestSubmitRejections(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "未登录", err: &remote.Error{Status: 401, Code: "ERR_UNAUTHORIZED"}, want: errs.ErrUnauthorized},
		{name: "额度不足", err: &remote.Error{Status: 402, Code: "ERR_QUOTA_EXHAUSTED"}, want: errs.ErrQuotaExhausted},
		{name: "参数错误", err: &remote.Error{Status: 400, Code: "ERR_INVALID_REQUEST"}, want: errs.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 5, fastPoll)
			h.fake.FailNext(remotetest.OpCreateGeneration, tt.err)
			task := h.create(t)
			got, err := h.m.Run(context.Background(), task.ID)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, StateFailed, got.State)
			assert.Empty(t, h.cache.Generations())
		})
	}
}

func TestQuotaGate(t *testing.T) {
	h := newHarness(t, 0, fastPoll)
	ctx := context.Background()
	task := h.create(t)

	// 未刷新额度时由服务端判定
	got, err := h.m.Run(ctx, task.ID)
	require.ErrorIs(t, err, errs.ErrQuotaExhausted)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 1, h.fake.Calls(remotetest.OpCreateGeneration))

	_, err = h.ledger.Refresh(ctx)
	require.NoError(t, err)
	next := h.create(t)
	got, err = h.m.Run(ctx, next.ID)
	require.ErrorIs(t, err, errs.ErrQuotaExhausted)
	assert.Equal(t, StateCreated, got.State)
	assert.Equal(t, 1, h.fake.Calls(remotetest.OpCreateGeneration), "gate must stop the request")
}

func TestServerReportedFailure(t *testing.T) {
	h := newHarness(t, 5, fastPoll)
	ctx := context.Background()
	task := h.create(t)

	_, err := h.m.Submit(ctx, task.ID)
	require.NoError(t, err)
	h.fake.FailTask(task.ID, "model overloaded")

	got, err := h.m.Poll(ctx, task.ID)
	require.ErrorIs(t, err, errs.ErrGenerationFailed)
	assert.Contains(t, err.Error(), "model overloaded")
	assert.Equal(t, StateFailed, got.State)
	assert.Nil(t, got.Generation)
	assert.Empty(t, h.cache.Generations())
}

func TestPollErrors(t *testing.T) {
	t.Run("生成记录不存在", func(t *testing.T) {
		h := newHarness(t, 5, fastPoll)
		ctx := context.Background()
		task := h.create(t)
		_, err := h.m.Submit(ctx, task.ID)
		require.NoError(t, err)
		h.fake.DeleteRemotely(task.ID)

		got, err := h.m.Poll(ctx, task.ID)
		require.ErrorIs(t, err, errs.ErrNotFound)
		assert.Equal(t, StateFailed, got.State)
	})

	t.Run("登录失效", func(t *testing.T) {
		h := newHarness(t, 5, fastPoll)
		ctx := context.Background()
		task := h.create(t)
		_, err := h.m.Submit(ctx, task.ID)
		require.NoError(t, err)
		h.fake.FailNext(remotetest.OpGetGeneration, &remote.Error{Status: 401, Code: "ERR_UNAUTHORIZED"})

		got, err := h.m.Poll(ctx, task.ID)
		require.ErrorIs(t, err, errs.ErrUnauthorized)
		assert.Equal(t, StateFailed, got.State)
	})

	t.Run("网络错误重试", func(t *testing.T) {
		h := newHarness(t, 5, fastPoll)
		ctx := context.Background()
		h.fake.AutoCompleteAfter = 1
		task := h.create(t)
		_, err := h.m.Submit(ctx, task.ID)
		require.NoError(t, err)
		h.fake.FailNext(remotetest.OpGetGeneration,
			fmt.Errorf("reset: %w", errs.ErrTransport),
			fmt.Errorf("reset: %w", errs.ErrTransport))

		got, err := h.m.Poll(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, got.State)
		assert.Equal(t, 3, got.Polls)
	})
}

func TestExpiredThenRetried(t *testing.T) {
	h := newHarness(t, 5, PollConfig{Interval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxWait: 50 * time.Millisecond})
	ctx := context.Background()
	task := h.create(t)

	got, err := h.m.Run(ctx, task.ID)
	require.ErrorIs(t, err, errs.ErrExpired)
	require.ErrorIs(t, err, errs.ErrGenerationFailed)
	assert.Equal(t, StateExpired, got.State)
	assert.Empty(t, h.cache.Generations())

	h.fake.Complete(task.ID, "late.png")
	done, err := h.m.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	_, ok := h.cache.GenerationByTaskID(task.ID)
	assert.True(t, ok)
}

func TestExpiredTaskCompletedRemotelyIsPickedUpBySync(t *testing.T) {
	h := newHarness(t, 5, PollConfig{Interval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxWait: 50 * time.Millisecond})
	ctx := context.Background()
	task := h.create(t)

	got, err := h.m.Run(ctx, task.ID)
	require.ErrorIs(t, err, errs.ErrExpired)
	assert.Equal(t, StateExpired, got.State)

	// 客户端已放弃等待，服务端随后完成
	h.fake.Complete(task.ID, "late.png")
	require.NoError(t, h.cache.Sync(ctx))

	gen, ok := h.cache.GenerationByTaskID(task.ID)
	require.True(t, ok)
	assert.Equal(t, entity.GenerationCompleted, gen.Status)
	assert.Equal(t, []string{"late.png"}, gen.OutputImages)
	assert.Len(t, h.cache.Generations(), 1)

	require.NoError(t, h.cache.Sync(ctx))
	assert.Len(t, h.cache.Generations(), 1)

	after, ok := h.m.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, StateExpired, after.State)
}

func TestCancelWhilePolling(t *testing.T) {
	h := newHarness(t, 5, PollConfig{Interval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxWait: 10 * time.Second})
	task := h.create(t)

	type result struct {
		task Task
		err  error
	}
	out := make(chan result, 1)
	go func() {
		got, err := h.m.Run(context.Background(), task.ID)
		out <- result{got, err}
	}()
	require.Eventually(t, func() bool {
		got, _ := h.m.Task(task.ID)
		return got.State == StatePolling
	}, 2*time.Second, time.Millisecond)

	_, err := h.m.Submit(context.Background(), task.ID)
	require.ErrorIs(t, err, errs.ErrConflict, "a running task cannot be driven twice")

	h.m.Cancel(task.ID)
	select {
	case res := <-out:
		require.ErrorIs(t, res.err, context.Canceled)
		assert.Equal(t, StateCancelled, res.task.State)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestCancelBeforeSubmit(t *testing.T) {
	h := newHarness(t, 5, fastPoll)
	task := h.create(t)
	h.m.Cancel(task.ID)
	got, _ := h.m.Task(task.ID)
	assert.Equal(t, StateCancelled, got.State)

	_, err := h.m.Run(context.Background(), task.ID)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	assert.Equal(t, 0, h.fake.Calls(remotetest.OpCreateGeneration))
}

func TestDelete(t *testing.T) {
	h := newHarness(t, 5, fastPoll)
	ctx := context.Background()
	h.fake.AutoCompleteAfter = 1
	task := h.create(t)
	_, err := h.m.Run(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, h.m.Delete(ctx, task.ID))
	assert.Empty(t, h.cache.Generations())
	_, ok := h.m.Task(task.ID)
	assert.False(t, ok)

	listing, err := h.fake.ListGenerations(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, listing.Generations)
}
