package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"productshot/internal/entity"
	"productshot/internal/errs"
	"productshot/internal/metrics"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

var errStillRunning = errors.New("generation still running")

type entry struct {
	task Task
	// cancel stops an in-flight Run or Poll.
	cancel context.CancelFunc
	// recorded is set once the completion was written to the cache.
	recorded bool
}

// Machine tracks the tasks of one session.
type Machine struct {
	remote Remote
	cache  Cache
	quota  Quota
	poll   PollConfig
	now    func() time.Time
	log    *logrus.Entry

	mu    sync.Mutex
	tasks map[string]*entry
}

// NewMachine builds a task machine. quota may be nil.
func NewMachine(remote Remote, cache Cache, quota Quota, poll PollConfig) *Machine {
	return &Machine{
		remote: remote,
		cache:  cache,
		quota:  quota,
		poll:   poll.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
		log:    logrus.WithField("component", "task"),
		tasks:  make(map[string]*entry),
	}
}

// Create registers a task and mints its id. No network call is made.
func (m *Machine) Create(taskType entity.TaskType, inputImages []string, params entity.JSONMap) (Task, error) {
	if !taskType.Valid() {
		return Task{}, fmt.Errorf("unknown task type %q: %w", taskType, errs.ErrInvalidInput)
	}
	inputs := make([]string, 0, len(inputImages))
	for _, img := range inputImages {
		if img = strings.TrimSpace(img); img != "" {
			inputs = append(inputs, img)
		}
	}
	if len(inputs) == 0 {
		return Task{}, fmt.Errorf("at least one input image is required: %w", errs.ErrInvalidInput)
	}

	now := m.now()
	t := Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		InputImages: inputs,
		Params:      params.Clone(),
		State:       StateCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	m.tasks[t.ID] = &entry{task: t}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"task_id":   t.ID,
		"task_type": t.Type,
	}).Debug("task created")
	return t, nil
}

// Task returns a snapshot of the task with id.
func (m *Machine) Task(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return e.task, true
}

// Tasks returns every tracked task, newest first.
func (m *Machine) Tasks() []Task {
	m.mu.Lock()
	out := make([]Task, 0, len(m.tasks))
	for _, e := range m.tasks {
		out = append(out, e.task)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Run submits a created task and polls it to a settled state.
func (m *Machine) Run(ctx context.Context, id string) (Task, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.attach(id, cancel); err != nil {
		return Task{}, err
	}
	defer m.detach(id)

	t, err := m.submit(ctx, id)
	if err != nil || t.State.IsTerminal() {
		return t, err
	}
	return m.wait(ctx, id)
}

// Retry resumes a task that did not settle: a task sent back to Created by a
// transport failure is resubmitted under the same id, an expired task is
// polled again.
func (m *Machine) Retry(ctx context.Context, id string) (Task, error) {
	t, ok := m.Task(id)
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
	}
	switch t.State {
	case StateCreated:
		return m.Run(ctx, id)
	case StateExpired:
		m.transition(id, func(t *Task) { t.State = StateSubmitted })
		return m.Poll(ctx, id)
	default:
		return t, fmt.Errorf("task %s is %s: %w", id, t.State, errs.ErrInvalidInput)
	}
}

// Submit sends the task to the backend.
func (m *Machine) Submit(ctx context.Context, id string) (Task, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.attach(id, cancel); err != nil {
		return Task{}, err
	}
	defer m.detach(id)
	return m.submit(ctx, id)
}

// Poll waits for a submitted task to settle.
func (m *Machine) Poll(ctx context.Context, id string) (Task, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.attach(id, cancel); err != nil {
		return Task{}, err
	}
	defer m.detach(id)
	return m.wait(ctx, id)
}

// Cancel stops driving a task. A task already accepted by the server keeps
// running there and surfaces through the next cache sync.
func (m *Machine) Cancel(id string) {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok || e.task.State.IsTerminal() {
		m.mu.Unlock()
		return
	}
	if e.cancel != nil {
		e.cancel()
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.settled(id, StateCancelled, context.Canceled)
}

// Delete soft-deletes the generation behind a task and forgets the task. ref
// may be a task id tracked by the machine or any generation id or task id.
func (m *Machine) Delete(ctx context.Context, ref string) error {
	target := ref
	m.mu.Lock()
	if e, ok := m.tasks[ref]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		if e.task.GenerationID != "" {
			target = e.task.GenerationID
		}
		delete(m.tasks, ref)
	}
	m.mu.Unlock()
	return m.cache.DeleteGeneration(ctx, target)
}

// attach marks a task as driven by the caller holding cancel.
func (m *Machine) attach(id string, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
	}
	if e.cancel != nil {
		return fmt.Errorf("task %s is already running: %w", id, errs.ErrConflict)
	}
	e.cancel = cancel
	return nil
}

func (m *Machine) detach(id string) {
	m.mu.Lock()
	if e, ok := m.tasks[id]; ok {
		e.cancel = nil
	}
	m.mu.Unlock()
}

func (m *Machine) transition(id string, fn func(t *Task)) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return Task{}
	}
	fn(&e.task)
	e.task.UpdatedAt = m.now()
	return e.task
}

func (m *Machine) submit(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
	}
	if e.task.State != StateCreated {
		t := e.task
		m.mu.Unlock()
		return t, fmt.Errorf("task %s is %s: %w", id, t.State, errs.ErrInvalidInput)
	}
	req := entity.CreateGenerationRequest{
		TaskID:      e.task.ID,
		TaskType:    e.task.Type,
		InputImages: append([]string(nil), e.task.InputImages...),
		Params:      e.task.Params.Clone(),
	}
	m.mu.Unlock()

	log := m.log.WithField("task_id", id)
	if m.quota != nil {
		if err := m.quota.Gate(); err != nil {
			log.WithError(err).Info("submission held back by quota")
			t := m.transition(id, func(t *Task) { t.Err = err })
			return t, err
		}
	}

	m.transition(id, func(t *Task) { t.State = StateSubmitted; t.Err = nil })
	gen, err := m.remote.CreateGeneration(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return m.settled(id, StateCancelled, ctx.Err()), ctx.Err()
		}
		if errors.Is(err, errs.ErrTransport) {
			// 保留 task id，重试时服务端按 id 去重
			log.WithError(err).Warn("submission did not reach the server")
			t := m.transition(id, func(t *Task) { t.State = StateCreated; t.Err = err })
			return t, err
		}
		log.WithError(err).Warn("submission rejected")
		return m.settled(id, StateFailed, err), err
	}

	if m.quota != nil {
		m.quota.ApplyAcceptedTask()
	}
	t := m.transition(id, func(t *Task) { t.GenerationID = gen.ID })
	log.WithFields(logrus.Fields{
		"generation_id": gen.ID,
		"status":        gen.Status,
	}).Info("submission accepted")

	// 重复提交可能直接返回已结束的记录
	if gen.Status.IsTerminal() {
		return m.settle(ctx, id, gen)
	}
	return t, nil
}

func (m *Machine) wait(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
	}
	if e.task.State != StateSubmitted && e.task.State != StatePolling {
		t := e.task
		m.mu.Unlock()
		return t, fmt.Errorf("task %s is %s: %w", id, t.State, errs.ErrInvalidInput)
	}
	e.task.State = StatePolling
	e.task.UpdatedAt = m.now()
	m.mu.Unlock()

	log := m.log.WithField("task_id", id)
	pollCtx, cancel := context.WithTimeout(ctx, m.poll.MaxWait)
	defer cancel()

	backoff := retry.WithCappedDuration(m.poll.MaxInterval, retry.NewExponential(m.poll.Interval))
	var settledGen entity.Generation
	err := retry.Do(pollCtx, backoff, func(ctx context.Context) error {
		polls := m.transition(id, func(t *Task) { t.Polls++ }).Polls
		gen, err := m.remote.GetGenerationByTaskID(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, errs.ErrTransport):
			metrics.RecordPollAttempt("transport_error")
			log.WithError(err).WithField("attempt", polls).Debug("poll failed, retrying")
			m.transition(id, func(t *Task) { t.Err = err })
			return retry.RetryableError(err)
		default:
			metrics.RecordPollAttempt("error")
			return err
		}
		if !gen.Status.IsTerminal() {
			metrics.RecordPollAttempt("running")
			log.WithFields(logrus.Fields{
				"attempt": polls,
				"status":  gen.Status,
			}).Debug("generation still running")
			return retry.RetryableError(errStillRunning)
		}
		metrics.RecordPollAttempt("settled")
		settledGen = gen
		return nil
	})

	switch {
	case err == nil:
		return m.settle(ctx, id, settledGen)
	case ctx.Err() != nil:
		log.Info("task cancelled while polling")
		return m.settled(id, StateCancelled, ctx.Err()), ctx.Err()
	case pollCtx.Err() != nil:
		expired := fmt.Errorf("task %s: %w: %w", id, errs.ErrGenerationFailed, errs.ErrExpired)
		log.WithField("max_wait", m.poll.MaxWait.String()).Warn("gave up waiting for generation")
		return m.settled(id, StateExpired, expired), expired
	default:
		log.WithError(err).Warn("polling stopped")
		return m.settled(id, StateFailed, err), err
	}
}

// settle applies the server's terminal generation to the task.
func (m *Machine) settle(ctx context.Context, id string, gen entity.Generation) (Task, error) {
	if gen.Status == entity.GenerationFailed {
		msg := gen.ErrorMessage
		if msg == "" {
			msg = "no error message"
		}
		err := fmt.Errorf("task %s: %w: %s", id, errs.ErrGenerationFailed, msg)
		return m.settled(id, StateFailed, err), err
	}

	m.mu.Lock()
	e, ok := m.tasks[id]
	first := ok && !e.recorded
	if first {
		e.recorded = true
	}
	m.mu.Unlock()

	if first {
		if err := m.cache.RecordCompletion(ctx, gen); err != nil {
			m.log.WithError(err).WithField("task_id", id).Warn("failed to cache completed generation")
		}
		if m.quota != nil {
			m.quota.RefreshAsync()
		}
	}
	done := gen
	m.transition(id, func(t *Task) {
		t.GenerationID = gen.ID
		t.Generation = &done
		t.Err = nil
	})
	return m.settled(id, StateCompleted, nil), nil
}

func (m *Machine) settled(id string, state State, err error) Task {
	t := m.transition(id, func(t *Task) {
		t.State = state
		t.Err = err
	})
	metrics.RecordTaskOutcome(string(state))
	m.log.WithFields(logrus.Fields{
		"task_id":       id,
		"generation_id": t.GenerationID,
		"state":         state,
		"polls":         t.Polls,
	}).Info("task settled")
	return t
}
