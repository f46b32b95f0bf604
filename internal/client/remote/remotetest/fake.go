// Package remotetest provides an in-memory remote.Client for engine tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"productshot/internal/client/remote"
	"productshot/internal/entity"
	"productshot/internal/errs"

	"github.com/google/uuid"
)

// Operation names accepted by FailNext and Calls.
const (
	OpListGenerations  = "ListGenerations"
	OpGetGeneration    = "GetGenerationByTaskID"
	OpCreateGeneration = "CreateGeneration"
	OpDeleteGeneration = "SoftDeleteGeneration"
	OpListFavorites    = "ListFavorites"
	OpCreateFavorite   = "CreateFavorite"
	OpDeleteFavorite   = "DeleteFavorite"
	OpGetQuota         = "GetQuota"
	OpSubmitQuota      = "SubmitQuotaApplication"
	OpGetBuildVersion  = "GetBuildVersion"
)

// Fake mirrors the backend's semantics for a single user: idempotent
// submission per task id, atomic quota decrement, unique favorites and soft
// deletes visible to incremental listings.
type Fake struct {
	mu sync.Mutex

	UserID uint

	generations  map[string]*entity.Generation // by id
	byTask       map[string]string             // task id -> id
	favorites    map[string]entity.Favorite
	quota        entity.Quota
	applications []entity.QuotaApplication
	version      string

	offline  bool
	failures map[string][]error
	listGate chan struct{}
	waiting  int
	sinces   []*time.Time
	calls    map[string]int
	polls    map[string]int

	// AutoCompleteAfter completes a pending generation on its Nth poll when
	// greater than zero, using AutoOutputs as the output images.
	AutoCompleteAfter int
	AutoOutputs       []string

	now func() time.Time
}

var _ remote.Client = (*Fake)(nil)

// NewFake returns a Fake with the given quota.
func NewFake(userID uint, quota int) *Fake {
	return &Fake{
		UserID:      userID,
		generations: make(map[string]*entity.Generation),
		byTask:      make(map[string]string),
		favorites:   make(map[string]entity.Favorite),
		quota:       entity.Quota{Remaining: quota},
		failures:    make(map[string][]error),
		calls:       make(map[string]int),
		polls:       make(map[string]int),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetOffline makes every call fail with errs.ErrTransport.
func (f *Fake) SetOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

// FailNext queues errors returned by the next calls of op.
func (f *Fake) FailNext(op string, queued ...error) {
	f.mu.Lock()
	f.failures[op] = append(f.failures[op], queued...)
	f.mu.Unlock()
}

// Calls reports how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// SetBuildVersion sets the served build id.
func (f *Fake) SetBuildVersion(v string) {
	f.mu.Lock()
	f.version = v
	f.mu.Unlock()
}

// SetQuota overwrites the server-side quota.
func (f *Fake) SetQuota(q entity.Quota) {
	f.mu.Lock()
	f.quota = q
	f.mu.Unlock()
}

// Applications returns the filed quota applications.
func (f *Fake) Applications() []entity.QuotaApplication {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entity.QuotaApplication(nil), f.applications...)
}

// Seed inserts a completed generation directly, as if produced earlier.
func (f *Fake) Seed(taskID string, outputs ...string) entity.Generation {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	gen := &entity.Generation{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		UserID:       f.UserID,
		TaskType:     entity.TaskTypeProductScene,
		Status:       entity.GenerationCompleted,
		OutputImages: append([]string(nil), outputs...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.generations[gen.ID] = gen
	f.byTask[taskID] = gen.ID
	return *gen
}

// Complete settles the generation of taskID as completed.
func (f *Fake) Complete(taskID string, outputs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleLocked(taskID, entity.GenerationCompleted, outputs, "")
}

// FailTask settles the generation of taskID as failed.
func (f *Fake) FailTask(taskID, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleLocked(taskID, entity.GenerationFailed, nil, message)
}

// DeleteRemotely soft-deletes a generation as another device would.
func (f *Fake) DeleteRemotely(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen, ok := f.generations[f.byTask[taskID]]; ok && gen.DeletedAt == nil {
		now := f.now()
		gen.DeletedAt = &now
		gen.UpdatedAt = now
	}
}

func (f *Fake) settleLocked(taskID string, status entity.GenerationStatus, outputs []string, message string) {
	gen, ok := f.generations[f.byTask[taskID]]
	if !ok || gen.Status.IsTerminal() {
		return
	}
	gen.Status = status
	gen.OutputImages = append([]string(nil), outputs...)
	gen.OutputModes = make([]string, len(outputs))
	gen.OutputModelTypes = make([]string, len(outputs))
	for i := range outputs {
		gen.OutputModes[i] = "default"
		gen.OutputModelTypes[i] = string(gen.TaskType)
	}
	gen.ErrorMessage = message
	gen.UpdatedAt = f.now()
}

// begin records a call and returns an injected failure, if any.
func (f *Fake) begin(ctx context.Context, op string) error {
	f.calls[op]++
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, errs.ErrTransport, err)
	}
	if f.offline {
		return fmt.Errorf("%s: %w", op, errs.ErrTransport)
	}
	if queued := f.failures[op]; len(queued) > 0 {
		f.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func clone(gen *entity.Generation) entity.Generation {
	out := *gen
	out.OutputImages = append([]string(nil), gen.OutputImages...)
	out.OutputModes = append([]string(nil), gen.OutputModes...)
	out.OutputModelTypes = append([]string(nil), gen.OutputModelTypes...)
	out.InputImages = append([]string(nil), gen.InputImages...)
	if gen.DeletedAt != nil {
		deleted := *gen.DeletedAt
		out.DeletedAt = &deleted
	}
	return out
}

// HoldListings makes ListGenerations block until release is closed.
func (f *Fake) HoldListings(release chan struct{}) {
	f.mu.Lock()
	f.listGate = release
	f.mu.Unlock()
}

// WaitingListings reports how many ListGenerations calls are blocked.
func (f *Fake) WaitingListings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiting
}

// ListSinces returns the since argument of every ListGenerations call.
func (f *Fake) ListSinces() []*time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*time.Time(nil), f.sinces...)
}

func (f *Fake) ListGenerations(ctx context.Context, since *time.Time) (entity.GenerationListResponse, error) {
	f.mu.Lock()
	gate := f.listGate
	if gate != nil {
		f.waiting++
	}
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		f.mu.Lock()
		f.waiting--
		f.mu.Unlock()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if since != nil {
		at := *since
		f.sinces = append(f.sinces, &at)
	} else {
		f.sinces = append(f.sinces, nil)
	}
	if err := f.begin(ctx, OpListGenerations); err != nil {
		return entity.GenerationListResponse{}, err
	}
	resp := entity.GenerationListResponse{ServerTime: f.now(), Generations: []entity.Generation{}}
	for _, gen := range f.generations {
		switch {
		case since == nil && gen.DeletedAt != nil:
			continue
		case since != nil && !gen.UpdatedAt.After(*since):
			continue
		}
		resp.Generations = append(resp.Generations, clone(gen))
	}
	sort.Slice(resp.Generations, func(i, j int) bool {
		return resp.Generations[i].CreatedAt.After(resp.Generations[j].CreatedAt)
	})
	return resp, nil
}

func (f *Fake) GetGenerationByTaskID(ctx context.Context, taskID string) (entity.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpGetGeneration); err != nil {
		return entity.Generation{}, err
	}
	gen, ok := f.generations[f.byTask[taskID]]
	if !ok || gen.DeletedAt != nil {
		return entity.Generation{}, &remote.Error{Status: 404, Code: "ERR_GENERATION_NOT_FOUND", Message: "resource not found"}
	}
	f.polls[taskID]++
	if f.AutoCompleteAfter > 0 && f.polls[taskID] >= f.AutoCompleteAfter {
		f.settleLocked(taskID, entity.GenerationCompleted, f.AutoOutputs, "")
	}
	return clone(gen), nil
}

func (f *Fake) CreateGeneration(ctx context.Context, req entity.CreateGenerationRequest) (entity.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpCreateGeneration); err != nil {
		return entity.Generation{}, err
	}
	if strings.TrimSpace(req.TaskID) == "" {
		return entity.Generation{}, &remote.Error{Status: 400, Code: "ERR_INVALID_REQUEST", Message: "task_id is required"}
	}
	if id, ok := f.byTask[req.TaskID]; ok {
		return clone(f.generations[id]), nil
	}
	if f.quota.Remaining <= 0 {
		return entity.Generation{}, &remote.Error{Status: 402, Code: "ERR_QUOTA_EXHAUSTED", Message: "generation quota exhausted"}
	}
	f.quota.Remaining--
	f.quota.Used++

	now := f.now()
	gen := &entity.Generation{
		ID:          uuid.NewString(),
		TaskID:      req.TaskID,
		UserID:      f.UserID,
		TaskType:    req.TaskType,
		Status:      entity.GenerationPending,
		InputImages: append([]string(nil), req.InputImages...),
		Params:      req.Params.Clone(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.generations[gen.ID] = gen
	f.byTask[req.TaskID] = gen.ID
	return clone(gen), nil
}

func (f *Fake) SoftDeleteGeneration(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpDeleteGeneration); err != nil {
		return err
	}
	gen, ok := f.generations[ref]
	if !ok {
		gen, ok = f.generations[f.byTask[ref]]
	}
	if !ok {
		return &remote.Error{Status: 404, Code: "ERR_GENERATION_NOT_FOUND", Message: "resource not found"}
	}
	if gen.DeletedAt == nil {
		now := f.now()
		gen.DeletedAt = &now
		gen.UpdatedAt = now
	}
	return nil
}

func (f *Fake) ListFavorites(ctx context.Context) ([]entity.Favorite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpListFavorites); err != nil {
		return nil, err
	}
	out := make([]entity.Favorite, 0, len(f.favorites))
	for _, fav := range f.favorites {
		out = append(out, fav)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *Fake) CreateFavorite(ctx context.Context, generationID string, imageIndex int) (entity.Favorite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpCreateFavorite); err != nil {
		return entity.Favorite{}, err
	}
	gen, ok := f.generations[generationID]
	if !ok || gen.DeletedAt != nil {
		return entity.Favorite{}, &remote.Error{Status: 404, Code: "ERR_GENERATION_NOT_FOUND", Message: "resource not found"}
	}
	if imageIndex < 0 || imageIndex >= len(gen.OutputImages) {
		return entity.Favorite{}, &remote.Error{Status: 400, Code: "ERR_INVALID_REQUEST", Message: "image index out of range"}
	}
	for _, fav := range f.favorites {
		if fav.GenerationID == generationID && fav.ImageIndex == imageIndex {
			return entity.Favorite{}, &remote.Error{Status: 409, Code: "ERR_CONFLICT", Message: "favorite already exists"}
		}
	}
	fav := entity.Favorite{
		ID:           uuid.NewString(),
		UserID:       f.UserID,
		GenerationID: generationID,
		ImageIndex:   imageIndex,
		CreatedAt:    f.now(),
	}
	f.favorites[fav.ID] = fav
	return fav, nil
}

// AddFavoriteRemotely inserts a favorite as another device would.
func (f *Fake) AddFavoriteRemotely(generationID string, imageIndex int) entity.Favorite {
	f.mu.Lock()
	defer f.mu.Unlock()
	fav := entity.Favorite{
		ID:           uuid.NewString(),
		UserID:       f.UserID,
		GenerationID: generationID,
		ImageIndex:   imageIndex,
		CreatedAt:    f.now(),
	}
	f.favorites[fav.ID] = fav
	return fav
}

// FavoriteCount returns the number of server-side favorites.
func (f *Fake) FavoriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.favorites)
}

func (f *Fake) DeleteFavorite(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpDeleteFavorite); err != nil {
		return err
	}
	if _, ok := f.favorites[id]; !ok {
		return &remote.Error{Status: 404, Code: "ERR_FAVORITE_NOT_FOUND", Message: "resource not found"}
	}
	delete(f.favorites, id)
	return nil
}

func (f *Fake) GetQuota(ctx context.Context) (entity.Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpGetQuota); err != nil {
		return entity.Quota{}, err
	}
	return f.quota, nil
}

func (f *Fake) SubmitQuotaApplication(ctx context.Context, req entity.QuotaApplicationRequest) (entity.QuotaApplication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpSubmitQuota); err != nil {
		return entity.QuotaApplication{}, err
	}
	userID := f.UserID
	app := entity.QuotaApplication{
		ID:             uint(len(f.applications) + 1),
		UserID:         &userID,
		Email:          req.Email,
		Reason:         req.Reason,
		Feedback:       req.Feedback,
		QuotaRemaining: req.QuotaRemaining,
		QuotaUsed:      req.QuotaUsed,
		Status:         entity.QuotaApplicationPending,
		CreatedAt:      f.now(),
	}
	f.applications = append(f.applications, app)
	return app, nil
}

func (f *Fake) GetBuildVersion(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpGetBuildVersion); err != nil {
		return "", err
	}
	return f.version, nil
}
