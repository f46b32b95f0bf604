package service

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"productshot/internal/entity"
	"productshot/internal/errs"
	gormrepo "productshot/internal/model/sql"
	"productshot/internal/storage"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestAppendStorageNotes(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		notes    []string
		expected string
	}{
		{name: "空已有错误，空备注", existing: "", notes: []string{}, expected: ""},
		{name: "空已有错误，有备注", existing: "", notes: []string{"note1", "note2"}, expected: "note1; note2"},
		{name: "有已有错误，有备注", existing: "existing error", notes: []string{"note1"}, expected: "existing error; note1"},
		{name: "空白已有错误，有备注", existing: "   ", notes: []string{"note1"}, expected: "note1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := appendStorageNotes(tt.existing, tt.notes); result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestComputeInputBaseName(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
	}{
		{name: "空数据", data: []byte{}, expected: "d41d8cd98f00b204e9800998ecf8427e"},
		{name: "Hello", data: []byte("Hello"), expected: "8b1a9953c4611296a827abf8c47804d7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := computeInputBaseName(tt.data); result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestBuildOutputBaseName(t *testing.T) {
	tests := []struct {
		name   string
		taskID string
		idx    int
		want   string
	}{
		{name: "正常 task id", taskID: "3F2A-task", idx: 0, want: "3f2a-task_0"},
		{name: "空 task id", taskID: "", idx: 1, want: "task_1"},
		{name: "超长 task id", taskID: strings.Repeat("a", 80), idx: 2, want: strings.Repeat("a", 64) + "_2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildOutputBaseName(tt.taskID, tt.idx); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestLooksInline(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("image-bytes", 10)))
	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{name: "data URL", value: "data:image/png;base64,AAAA", want: true},
		{name: "裸 base64", value: raw, want: true},
		{name: "远程地址", value: "https://cdn.example.com/a.png", want: false},
		{name: "存储相对路径", value: "/files/inputs/1/abc.png", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := looksInline(tt.value); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, GenerateRequest) ([]GeneratedImage, error) {
	return nil, errors.New("model overloaded")
}

func newTestService(t *testing.T, generator Generator) (*GenerationService, *gormrepo.GormRepository, chan entity.Generation) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "svc.db")), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&entity.DbUser{}, &entity.DbGeneration{}, &entity.DbFavorite{}, &entity.DbQuotaApplication{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := gormrepo.NewGormRepository(db)
	store, err := storage.NewLocalStorage(t.TempDir(), "/files")
	if err != nil {
		t.Fatalf("storage: %v", err)
	}

	events := make(chan entity.Generation, 16)
	svc := NewGenerationService(repo, store, generator, time.Minute)
	svc.SetNotifyFunc(func(_ uint, gen entity.Generation) { events <- gen })
	return svc, repo, events
}

func waitForStatus(t *testing.T, events <-chan entity.Generation, want entity.GenerationStatus) entity.Generation {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case gen := <-events:
			if gen.Status == want {
				return gen
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func TestSubmitCompletesAndIsIdempotent(t *testing.T) {
	svc, repo, events := newTestService(t, nil)
	ctx := context.Background()
	user := &entity.DbUser{Email: "svc@example.com", PasswordHash: "x", Role: entity.UserRoleUser, QuotaRemaining: 2}
	if err := repo.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	input := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("fake-png"))
	req := entity.CreateGenerationRequest{TaskID: "task-1", TaskType: entity.TaskTypeProductScene, InputImages: []string{input}}

	gen, existed, err := svc.Submit(ctx, user.ID, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if existed || gen.Status != entity.GenerationPending {
		t.Fatalf("unexpected first submission result: existed=%v status=%s", existed, gen.Status)
	}

	done := waitForStatus(t, events, entity.GenerationCompleted)
	if len(done.OutputImages) != 1 || !strings.HasPrefix(done.OutputImages[0], "/files/inputs/") {
		t.Fatalf("expected stored output url, got %v", done.OutputImages)
	}

	replay, existed, err := svc.Submit(ctx, user.ID, req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !existed || replay.ID != gen.ID || replay.Status != entity.GenerationCompleted {
		t.Fatalf("expected replay of the completed generation, got %+v", replay)
	}

	quota, _ := repo.GetQuota(ctx, user.ID)
	if quota.Remaining != 1 {
		t.Fatalf("expected a single charge, got %+v", quota)
	}
}

func TestSubmitGeneratorFailure(t *testing.T) {
	svc, repo, events := newTestService(t, failingGenerator{})
	ctx := context.Background()
	user := &entity.DbUser{Email: "fail@example.com", PasswordHash: "x", Role: entity.UserRoleUser, QuotaRemaining: 1}
	_ = repo.CreateUser(ctx, user)

	_, _, err := svc.Submit(ctx, user.ID, entity.CreateGenerationRequest{
		TaskID: "t", TaskType: entity.TaskTypeUpscale, InputImages: []string{"https://cdn.example.com/in.png"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	failed := waitForStatus(t, events, entity.GenerationFailed)
	if failed.ErrorMessage != "model overloaded" {
		t.Fatalf("unexpected error message %q", failed.ErrorMessage)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	tests := []struct {
		name string
		req  entity.CreateGenerationRequest
	}{
		{name: "缺少 task id", req: entity.CreateGenerationRequest{TaskType: entity.TaskTypeUpscale, InputImages: []string{"a"}}},
		{name: "未知任务类型", req: entity.CreateGenerationRequest{TaskID: "t", TaskType: "paint", InputImages: []string{"a"}}},
		{name: "缺少输入图片", req: entity.CreateGenerationRequest{TaskID: "t", TaskType: entity.TaskTypeUpscale}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := svc.Submit(context.Background(), 1, tt.req); !errors.Is(err, errs.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
