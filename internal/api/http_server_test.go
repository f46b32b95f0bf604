package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"productshot/internal/config"
	"productshot/internal/entity"
	gormrepo "productshot/internal/model/sql"
	"productshot/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestServer(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
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

	store, err := storage.NewLocalStorage(t.TempDir(), "/files")
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	cfg := config.Config{
		BuildVersion:         "build-42",
		DefaultQuota:         2,
		GenerationTimeout:    time.Minute,
		StorageType:          "local",
		StoragePublicBaseURL: "/files",
		JWTSecret:            "test-secret",
		JWTIssuer:            "productshot",
		JWTExpirationMinutes: 60,
	}
	handler, err := NewHTTPHandler(cfg, gormrepo.NewGormRepository(db), store, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	r := gin.New()
	handler.RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func register(t *testing.T, r http.Handler, email string) entity.AuthResponse {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/auth/register", "", entity.AuthRegisterRequest{Email: email, Password: "password123"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", email, w.Code, w.Body.String())
	}
	return decode[entity.AuthResponse](t, w)
}

func waitCompleted(t *testing.T, r http.Handler, token, taskID string) entity.Generation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := doJSON(t, r, http.MethodGet, "/api/generations/task/"+taskID, token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("poll: %d %s", w.Code, w.Body.String())
		}
		gen := decode[entity.Generation](t, w)
		if gen.Status.IsTerminal() {
			return gen
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("generation %s did not settle", taskID)
	return entity.Generation{}
}

func TestVersionEndpoint(t *testing.T) {
	r := newTestServer(t)
	w := doJSON(t, r, http.MethodGet, "/api/version", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	if got := decode[entity.VersionResponse](t, w); got.Version != "build-42" {
		t.Fatalf("unexpected version %q", got.Version)
	}
}

func TestRegisterRoles(t *testing.T) {
	r := newTestServer(t)
	first := register(t, r, "admin@example.com")
	second := register(t, r, "user@example.com")
	if first.User.Role != entity.UserRoleAdmin || second.User.Role != entity.UserRoleUser {
		t.Fatalf("unexpected roles %q %q", first.User.Role, second.User.Role)
	}

	w := doJSON(t, r, http.MethodPost, "/api/auth/register", "", entity.AuthRegisterRequest{Email: "USER@example.com", Password: "password123"})
	if w.Code != http.StatusConflict || decode[APIError](t, w).Code != ErrCodeEmailExists {
		t.Fatalf("expected email conflict, got %d %s", w.Code, w.Body.String())
	}
}

func TestGenerationLifecycle(t *testing.T) {
	r := newTestServer(t)
	token := register(t, r, "shop@example.com").Token

	req := entity.CreateGenerationRequest{
		TaskID:      "task-a",
		TaskType:    entity.TaskTypeProductScene,
		InputImages: []string{"/files/inputs/1/shoe.png"},
	}
	w := doJSON(t, r, http.MethodPost, "/api/generations", token, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	created := decode[entity.Generation](t, w)

	// 重复提交返回已有记录
	w = doJSON(t, r, http.MethodPost, "/api/generations", token, req)
	if w.Code != http.StatusOK || decode[entity.Generation](t, w).ID != created.ID {
		t.Fatalf("replay: %d %s", w.Code, w.Body.String())
	}

	done := waitCompleted(t, r, token, "task-a")
	if done.Status != entity.GenerationCompleted || len(done.OutputImages) != 1 {
		t.Fatalf("unexpected settled generation %+v", done)
	}

	w = doJSON(t, r, http.MethodGet, "/api/quota", token, nil)
	if q := decode[entity.Quota](t, w); q.Remaining != 1 || q.Used != 1 {
		t.Fatalf("expected a single charge, got %+v", q)
	}

	w = doJSON(t, r, http.MethodGet, "/api/generations", token, nil)
	list := decode[entity.GenerationListResponse](t, w)
	if len(list.Generations) != 1 || list.ServerTime.IsZero() {
		t.Fatalf("unexpected listing %+v", list)
	}
	marker := list.ServerTime

	w = doJSON(t, r, http.MethodDelete, "/api/generations/task-a", token, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/api/generations", token, nil)
	if got := decode[entity.GenerationListResponse](t, w); len(got.Generations) != 0 {
		t.Fatalf("soft-deleted generation still listed: %+v", got.Generations)
	}

	since := marker.Add(-time.Minute).Format(time.RFC3339Nano)
	w = doJSON(t, r, http.MethodGet, "/api/generations?updated_since="+since, token, nil)
	delta := decode[entity.GenerationListResponse](t, w)
	if len(delta.Generations) != 1 || !delta.Generations[0].Deleted() {
		t.Fatalf("expected tombstone in incremental listing, got %+v", delta.Generations)
	}
}

func TestCreateGenerationErrors(t *testing.T) {
	r := newTestServer(t)
	token := register(t, r, "err@example.com").Token

	tests := []struct {
		name   string
		token  string
		body   any
		status int
		code   string
	}{
		{name: "未登录", body: entity.CreateGenerationRequest{TaskID: "x", TaskType: entity.TaskTypeUpscale}, status: http.StatusUnauthorized, code: ErrCodeUnauthorized},
		{name: "无效令牌", token: "bogus", body: entity.CreateGenerationRequest{TaskID: "x", TaskType: entity.TaskTypeUpscale}, status: http.StatusUnauthorized, code: ErrCodeSessionExpired},
		{name: "缺少输入", token: token, body: entity.CreateGenerationRequest{TaskID: "x", TaskType: entity.TaskTypeUpscale}, status: http.StatusBadRequest, code: ErrCodeInvalidRequest},
		{name: "未知类型", token: token, body: map[string]any{"task_id": "x", "task_type": "paint", "input_images": []string{"/a.png"}}, status: http.StatusBadRequest, code: ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/api/generations", tt.token, tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d %s", tt.status, w.Code, w.Body.String())
			}
			if got := decode[APIError](t, w).Code; got != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, got)
			}
		})
	}
}

func TestQuotaExhausted(t *testing.T) {
	r := newTestServer(t)
	token := register(t, r, "broke@example.com").Token

	for i, taskID := range []string{"t1", "t2", "t3"} {
		w := doJSON(t, r, http.MethodPost, "/api/generations", token, entity.CreateGenerationRequest{
			TaskID: taskID, TaskType: entity.TaskTypeUpscale, InputImages: []string{"/a.png"},
		})
		want := http.StatusCreated
		if i == 2 {
			want = http.StatusPaymentRequired
		}
		if w.Code != want {
			t.Fatalf("%s: expected %d, got %d %s", taskID, want, w.Code, w.Body.String())
		}
	}
}

func TestFavorites(t *testing.T) {
	r := newTestServer(t)
	token := register(t, r, "fav@example.com").Token

	w := doJSON(t, r, http.MethodPost, "/api/generations", token, entity.CreateGenerationRequest{
		TaskID: "fav-task", TaskType: entity.TaskTypeVirtualModel, InputImages: []string{"/a.png"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create generation: %d", w.Code)
	}
	gen := waitCompleted(t, r, token, "fav-task")

	zero := 0
	body := entity.CreateFavoriteRequest{GenerationID: gen.ID, ImageIndex: &zero}
	w = doJSON(t, r, http.MethodPost, "/api/favorites", token, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("favorite: %d %s", w.Code, w.Body.String())
	}
	fav := decode[entity.Favorite](t, w)

	w = doJSON(t, r, http.MethodPost, "/api/favorites", token, body)
	if w.Code != http.StatusConflict || decode[APIError](t, w).Code != ErrCodeConflict {
		t.Fatalf("expected conflict, got %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/api/favorites", token, nil)
	if got := decode[entity.FavoriteListResponse](t, w); len(got.Favorites) != 1 {
		t.Fatalf("expected one favorite, got %+v", got)
	}

	w = doJSON(t, r, http.MethodDelete, "/api/favorites/"+fav.ID, token, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete favorite: %d", w.Code)
	}
	w = doJSON(t, r, http.MethodDelete, "/api/favorites/"+fav.ID, token, nil)
	if w.Code != http.StatusNotFound || decode[APIError](t, w).Code != ErrCodeFavoriteNotFound {
		t.Fatalf("expected not found, got %d %s", w.Code, w.Body.String())
	}
}

func TestQuotaApplicationReview(t *testing.T) {
	r := newTestServer(t)
	admin := register(t, r, "boss@example.com").Token
	user := register(t, r, "needy@example.com").Token

	w := doJSON(t, r, http.MethodPost, "/api/quota/applications", user, entity.QuotaApplicationRequest{
		Email: "needy@example.com", Reason: "catalog shoot",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("apply: %d %s", w.Code, w.Body.String())
	}
	app := decode[entity.QuotaApplication](t, w)
	if app.UserID == nil || app.Status != entity.QuotaApplicationPending {
		t.Fatalf("unexpected application %+v", app)
	}

	w = doJSON(t, r, http.MethodGet, "/api/admin/quota-applications?status=pending", user, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-admin listing: %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/admin/quota-applications?status=pending", admin, nil)
	if got := decode[entity.QuotaApplicationListResponse](t, w); len(got.Applications) != 1 {
		t.Fatalf("expected one pending application, got %+v", got)
	}

	path := "/api/admin/quota-applications/" + jsonNumber(app.ID)
	w = doJSON(t, r, http.MethodPatch, path, admin, entity.QuotaApplicationReview{Status: entity.QuotaApplicationApproved, Grant: 10})
	if w.Code != http.StatusOK {
		t.Fatalf("review: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/api/quota", user, nil)
	if q := decode[entity.Quota](t, w); q.Remaining != 12 {
		t.Fatalf("expected granted quota, got %+v", q)
	}

	w = doJSON(t, r, http.MethodPatch, path, admin, entity.QuotaApplicationReview{Status: entity.QuotaApplicationApproved, Grant: 10})
	if w.Code != http.StatusConflict {
		t.Fatalf("second review: %d", w.Code)
	}
}

func jsonNumber(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}
