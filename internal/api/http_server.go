package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"productshot/internal/auth"
	"productshot/internal/config"
	"productshot/internal/entity"
	"productshot/internal/metrics"
	"productshot/internal/model"
	"productshot/internal/service"
	"productshot/internal/storage"

	"github.com/gin-gonic/gin"
)

// HTTPHandler HTTP 请求处理器
type HTTPHandler struct {
	cfg         config.Config
	repo        model.Repository
	storage     storage.Storage
	authManager *auth.Manager

	// 服务层
	generationService *service.GenerationService

	// SSE 客户端管理，按用户分组
	sseClients map[uint][]chan sseMessage
	sseMu      sync.Mutex
}

// NewHTTPHandler 创建 HTTP 处理器实例
func NewHTTPHandler(cfg config.Config, repo model.Repository, store storage.Storage, generator service.Generator) (*HTTPHandler, error) {
	expiry := time.Duration(cfg.JWTExpirationMinutes) * time.Minute
	authManager, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, expiry)
	if err != nil {
		return nil, err
	}

	generationSvc := service.NewGenerationService(repo, store, generator, cfg.GenerationTimeout)

	handler := &HTTPHandler{
		cfg:               cfg,
		repo:              repo,
		storage:           store,
		authManager:       authManager,
		generationService: generationSvc,
		sseClients:        make(map[uint][]chan sseMessage),
	}

	// 设置 SSE 通知回调
	generationSvc.SetNotifyFunc(handler.notifyGenerationUpdated)

	return handler, nil
}

// GenerationService 返回生成服务，供启动时恢复未完成的任务
func (h *HTTPHandler) GenerationService() *service.GenerationService {
	return h.generationService
}

// RegisterRoutes 注册全部路由
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.Use(metrics.GinMiddleware())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	apiGroup := r.Group("/api")
	apiGroup.GET("/version", h.Version)

	authGroup := apiGroup.Group("/auth")
	authGroup.POST("/register", h.Register)
	authGroup.POST("/login", h.Login)
	authGroup.GET("/me", h.AuthMiddleware(), h.Me)

	// 额度申请允许匿名提交
	apiGroup.POST("/quota/applications", h.OptionalAuthMiddleware(), h.SubmitQuotaApplication)

	protected := apiGroup.Group("")
	protected.Use(h.AuthMiddleware())
	protected.GET("/generations", h.ListGenerations)
	protected.GET("/generations/events", h.StreamGenerationEvents)
	protected.GET("/generations/task/:task_id", h.GetGenerationByTaskID)
	protected.POST("/generations", h.CreateGeneration)
	protected.DELETE("/generations/:ref", h.DeleteGeneration)

	protected.GET("/favorites", h.ListFavorites)
	protected.POST("/favorites", h.CreateFavorite)
	protected.DELETE("/favorites/:id", h.DeleteFavorite)

	protected.GET("/quota", h.GetQuota)

	admin := protected.Group("/admin")
	admin.Use(h.RequireAdmin())
	admin.GET("/quota-applications", h.ListQuotaApplications)
	admin.PATCH("/quota-applications/:id", h.ReviewQuotaApplication)

	h.mountLocalFiles(r)
}

// Version 返回当前部署的构建标识
func (h *HTTPHandler) Version(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, entity.VersionResponse{Version: strings.TrimSpace(h.cfg.BuildVersion)})
}
