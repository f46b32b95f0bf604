package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"productshot/internal/entity"
	"productshot/internal/errs"
	"productshot/internal/metrics"
	"productshot/internal/model"
	"productshot/internal/storage"
	"productshot/internal/utils"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrent = 4

// GenerationService 生成服务，受理生成请求并异步推进其状态
type GenerationService struct {
	repo       model.Repository
	storage    storage.Storage
	generator  Generator
	httpClient *http.Client
	timeout    time.Duration

	slots    *semaphore.Weighted
	inflight sync.Map // generation id -> struct{}

	// notifyFunc 用于通知生成状态变化（由调用方设置）
	notifyFunc func(userID uint, gen entity.Generation)
}

// NewGenerationService 创建生成服务实例
func NewGenerationService(repo model.Repository, store storage.Storage, generator Generator, timeout time.Duration) *GenerationService {
	if generator == nil {
		generator = PassthroughGenerator{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &GenerationService{
		repo:       repo,
		storage:    store,
		generator:  generator,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		timeout:    timeout,
		slots:      semaphore.NewWeighted(defaultMaxConcurrent),
	}
}

// SetNotifyFunc 设置通知函数（用于 SSE 推送）
func (s *GenerationService) SetNotifyFunc(fn func(userID uint, gen entity.Generation)) {
	s.notifyFunc = fn
}

// Submit 受理生成请求
//
// 同一用户重复提交相同 task id 返回已有记录（existed=true），不扣额度也不重复处理。
func (s *GenerationService) Submit(ctx context.Context, userID uint, req entity.CreateGenerationRequest) (entity.Generation, bool, error) {
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		return entity.Generation{}, false, fmt.Errorf("task_id is required: %w", errs.ErrInvalidInput)
	}
	if !req.TaskType.Valid() {
		return entity.Generation{}, false, fmt.Errorf("unsupported task type %q: %w", req.TaskType, errs.ErrInvalidInput)
	}
	inputs := make([]string, 0, len(req.InputImages))
	for _, in := range req.InputImages {
		if trimmed := strings.TrimSpace(in); trimmed != "" {
			inputs = append(inputs, trimmed)
		}
	}
	if len(inputs) == 0 {
		return entity.Generation{}, false, fmt.Errorf("at least one input image is required: %w", errs.ErrInvalidInput)
	}

	record, existed, err := s.repo.CreateGeneration(ctx, &entity.DbGeneration{
		UserID:      userID,
		TaskID:      taskID,
		TaskType:    string(req.TaskType),
		Status:      string(entity.GenerationPending),
		InputImages: entity.StringArray(inputs),
		Params:      req.Params,
	})
	if err != nil {
		return entity.Generation{}, false, err
	}
	metrics.RecordGenerationAccepted(existed)

	logrus.WithFields(logrus.Fields{
		"user_id":       userID,
		"task_id":       taskID,
		"generation_id": record.ID,
		"replay":        existed,
	}).Info("generation accepted")

	if !existed {
		s.ProcessAsync(*record)
	}
	return record.ToGeneration(), existed, nil
}

// ProcessAsync 异步处理生成记录
func (s *GenerationService) ProcessAsync(record entity.DbGeneration) {
	if _, loaded := s.inflight.LoadOrStore(record.ID, struct{}{}); loaded {
		return
	}
	go func() {
		defer s.inflight.Delete(record.ID)
		s.handleGeneration(record)
	}()
}

// ResumeUnfinished 重新调度进程重启前尚未结束的生成记录
func (s *GenerationService) ResumeUnfinished(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	records, err := s.repo.ListUnfinishedGenerations(ctx, 0)
	if err != nil {
		return 0, err
	}
	for _, record := range records {
		s.ProcessAsync(record)
	}
	if len(records) > 0 {
		logrus.WithField("count", len(records)).Info("resumed unfinished generations")
	}
	return len(records), nil
}

// handleGeneration 处理生成的核心逻辑：pending → processing → completed|failed
func (s *GenerationService) handleGeneration(record entity.DbGeneration) {
	if s.repo == nil {
		return
	}
	genCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.slots.Acquire(genCtx, 1); err != nil {
		s.fail(record, fmt.Sprintf("generation queue timeout: %v", err))
		return
	}
	defer s.slots.Release(1)

	started := time.Now()
	fields := logrus.Fields{
		"generation_id": record.ID,
		"task_id":       record.TaskID,
		"user_id":       record.UserID,
	}

	processing := entity.GenerationProcessing
	if err := s.repo.UpdateGeneration(genCtx, record.ID, entity.GenerationUpdates{Status: &processing}); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return
		}
		logrus.WithError(err).WithFields(fields).Error("failed to mark generation processing")
		return
	}
	record.Status = string(processing)
	s.notify(record)

	// 保存输入图片
	owner := strconv.FormatUint(uint64(record.UserID), 10)
	inputs, err := s.persistInputs(genCtx, owner, record.InputImages.ToSlice())
	if err != nil {
		logrus.WithError(err).WithFields(fields).Warn("failed to persist input images")
		s.fail(record, fmt.Sprintf("input images: %v", err))
		return
	}
	inputArray := entity.StringArray(inputs)
	record.InputImages = inputArray

	images, err := s.generator.Generate(genCtx, GenerateRequest{
		TaskID:      record.TaskID,
		TaskType:    entity.TaskType(record.TaskType),
		InputImages: inputs,
		Params:      record.Params.Clone(),
	})
	if err != nil {
		logrus.WithError(err).WithFields(fields).Error("failed to generate images")
		s.fail(record, err.Error())
		return
	}
	if len(images) == 0 {
		s.fail(record, "generator returned no images")
		return
	}

	outputs, modes, modelTypes, storageIssues := s.persistOutputs(genCtx, owner, record.TaskID, images)
	if len(storageIssues) > 0 {
		msg := appendStorageNotes("", storageIssues)
		logrus.WithFields(fields).WithField("issues", msg).Warn("failed to persist output images")
		s.fail(record, msg)
		return
	}

	completed := entity.GenerationCompleted
	outputArray := entity.StringArray(outputs)
	modeArray := entity.StringArray(modes)
	typeArray := entity.StringArray(modelTypes)
	updates := entity.GenerationUpdates{
		Status:           &completed,
		InputImages:      &inputArray,
		OutputImages:     &outputArray,
		OutputModes:      &modeArray,
		OutputModelTypes: &typeArray,
	}
	if err := s.updateGeneration(record.ID, updates); err != nil {
		return
	}
	metrics.RecordGenerationSettled(string(completed), time.Since(started))
	logrus.WithFields(fields).WithField("outputs", len(outputs)).Info("generation completed")

	record.Status = string(completed)
	record.OutputImages = outputArray
	record.OutputModes = modeArray
	record.OutputModelTypes = typeArray
	s.notify(record)
}

// persistInputs 将内联上传的输入图片写入存储，远程地址保持不变
func (s *GenerationService) persistInputs(ctx context.Context, owner string, inputs []string) ([]string, error) {
	out := make([]string, 0, len(inputs))
	var issues []string
	for idx, input := range inputs {
		if s.storage == nil || utils.IsRemoteURL(input) || !looksInline(input) {
			out = append(out, input)
			continue
		}
		data, ext, err := utils.DecodeMediaPayload(input)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%d: %v", idx, err))
			continue
		}
		stored, err := s.storage.Put(ctx, storage.Object{
			Data:         data,
			Category:     "inputs",
			Owner:        owner,
			Name:         computeInputBaseName(data),
			Extension:    ext,
			SkipIfExists: true,
		})
		if err != nil {
			issues = append(issues, fmt.Sprintf("%d: %v", idx, err))
			continue
		}
		out = append(out, stored.URL)
	}
	if len(issues) > 0 {
		return out, errors.New(strings.Join(issues, "; "))
	}
	return out, nil
}

// persistOutputs 将生成器产出的图片写入存储并返回有序的访问地址
func (s *GenerationService) persistOutputs(ctx context.Context, owner, taskID string, images []GeneratedImage) (urls, modes, modelTypes []string, issues []string) {
	for idx, img := range images {
		payload := strings.TrimSpace(img.Payload)
		url := payload
		if s.storage != nil && (utils.IsRemoteURL(payload) || looksInline(payload)) {
			var (
				data []byte
				ext  string
				err  error
			)
			if utils.IsRemoteURL(payload) {
				data, ext, err = utils.FetchMedia(ctx, s.httpClient, payload)
			} else {
				data, ext, err = utils.DecodeMediaPayload(payload)
			}
			if err != nil {
				issues = append(issues, fmt.Sprintf("output %d: %v", idx, err))
				continue
			}
			stored, err := s.storage.Put(ctx, storage.Object{
				Data:         data,
				Category:     "outputs",
				Owner:        owner,
				Name:         buildOutputBaseName(taskID, idx),
				Extension:    ext,
				SkipIfExists: true,
			})
			if err != nil {
				issues = append(issues, fmt.Sprintf("output %d: %v", idx, err))
				continue
			}
			url = stored.URL
		}
		if url == "" {
			issues = append(issues, fmt.Sprintf("output %d: empty payload", idx))
			continue
		}
		urls = append(urls, url)
		modes = append(modes, img.Mode)
		modelTypes = append(modelTypes, img.ModelType)
	}
	return urls, modes, modelTypes, issues
}

func (s *GenerationService) fail(record entity.DbGeneration, msg string) {
	failed := entity.GenerationFailed
	if err := s.updateGeneration(record.ID, entity.GenerationUpdates{Status: &failed, ErrorMessage: &msg}); err != nil {
		return
	}
	metrics.RecordGenerationSettled(string(failed), 0)
	record.Status = string(failed)
	record.ErrorMessage = msg
	s.notify(record)
}

// updateGeneration 更新生成记录；终态记录不会被改写
func (s *GenerationService) updateGeneration(id string, updates entity.GenerationUpdates) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.repo.UpdateGeneration(ctx, id, updates)
	if err != nil && !errors.Is(err, errs.ErrConflict) {
		logrus.WithError(err).WithField("generation_id", id).Error("failed to update generation")
	}
	return err
}

// notify 通知生成状态变化
func (s *GenerationService) notify(record entity.DbGeneration) {
	if s.notifyFunc != nil && record.UserID != 0 {
		s.notifyFunc(record.UserID, record.ToGeneration())
	}
}

// looksInline 判断是否为 data URL 或裸 base64 内容
func looksInline(value string) bool {
	if utils.IsDataURL(value) {
		return true
	}
	if len(value) < 64 {
		return false
	}
	for _, ch := range value {
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
		case ch == '+', ch == '/', ch == '=', ch == '\n', ch == '\r':
		default:
			return false
		}
	}
	return true
}

// appendStorageNotes 合并存储问题说明
func appendStorageNotes(existing string, notes []string) string {
	if len(notes) == 0 {
		return existing
	}
	combined := strings.Join(notes, "; ")
	if strings.TrimSpace(existing) == "" {
		return combined
	}
	return existing + "; " + combined
}

// computeInputBaseName 计算输入文件的基础名称（使用 MD5 哈希）
func computeInputBaseName(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// buildOutputBaseName 输出文件名由 task id 与序号决定，重试时写入同一对象
func buildOutputBaseName(taskID string, idx int) string {
	token := storage.SanitizeToken(taskID)
	if token == "" {
		token = "task"
	}
	if len(token) > 64 {
		token = token[:64]
	}
	return fmt.Sprintf("%s_%d", token, idx)
}
