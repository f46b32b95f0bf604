package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"productshot/internal/entity"

	"github.com/gin-gonic/gin"
)

// ListGenerations 列出当前用户的生成记录
//
// 携带 updated_since（RFC3339）时返回此后变更的记录，包含软删除墓碑；
// 响应中的 server_time 在查询前取得，可直接作为下一次增量同步的起点。
func (h *HTTPHandler) ListGenerations(c *gin.Context) {
	user := CurrentUser(c)
	serverTime := time.Now().UTC()

	var since *time.Time
	if raw := strings.TrimSpace(c.Query("updated_since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			BadRequest(c, ErrCodeInvalidRequest, "updated_since must be RFC3339")
			return
		}
		since = &parsed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	records, err := h.repo.ListGenerations(ctx, user.ID, since)
	if err != nil {
		RespondError(c, err, "")
		return
	}

	out := make([]entity.Generation, 0, len(records))
	for i := range records {
		out = append(out, records[i].ToGeneration())
	}
	c.JSON(http.StatusOK, entity.GenerationListResponse{Generations: out, ServerTime: serverTime})
}

// GetGenerationByTaskID 按客户端生成的 task id 查询，供客户端轮询
func (h *HTTPHandler) GetGenerationByTaskID(c *gin.Context) {
	user := CurrentUser(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	record, err := h.repo.GetGenerationByTaskID(ctx, user.ID, c.Param("task_id"))
	if err != nil {
		RespondError(c, err, ErrCodeGenerationNotFound)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, record.ToGeneration())
}

// CreateGeneration 提交生成任务；首次受理返回 201，重复提交返回 200 与已有记录
func (h *HTTPHandler) CreateGeneration(c *gin.Context) {
	user := CurrentUser(c)

	var req entity.CreateGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	gen, existed, err := h.generationService.Submit(ctx, user.ID, req)
	if err != nil {
		RespondError(c, err, "")
		return
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	c.JSON(status, gen)
}

// DeleteGeneration 软删除生成记录，ref 可以是记录 id 或 task id
func (h *HTTPHandler) DeleteGeneration(c *gin.Context) {
	user := CurrentUser(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.repo.SoftDeleteGeneration(ctx, user.ID, c.Param("ref")); err != nil {
		RespondError(c, err, ErrCodeGenerationNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}
