package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"productshot/internal/entity"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GetQuota 返回当前用户的额度
func (h *HTTPHandler) GetQuota(c *gin.Context) {
	user := CurrentUser(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	quota, err := h.repo.GetQuota(ctx, user.ID)
	if err != nil {
		RespondError(c, err, ErrCodeUserNotFound)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, quota)
}

// SubmitQuotaApplication 提交额度申请，登录用户的申请会关联到账号
func (h *HTTPHandler) SubmitQuotaApplication(c *gin.Context) {
	var req entity.QuotaApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	app := &entity.DbQuotaApplication{
		Email:          strings.ToLower(strings.TrimSpace(req.Email)),
		Reason:         strings.TrimSpace(req.Reason),
		Feedback:       strings.TrimSpace(req.Feedback),
		QuotaRemaining: req.QuotaRemaining,
		QuotaUsed:      req.QuotaUsed,
	}
	if user := CurrentUser(c); user != nil {
		id := user.ID
		app.UserID = &id
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.repo.CreateQuotaApplication(ctx, app); err != nil {
		RespondError(c, err, "")
		return
	}
	logrus.WithFields(logrus.Fields{
		"application_id": app.ID,
		"email":          app.Email,
	}).Info("quota application submitted")
	c.JSON(http.StatusCreated, app.ToQuotaApplication())
}

// ListQuotaApplications 管理员查看额度申请，可按 status 过滤
func (h *HTTPHandler) ListQuotaApplications(c *gin.Context) {
	status := entity.QuotaApplicationStatus(strings.TrimSpace(c.Query("status")))
	if status != "" && !status.Valid() {
		BadRequest(c, ErrCodeInvalidRequest, "unknown status")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	apps, err := h.repo.ListQuotaApplications(ctx, status)
	if err != nil {
		RespondError(c, err, "")
		return
	}
	out := make([]entity.QuotaApplication, 0, len(apps))
	for i := range apps {
		out = append(out, apps[i].ToQuotaApplication())
	}
	c.JSON(http.StatusOK, entity.QuotaApplicationListResponse{Applications: out})
}

// ReviewQuotaApplication 管理员审核额度申请
func (h *HTTPHandler) ReviewQuotaApplication(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		BadRequest(c, ErrCodeInvalidRequest, "invalid application id")
		return
	}

	var review entity.QuotaApplicationReview
	if err := c.ShouldBindJSON(&review); err != nil {
		InvalidPayload(c)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	app, err := h.repo.ReviewQuotaApplication(ctx, uint(id), review)
	if err != nil {
		RespondError(c, err, ErrCodeApplicationNotFound)
		return
	}
	logrus.WithFields(logrus.Fields{
		"application_id": app.ID,
		"status":         app.Status,
		"granted":        app.Granted,
		"reviewer_id":    CurrentUser(c).ID,
	}).Info("quota application reviewed")
	c.JSON(http.StatusOK, app.ToQuotaApplication())
}
