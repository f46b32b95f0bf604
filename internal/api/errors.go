package api

import (
	"errors"
	"net/http"

	"productshot/internal/errs"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// 错误码定义
const (
	// 通用错误码 (1xxx)
	ErrCodeInvalidRequest     = "ERR_INVALID_REQUEST"
	ErrCodeUnauthorized       = "ERR_UNAUTHORIZED"
	ErrCodeForbidden          = "ERR_FORBIDDEN"
	ErrCodeNotFound           = "ERR_NOT_FOUND"
	ErrCodeConflict           = "ERR_CONFLICT"
	ErrCodeInternalError      = "ERR_INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "ERR_SERVICE_UNAVAILABLE"

	// 认证错误码 (2xxx)
	ErrCodeInvalidCredentials = "ERR_INVALID_CREDENTIALS"
	ErrCodeEmailExists        = "ERR_EMAIL_EXISTS"
	ErrCodeUserDisabled       = "ERR_USER_DISABLED"
	ErrCodeSessionExpired     = "ERR_SESSION_EXPIRED"
	ErrCodeUserNotFound       = "ERR_USER_NOT_FOUND"

	// 资源错误码 (3xxx)
	ErrCodeGenerationNotFound  = "ERR_GENERATION_NOT_FOUND"
	ErrCodeFavoriteNotFound    = "ERR_FAVORITE_NOT_FOUND"
	ErrCodeApplicationNotFound = "ERR_APPLICATION_NOT_FOUND"

	// 业务逻辑错误码 (4xxx)
	ErrCodeMissingField   = "ERR_MISSING_FIELD"
	ErrCodeQuotaExhausted = "ERR_QUOTA_EXHAUSTED"
)

// APIError 统一的 API 错误响应结构
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse 返回统一格式的错误响应
func ErrorResponse(c *gin.Context, status int, code string, message string) {
	c.JSON(status, APIError{
		Code:    code,
		Message: message,
	})
}

// ErrorResponseWithDetails 返回带详情的错误响应
func ErrorResponseWithDetails(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, APIError{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// 常用错误响应快捷函数

// BadRequest 400 错误请求
func BadRequest(c *gin.Context, code string, message string) {
	ErrorResponse(c, http.StatusBadRequest, code, message)
}

// Unauthorized 401 未授权
func Unauthorized(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden 403 禁止访问
func Forbidden(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// NotFound 404 资源不存在
func NotFound(c *gin.Context, code string, message string) {
	ErrorResponse(c, http.StatusNotFound, code, message)
}

// Conflict 409 资源冲突
func Conflict(c *gin.Context, code string, message string) {
	ErrorResponse(c, http.StatusConflict, code, message)
}

// InternalError 500 服务器内部错误
func InternalError(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ServiceUnavailable 503 服务不可用
func ServiceUnavailable(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, message)
}

// MissingField 缺少必填字段
func MissingField(c *gin.Context, field string) {
	ErrorResponseWithDetails(c, http.StatusBadRequest, ErrCodeMissingField, field+" is required", gin.H{"field": field})
}

// InvalidPayload 无效的请求体
func InvalidPayload(c *gin.Context) {
	ErrorResponse(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request payload")
}

// RespondError 将仓库与服务层的哨兵错误映射为 HTTP 状态码与错误码。
// notFoundCode 为资源不存在时使用的错误码。
func RespondError(c *gin.Context, err error, notFoundCode string) {
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		BadRequest(c, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		if notFoundCode == "" {
			notFoundCode = ErrCodeNotFound
		}
		NotFound(c, notFoundCode, "resource not found")
	case errors.Is(err, errs.ErrConflict):
		Conflict(c, ErrCodeConflict, err.Error())
	case errors.Is(err, errs.ErrQuotaExhausted):
		ErrorResponse(c, http.StatusPaymentRequired, ErrCodeQuotaExhausted, "generation quota exhausted")
	case errors.Is(err, errs.ErrUnauthorized):
		Unauthorized(c, "authentication required")
	default:
		logrus.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("request failed")
		InternalError(c, "internal error")
	}
}
