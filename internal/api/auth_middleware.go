package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"productshot/internal/entity"
	"productshot/internal/errs"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	currentUserContextKey = "current-user"
)

// RequestUser 存储请求上下文中的认证用户信息
type RequestUser struct {
	ID          uint
	Email       string
	DisplayName string
	Role        string
}

// IsAdmin 判断用户是否具有审核额度申请的权限
func (u *RequestUser) IsAdmin() bool {
	return u != nil && u.Role == entity.UserRoleAdmin
}

// bearerToken 从授权头中提取 Bearer Token
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// authenticate 校验令牌并加载用户，失败时已写入响应
func (h *HTTPHandler) authenticate(c *gin.Context, token string) (*RequestUser, bool) {
	claims, err := h.authManager.ParseToken(token)
	if err != nil {
		logrus.WithError(err).Warn("failed to parse jwt token")
		c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{
			Code:    ErrCodeSessionExpired,
			Message: "Token 无效或已过期",
		})
		return nil, false
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	user, err := h.repo.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{
				Code:    ErrCodeUserNotFound,
				Message: "用户不存在",
			})
			return nil, false
		}
		logrus.WithError(err).WithField("user_id", claims.UserID).Error("failed to load user")
		c.AbortWithStatusJSON(http.StatusInternalServerError, APIError{
			Code:    ErrCodeInternalError,
			Message: "验证用户失败",
		})
		return nil, false
	}

	if !user.IsActive {
		c.AbortWithStatusJSON(http.StatusForbidden, APIError{
			Code:    ErrCodeUserDisabled,
			Message: "账户已被禁用",
		})
		return nil, false
	}

	return &RequestUser{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        user.Role,
	}, true
}

// AuthMiddleware JWT 认证中间件
func (h *HTTPHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{
				Code:    ErrCodeUnauthorized,
				Message: "缺少或无效的授权头",
			})
			return
		}
		user, ok := h.authenticate(c, token)
		if !ok {
			return
		}
		c.Set(currentUserContextKey, user)
		c.Next()
	}
}

// OptionalAuthMiddleware 携带令牌时校验并注入用户，未携带时匿名放行
func (h *HTTPHandler) OptionalAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.Next()
			return
		}
		user, ok := h.authenticate(c, token)
		if !ok {
			return
		}
		c.Set(currentUserContextKey, user)
		c.Next()
	}
}

// RequireAdmin 管理员权限守卫中间件
func (h *HTTPHandler) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil || !user.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, APIError{
				Code:    ErrCodeForbidden,
				Message: "需要管理员权限",
			})
			return
		}
		c.Next()
	}
}

// CurrentUser 从上下文获取当前认证用户
func CurrentUser(c *gin.Context) *RequestUser {
	value, exists := c.Get(currentUserContextKey)
	if !exists {
		return nil
	}
	user, ok := value.(*RequestUser)
	if !ok {
		return nil
	}
	return user
}
