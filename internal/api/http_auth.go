package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"productshot/internal/auth"
	"productshot/internal/entity"
	"productshot/internal/errs"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Register 注册新用户，第一个注册的用户成为管理员
func (h *HTTPHandler) Register(c *gin.Context) {
	var req entity.AuthRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	count, err := h.repo.CountUsers(ctx)
	if err != nil {
		logrus.WithError(err).Error("failed to count users during registration")
		InternalError(c, "failed to process registration")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		BadRequest(c, ErrCodeInvalidRequest, err.Error())
		return
	}

	role := entity.UserRoleUser
	if count == 0 {
		role = entity.UserRoleAdmin
	}
	user := &entity.DbUser{
		Email:          strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash:   hash,
		DisplayName:    strings.TrimSpace(req.DisplayName),
		Role:           role,
		IsActive:       true,
		QuotaRemaining: h.cfg.DefaultQuota,
	}

	if err := h.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			Conflict(c, ErrCodeEmailExists, "email already registered")
			return
		}
		logrus.WithError(err).Error("failed to create user")
		InternalError(c, "failed to register user")
		return
	}

	logrus.WithFields(logrus.Fields{"user_id": user.ID, "role": role}).Info("user registered")
	h.respondWithToken(c, http.StatusCreated, user)
}

// Login 邮箱密码登录
func (h *HTTPHandler) Login(c *gin.Context) {
	var req entity.AuthLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := h.repo.GetUserByEmail(ctx, email)
	if err != nil {
		logrus.WithError(err).WithField("email", email).Warn("login attempt failed")
		ErrorResponse(c, http.StatusUnauthorized, ErrCodeInvalidCredentials, "invalid email or password")
		return
	}

	if !user.IsActive {
		ErrorResponse(c, http.StatusForbidden, ErrCodeUserDisabled, "user is disabled")
		return
	}

	if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		logrus.WithError(err).WithField("email", email).Warn("password verification failed")
		ErrorResponse(c, http.StatusUnauthorized, ErrCodeInvalidCredentials, "invalid email or password")
		return
	}

	h.respondWithToken(c, http.StatusOK, user)
}

// Me 返回当前用户信息
func (h *HTTPHandler) Me(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		Unauthorized(c, "authentication required")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbUser, err := h.repo.GetUserByID(ctx, user.ID)
	if err != nil {
		RespondError(c, err, ErrCodeUserNotFound)
		return
	}
	c.JSON(http.StatusOK, makeUserSummary(dbUser))
}

func (h *HTTPHandler) respondWithToken(c *gin.Context, status int, user *entity.DbUser) {
	token, expiresAt, err := h.authManager.GenerateToken(user)
	if err != nil {
		logrus.WithError(err).Error("failed to generate token")
		InternalError(c, "failed to create session")
		return
	}
	c.JSON(status, entity.AuthResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      makeUserSummary(user),
	})
}

func makeUserSummary(user *entity.DbUser) entity.UserSummary {
	if user == nil {
		return entity.UserSummary{}
	}
	return entity.UserSummary{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        user.Role,
		CreatedAt:   user.CreatedAt,
	}
}
