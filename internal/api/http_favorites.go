package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"productshot/internal/entity"
	"productshot/internal/errs"
	"productshot/internal/metrics"

	"github.com/gin-gonic/gin"
)

// ListFavorites 列出当前用户的收藏
func (h *HTTPHandler) ListFavorites(c *gin.Context) {
	user := CurrentUser(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	records, err := h.repo.ListFavorites(ctx, user.ID)
	if err != nil {
		RespondError(c, err, "")
		return
	}
	out := make([]entity.Favorite, 0, len(records))
	for i := range records {
		out = append(out, records[i].ToFavorite())
	}
	c.JSON(http.StatusOK, entity.FavoriteListResponse{Favorites: out})
}

// CreateFavorite 收藏一张输出图；同一 (generation, index) 重复收藏返回 409
func (h *HTTPHandler) CreateFavorite(c *gin.Context) {
	user := CurrentUser(c)

	var req entity.CreateFavoriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	fav := &entity.DbFavorite{
		UserID:       user.ID,
		GenerationID: req.GenerationID,
		ImageIndex:   *req.ImageIndex,
	}
	if err := h.repo.CreateFavorite(ctx, fav); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			metrics.RecordFavoriteConflict()
		}
		RespondError(c, err, ErrCodeGenerationNotFound)
		return
	}
	c.JSON(http.StatusCreated, fav.ToFavorite())
}

// DeleteFavorite 删除收藏，不存在时返回 404
func (h *HTTPHandler) DeleteFavorite(c *gin.Context) {
	user := CurrentUser(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.repo.DeleteFavorite(ctx, user.ID, c.Param("id")); err != nil {
		RespondError(c, err, ErrCodeFavoriteNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}
