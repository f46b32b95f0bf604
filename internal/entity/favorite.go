package entity

import "time"

// DbFavorite bookmarks one output image of one generation. The composite
// unique index enforces at most one favorite per (user, generation, index).
type DbFavorite struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)"`
	CreatedAt    time.Time `gorm:"index"`
	UserID       uint      `gorm:"column:user_id;not null;uniqueIndex:idx_favorite_triple,priority:1"`
	GenerationID string    `gorm:"column:generation_id;type:varchar(36);not null;uniqueIndex:idx_favorite_triple,priority:2"`
	ImageIndex   int       `gorm:"column:image_index;not null;uniqueIndex:idx_favorite_triple,priority:3"`
}

// TableName 指定表名
func (DbFavorite) TableName() string {
	return "favorites"
}

// ToFavorite converts the row to its wire representation.
func (f *DbFavorite) ToFavorite() Favorite {
	return Favorite{
		ID:           f.ID,
		UserID:       f.UserID,
		GenerationID: f.GenerationID,
		ImageIndex:   f.ImageIndex,
		CreatedAt:    f.CreatedAt.UTC(),
	}
}

// Favorite is the wire representation of a favorite.
type Favorite struct {
	ID           string    `json:"id"`
	UserID       uint      `json:"user_id"`
	GenerationID string    `json:"generation_id"`
	ImageIndex   int       `json:"image_index"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateFavoriteRequest is the payload for bookmarking an image.
type CreateFavoriteRequest struct {
	GenerationID string `json:"generation_id" binding:"required"`
	ImageIndex   *int   `json:"image_index" binding:"required"`
}

// FavoriteListResponse is returned by the favorites listing endpoint.
type FavoriteListResponse struct {
	Favorites []Favorite `json:"favorites"`
}
