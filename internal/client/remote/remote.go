// Package remote talks to the authoritative backend on behalf of the client
// engine.
package remote

import (
	"context"
	"time"

	"productshot/internal/entity"
)

// Client is the set of remote operations the client engine depends on.
type Client interface {
	// ListGenerations returns live generations, or, when since is set, every
	// generation changed after since including soft-deleted tombstones.
	ListGenerations(ctx context.Context, since *time.Time) (entity.GenerationListResponse, error)
	GetGenerationByTaskID(ctx context.Context, taskID string) (entity.Generation, error)
	CreateGeneration(ctx context.Context, req entity.CreateGenerationRequest) (entity.Generation, error)
	SoftDeleteGeneration(ctx context.Context, ref string) error

	ListFavorites(ctx context.Context) ([]entity.Favorite, error)
	CreateFavorite(ctx context.Context, generationID string, imageIndex int) (entity.Favorite, error)
	DeleteFavorite(ctx context.Context, id string) error

	GetQuota(ctx context.Context) (entity.Quota, error)
	SubmitQuotaApplication(ctx context.Context, req entity.QuotaApplicationRequest) (entity.QuotaApplication, error)

	GetBuildVersion(ctx context.Context) (string, error)
}
