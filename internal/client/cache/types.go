package cache

import (
	"time"

	"productshot/internal/entity"
)

// SyncState tracks whether a cached record has been acknowledged by the
// server.
type SyncState string

const (
	// StateLocal is a local write the server has not acknowledged. Sync
	// retries it.
	StateLocal SyncState = "local"
	// StatePending is a local write whose remote call is in flight.
	StatePending SyncState = "pending"
	// StateReconciled mirrors the server.
	StateReconciled SyncState = "reconciled"
)

// CachedGeneration is the on-device copy of a generation.
type CachedGeneration struct {
	entity.Generation
	Sync     SyncState `json:"sync_state"`
	CachedAt time.Time `json:"cached_at"`
}

// CachedFavorite is the on-device copy of a favorite. Until the server
// acknowledges it, ID holds a temporary id equal to TempID.
type CachedFavorite struct {
	entity.Favorite
	TempID   string    `json:"temp_id,omitempty"`
	Sync     SyncState `json:"sync_state"`
	CachedAt time.Time `json:"cached_at"`
}

// Acknowledged reports whether the favorite carries a server id.
func (f CachedFavorite) Acknowledged() bool {
	return f.Sync == StateReconciled
}

// favoriteTombstone remembers a local removal until the server confirms it.
// ByTriple tombstones were never acknowledged, so they match a server
// favorite by (generation, index) instead of by id.
type favoriteTombstone struct {
	ID           string    `json:"id"`
	GenerationID string    `json:"generation_id"`
	ImageIndex   int       `json:"image_index"`
	ByTriple     bool      `json:"by_triple,omitempty"`
	RemovedAt    time.Time `json:"removed_at"`
}

// Selection is a purely local record of images the user picked from a
// generation.
type Selection struct {
	GenerationID string    `json:"generation_id"`
	ImageIndexes []int     `json:"image_indexes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChangeKind classifies entries of the change feed.
type ChangeKind string

const (
	ChangeGeneration ChangeKind = "generation"
	ChangeFavorite   ChangeKind = "favorite"
	ChangeSelection  ChangeKind = "selection"
	// ChangeReset means the whole projection was replaced.
	ChangeReset ChangeKind = "reset"
)

// Change is emitted after the projection is mutated.
type Change struct {
	Kind ChangeKind
	ID   string
}
