package entity

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// GenerationStatus is the lifecycle status of a generation as seen by the server.
type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationProcessing GenerationStatus = "processing"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s GenerationStatus) IsTerminal() bool {
	return s == GenerationCompleted || s == GenerationFailed
}

// CanTransition reports whether moving from s to next is allowed. Terminal
// statuses never revert.
func (s GenerationStatus) CanTransition(next GenerationStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if s == GenerationProcessing && next == GenerationPending {
		return false
	}
	return next.Valid()
}

// Valid reports whether s is one of the known statuses.
func (s GenerationStatus) Valid() bool {
	switch s {
	case GenerationPending, GenerationProcessing, GenerationCompleted, GenerationFailed:
		return true
	default:
		return false
	}
}

// ParseGenerationStatus maps loosely spelled status strings onto the four
// known statuses. Unknown values are treated as still processing.
func ParseGenerationStatus(status string) GenerationStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pending", "queued", "in_queue", "created":
		return GenerationPending
	case "processing", "running", "in_progress", "started":
		return GenerationProcessing
	case "completed", "succeeded", "success", "done":
		return GenerationCompleted
	case "failed", "failure", "error", "cancelled", "canceled":
		return GenerationFailed
	default:
		return GenerationProcessing
	}
}

// TaskType enumerates the kinds of product photography generation.
type TaskType string

const (
	TaskTypeProductScene TaskType = "product_scene"
	TaskTypeVirtualModel TaskType = "virtual_model"
	TaskTypeBackground   TaskType = "background_replace"
	TaskTypeUpscale      TaskType = "upscale"
)

// Valid reports whether t is a supported task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeProductScene, TaskTypeVirtualModel, TaskTypeBackground, TaskTypeUpscale:
		return true
	default:
		return false
	}
}

// DbGeneration is the authoritative generation row.
type DbGeneration struct {
	ID        string         `gorm:"primaryKey;type:varchar(36)"`
	CreatedAt time.Time      `gorm:"index"`
	UpdatedAt time.Time      `gorm:"index"`
	DeletedAt gorm.DeletedAt `gorm:"index"`

	UserID   uint   `gorm:"column:user_id;not null;uniqueIndex:idx_generation_user_task,priority:1"`
	TaskID   string `gorm:"column:task_id;type:varchar(64);not null;uniqueIndex:idx_generation_user_task,priority:2"`
	TaskType string `gorm:"column:task_type;type:varchar(64);not null"`
	Status   string `gorm:"column:status;type:varchar(32);not null;index"`

	InputImages      StringArray `gorm:"column:input_images;type:json"`
	OutputImages     StringArray `gorm:"column:output_images;type:json"`
	OutputModes      StringArray `gorm:"column:output_modes;type:json"`
	OutputModelTypes StringArray `gorm:"column:output_model_types;type:json"`
	Params           JSONMap     `gorm:"column:params;type:json"`

	ErrorMessage string `gorm:"column:error_message;type:text"`
}

// TableName 指定表名
func (DbGeneration) TableName() string {
	return "generations"
}

// ToGeneration converts the row to its wire representation.
func (g *DbGeneration) ToGeneration() Generation {
	out := Generation{
		ID:               g.ID,
		TaskID:           g.TaskID,
		UserID:           g.UserID,
		TaskType:         TaskType(g.TaskType),
		Status:           GenerationStatus(g.Status),
		InputImages:      g.InputImages.ToSlice(),
		OutputImages:     g.OutputImages.ToSlice(),
		OutputModes:      g.OutputModes.ToSlice(),
		OutputModelTypes: g.OutputModelTypes.ToSlice(),
		Params:           g.Params.Clone(),
		ErrorMessage:     g.ErrorMessage,
		CreatedAt:        g.CreatedAt.UTC(),
		UpdatedAt:        g.UpdatedAt.UTC(),
	}
	if g.DeletedAt.Valid {
		deleted := g.DeletedAt.Time.UTC()
		out.DeletedAt = &deleted
	}
	return out
}

// Generation is one image-production request and its outcome as exchanged
// between the backend and the client engine.
type Generation struct {
	ID               string           `json:"id"`
	TaskID           string           `json:"task_id"`
	UserID           uint             `json:"user_id"`
	TaskType         TaskType         `json:"task_type"`
	Status           GenerationStatus `json:"status"`
	InputImages      []string         `json:"input_images"`
	OutputImages     []string         `json:"output_images"`
	OutputModes      []string         `json:"output_modes"`
	OutputModelTypes []string         `json:"output_model_types"`
	Params           JSONMap          `json:"params,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	DeletedAt        *time.Time       `json:"deleted_at,omitempty"`
}

// Deleted reports whether the generation was soft-deleted.
func (g Generation) Deleted() bool {
	return g.DeletedAt != nil
}

// CreateGenerationRequest submits a generation. TaskID is minted by the
// client and makes the submission idempotent.
type CreateGenerationRequest struct {
	TaskID      string   `json:"task_id" binding:"required"`
	TaskType    TaskType `json:"task_type" binding:"required"`
	InputImages []string `json:"input_images"`
	Params      JSONMap  `json:"params,omitempty"`
}

// GenerationListResponse is returned by the generation listing endpoint.
type GenerationListResponse struct {
	Generations []Generation `json:"generations"`
	ServerTime  time.Time    `json:"server_time"`
}

// GenerationUpdates 生成记录更新字段
type GenerationUpdates struct {
	Status           *GenerationStatus
	OutputImages     *StringArray
	OutputModes      *StringArray
	OutputModelTypes *StringArray
	InputImages      *StringArray
	ErrorMessage     *string
}

// ToMap 转换为 GORM 更新 map（内部使用）
func (u GenerationUpdates) ToMap() map[string]interface{} {
	updates := make(map[string]interface{})
	if u.Status != nil {
		updates["status"] = string(*u.Status)
	}
	if u.OutputImages != nil {
		updates["output_images"] = *u.OutputImages
	}
	if u.OutputModes != nil {
		updates["output_modes"] = *u.OutputModes
	}
	if u.OutputModelTypes != nil {
		updates["output_model_types"] = *u.OutputModelTypes
	}
	if u.InputImages != nil {
		updates["input_images"] = *u.InputImages
	}
	if u.ErrorMessage != nil {
		updates["error_message"] = *u.ErrorMessage
	}
	return updates
}

// IsEmpty 检查是否没有任何更新字段
func (u GenerationUpdates) IsEmpty() bool {
	return len(u.ToMap()) == 0
}
