// Package task drives a single generation from submission to a settled
// outcome.
//
// A task id is minted on the device before anything is sent, so a submission
// can be retried after a transport failure without spending quota twice: the
// backend deduplicates by (user, task id).
package task

import (
	"context"
	"time"

	"productshot/internal/entity"
)

// State is the client-side lifecycle of a task.
type State string

const (
	StateCreated   State = "created"
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	// StateExpired means the client stopped waiting. The server may still
	// finish the generation; it then shows up on the next cache sync.
	StateExpired State = "expired"
	// StateCancelled means the caller went away. Client only.
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the machine stops driving the task in s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired, StateCancelled:
		return true
	default:
		return false
	}
}

// Task is a snapshot of one generation request as tracked by the machine.
type Task struct {
	ID          string
	Type        entity.TaskType
	InputImages []string
	Params      entity.JSONMap

	State State
	// GenerationID is the server id, known once the submission is accepted.
	GenerationID string
	// Generation is set once the task completed.
	Generation *entity.Generation
	// Err is the last error seen. Nil for completed tasks.
	Err error

	Polls     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PollConfig bounds the wait for a submitted generation.
type PollConfig struct {
	// Interval is the first delay between polls; it doubles up to MaxInterval.
	Interval    time.Duration
	MaxInterval time.Duration
	// MaxWait is how long to poll before the task expires.
	MaxWait time.Duration
}

// DefaultPollConfig mirrors the client configuration defaults.
var DefaultPollConfig = PollConfig{
	Interval:    2 * time.Second,
	MaxInterval: 30 * time.Second,
	MaxWait:     10 * time.Minute,
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollConfig.Interval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultPollConfig.MaxInterval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultPollConfig.MaxWait
	}
	return c
}

// Remote is the part of the backend the machine talks to.
type Remote interface {
	CreateGeneration(ctx context.Context, req entity.CreateGenerationRequest) (entity.Generation, error)
	GetGenerationByTaskID(ctx context.Context, taskID string) (entity.Generation, error)
}

// Cache receives settled generations and deletions.
type Cache interface {
	RecordCompletion(ctx context.Context, gen entity.Generation) error
	DeleteGeneration(ctx context.Context, ref string) error
}

// Quota is the advisory ledger consulted around submissions.
type Quota interface {
	Gate() error
	ApplyAcceptedTask()
	RefreshAsync()
}
