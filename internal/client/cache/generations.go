package cache

import (
	"context"
	"errors"
	"fmt"

	"productshot/internal/errs"

	"github.com/sirupsen/logrus"
)

// DeleteGeneration soft-deletes a generation by id or task id. The cached
// record is hidden immediately; if the server cannot be reached the delete
// is retried by Sync and the transport error is returned.
func (r *Reconciler) DeleteGeneration(ctx context.Context, ref string) error {
	if ref == "" {
		return fmt.Errorf("generation ref is empty: %w", errs.ErrInvalidInput)
	}
	now := r.now()

	r.mu.Lock()
	var (
		prev  CachedGeneration
		found bool
	)
	if g, ok := r.generations[ref]; ok {
		prev, found = g, true
	} else {
		for _, g := range r.generations {
			if g.TaskID == ref {
				prev, found = g, true
				break
			}
		}
	}
	if found && prev.DeletedAt != nil && prev.Sync == StateReconciled {
		r.mu.Unlock()
		return nil
	}
	var rec CachedGeneration
	if found {
		rec = prev
		if rec.DeletedAt == nil {
			deleted := now
			rec.DeletedAt = &deleted
		}
		rec.Sync = StatePending
		r.generations[rec.ID] = rec
	}
	r.mu.Unlock()

	if found {
		r.putGeneration(rec)
		r.emit(Change{Kind: ChangeGeneration, ID: rec.ID})
		return r.pushGenerationDelete(ctx, rec)
	}

	return r.remote.SoftDeleteGeneration(ctx, ref)
}

// pushGenerationDelete sends a cached soft delete to the server.
func (r *Reconciler) pushGenerationDelete(ctx context.Context, rec CachedGeneration) error {
	err := r.remote.SoftDeleteGeneration(ctx, rec.ID)
	switch {
	case err == nil, errors.Is(err, errs.ErrNotFound):
		r.setGenerationState(rec.ID, StateReconciled, false)
		return nil
	case errors.Is(err, errs.ErrTransport):
		r.setGenerationState(rec.ID, StateLocal, false)
		return err
	default:
		r.log.WithError(err).WithFields(logrus.Fields{
			"generation_id": rec.ID,
			"task_id":       rec.TaskID,
		}).Warn("generation delete rejected, restoring cached record")
		r.setGenerationState(rec.ID, StateReconciled, true)
		return err
	}
}

func (r *Reconciler) setGenerationState(id string, state SyncState, restore bool) {
	r.mu.Lock()
	rec, ok := r.generations[id]
	if ok {
		rec.Sync = state
		if restore {
			rec.DeletedAt = nil
		}
		r.generations[id] = rec
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.putGeneration(rec)
	if restore {
		r.emit(Change{Kind: ChangeGeneration, ID: id})
	}
}
