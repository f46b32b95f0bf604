package localstore

import (
	"context"
	"encoding/json"
	"fmt"

	"productshot/internal/errs"

	"github.com/sirupsen/logrus"
)

// Collection is a typed view over one named collection of a Store.
type Collection[T any] struct {
	store *Store
	name  string
	key   func(T) string
}

// NewCollection binds name in store to values of T keyed by key.
func NewCollection[T any](store *Store, name string, key func(T) string) *Collection[T] {
	return &Collection[T]{store: store, name: name, key: key}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

// Get decodes the value stored under key.
func (c *Collection[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	raw, err := c.store.Get(ctx, c.name, key)
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("decode %s/%s: %w: %w", c.name, key, errs.ErrStorageUnavailable, err)
	}
	return v, nil
}

// Put stores v under its key.
func (c *Collection[T]) Put(ctx context.Context, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}
	return c.store.Put(ctx, c.name, c.key(v), raw)
}

// Delete removes key.
func (c *Collection[T]) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, c.name, key)
}

// ListAll decodes every value of the collection. Undecodable rows are
// skipped and logged.
func (c *Collection[T]) ListAll(ctx context.Context) ([]T, error) {
	entries, err := c.store.ListAll(ctx, c.name)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, entry := range entries {
		var v T
		if err := json.Unmarshal(entry.Payload, &v); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"collection": c.name,
				"key":        entry.Key,
			}).Warn("skipping undecodable cache row")
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Clear removes every value of the collection.
func (c *Collection[T]) Clear(ctx context.Context) error {
	return c.store.Clear(ctx, c.name)
}
