// Package localstore is the durable on-device store backing the client
// cache. Records are opaque JSON payloads grouped in named collections and
// keyed by a string id; the last write for a key wins.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"productshot/internal/dbconn"
	"productshot/internal/errs"
	"productshot/internal/metrics"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is one cached row.
type Record struct {
	Collection string    `gorm:"primaryKey;type:varchar(64)"`
	Key        string    `gorm:"column:record_key;primaryKey;type:varchar(128)"`
	Payload    []byte    `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"index"`
}

// TableName 指定表名
func (Record) TableName() string {
	return "records"
}

// SyncMeta stores sync bookkeeping such as the last full/delta sync time.
type SyncMeta struct {
	Key       string `gorm:"column:meta_key;primaryKey;type:varchar(64)"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// TableName 指定表名
func (SyncMeta) TableName() string {
	return "sync_meta"
}

// Entry is a key and its stored payload.
type Entry struct {
	Key     string
	Payload []byte
}

// Store is a lazily opened sqlite database. Several Store values may point at
// the same file; sqlite serialises their writes.
type Store struct {
	path string

	group singleflight.Group
	mu    sync.RWMutex
	db    *gorm.DB
}

// Open returns a Store for path without touching the file system. The
// connection is established by Init or the first operation.
func Open(path string) *Store {
	return &Store{path: strings.TrimSpace(path)}
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Init opens and migrates the database. It is safe to call repeatedly and
// concurrently; callers racing on the first call share one attempt. A failed
// attempt is retried by the next call.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.conn(ctx)
	return err
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db != nil {
		return db, nil
	}

	ch := s.group.DoChan("init", func() (interface{}, error) {
		s.mu.RLock()
		existing := s.db
		s.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		opened, err := s.open()
		if err != nil {
			metrics.RecordStorageError("init")
			logrus.WithError(err).WithField("path", s.path).Warn("local store unavailable")
			return nil, err
		}
		s.mu.Lock()
		s.db = opened
		s.mu.Unlock()
		return opened, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("open local store: %w: %w", errs.ErrStorageUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*gorm.DB), nil
	}
}

func (s *Store) open() (*gorm.DB, error) {
	if s.path == "" {
		return nil, fmt.Errorf("local store path is empty: %w", errs.ErrStorageUnavailable)
	}
	if err := dbconn.EnsureParentDir(s.path, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrStorageUnavailable, err)
	}

	// WAL 允许多个句柄同时读，busy_timeout 让并发写入排队而不是立即失败
	dsn := s.path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	// 单连接，所有操作在同一连接上串行执行
	db, err := dbconn.Open(sqlite.Open(dsn), dbconn.Options{
		Component:    "localstore",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w: %w", s.path, errs.ErrStorageUnavailable, err)
	}

	// 另一个句柄可能正在同时建表
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dbconn.Migrate(ctx, db, 3, &Record{}, &SyncMeta{}); err != nil {
		_ = dbconn.Close(db)
		return nil, fmt.Errorf("migrate %q: %w: %w", s.path, errs.ErrStorageUnavailable, err)
	}
	return db, nil
}

// unavailable wraps a database failure as ErrStorageUnavailable.
func unavailable(op string, err error) error {
	metrics.RecordStorageError(op)
	return fmt.Errorf("local store %s: %w: %w", op, errs.ErrStorageUnavailable, err)
}

// Get returns the payload stored under collection/key, or errs.ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rec Record
	err = db.WithContext(ctx).Where("collection = ? AND record_key = ?", collection, key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", collection, key, errs.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return rec.Payload, nil
}

// Put upserts payload under collection/key.
func (s *Store) Put(ctx context.Context, collection, key string, payload []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("put into %s: empty key: %w", collection, errs.ErrInvalidInput)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	rec := Record{Collection: collection, Key: key, Payload: payload, UpdatedAt: time.Now().UTC()}
	err = db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

// Delete removes collection/key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Where("collection = ? AND record_key = ?", collection, key).Delete(&Record{}).Error; err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// ListAll returns every entry of collection ordered by key.
func (s *Store) ListAll(ctx context.Context, collection string) ([]Entry, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var recs []Record
	if err := db.WithContext(ctx).Where("collection = ?", collection).Order("record_key").Find(&recs).Error; err != nil {
		return nil, unavailable("list", err)
	}
	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Entry{Key: rec.Key, Payload: rec.Payload})
	}
	return out, nil
}

// Clear removes every entry of collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Where("collection = ?", collection).Delete(&Record{}).Error; err != nil {
		return unavailable("clear", err)
	}
	return nil
}

// SyncMarker returns the time stored under name. ok is false when no marker
// has been recorded.
func (s *Store) SyncMarker(ctx context.Context, name string) (marker time.Time, ok bool, err error) {
	db, err := s.conn(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	var meta SyncMeta
	err = db.WithContext(ctx).Where("meta_key = ?", name).First(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, unavailable("marker", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, meta.Value)
	if err != nil {
		logrus.WithError(err).WithField("marker", name).Warn("discarding malformed sync marker")
		return time.Time{}, false, nil
	}
	return parsed, true, nil
}

// SetSyncMarker records marker under name.
func (s *Store) SetSyncMarker(ctx context.Context, name string, marker time.Time) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	meta := SyncMeta{Key: name, Value: marker.UTC().Format(time.RFC3339Nano), UpdatedAt: time.Now().UTC()}
	err = db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "meta_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&meta).Error
	if err != nil {
		return unavailable("marker", err)
	}
	return nil
}

// ClearSyncMarkers forgets every sync marker.
func (s *Store) ClearSyncMarkers(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Where("1 = 1").Delete(&SyncMeta{}).Error; err != nil {
		return unavailable("marker", err)
	}
	return nil
}

// Close releases the connection. The Store can be re-opened by Init.
func (s *Store) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	return dbconn.Close(db)
}
