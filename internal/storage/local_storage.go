package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage persists files to the local filesystem.
type LocalStorage struct {
	baseDir    string
	publicBase string
}

// NewLocalStorage creates a LocalStorage instance. The directory is created if
// it does not exist. Returned URLs are rooted at publicBase, which the HTTP
// server mounts as a static file route.
func NewLocalStorage(baseDir, publicBase string) (*LocalStorage, error) {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		baseDir = "datas/images"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStorage{baseDir: baseDir, publicBase: publicBase}, nil
}

// LocalBaseDir returns the root directory used for storing files.
func (s *LocalStorage) LocalBaseDir() string {
	return s.baseDir
}

// Put writes the object to disk. The file is written to a temporary name
// first and renamed so that readers never observe a partial image.
func (s *LocalStorage) Put(ctx context.Context, obj Object) (Stored, error) {
	if len(obj.Data) == 0 {
		return Stored{}, errEmptyPayload
	}
	if err := ctx.Err(); err != nil {
		return Stored{}, err
	}

	key, err := objectKey("", obj)
	if err != nil {
		return Stored{}, err
	}
	absPath := filepath.Join(s.baseDir, filepath.FromSlash(key))
	stored := Stored{Key: key, URL: publicURL(s.publicBase, key)}

	if obj.SkipIfExists {
		if _, err := os.Stat(absPath); err == nil {
			stored.Reused = true
			return stored, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return Stored{}, fmt.Errorf("stat file: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return Stored{}, fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(absPath), ".upload-*")
	if err != nil {
		return Stored{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(obj.Data); err != nil {
		tmp.Close()
		return Stored{}, fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Stored{}, fmt.Errorf("close file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return Stored{}, fmt.Errorf("chmod file: %w", err)
	}
	if err := os.Rename(tmp.Name(), absPath); err != nil {
		return Stored{}, fmt.Errorf("rename file: %w", err)
	}
	return stored, nil
}

var _ Storage = (*LocalStorage)(nil)
var _ LocalBaseDirProvider = (*LocalStorage)(nil)
