package dbconn

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
)

type widget struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func TestEnsureParentDir(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "多级目录", path: filepath.Join(root, "a", "b", "c.db")},
		{name: "当前目录", path: "c.db"},
		{name: "父路径是文件", path: filepath.Join(blocker, "c.db"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EnsureParentDir(tt.path, 0o700)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if err == nil {
				if _, statErr := os.Stat(filepath.Dir(tt.path)); statErr != nil {
					t.Fatalf("directory missing: %v", statErr)
				}
			}
		})
	}
}

func TestOpenAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "w.db")
	if err := EnsureParentDir(path, 0o700); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	db, err := Open(sqlite.Open(path), Options{Component: "test", MaxOpenConns: 1, SingularTable: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = Close(db) })

	// 重复迁移是幂等的
	for i := 0; i < 2; i++ {
		if err := Migrate(context.Background(), db, 0, &widget{}); err != nil {
			t.Fatalf("migrate #%d: %v", i, err)
		}
	}
	if !db.Migrator().HasTable("widget") {
		t.Fatal("expected singular table name widget")
	}
	if err := db.Create(&widget{Name: "lens"}).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestMigrateStopsOnCancelledContext(t *testing.T) {
	db, err := Open(sqlite.Open(filepath.Join(t.TempDir(), "c.db")), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = Close(db) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Migrate(ctx, db, 3, &widget{}); err == nil {
		t.Fatal("expected cancelled migration to fail")
	}
}

func TestCloseNil(t *testing.T) {
	if err := Close(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
