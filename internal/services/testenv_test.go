package services

import (
	"context"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/perivale/teamchat/internal/domain"
	"github.com/perivale/teamchat/internal/repo"
)

// newTestDB opens a throwaway migrated SQLite database for service tests.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "services_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// SQLite allows one writer; a single pooled connection keeps concurrent
	// test transactions from tripping over lock upgrades.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func mustUser(t *testing.T, db *gorm.DB, name string) *domain.User {
	t.Helper()
	u, err := repo.CreateUser(context.Background(), db, name, false)
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func mustChannel(t *testing.T, db *gorm.DB, name string) *domain.Channel {
	t.Helper()
	c, err := repo.CreateChannel(context.Background(), db, name, false)
	if err != nil {
		t.Fatalf("create channel %s: %v", name, err)
	}
	return c
}

func storedCount(t *testing.T, db *gorm.DB, channelID string) int64 {
	t.Helper()
	c, err := repo.GetChannel(context.Background(), db, channelID)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	return c.SubscriberCount
}
