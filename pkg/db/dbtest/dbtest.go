// Package dbtest opens an isolated in-memory SQLite database carrying the
// slotbroker schema, for repository and service tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE platforms (
		id INTEGER PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		has_profiles BOOLEAN NOT NULL DEFAULT 1,
		max_profiles_per_account INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE offers (
		id INTEGER PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		duration_days INTEGER NOT NULL,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE offer_legs (
		id INTEGER PRIMARY KEY,
		offer_id INTEGER NOT NULL,
		platform_id INTEGER NOT NULL,
		profile_count INTEGER NOT NULL
	)`,
	`CREATE TABLE accounts (
		id INTEGER PRIMARY KEY,
		platform_id INTEGER NOT NULL,
		label TEXT NOT NULL,
		credentials TEXT,
		provider_offer_id INTEGER,
		status TEXT NOT NULL,
		availability BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE profile_slots (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		slot_index INTEGER NOT NULL,
		name TEXT NOT NULL,
		bound_subscription_id INTEGER,
		bound_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME,
		UNIQUE (account_id, slot_index)
	)`,
	`CREATE TABLE subscriptions (
		id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		offer_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		start_date DATETIME,
		end_date DATETIME,
		activated_at DATETIME,
		expired_at DATETIME,
		cancelled_at DATETIME,
		renewal_count INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE subscription_legs (
		id INTEGER PRIMARY KEY,
		subscription_id INTEGER NOT NULL,
		platform_id INTEGER NOT NULL,
		slot_count INTEGER NOT NULL
	)`,
	`CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT,
		ip_address TEXT,
		user_agent TEXT,
		created_at DATETIME
	)`,
}

// Open returns a gorm handle on a fresh database. Row-locking clauses are
// stripped because SQLite has none; the single connection serializes every
// transaction instead.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripRowLocks)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripRowLocks)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func stripRowLocks(d *gorm.DB) {
	sql := d.Statement.SQL.String()
	if !strings.Contains(sql, "FOR UPDATE") {
		return
	}
	newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
	newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
	d.Statement.SQL.Reset()
	d.Statement.SQL.WriteString(newSQL)
}
