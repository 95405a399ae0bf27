// Package testutil opens an in-memory sqlite database carrying the quota schema.
package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS plans (
		id               BIGINT PRIMARY KEY,
		name             TEXT NOT NULL,
		price_ref        TEXT,
		product_ref      TEXT,
		billing_interval TEXT NOT NULL DEFAULT 'month',
		limits           TEXT NOT NULL DEFAULT '{}',
		tenant_id        BIGINT,
		is_active        BOOLEAN NOT NULL DEFAULT TRUE,
		manual_invoicing BOOLEAN NOT NULL DEFAULT FALSE,
		metadata         TEXT,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS plans_shared_name_uniq ON plans (name) WHERE tenant_id IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS plans_manual_tenant_uniq ON plans (tenant_id) WHERE manual_invoicing AND is_active`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id               BIGINT PRIMARY KEY,
		tenant_id        BIGINT NOT NULL UNIQUE,
		plan             TEXT NOT NULL,
		status           TEXT NOT NULL,
		customer_ref     TEXT,
		subscription_ref TEXT,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS usage_ledger (
		id            BIGINT PRIMARY KEY,
		tenant_id     BIGINT NOT NULL,
		metric_name   TEXT NOT NULL,
		period_date   DATE NOT NULL,
		current_usage BIGINT NOT NULL DEFAULT 0 CHECK (current_usage >= 0),
		limit_value   DOUBLE PRECISION,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL,
		UNIQUE (tenant_id, metric_name, period_date)
	)`,
	`CREATE TABLE IF NOT EXISTS billing_events (
		id          BIGINT PRIMARY KEY,
		tenant_id   BIGINT NOT NULL,
		event_type  TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		increment   BIGINT NOT NULL DEFAULT 0,
		occurred_at TIMESTAMP NOT NULL,
		metadata    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id     TEXT NOT NULL,
		consumer     TEXT NOT NULL,
		provider     TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (event_id, consumer)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id          BIGINT PRIMARY KEY,
		tenant_id   BIGINT,
		actor_type  TEXT NOT NULL,
		actor_id    TEXT,
		action      TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id   TEXT,
		metadata    TEXT,
		created_at  TIMESTAMP NOT NULL
	)`,
}

// OpenDB returns a private in-memory database with every quota table created.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
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

// Node returns a snowflake node for test IDs.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}
