// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers database creation, directory setup and column migrations

package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestSQLiteStore_MigratesDomainsCount(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")

	// Create a database with the schema from before domains_count existed
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("opening raw database: %v", err)
	}
	_, err = db.Exec(`
		CREATE TABLE tasks (
			agent TEXT NOT NULL,
			task_id TEXT NOT NULL,
			target TEXT NOT NULL,
			status TEXT NOT NULL,
			assets_count INTEGER NOT NULL DEFAULT 0,
			leaks_count INTEGER NOT NULL DEFAULT 0,
			last_polled TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (agent, task_id)
		);
		INSERT INTO tasks (agent, task_id, target, status, created_at, updated_at)
		VALUES ('https://a:1', 't1', 'x', 'running', '2024-01-01T00:00:00.000000000Z', '2024-01-01T00:00:00.000000000Z');
	`)
	if err != nil {
		t.Fatalf("creating old schema: %v", err)
	}
	db.Close()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed on old schema: %v", err)
	}
	defer store.Close()

	task, err := store.GetTask(context.Background(), "https://a:1", "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Counts.Domains != 0 {
		t.Errorf("expected migrated domains_count 0, got %d", task.Counts.Domains)
	}

	// Running migrations again must be a no-op
	if err := store.runMigrations(); err != nil {
		t.Errorf("second migration run failed: %v", err)
	}
}
