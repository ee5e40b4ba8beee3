// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists agents and the task ledger with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Every write must hit disk before the call returns
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			address    TEXT PRIMARY KEY,
			username   TEXT NOT NULL,
			password   TEXT NOT NULL,
			token      TEXT NOT NULL DEFAULT '',
			added_at   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasks (
			agent         TEXT NOT NULL,
			task_id       TEXT NOT NULL,
			target        TEXT NOT NULL,
			status        TEXT NOT NULL,
			assets_count  INTEGER NOT NULL DEFAULT 0,
			leaks_count   INTEGER NOT NULL DEFAULT 0,
			last_polled   TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			PRIMARY KEY (agent, task_id)
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('tasks') WHERE name = 'domains_count'`,
			apply:  `ALTER TABLE tasks ADD COLUMN domains_count INTEGER NOT NULL DEFAULT 0`,
			column: "domains_count",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to tasks: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "tasks")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Sync checkpoints the write-ahead log into the main database file.
func (s *SQLiteStore) Sync(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpointing wal: %w", err)
	}
	return nil
}

// SaveAgent inserts or replaces an agent record
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *AgentRecord) error {
	if err := validateAgent(agent); err != nil {
		return err
	}
	now := time.Now().UTC()
	if agent.AddedAt.IsZero() {
		agent.AddedAt = now
	}
	agent.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (address, username, password, token, added_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			username = excluded.username,
			password = excluded.password,
			token = excluded.token,
			updated_at = excluded.updated_at
	`,
		agent.Address,
		agent.Username,
		agent.Password,
		agent.Token,
		agent.AddedAt.UTC().Format(time.RFC3339),
		agent.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving agent: %w", err)
	}

	s.logger.Debug("saved agent", "address", agent.Address)
	return nil
}

// GetAgent retrieves an agent by address.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, address string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT address, username, password, token, added_at, updated_at
		FROM agents
		WHERE address = ?
	`, address)

	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents ordered by the time they were added
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, username, password, token, added_at, updated_at
		FROM agents
		ORDER BY added_at, address
	`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent. Its ledger entries are kept.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, address string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted agent", "address", address)
	return nil
}

// PutTask inserts or replaces a ledger entry
func (s *SQLiteStore) PutTask(ctx context.Context, task *TaskRecord) error {
	if err := validateTask(task); err != nil {
		return err
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	var lastPolled any
	if !task.LastPolled.IsZero() {
		lastPolled = task.LastPolled.UTC().Format(tsLayout)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (agent, task_id, target, status, assets_count, leaks_count, domains_count,
		                   last_polled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent, task_id) DO UPDATE SET
			target = excluded.target,
			status = excluded.status,
			assets_count = excluded.assets_count,
			leaks_count = excluded.leaks_count,
			domains_count = excluded.domains_count,
			last_polled = excluded.last_polled,
			updated_at = excluded.updated_at
	`,
		task.Agent,
		task.TaskID,
		task.Target,
		task.Status,
		task.Counts.Assets,
		task.Counts.Leaks,
		task.Counts.Domains,
		lastPolled,
		task.CreatedAt.UTC().Format(tsLayout),
		task.UpdatedAt.Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("saving task: %w", err)
	}
	return nil
}

// GetTask retrieves one ledger entry.
// Returns ErrNotFound if the entry doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, agent, taskID string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent, task_id, target, status, assets_count, leaks_count, domains_count,
		       last_polled, created_at, updated_at
		FROM tasks
		WHERE agent = ? AND task_id = ?
	`, agent, taskID)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// ListTasks returns ledger entries matching the filter, oldest first
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	query := `
		SELECT agent, task_id, target, status, assets_count, leaks_count, domains_count,
		       last_polled, created_at, updated_at
		FROM tasks
	`
	var conds []string
	var args []any
	if filter.Agent != "" {
		conds = append(conds, "agent = ?")
		args = append(args, filter.Agent)
	}
	if len(filter.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")
		conds = append(conds, "status IN ("+placeholders+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, agent, task_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskRecord
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a ledger entry
func (s *SQLiteStore) DeleteTask(ctx context.Context, agent, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE agent = ? AND task_id = ?`, agent, taskID)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted task", "agent", agent, "task_id", taskID)
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var agent AgentRecord
	var addedAt, updatedAt string
	if err := row.Scan(&agent.Address, &agent.Username, &agent.Password, &agent.Token, &addedAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	agent.AddedAt, err = time.Parse(time.RFC3339, addedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing added_at: %w", err)
	}
	agent.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &agent, nil
}

func scanTask(row rowScanner) (*TaskRecord, error) {
	var task TaskRecord
	var lastPolled sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&task.Agent,
		&task.TaskID,
		&task.Target,
		&task.Status,
		&task.Counts.Assets,
		&task.Counts.Leaks,
		&task.Counts.Domains,
		&lastPolled,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.CreatedAt, err = time.Parse(tsLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	task.UpdatedAt, err = time.Parse(tsLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if lastPolled.Valid {
		task.LastPolled, err = time.Parse(tsLayout, lastPolled.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_polled: %w", err)
		}
	}
	return &task, nil
}
