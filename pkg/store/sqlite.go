package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"tandem/pkg/logx"
)

// CurrentSchemaVersion is bumped with every schema change.
const CurrentSchemaVersion = 1

// SQLiteStore persists work items in a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// OpenSQLite opens (creating if needed) the database at dbPath and brings the
// schema up to date.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger := logx.NewLogger("store")
	logger.Info("📦 Database initialized: %s", dbPath)
	return &SQLiteStore{db: db, logger: logger}, nil
}

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		version = 0
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if version == CurrentSchemaVersion {
		return nil
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, CurrentSchemaVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			assigned_to TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			review_notes TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status)`,
		`DELETE FROM schema_version`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

// Save upserts item.
func (s *SQLiteStore) Save(ctx context.Context, item *WorkItem) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("work item id is required")
	}

	metadata := []byte("{}")
	if len(item.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(item.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", item.ID, err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, title, description, task_type, priority, status, assigned_to,
			parent_id, review_notes, metadata, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			task_type = excluded.task_type,
			priority = excluded.priority,
			status = excluded.status,
			assigned_to = excluded.assigned_to,
			parent_id = excluded.parent_id,
			review_notes = excluded.review_notes,
			metadata = excluded.metadata,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		item.ID, item.Title, item.Description, string(item.Type), string(item.Priority), string(item.Status),
		item.AssignedTo, item.ParentID, item.ReviewNotes, string(metadata),
		formatTime(item.CreatedAt), formatTimePtr(item.StartedAt), formatTimePtr(item.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save work item %s: %w", item.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, title, description, task_type, priority, status, assigned_to,
	parent_id, review_notes, metadata, created_at, started_at, completed_at FROM work_items`

func (s *SQLiteStore) Load(ctx context.Context, id string) (*WorkItem, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load work item %s: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status) ([]*WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate work items: %w", err)
	}

	sortItems(items)
	return items, nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counts: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*WorkItem, error) {
	var (
		item                   WorkItem
		taskType, prio, status string
		metadata, createdAt    string
		startedAt, completedAt sql.NullString
	)
	if err := r.Scan(&item.ID, &item.Title, &item.Description, &taskType, &prio, &status,
		&item.AssignedTo, &item.ParentID, &item.ReviewNotes, &metadata, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with the item id
	}
	item.Type = TaskType(taskType)
	item.Priority = Priority(prio)
	item.Status = Status(status)

	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	var err error
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if item.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if item.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &item, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil //nolint:nilnil // absent timestamp
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
