package repositoryimpl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/forgeops/pipeforge/internal/task"
	"github.com/forgeops/pipeforge/pkg/cerr"
)

// SQLiteRepository is the relational Task Store backend. The status and
// timestamps are promoted to indexed columns for the background sweeps;
// the aggregate itself is stored as a serialized document, matching the
// read-modify-write access pattern of the engine.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) a SQLite-backed store at dbPath.
// Enables WAL mode and a busy timeout so the background processors and the
// coordinator can share the database.
func NewSQLiteRepository(ctx context.Context, dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	r := &SQLiteRepository{db: db}
	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		doc TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_updated_at ON tasks(status, updated_at);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Create(ctx context.Context, t *task.Task) error {
	doc, err := yaml.Marshal(t)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task: %w", err))
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, string(t.Status), string(doc), t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return cerr.NewError(cerr.AlreadyExists, "task already exists", err)
		}
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to insert task: %w", err))
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*task.Task, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT doc FROM tasks WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cerr.NewError(cerr.NotFound, "task not found", err)
	}
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to query task: %w", err))
	}
	return unmarshalTask(doc)
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*task.Task, error) {
	return r.query(ctx, `SELECT doc FROM tasks ORDER BY id`)
}

func (r *SQLiteRepository) Update(ctx context.Context, t *task.Task) error {
	doc, err := yaml.Marshal(t)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task: %w", err))
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, doc = ?, updated_at = ? WHERE id = ?`,
		string(t.Status), string(doc), t.UpdatedAt.UTC(), t.ID,
	)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to update task: %w", err))
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return cerr.NewError(cerr.NotFound, "task not found", nil)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to delete task: %w", err))
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return cerr.NewError(cerr.NotFound, "task not found", nil)
	}
	return nil
}

func (r *SQLiteRepository) FindByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return r.query(ctx, `SELECT doc FROM tasks WHERE status = ? ORDER BY id`, string(status))
}

func (r *SQLiteRepository) FindStale(ctx context.Context, status task.Status, olderThan time.Time) ([]*task.Task, error) {
	return r.query(ctx,
		`SELECT doc FROM tasks WHERE status = ? AND updated_at < ? ORDER BY id`,
		string(status), olderThan.UTC(),
	)
}

func (r *SQLiteRepository) query(ctx context.Context, q string, args ...any) ([]*task.Task, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to query tasks: %w", err))
	}
	defer rows.Close()

	var all []*task.Task
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to scan task: %w", err))
		}
		t, err := unmarshalTask(doc)
		if err != nil {
			return nil, err
		}
		all = append(all, t)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to iterate tasks: %w", err))
	}
	return all, nil
}

func unmarshalTask(doc string) (*task.Task, error) {
	var t task.Task
	if err := yaml.Unmarshal([]byte(doc), &t); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal task: %w", err))
	}
	return &t, nil
}
