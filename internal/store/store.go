// Package store persists plans, tasks, dependency edges, and error history
// in a SQLite database. It is a pure data and query layer: no side effects
// beyond persistence, no scheduling decisions.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/autoplan/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a task or plan id is unknown.
var ErrNotFound = errors.New("not found")

// ErrInvalidDependency is returned when a task references a dependency id
// that does not exist or belongs to a different plan.
var ErrInvalidDependency = errors.New("invalid dependency")

// Store manages the SQLite database holding the task graph.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if necessary) the database at dbPath and applies
// the schema. The parent directory is created for file-based databases.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// busy_timeout first so the remaining pragmas wait on locks held by a
	// concurrently initializing process.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// execWithRetry executes a statement with exponential backoff on
// "database is locked" errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// CreatePlan inserts a new plan for the goal and returns its id.
// New plans always start pending.
func (s *Store) CreatePlan(ctx context.Context, goal string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (id, goal, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, goal, string(models.StatusPending), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert plan: %w", err)
	}
	return id, nil
}

// SetPlanStatus updates a plan's status and touches updated_at.
func (s *Store) SetPlanStatus(ctx context.Context, planID string, status models.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), planID,
	)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	return requireRow(res, "plan", planID)
}

// AddTask inserts a new pending task into the plan and returns its id.
// Every dependency must be an existing task in the same plan; otherwise the
// call fails with ErrInvalidDependency and nothing is inserted.
func (s *Store) AddTask(ctx context.Context, description, planID string, dependencies []string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, dep := range dependencies {
		var depPlan string
		err := tx.QueryRowContext(ctx, `SELECT plan_id FROM tasks WHERE id = ?`, dep).Scan(&depPlan)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dependency %s: %w", dep, ErrInvalidDependency)
		}
		if err != nil {
			return "", fmt.Errorf("check dependency %s: %w", dep, err)
		}
		if depPlan != planID {
			return "", fmt.Errorf("dependency %s belongs to plan %s: %w", dep, depPlan, ErrInvalidDependency)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, plan_id, description, code, status, result, created_at, updated_at)
		 VALUES (?, ?, ?, NULL, ?, NULL, ?, ?)`,
		id, planID, description, string(models.StatusPending), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}

	for _, dep := range dependencies {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_dependencies (task_id, dependency_id) VALUES (?, ?)`, id, dep)
		if err != nil {
			return "", fmt.Errorf("insert dependency edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit task: %w", err)
	}
	return id, nil
}

// SetTaskCode replaces the task's generated source and touches updated_at.
func (s *Store) SetTaskCode(ctx context.Context, taskID, code string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET code = ?, updated_at = ? WHERE id = ?`,
		code, time.Now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("update task code: %w", err)
	}
	return requireRow(res, "task", taskID)
}

// SetTaskStatus updates a task's status and result. An empty result leaves
// the stored result untouched so a status flip does not erase the last
// error or success payload.
func (s *Store) SetTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, result string) error {
	var (
		res sql.Result
		err error
	)
	now := time.Now().UTC()
	if result == "" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, taskID,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
			string(status), result, now, taskID,
		)
	}
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireRow(res, "task", taskID)
}

// GetTask fetches one task with its dependency ids.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan_id, description, code, status, result, created_at, updated_at
		 FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	deps, err := s.taskDependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.Dependencies = deps
	return task, nil
}

// GetPlan fetches one plan.
func (s *Store) GetPlan(ctx context.Context, planID string) (*models.Plan, error) {
	plan := &models.Plan{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, goal, status, created_at, updated_at FROM plans WHERE id = ?`, planID,
	).Scan(&plan.ID, &plan.Goal, &status, &plan.CreatedAt, &plan.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query plan: %w", err)
	}
	plan.Status = models.TaskStatus(status)
	return plan, nil
}

// ListTasksByPlan returns all tasks in the plan in creation order.
func (s *Store) ListTasksByPlan(ctx context.Context, planID string) ([]*models.Task, error) {
	return s.queryTasks(ctx,
		`SELECT id, plan_id, description, code, status, result, created_at, updated_at
		 FROM tasks WHERE plan_id = ? ORDER BY created_at, id`, planID)
}

// ListFailedTasks returns all failed tasks across plans.
func (s *Store) ListFailedTasks(ctx context.Context) ([]*models.Task, error) {
	return s.queryTasks(ctx,
		`SELECT id, plan_id, description, code, status, result, created_at, updated_at
		 FROM tasks WHERE status = ? ORDER BY created_at, id`, string(models.StatusFailed))
}

// ListPendingTasks returns all pending tasks across plans.
func (s *Store) ListPendingTasks(ctx context.Context) ([]*models.Task, error) {
	return s.queryTasks(ctx,
		`SELECT id, plan_id, description, code, status, result, created_at, updated_at
		 FROM tasks WHERE status = ? ORDER BY created_at, id`, string(models.StatusPending))
}

// ListRunnableTasks returns pending tasks whose dependencies are all
// completed. The result is recomputed on every call; dependency completion
// changes externally, so caching here would go stale. Tasks inside a
// dependency cycle are never returned.
func (s *Store) ListRunnableTasks(ctx context.Context) ([]*models.Task, error) {
	return s.queryTasks(ctx,
		`SELECT t.id, t.plan_id, t.description, t.code, t.status, t.result, t.created_at, t.updated_at
		 FROM tasks t
		 WHERE t.status = ?
		   AND NOT EXISTS (
		       SELECT 1 FROM task_dependencies d
		       LEFT JOIN tasks dt ON dt.id = d.dependency_id
		       WHERE d.task_id = t.id
		         AND (dt.id IS NULL OR dt.status != ?)
		   )
		 ORDER BY t.created_at, t.id`,
		string(models.StatusPending), string(models.StatusCompleted))
}

// AppendErrorHistory inserts one audit record for a repair attempt and
// returns its row id. Entries are never updated afterwards.
func (s *Store) AppendErrorHistory(ctx context.Context, taskID, errorMessage, attemptedFix string, success bool) (int64, error) {
	var fix interface{}
	if attemptedFix != "" {
		fix = attemptedFix
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO error_history (task_id, error_message, attempted_fix, success, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		taskID, errorMessage, fix, success, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert error history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get error history id: %w", err)
	}
	return id, nil
}

// GetErrorHistory returns the task's repair audit trail, most recent first.
func (s *Store) GetErrorHistory(ctx context.Context, taskID string) ([]*models.ErrorHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, error_message, attempted_fix, success, timestamp
		 FROM error_history WHERE task_id = ? ORDER BY id DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query error history: %w", err)
	}
	defer rows.Close()

	var entries []*models.ErrorHistoryEntry
	for rows.Next() {
		entry := &models.ErrorHistoryEntry{}
		var fix sql.NullString
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.ErrorMessage, &fix, &entry.Success, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan error history row: %w", err)
		}
		if fix.Valid {
			entry.AttemptedFix = fix.String
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error history rows: %w", err)
	}
	return entries, nil
}

// queryTasks runs a task select and attaches dependency ids to each row.
func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}

	for _, task := range tasks {
		deps, err := s.taskDependencies(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		task.Dependencies = deps
	}
	return tasks, nil
}

// taskDependencies returns the dependency ids of one task.
func (s *Store) taskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dependency_id FROM task_dependencies WHERE task_id = ? ORDER BY dependency_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan dependency row: %w", err)
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependency rows: %w", err)
	}
	return deps, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var code, result sql.NullString
	var status string
	err := row.Scan(&task.ID, &task.PlanID, &task.Description, &code, &status, &result, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task row: %w", err)
	}
	task.Status = models.TaskStatus(status)
	if code.Valid {
		task.Code = code.String
	}
	if result.Valid {
		task.Result = result.String
	}
	return task, nil
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
