// Package learning persists error-fix patterns, task templates, and
// reusable code modules in SQLite so successful repairs and generations
// feed back into later runs.
package learning

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/autoplan/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite-backed pattern learning store.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the learning database at dbPath and
// initializes the schema.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// busy_timeout must be set before anything else so later statements
	// wait on locks instead of failing.
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

	if err := execWithRetry(db, schemaSQL, 5, 10*time.Millisecond); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// execWithRetry executes a statement with exponential backoff on lock
// errors, which can occur when two processes initialize the same file.
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

var (
	quotedRe = regexp.MustCompile(`'[^']*'|"[^"]*"`)
	digitRe  = regexp.MustCompile(`\d+`)
	pathRe   = regexp.MustCompile(`(/[\w.\-]+)+`)
)

// errorSignature normalizes an error message so near-duplicates collide:
// only the first line is kept, and quoted names, paths, and numbers are
// replaced by placeholders.
func errorSignature(message string) string {
	line := message
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.ToLower(strings.TrimSpace(line))
	line = pathRe.ReplaceAllString(line, "<path>")
	line = quotedRe.ReplaceAllString(line, "<name>")
	line = digitRe.ReplaceAllString(line, "#")
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}

// confidence is the observed success rate of a fix. The small constant in
// the denominator keeps a single success from reading as certainty.
func confidence(successes, failures int) float64 {
	return float64(successes) / (float64(successes+failures) + 0.01)
}

// StoreErrorPattern records a successful fix for an error. A repeat of a
// known pattern increments its success count and refreshes the fix code.
func (s *Store) StoreErrorPattern(ctx context.Context, errorMessage, errorType, originalCode, fixedCode, taskContext string) error {
	query := `INSERT INTO error_patterns
		(error_signature, error_type, original_code, fixed_code, context, success_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(error_signature, error_type) DO UPDATE SET
			success_count = success_count + 1,
			fixed_code = excluded.fixed_code,
			updated_at = CURRENT_TIMESTAMP`
	_, err := s.db.ExecContext(ctx, query,
		errorSignature(errorMessage), errorType, originalCode, fixedCode, taskContext)
	if err != nil {
		return fmt.Errorf("store error pattern: %w", err)
	}
	return nil
}

// RecordFixFailure notes that the recorded fix for an error did not work,
// lowering its confidence for future recommendations.
func (s *Store) RecordFixFailure(ctx context.Context, errorMessage, errorType string) error {
	query := `UPDATE error_patterns
		SET failure_count = failure_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE error_signature = ? AND error_type = ?`
	if _, err := s.db.ExecContext(ctx, query, errorSignature(errorMessage), errorType); err != nil {
		return fmt.Errorf("record fix failure: %w", err)
	}
	return nil
}

// GetRecommendedFix looks up a previously successful fix for the error.
// The SQLite lookup keys on the normalized signature alone; originalCode
// and taskContext travel with the call so a recall backend that ranks on
// them can use them. Returns nil when no pattern matches; confidence
// thresholds are the caller's policy.
func (s *Store) GetRecommendedFix(ctx context.Context, errorMessage, originalCode, taskContext string) (*RecommendedFix, error) {
	query := `SELECT fixed_code, error_type, success_count, failure_count
		FROM error_patterns
		WHERE error_signature = ? AND fixed_code != ''
		ORDER BY success_count DESC
		LIMIT 1`

	var fix RecommendedFix
	err := s.db.QueryRowContext(ctx, query, errorSignature(errorMessage)).Scan(
		&fix.FixedCode, &fix.ErrorType, &fix.SuccessCount, &fix.FailureCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recommended fix: %w", err)
	}
	fix.Confidence = confidence(fix.SuccessCount, fix.FailureCount)
	return &fix, nil
}

// StoreTaskTemplate saves a proven code skeleton for a task type. A repeat
// of the same type and keyword set increments the success count and keeps
// the newer code.
func (s *Store) StoreTaskTemplate(ctx context.Context, taskType, description, templateCode string, keywords []string) error {
	query := `INSERT INTO task_templates
		(task_type, description, template_code, keywords)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_type, keywords) DO UPDATE SET
			success_count = success_count + 1,
			template_code = excluded.template_code,
			description = excluded.description`
	_, err := s.db.ExecContext(ctx, query,
		taskType, description, templateCode, strings.Join(keywords, " "))
	if err != nil {
		return fmt.Errorf("store task template: %w", err)
	}
	return nil
}

// GetTaskTemplate returns the best template for a task type whose keywords
// overlap the description, or nil when nothing matches.
func (s *Store) GetTaskTemplate(ctx context.Context, description, taskType string) (*TaskTemplate, error) {
	keywords := models.ExtractKeywords(description, 5)
	if len(keywords) == 0 {
		return nil, nil
	}

	conds := make([]string, 0, len(keywords))
	args := []any{taskType}
	for _, kw := range keywords {
		conds = append(conds, "keywords LIKE ?")
		args = append(args, "%"+kw+"%")
	}
	query := fmt.Sprintf(`SELECT id, task_type, description, template_code, keywords, success_count, created_at
		FROM task_templates
		WHERE task_type = ? AND (%s)
		ORDER BY success_count DESC
		LIMIT 1`, strings.Join(conds, " OR "))

	var tpl TaskTemplate
	var joined string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&tpl.ID, &tpl.TaskType, &tpl.Description, &tpl.TemplateCode,
		&joined, &tpl.SuccessCount, &tpl.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task template: %w", err)
	}
	tpl.Keywords = strings.Fields(joined)
	return &tpl, nil
}

// StoreCodeModule saves a reusable code fragment under a unique name.
// Re-storing a name refreshes the code but keeps the usage counter.
func (s *Store) StoreCodeModule(ctx context.Context, m CodeModule) error {
	query := `INSERT INTO code_modules
		(name, description, code, category, keywords)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			code = excluded.code,
			category = excluded.category,
			keywords = excluded.keywords`
	_, err := s.db.ExecContext(ctx, query,
		m.Name, m.Description, m.Code, m.Category, strings.Join(m.Keywords, " "))
	if err != nil {
		return fmt.Errorf("store code module: %w", err)
	}
	return nil
}

// GetRelevantModules returns up to five modules whose name or keywords
// overlap the description, most-used first, and bumps their usage counters.
func (s *Store) GetRelevantModules(ctx context.Context, description string) ([]CodeModule, error) {
	keywords := models.ExtractKeywords(description, 5)
	if len(keywords) == 0 {
		return nil, nil
	}

	var conds []string
	var args []any
	for _, kw := range keywords {
		conds = append(conds, "keywords LIKE ? OR name LIKE ?")
		args = append(args, "%"+kw+"%", "%"+kw+"%")
	}
	query := fmt.Sprintf(`SELECT id, name, description, code, category, keywords, use_count
		FROM code_modules
		WHERE %s
		ORDER BY use_count DESC, id
		LIMIT 5`, strings.Join(conds, " OR "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get relevant modules: %w", err)
	}
	defer rows.Close()

	var modules []CodeModule
	for rows.Next() {
		var m CodeModule
		var joined string
		if err := rows.Scan(&m.ID, &m.Name, &m.Description, &m.Code, &m.Category, &joined, &m.UseCount); err != nil {
			return nil, fmt.Errorf("scan code module: %w", err)
		}
		m.Keywords = strings.Fields(joined)
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate code modules: %w", err)
	}

	for _, m := range modules {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE code_modules SET use_count = use_count + 1 WHERE id = ?", m.ID); err != nil {
			return nil, fmt.Errorf("bump module use count: %w", err)
		}
	}
	return modules, nil
}

// Insights aggregates module statistics for the plan summary.
func (s *Store) Insights(ctx context.Context) (*models.LearningInsights, error) {
	insights := &models.LearningInsights{}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM code_modules").Scan(&insights.TotalModules); err != nil {
		return nil, fmt.Errorf("count modules: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) AS n
		FROM code_modules
		GROUP BY category
		ORDER BY n DESC, category
		LIMIT 3`)
	if err != nil {
		return nil, fmt.Errorf("top categories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cc models.CategoryCount
		if err := rows.Scan(&cc.Category, &cc.Count); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		insights.TopCategories = append(insights.TopCategories, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return insights, nil
}
