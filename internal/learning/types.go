package learning

import "time"

// RecommendedFix is a previously successful repair for a recurring error.
// Confidence is the observed success rate of the fix; callers decide the
// threshold at which it is worth applying.
type RecommendedFix struct {
	FixedCode    string
	ErrorType    string
	Confidence   float64
	SuccessCount int
	FailureCount int
}

// TaskTemplate is a proven code skeleton for a category of task,
// retrievable by task type and description keywords.
type TaskTemplate struct {
	ID           int64
	TaskType     string
	Description  string
	TemplateCode string
	Keywords     []string
	SuccessCount int
	CreatedAt    time.Time
}

// CodeModule is a reusable code fragment harvested from a successful task.
type CodeModule struct {
	ID          int64
	Name        string
	Description string
	Code        string
	Category    string
	Keywords    []string
	UseCount    int
}
