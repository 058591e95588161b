package models

import (
	"regexp"
	"strings"
)

// ErrorType is the taxonomy tag assigned to a failure message. It is used
// for labeling stored patterns and error history context, never for control
// flow beyond the dependency-fix check.
type ErrorType string

const (
	ErrorMissingImport ErrorType = "missing_import"
	ErrorSyntax        ErrorType = "syntax"
	ErrorIndentation   ErrorType = "indentation"
	ErrorName          ErrorType = "name"
	ErrorTypeMismatch  ErrorType = "type_mismatch"
	ErrorValue         ErrorType = "value"
	ErrorAttribute     ErrorType = "attribute"
	ErrorFilesystem    ErrorType = "filesystem"
	ErrorKey           ErrorType = "key"
	ErrorIndex         ErrorType = "index"
	ErrorArithmetic    ErrorType = "arithmetic"
	ErrorPermission    ErrorType = "permission"
	ErrorUnknown       ErrorType = "unknown"
)

// ErrorRule maps a set of message substrings to an ErrorType. Rules are
// evaluated in table order; the first rule with any matching substring wins.
type ErrorRule struct {
	Substrings []string
	Type       ErrorType
}

// ErrorRules is the ordered classification table. Kept as data rather than
// a switch so it can be swapped for structured error codes if the generation
// port ever emits them.
var ErrorRules = []ErrorRule{
	{Substrings: []string{"ModuleNotFoundError", "No module named", "ImportError"}, Type: ErrorMissingImport},
	{Substrings: []string{"IndentationError", "expected an indented block"}, Type: ErrorIndentation},
	{Substrings: []string{"SyntaxError", "invalid syntax"}, Type: ErrorSyntax},
	{Substrings: []string{"NameError", "is not defined"}, Type: ErrorName},
	{Substrings: []string{"TypeError", "takes", "argument"}, Type: ErrorTypeMismatch},
	{Substrings: []string{"ValueError", "invalid literal"}, Type: ErrorValue},
	{Substrings: []string{"AttributeError", "has no attribute"}, Type: ErrorAttribute},
	{Substrings: []string{"FileNotFoundError", "No such file or directory"}, Type: ErrorFilesystem},
	{Substrings: []string{"KeyError"}, Type: ErrorKey},
	{Substrings: []string{"IndexError", "list index out of range"}, Type: ErrorIndex},
	{Substrings: []string{"ZeroDivisionError", "division by zero"}, Type: ErrorArithmetic},
	{Substrings: []string{"PermissionError", "Permission denied"}, Type: ErrorPermission},
}

// ClassifyError assigns an ErrorType to an error message using the ordered
// rule table. Unmatched messages classify as ErrorUnknown.
func ClassifyError(message string) ErrorType {
	for _, rule := range ErrorRules {
		for _, sub := range rule.Substrings {
			if strings.Contains(message, sub) {
				return rule.Type
			}
		}
	}
	return ErrorUnknown
}

// GeneralTask is the default task type when no category keyword matches.
const GeneralTask = "general_task"

// taskTypeRule pairs a task-type tag with the goal keywords that select it.
type taskTypeRule struct {
	taskType string
	keywords []string
}

// taskTypeRules is evaluated in order; the first rule with a matching
// keyword wins. The tag is only used as a template hint for the pattern
// learning store and never alters control flow.
var taskTypeRules = []taskTypeRule{
	{"data_analysis", []string{"data analysis", "analyze data", "statistics", "csv", "pandas", "plot", "graph"}},
	{"web_scraping", []string{"scraping", "scrape", "web", "html", "beautifulsoup", "bs4", "requests"}},
	{"file_processing", []string{"file", "read file", "write file"}},
	{"text_processing", []string{"text processing", "nlp", "natural language"}},
	{"database", []string{"database", "sql", "sqlite", "mysql", "postgres"}},
	{"api_integration", []string{"api", "rest", "http", "request", "endpoint"}},
	{"image_processing", []string{"image", "picture", "photo"}},
	{"automation", []string{"automation", "automate", "batch", "schedule"}},
}

// ClassifyTaskType maps a goal to a task-type tag with a simple keyword
// match against the fixed category table.
func ClassifyTaskType(goal string) string {
	lower := strings.ToLower(goal)
	for _, rule := range taskTypeRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.taskType
			}
		}
	}
	return GeneralTask
}

var wordPattern = regexp.MustCompile(`\b\w+\b`)

// ExtractKeywords pulls up to max longer words out of a description for
// template indexing. This is the non-LLM fallback keyword extractor.
func ExtractKeywords(text string, max int) []string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	var keywords []string
	seen := make(map[string]bool)
	for _, w := range words {
		if len(w) <= 4 || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
		if len(keywords) == max {
			break
		}
	}
	return keywords
}
