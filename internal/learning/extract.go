package learning

import (
	"regexp"
	"strings"

	"github.com/harrison/autoplan/internal/models"
)

var defRe = regexp.MustCompile(`(?m)^def\s+(\w+)\s*\(`)

// ExtractFunctions harvests top-level function definitions from a
// successful script as candidate reusable modules. Keywords come from the
// function name and its docstring, so later descriptions can find them.
func ExtractFunctions(code, category string) []CodeModule {
	lines := strings.Split(code, "\n")
	var modules []CodeModule

	for i := 0; i < len(lines); i++ {
		m := defRe.FindStringSubmatch(lines[i])
		if m == nil || strings.HasPrefix(lines[i], " ") {
			continue
		}
		name := m[1]

		end := len(lines)
		for j := i + 1; j < len(lines); j++ {
			line := lines[j]
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
				end = j
				break
			}
		}

		body := strings.Join(lines[i:end], "\n")
		modules = append(modules, CodeModule{
			Name:        name,
			Description: docstring(lines[i+1 : end]),
			Code:        body,
			Category:    category,
			Keywords:    moduleKeywords(name, docstring(lines[i+1:end])),
		})
		i = end - 1
	}
	return modules
}

// docstring returns the first line of a leading triple-quoted docstring,
// or empty when the body has none.
func docstring(body []string) string {
	for _, line := range body {
		s := strings.TrimSpace(line)
		if s == "" {
			continue
		}
		for _, q := range []string{`"""`, "'''"} {
			if strings.HasPrefix(s, q) {
				s = strings.TrimPrefix(s, q)
				s = strings.TrimSuffix(s, q)
				return strings.TrimSpace(s)
			}
		}
		return ""
	}
	return ""
}

func moduleKeywords(name, doc string) []string {
	text := strings.ReplaceAll(name, "_", " ") + " " + doc
	return models.ExtractKeywords(text, 8)
}
