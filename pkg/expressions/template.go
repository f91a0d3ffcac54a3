package expressions

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// templatePattern matches {{ expression }} patterns
	templatePattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)
)

// Template handles string interpolation with JMESPath expressions
type Template struct {
	evaluator *Evaluator
}

func NewTemplate(evaluator *Evaluator) *Template {
	if evaluator == nil {
		evaluator = NewEvaluator()
	}
	return &Template{
		evaluator: evaluator,
	}
}

// Render replaces {{ expression }} patterns in a string with evaluated
// values. Patterns that fail to evaluate are left in place and the last
// failure is returned.
func (t *Template) Render(template string, data any) (string, error) {
	return t.RenderEscaped(template, data, nil)
}

// RenderEscaped is Render with every substituted value passed through
// escape, for templates embedded in markup.
func (t *Template) RenderEscaped(template string, data any, escape func(string) string) (string, error) {
	var lastErr error

	result := templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		submatch := templatePattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}

		expression := strings.TrimSpace(submatch[1])
		value, err := t.evaluator.EvaluateString(expression, data)
		if err != nil {
			lastErr = fmt.Errorf("failed to evaluate %q: %w", expression, err)
			return match
		}

		if escape != nil {
			return escape(value)
		}
		return value
	})

	return result, lastErr
}

// RenderOrRaw renders template and falls back to it unchanged on any error.
func (t *Template) RenderOrRaw(template string, data any) string {
	out, err := t.Render(template, data)
	if err != nil {
		return template
	}
	return out
}

// HasTemplates checks if a string contains template expressions
func HasTemplates(s string) bool {
	return templatePattern.MatchString(s)
}

// ExtractExpressions extracts all expressions from a template string
func ExtractExpressions(template string) []string {
	matches := templatePattern.FindAllStringSubmatch(template, -1)
	expressions := make([]string, 0, len(matches))

	for _, match := range matches {
		if len(match) >= 2 {
			expressions = append(expressions, strings.TrimSpace(match[1]))
		}
	}

	return expressions
}
