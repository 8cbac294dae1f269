// Package template renders patient message templates.
//
// Templates use {{variable}} placeholders and optional conditional blocks:
//
//	{{if days_passed > 3}}How are you recovering?{{else}}Rest well today.{{/if}}
package template

import (
	"regexp"
	"strings"

	"github.com/dukex/careflow/pkg/condition"
)

var (
	ifElseBlock = regexp.MustCompile(`(?s)\{\{if\s+(\w+)\s*([<>=!]+|eq|neq|gt|lt|contains)\s*([^}]+?)\s*\}\}(.*?)\{\{else\}\}(.*?)\{\{/if\}\}`)
	ifBlock     = regexp.MustCompile(`(?s)\{\{if\s+(\w+)\s*([<>=!]+|eq|neq|gt|lt|contains)\s*([^}]+?)\s*\}\}(.*?)\{\{/if\}\}`)
	placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)
)

// Render substitutes vars into content. Unresolved placeholders render as empty strings
// and conditions that cannot be evaluated take the else branch.
func Render(content string, vars map[string]string) string {
	result := ifElseBlock.ReplaceAllStringFunc(content, func(block string) string {
		m := ifElseBlock.FindStringSubmatch(block)
		if holds(m[1], m[2], m[3], vars) {
			return strings.TrimSpace(m[4])
		}

		return strings.TrimSpace(m[5])
	})

	result = ifBlock.ReplaceAllStringFunc(result, func(block string) string {
		m := ifBlock.FindStringSubmatch(block)
		if holds(m[1], m[2], m[3], vars) {
			return strings.TrimSpace(m[4])
		}

		return ""
	})

	return placeholder.ReplaceAllStringFunc(result, func(token string) string {
		name := placeholder.FindStringSubmatch(token)[1]

		return vars[name]
	})
}

func holds(variable, operator, value string, vars map[string]string) bool {
	op, err := condition.ParseOperator(operator)
	if err != nil {
		return false
	}

	cmp := condition.Comparison{Variable: variable, Operator: op, Value: strings.Trim(strings.TrimSpace(value), `"'`)}

	ok, err := cmp.Evaluate(vars)

	return err == nil && ok
}

// Placeholders lists the variable names referenced by content, in order of appearance.
func Placeholders(content string) []string {
	var names []string

	seen := make(map[string]bool)

	for _, m := range placeholder.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}

	return names
}
