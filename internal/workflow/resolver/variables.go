package resolver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// placeholderPattern matches `$a.b.c` references. At least two segments are
// required so shell variables such as $HOME or $PATH pass through untouched.
var placeholderPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_-]*(?:\.[A-Za-z_][A-Za-z0-9_-]*)+)`)

// ResolveVariables substitutes every `$dotted.path` placeholder in text with
// the scalar found by walking the constraints document. Placeholders whose
// path is missing, null, or not a scalar are left untouched and returned in
// first-appearance order (deduplicated).
func ResolveVariables(text string, constraints map[string]any) (string, []string) {
	if !strings.Contains(text, "$") {
		return text, nil
	}
	var unresolved []string
	seen := map[string]struct{}{}
	resolved := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		value, ok := Lookup(constraints, match[1:])
		if ok {
			return value
		}
		if _, dup := seen[match]; !dup {
			seen[match] = struct{}{}
			unresolved = append(unresolved, match)
		}
		return match
	})
	return resolved, unresolved
}

// Lookup walks a dotted path through nested maps and renders the terminal
// scalar as text.
func Lookup(constraints map[string]any, path string) (string, bool) {
	if constraints == nil {
		return "", false
	}
	var current any = constraints
	for _, segment := range strings.Split(path, ".") {
		next, ok := child(current, segment)
		if !ok {
			return "", false
		}
		current = next
	}
	return scalarString(current)
}

func child(node any, key string) (any, bool) {
	switch typed := node.(type) {
	case map[string]any:
		value, ok := typed[key]
		return value, ok
	case map[any]any:
		for k, value := range typed {
			if fmt.Sprint(k) == key {
				return value, true
			}
		}
	}
	return nil, false
}

func scalarString(value any) (string, bool) {
	switch typed := value.(type) {
	case nil:
		return "", false
	case string:
		return typed, true
	case bool:
		return strconv.FormatBool(typed), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case uint64:
		return strconv.FormatUint(typed, 10), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case time.Time:
		return typed.Format(time.RFC3339), true
	default:
		return "", false
	}
}

// IsTruthy reports whether a resolved `required` value reads as true.
func IsTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
