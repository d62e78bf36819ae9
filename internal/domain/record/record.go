// Package record holds helpers shared by the loosely-typed clinic rows.
package record

import "strings"

// MergeByID concatenates sets and keeps one entry per id. Entries keep the
// position of their first appearance; a later duplicate replaces the
// earlier value.
func MergeByID[T any](id func(T) string, sets ...[]T) []T {
	index := make(map[string]int)
	var out []T
	for _, set := range sets {
		for _, item := range set {
			key := id(item)
			if pos, ok := index[key]; ok {
				out[pos] = item
				continue
			}
			index[key] = len(out)
			out = append(out, item)
		}
	}
	return out
}

// SameEmail compares two addresses case-insensitively. Empty addresses never
// match.
func SameEmail(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// FirstNonEmpty returns the first argument that is not blank.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// StringField returns the first non-empty string stored under one of keys.
func StringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

// ValidationError reports a problem with a single input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
