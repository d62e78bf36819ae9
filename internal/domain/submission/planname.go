package submission

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// DefaultPlanName is shown when a submission carries no plan selection.
const DefaultPlanName = "Monthly Maintenance"

// FormatPlanName renders a stored plan selection for display. The selection
// may be nil, a JSON object (as raw bytes, string or decoded map) or a plain
// label. Object values that are non-empty strings are joined with " + " in
// document order; a string that is not a JSON object is returned unchanged.
func FormatPlanName(v any) string {
	switch p := v.(type) {
	case nil:
		return DefaultPlanName
	case string:
		return formatPlanText(p)
	case *string:
		if p == nil {
			return DefaultPlanName
		}
		return formatPlanText(*p)
	case []byte:
		return formatPlanText(string(p))
	case json.RawMessage:
		return formatPlanText(string(p))
	case map[string]any:
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			if s, ok := p[k].(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, s)
			}
		}
		return joinPlan(parts)
	case map[string]string:
		m := make(map[string]any, len(p))
		for k, s := range p {
			m[k] = s
		}
		return FormatPlanName(m)
	default:
		return DefaultPlanName
	}
}

func formatPlanText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" || s == "{}" {
		return DefaultPlanName
	}
	// jsonb stores a plain label, or a stringified object, as a JSON string.
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			return formatPlanText(inner)
		}
	}
	parts, ok := objectStringValues(s)
	if !ok {
		return s
	}
	return joinPlan(parts)
}

func joinPlan(parts []string) string {
	if len(parts) == 0 {
		return DefaultPlanName
	}
	return strings.Join(parts, " + ")
}

// objectStringValues walks a JSON object token by token so values come back
// in the order they were written.
func objectStringValues(s string) ([]string, bool) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, false
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, false
	}

	var parts []string
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, false
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, false
		}
		var str string
		if err := json.Unmarshal(value, &str); err == nil && strings.TrimSpace(str) != "" {
			parts = append(parts, str)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return parts, true
}
