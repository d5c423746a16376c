// Package tmpl fills Slack message templates and builds CRM deep links.
package tmpl

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// placeholder matches {{path.to.value}} and {{path.to.value:fallback}}.
var placeholder = regexp.MustCompile(`{{([\w.]+)(?::([^}]*))?}}`)

// Interpolate walks template (strings, slices, maps) and substitutes every
// placeholder with the value found at its dotted path in values. Numeric path
// segments index into arrays. A missing or null value is replaced by the
// placeholder's fallback, or by the empty string.
func Interpolate(template any, values any) any {
	return interpolate(template, normalize(values))
}

func interpolate(template any, values any) any {
	switch t := template.(type) {
	case string:
		return InterpolateString(t, values)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = interpolate(item, values)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, item := range t {
			out[i] = interpolate(item, values).(map[string]any)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = interpolate(v, values)
		}
		return out
	default:
		return template
	}
}

// InterpolateString substitutes the placeholders of a single string. values
// must already be in generic JSON form.
func InterpolateString(s string, values any) string {
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholder.FindStringSubmatch(match)
		value, ok := Resolve(values, groups[1])
		if !ok {
			return groups[2]
		}
		return stringify(value)
	})
}

// Resolve follows a dotted path through maps and arrays.
func Resolve(values any, path string) (any, bool) {
	current := values
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

func stringify(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	case bool:
		return strconv.FormatBool(value)
	case []any:
		parts := make([]string, len(value))
		for i, item := range value {
			if item != nil {
				parts[i] = stringify(item)
			}
		}
		return strings.Join(parts, ",")
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// normalize converts arbitrary Go values (structs, typed maps and slices) into
// the generic JSON tree Resolve understands. Numbers keep their literal form.
func normalize(values any) any {
	encoded, err := json.Marshal(values)
	if err != nil {
		return values
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return values
	}
	return out
}
