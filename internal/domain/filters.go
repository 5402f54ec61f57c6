package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Filters is the caller-supplied filter set. Values arrive from JSON, so
// numbers are float64 and lists are []any; the typed accessors below accept
// those shapes plus their string spellings.
type Filters map[string]any

// Clone returns a shallow copy.
func (f Filters) Clone() Filters {
	out := make(Filters, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Has reports whether key is present with a non-empty value.
func (f Filters) Has(key string) bool {
	v, ok := f[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	}
	return true
}

// String returns the trimmed string value of key, or "".
func (f Filters) String(key string) string {
	v, ok := f[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return fmt.Sprint(v)
}

// Int returns the integer value of key. ok is false when the key is absent.
func (f Filters) Int(key string) (n int, ok bool, err error) {
	if !f.Has(key) {
		return 0, false, nil
	}
	switch t := f[key].(type) {
	case float64:
		if t != float64(int(t)) {
			return 0, true, ErrValidation("filter %q must be an integer", key)
		}
		return int(t), true, nil
	case int:
		return t, true, nil
	case int64:
		return int(t), true, nil
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, true, ErrValidation("filter %q must be an integer", key)
		}
		return int(i), true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, true, ErrValidation("filter %q must be an integer", key)
		}
		return i, true, nil
	}
	return 0, true, ErrValidation("filter %q must be an integer", key)
}

// Float returns the numeric value of key.
func (f Filters) Float(key string) (v float64, ok bool, err error) {
	if !f.Has(key) {
		return 0, false, nil
	}
	switch t := f[key].(type) {
	case float64:
		return t, true, nil
	case int:
		return float64(t), true, nil
	case int64:
		return float64(t), true, nil
	case json.Number:
		x, err := t.Float64()
		if err != nil {
			return 0, true, ErrValidation("filter %q must be a number", key)
		}
		return x, true, nil
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, true, ErrValidation("filter %q must be a number", key)
		}
		return x, true, nil
	}
	return 0, true, ErrValidation("filter %q must be a number", key)
}

// Strings returns a list value. A single string is split on commas.
func (f Filters) Strings(key string) ([]string, error) {
	if !f.Has(key) {
		return nil, nil
	}
	var raw []any
	switch t := f[key].(type) {
	case []any:
		raw = t
	case []string:
		for _, s := range t {
			raw = append(raw, s)
		}
	case string:
		for _, s := range strings.Split(t, ",") {
			raw = append(raw, s)
		}
	default:
		raw = []any{t}
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s := strings.TrimSpace(Filters{"v": item}.String("v"))
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// IDs returns a list of positive integer ids.
func (f Filters) IDs(key string) ([]int64, error) {
	items, err := f.Strings(key)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(items))
	for _, s := range items {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return nil, ErrValidation("filter %q contains invalid id %q", key, s)
		}
		out = append(out, id)
	}
	return out, nil
}

// Date parses a date (YYYY-MM-DD) or RFC 3339 timestamp, returned in UTC.
func (f Filters) Date(key string) (t time.Time, ok bool, err error) {
	s := f.String(key)
	if s == "" {
		return time.Time{}, false, nil
	}
	if d, err := time.Parse(time.DateOnly, s); err == nil {
		return d.UTC(), true, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), true, nil
	}
	return time.Time{}, true, ErrValidation("filter %q must be a date (YYYY-MM-DD)", key)
}
