package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Row is a single table row keyed by column name. On read, values hold
// whatever the driver produced; the accessors below absorb the differences
// between the embedded and networked backends (TEXT timestamps vs
// timestamptz, 0/1 vs boolean, JSON text vs decoded jsonb).
type Row map[string]any

// String returns the column as a string, or "" when NULL or absent.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Int64 returns the column as an int64, or 0 when NULL or non-numeric.
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case int16:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	}
	return 0
}

// Float64 returns the column as a float64, or 0 when NULL or non-numeric.
func (r Row) Float64(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// Bool returns the column as a bool. The embedded backend stores booleans
// as 0/1 integers.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int32:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// Time returns the column as a UTC time. TEXT columns are expected to hold
// RFC 3339. Returns the zero time when NULL or unparseable.
func (r Row) Time(col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v.UTC()
	case string:
		return parseTime(v)
	case []byte:
		return parseTime(string(v))
	}
	return time.Time{}
}

// TimePtr returns the column as a *time.Time, or nil when NULL.
func (r Row) TimePtr(col string) *time.Time {
	if r[col] == nil {
		return nil
	}
	t := r.Time(col)
	if t.IsZero() {
		return nil
	}
	return &t
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// StringSlice decodes a JSON array column into a string slice. Returns nil
// when NULL, empty, or not a string array.
func (r Row) StringSlice(col string) []string {
	switch v := r[col].(type) {
	case []string:
		return v
	case string:
		return decodeStringSlice([]byte(v))
	case []byte:
		return decodeStringSlice(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func decodeStringSlice(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Map decodes a JSON object column. Returns nil when NULL or not an object.
func (r Row) Map(col string) map[string]any {
	switch v := r[col].(type) {
	case map[string]any:
		return v
	case string:
		return decodeMap([]byte(v))
	case []byte:
		return decodeMap(v)
	}
	return nil
}

func decodeMap(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// JSON marshals v for storage in a JSON column. Write paths use this to
// keep the encoding identical across backends; nil slices and maps encode
// as empty containers, not JSON null.
func JSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case []string:
		if t == nil {
			return json.RawMessage("[]"), nil
		}
	case map[string]any:
		if t == nil {
			return json.RawMessage("{}"), nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON column: %w", err)
	}
	return data, nil
}
