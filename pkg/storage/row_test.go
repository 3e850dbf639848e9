package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowString(t *testing.T) {
	t.Parallel()

	r := Row{"a": "x", "b": []byte("y"), "c": nil}
	assert.Equal(t, "x", r.String("a"))
	assert.Equal(t, "y", r.String("b"))
	assert.Equal(t, "", r.String("c"))
	assert.Equal(t, "", r.String("missing"))
}

func TestRowNumeric(t *testing.T) {
	t.Parallel()

	r := Row{"i64": int64(7), "i32": int32(7), "f": 7.9, "f32": float32(2.5)}
	assert.Equal(t, int64(7), r.Int64("i64"))
	assert.Equal(t, int64(7), r.Int64("i32"))
	assert.Equal(t, int64(7), r.Int64("f"))
	assert.Equal(t, int64(0), r.Int64("missing"))
	assert.InDelta(t, 7.9, r.Float64("f"), 1e-9)
	assert.InDelta(t, 2.5, r.Float64("f32"), 1e-9)
	assert.InDelta(t, 7.0, r.Float64("i64"), 1e-9)
}

func TestRowBool(t *testing.T) {
	t.Parallel()

	r := Row{"pg": true, "lite": int64(1), "off": int64(0)}
	assert.True(t, r.Bool("pg"))
	assert.True(t, r.Bool("lite"))
	assert.False(t, r.Bool("off"))
	assert.False(t, r.Bool("missing"))
}

func TestRowTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	r := Row{
		"native": now,
		"text":   now.Format(time.RFC3339Nano),
		"bad":    "yesterday",
		"null":   nil,
	}
	assert.Equal(t, now, r.Time("native"))
	assert.Equal(t, now, r.Time("text"))
	assert.True(t, r.Time("bad").IsZero())
	assert.Nil(t, r.TimePtr("null"))
	require.NotNil(t, r.TimePtr("native"))
	assert.Equal(t, now, *r.TimePtr("native"))
}

func TestRowStringSlice(t *testing.T) {
	t.Parallel()

	r := Row{
		"text":    `["a","b"]`,
		"bytes":   []byte(`["c"]`),
		"decoded": []any{"d", "e"},
		"typed":   []string{"f"},
		"garbage": "{",
	}
	assert.Equal(t, []string{"a", "b"}, r.StringSlice("text"))
	assert.Equal(t, []string{"c"}, r.StringSlice("bytes"))
	assert.Equal(t, []string{"d", "e"}, r.StringSlice("decoded"))
	assert.Equal(t, []string{"f"}, r.StringSlice("typed"))
	assert.Nil(t, r.StringSlice("garbage"))
	assert.Nil(t, r.StringSlice("missing"))
}

func TestRowMap(t *testing.T) {
	t.Parallel()

	r := Row{
		"text":    `{"k":"v"}`,
		"decoded": map[string]any{"n": 1.0},
	}
	assert.Equal(t, map[string]any{"k": "v"}, r.Map("text"))
	assert.Equal(t, map[string]any{"n": 1.0}, r.Map("decoded"))
	assert.Nil(t, r.Map("missing"))
}

func TestJSONEncoding(t *testing.T) {
	t.Parallel()

	data, err := JSON([]string(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	data, err = JSON(map[string]any(nil))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	data, err = JSON([]string{"a"})
	require.NoError(t, err)
	assert.Equal(t, `["a"]`, string(data))

	data, err = JSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}
