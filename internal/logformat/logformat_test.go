package logformat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vals(t *testing.T, raw string) []Value {
	t.Helper()
	var out []Value
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func TestFormatSpecifiers(t *testing.T) {
	t.Parallel()

	got, err := Format(vals(t, `[
		{"type":"string","value":"%d %s"},
		{"type":"number","value":42},
		{"type":"string","value":"x"}]`))
	require.NoError(t, err)
	assert.Equal(t, "42 x", got)
}

func TestFormatTooFewValues(t *testing.T) {
	t.Parallel()

	_, err := Format(vals(t, `[
		{"type":"string","value":"%i %i"},
		{"type":"number","value":1}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "less value is provided")
}

func TestFormatTooManyValues(t *testing.T) {
	t.Parallel()

	_, err := Format(vals(t, `[
		{"type":"string","value":"trailing %d"},
		{"type":"number","value":1},
		{"type":"number","value":2}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `more value is provided: "trailing 1 2"`)
}

func TestFormatSurplusWithoutSpecifier(t *testing.T) {
	t.Parallel()

	// A string first argument with leftover values is an arity error even
	// when it carries no specifier; the error holds the joined message.
	_, err := Format(vals(t, `[
		{"type":"string","value":"trailing"},
		{"type":"number","value":1},
		{"type":"number","value":2}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `more value is provided: "trailing 1 2"`)
}

func TestJoin(t *testing.T) {
	t.Parallel()

	got := Join(vals(t, `[
		{"type":"string","value":"trailing"},
		{"type":"number","value":1},
		{"type":"number","value":2}]`))
	assert.Equal(t, "trailing 1 2", got)
}

func TestIntegerCoercion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  string
	}{
		{`{"type":"number","value":42}`, "42"},
		{`{"type":"number","value":4.9}`, "4"},
		{`{"type":"number","value":-4.9}`, "-4"},
		{`{"type":"number","value":"NaN"}`, "NaN"},
		{`{"type":"number","value":"Infinity"}`, "NaN"},
		{`{"type":"number","value":"-Infinity"}`, "NaN"},
		{`{"type":"number","value":"-0"}`, "0"},
		{`{"type":"boolean","value":true}`, "NaN"},
		{`{"type":"null"}`, "NaN"},
		{`{"type":"undefined"}`, "NaN"},
		{`{"type":"object","value":[]}`, "NaN"},
	}
	for _, tt := range tests {
		got, err := Format(vals(t, `[{"type":"string","value":"%d"},`+tt.value+`]`))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.value)
	}
}

func TestFloatCoercion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  string
	}{
		{`{"type":"number","value":4.5}`, "4.5"},
		{`{"type":"number","value":"Infinity"}`, "Infinity"},
		{`{"type":"number","value":"-Infinity"}`, "-Infinity"},
		{`{"type":"number","value":"NaN"}`, "NaN"},
		{`{"type":"null"}`, "NaN"},
	}
	for _, tt := range tests {
		got, err := Format(vals(t, `[{"type":"string","value":"%f"},`+tt.value+`]`))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.value)
	}
}

func TestStringCoercion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  string
	}{
		{`{"type":"array","value":[{"type":"number","value":1},{"type":"number","value":2}]}`, "Array(2)"},
		{`{"type":"map","value":[]}`, "Map(0)"},
		{`{"type":"set","value":[{"type":"number","value":1}]}`, "Set(1)"},
		{`{"type":"object","value":[["a",{"type":"number","value":1}]]}`, "Object(1)"},
		{`{"type":"boolean","value":false}`, "false"},
	}
	for _, tt := range tests {
		got, err := Format(vals(t, `[{"type":"string","value":"%s"},`+tt.value+`]`))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.value)
	}
}

func TestJSONCoercion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  string
	}{
		{`{"type":"string","value":"x"}`, `"x"`},
		{`{"type":"bigint","value":"123"}`, "123n"},
		{`{"type":"regexp","value":{"pattern":"ab+c","flags":"gi"}}`, "/ab+c/gi"},
		{`{"type":"array","value":[{"type":"number","value":1},{"type":"string","value":"s"}]}`, `[1,"s"]`},
		{`{"type":"object","value":[["a",{"type":"number","value":1}]]}`, `{"a":1}`},
	}
	for _, tt := range tests {
		got, err := Format(vals(t, `[{"type":"string","value":"%o"},`+tt.value+`]`))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.value)
	}
}

func TestEscapedPercent(t *testing.T) {
	t.Parallel()

	// "%%d" is a literal "%d", consuming nothing.
	got, err := Format(vals(t, `[{"type":"string","value":"100%% %s"},{"type":"string","value":"done"}]`))
	require.NoError(t, err)
	assert.Equal(t, "100% done", got)
}
