package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addSchema() map[string]any {
	return Object(map[string]*Property{
		"a": Number("First operand"),
		"b": Number("Second operand"),
	}, "a", "b")
}

func TestCompileAndValidate(t *testing.T) {
	s, err := Compile(addSchema())
	require.NoError(t, err)
	require.NotNil(t, s)

	tests := []struct {
		name  string
		input map[string]any
		valid bool
	}{
		{
			name:  "all required present",
			input: map[string]any{"a": 2, "b": 2},
			valid: true,
		},
		{
			name:  "float values",
			input: map[string]any{"a": 2.5, "b": float64(3)},
			valid: true,
		},
		{
			name:  "missing required",
			input: map[string]any{"a": 2},
			valid: false,
		},
		{
			name:  "wrong type",
			input: map[string]any{"a": "two", "b": 2},
			valid: false,
		},
		{
			name:  "extra property allowed",
			input: map[string]any{"a": 1, "b": 2, "note": "x"},
			valid: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Validate(tc.input)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				var ve *ValidationError
				assert.ErrorAs(t, err, &ve)
			}
		})
	}
}

func TestCompile_NilSchemaAcceptsEverything(t *testing.T) {
	s, err := Compile(nil)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.NoError(t, s.Validate(map[string]any{"anything": true}))
}

func TestCompile_InvalidSchema(t *testing.T) {
	_, err := Compile(map[string]any{"type": 123})
	assert.Error(t, err)
}

func TestMustCompile_PanicsOnInvalidSchema(t *testing.T) {
	assert.Panics(t, func() {
		MustCompile(map[string]any{"type": 123})
	})
}

func TestPropertyBuilders(t *testing.T) {
	raw := Object(map[string]*Property{
		"query": String("Search query"),
		"limit": Integer("Max results").Min(1).Max(50).Default(10),
		"unit":  String("Temperature unit").Enum("C", "F"),
		"tags":  Array("Tags", map[string]any{"type": "string"}),
		"exact": Boolean("Exact match"),
	}, "query")

	assert.Equal(t, "object", raw["type"])
	assert.Equal(t, []string{"query"}, raw["required"])

	props := raw["properties"].(map[string]any)
	limit := props["limit"].(map[string]any)
	assert.Equal(t, "integer", limit["type"])
	assert.Equal(t, float64(1), limit["minimum"])
	assert.Equal(t, float64(50), limit["maximum"])
	assert.Equal(t, 10, limit["default"])

	unit := props["unit"].(map[string]any)
	assert.Equal(t, []any{"C", "F"}, unit["enum"])

	s, err := Compile(raw)
	require.NoError(t, err)
	assert.NoError(t, s.Validate(map[string]any{"query": "go", "limit": 5, "unit": "C"}))
	assert.Error(t, s.Validate(map[string]any{"query": "go", "unit": "K"}))
	assert.Error(t, s.Validate(map[string]any{"query": "go", "limit": 0}))
	assert.Error(t, s.Validate(map[string]any{"limit": 5}))
}
