package schema

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestValidateAcceptsValidValues(t *testing.T) {
	tests := []struct {
		name  string
		rule  *Rule
		value any
	}{
		{"boolean", &Rule{Type: "boolean"}, true},
		{"number", &Rule{Type: "number", Min: Float(0), Max: Float(1)}, 0.5},
		{"integer from json", &Rule{Type: "integer"}, float64(4)},
		{"integer from cbor", &Rule{Type: "integer", MaxExcluded: Float(10)}, uint64(9)},
		{"string", &Rule{Type: "string", MinLength: Int(1), MaxLength: Int(3)}, "abc"},
		{"string exact length", &Rule{Type: "string", Length: Int(2)}, "ab"},
		{"nullable", &Rule{Type: "string?"}, nil},
		{"enum", &Rule{Type: "enum", Enum: []any{"plain", "markdown"}}, "markdown"},
		{"numeric enum", &Rule{Type: "enum", Enum: []any{1, 2}}, float64(2)},
		{"any", &Rule{Type: "any"}, map[string]any{"whatever": []any{1}}},
		{"array", &Rule{Type: "array", Items: &Rule{Type: "integer"}}, []any{1.0, 2.0}},
		{"hash", &Rule{Type: "hash", Properties: map[string]*Rule{
			"x": {Type: "number"},
			"y": {Type: "number?"},
		}}, map[string]any{"x": 1.0}},
		{"open hash", &Rule{Type: "hash", Keys: &Rule{Type: "string", MaxLength: Int(4)}, Values: &Rule{Type: "string"}},
			map[string]any{"save": "Ctrl+S"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if violation := Validate(test.value, test.rule, true); violation != nil {
				t.Fatalf("unexpected violation: %v", violation)
			}
		})
	}
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	point := &Rule{Type: "hash", Properties: map[string]*Rule{
		"x": {Type: "number", Mutable: true},
		"y": {Type: "number", Mutable: true},
	}}
	tests := []struct {
		name     string
		rule     *Rule
		value    any
		isCreate bool
		message  string
		path     string
	}{
		{"immutable", &Rule{Type: "string"}, "a", false, "Immutable", ""},
		{"null", &Rule{Type: "string", Mutable: true}, nil, false, "Expected non-null value", ""},
		{"wrong type", &Rule{Type: "boolean"}, "true", true, "Expected boolean", ""},
		{"not an integer", &Rule{Type: "integer"}, 1.5, true, "Expected integer", ""},
		{"below minimum", &Rule{Type: "number", Min: Float(0)}, -1.0, true, "Value (-1) is less than minimum value (0)", ""},
		{"excluded maximum", &Rule{Type: "number", MaxExcluded: Float(1)}, 1.0, true, "Value (1) is greater than or equal to maximum value (1)", ""},
		{"too long", &Rule{Type: "string", MaxLength: Int(2)}, "abc", true, "String should have a length less than or equal to 2", ""},
		{"enum", &Rule{Type: "enum", Enum: []any{"a"}}, "b", true, "Invalid enum value: b", ""},
		{"missing key", point, map[string]any{"x": 1.0}, true, "Missing key", "y"},
		{"undeclared key", point, map[string]any{"x": 1.0, "y": 2.0, "z": 3.0}, true, "Unexpected key", "z"},
		{"nested wrong type", point, map[string]any{"x": "1", "y": 2.0}, true, "Expected number", "x"},
		{"array element", &Rule{Type: "array", Items: point}, []any{
			map[string]any{"x": 1.0, "y": 1.0},
			map[string]any{"x": 1.0, "y": "no"},
		}, true, "Expected number", "[1].y"},
		{"array too short", &Rule{Type: "array", MinLength: Int(1)}, []any{}, true, "Array should have a length greater than or equal to 1", ""},
		{"bad key shape", &Rule{Type: "hash", Keys: &Rule{Type: "string", MinLength: Int(2)}, Values: &Rule{Type: "any"}},
			map[string]any{"a": 1}, true, "Invalid key: String should have a length greater than or equal to 2", "a"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			violation := Validate(test.value, test.rule, test.isCreate)
			if violation == nil {
				t.Fatal("expected a violation")
			}
			assert.Equal(t, test.message, violation.Message)
			assert.Equal(t, test.path, violation.Path)
		})
	}
}

func TestValidateReportsFirstViolationOnly(t *testing.T) {
	rule := &Rule{Type: "hash", Properties: map[string]*Rule{
		"a": {Type: "string"},
		"b": {Type: "string"},
	}}
	violation := Validate(map[string]any{"a": 1, "b": 2}, rule, true)
	assert.Equal(t, "Expected string at a", violation.Error())
}

func TestResolve(t *testing.T) {
	s := Schema{
		"position": {Type: "hash", Properties: map[string]*Rule{
			"x": {Type: "number", Mutable: true},
		}},
		"custom":    {Type: "any", Mutable: true},
		"shortcuts": {Type: "hash", Values: &Rule{Type: "string", Mutable: true}},
	}

	rule, err := s.Resolve("position.x")
	assert.Equal(t, nil, err)
	assert.Equal(t, "number", rule.Type)

	rule, err = s.Resolve("custom.deeply.nested")
	assert.Equal(t, nil, err)
	assert.Equal(t, "any", rule.Type)

	rule, err = s.Resolve("shortcuts.save")
	assert.Equal(t, nil, err)
	assert.Equal(t, "string", rule.Type)

	_, err = s.Resolve("position.z")
	assert.NotEqual(t, nil, err)

	_, err = s.Resolve("unknown")
	assert.NotEqual(t, nil, err)
}

func TestRequired(t *testing.T) {
	s := Schema{
		"id":   {Type: "string"},
		"name": {Type: "string"},
		"type": {Type: "string?"},
	}
	assert.Equal(t, []string{"id", "name"}, s.Required())
}
