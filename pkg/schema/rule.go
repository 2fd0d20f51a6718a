// Package schema validates plain document state (maps, slices, strings,
// numbers, booleans) against a declarative rule tree.
//
// Rules mark which fields are mutable. A value written by a client is
// validated with isCreate=false and fails on any immutable rule, while
// server-side creation (isCreate=true) may populate every declared field.
package schema

import (
	"fmt"
	"strings"
)

// Rule constrains one value.
type Rule struct {
	// Type is one of boolean, number, integer, string, enum, hash, array or
	// any. A trailing "?" makes the value nullable.
	Type    string `json:"type" yaml:"type"`
	Mutable bool   `json:"mutable,omitempty" yaml:"mutable,omitempty"`

	Min         *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MinExcluded *float64 `json:"minExcluded,omitempty" yaml:"minExcluded,omitempty"`
	MaxExcluded *float64 `json:"maxExcluded,omitempty" yaml:"maxExcluded,omitempty"`

	Length    *int `json:"length,omitempty" yaml:"length,omitempty"`
	MinLength *int `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength *int `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`

	// Enum lists the accepted values of an enum rule.
	Enum []any `json:"enum,omitempty" yaml:"enum,omitempty"`

	// Properties declares the known keys of a hash.
	Properties map[string]*Rule `json:"properties,omitempty" yaml:"properties,omitempty"`
	// Values applies to every key of an open-ended hash not listed in
	// Properties.
	Values *Rule `json:"values,omitempty" yaml:"values,omitempty"`
	// Keys constrains the key strings of a hash.
	Keys *Rule `json:"keys,omitempty" yaml:"keys,omitempty"`

	// Items applies to every element of an array.
	Items *Rule `json:"items,omitempty" yaml:"items,omitempty"`
}

// Nullable reports whether the type carries the "?" suffix.
func (r *Rule) Nullable() bool {
	return strings.HasSuffix(r.Type, "?")
}

// BaseType returns the type tag without the nullable suffix.
func (r *Rule) BaseType() string {
	return strings.TrimSuffix(r.Type, "?")
}

// Schema maps the top-level keys of a document or record to their rules.
type Schema map[string]*Rule

// Resolve finds the rule for a dot-separated path. The walk descends
// through Properties (falling back to Values for open maps) and stops early
// once it reaches an any-typed rule, whose flags then govern every path
// below it.
func (s Schema) Resolve(path string) (*Rule, error) {
	parts := strings.Split(path, ".")
	rule := s[parts[0]]
	if rule == nil {
		return nil, fmt.Errorf("invalid key: %s", path)
	}
	for _, part := range parts[1:] {
		if rule.BaseType() == "any" {
			break
		}
		next := rule.Properties[part]
		if next == nil {
			next = rule.Values
		}
		if next == nil {
			return nil, fmt.Errorf("invalid key: %s", path)
		}
		rule = next
	}
	return rule, nil
}

// Required returns the declared keys whose rules are not nullable, in
// sorted order.
func (s Schema) Required() []string {
	return requiredKeys(s)
}

// Float and Int build the pointer bounds used by rule literals.
func Float(v float64) *float64 { return &v }

func Int(v int) *int { return &v }
