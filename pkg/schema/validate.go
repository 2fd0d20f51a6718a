package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"
)

// Violation is the first rule failure found in a value. Path locates the
// offending value below the validated one: dot-separated hash keys and
// bracketed array indices.
type Violation struct {
	Message string
	Path    string
}

func (v *Violation) Error() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Message + " at " + v.Path
}

// Validate checks value against rule and returns the first violation, or
// nil. isCreate allows immutable rules to be populated.
func Validate(value any, rule *Rule, isCreate bool) *Violation {
	if !isCreate && !rule.Mutable {
		return &Violation{Message: "Immutable"}
	}
	if value == nil {
		if rule.Nullable() {
			return nil
		}
		return &Violation{Message: "Expected non-null value"}
	}

	switch baseType := rule.BaseType(); baseType {
	case "boolean":
		if _, ok := value.(bool); !ok {
			return &Violation{Message: "Expected boolean"}
		}
	case "number", "integer":
		n, ok := ToFloat(value)
		if !ok {
			return &Violation{Message: "Expected " + baseType}
		}
		if baseType == "integer" && (math.IsInf(n, 0) || n != math.Trunc(n)) {
			return &Violation{Message: "Expected integer"}
		}
		return checkNumber(n, rule)
	case "string":
		s, ok := value.(string)
		if !ok {
			return &Violation{Message: "Expected string"}
		}
		return checkLength(utf8.RuneCountInString(s), rule, "String")
	case "enum":
		for _, item := range rule.Enum {
			if enumMatch(item, value) {
				return nil
			}
		}
		return &Violation{Message: fmt.Sprintf("Invalid enum value: %v", value)}
	case "hash":
		m, ok := value.(map[string]any)
		if !ok {
			return &Violation{Message: "Expected hash"}
		}
		return validateHash(m, rule)
	case "array":
		items, ok := sliceItems(value)
		if !ok {
			return &Violation{Message: "Expected array"}
		}
		if violation := checkLength(len(items), rule, "Array"); violation != nil {
			return violation
		}
		if rule.Items == nil {
			return nil
		}
		for i, item := range items {
			if violation := Validate(item, rule.Items, true); violation != nil {
				return nested(fmt.Sprintf("[%d]", i), violation)
			}
		}
	case "any":
	default:
		return &Violation{Message: fmt.Sprintf("Unknown rule type: %s", rule.Type)}
	}
	return nil
}

func checkNumber(n float64, rule *Rule) *Violation {
	if rule.Min != nil && n < *rule.Min {
		return &Violation{Message: fmt.Sprintf("Value (%v) is less than minimum value (%v)", n, *rule.Min)}
	}
	if rule.MinExcluded != nil && n <= *rule.MinExcluded {
		return &Violation{Message: fmt.Sprintf("Value (%v) is less than or equal to minimum value (%v)", n, *rule.MinExcluded)}
	}
	if rule.Max != nil && n > *rule.Max {
		return &Violation{Message: fmt.Sprintf("Value (%v) is greater than maximum value (%v)", n, *rule.Max)}
	}
	if rule.MaxExcluded != nil && n >= *rule.MaxExcluded {
		return &Violation{Message: fmt.Sprintf("Value (%v) is greater than or equal to maximum value (%v)", n, *rule.MaxExcluded)}
	}
	return nil
}

func checkLength(length int, rule *Rule, what string) *Violation {
	if rule.Length != nil && length != *rule.Length {
		return &Violation{Message: fmt.Sprintf("%s should have a length of %d", what, *rule.Length)}
	}
	if rule.MinLength != nil && length < *rule.MinLength {
		return &Violation{Message: fmt.Sprintf("%s should have a length greater than or equal to %d", what, *rule.MinLength)}
	}
	if rule.MaxLength != nil && length > *rule.MaxLength {
		return &Violation{Message: fmt.Sprintf("%s should have a length less than or equal to %d", what, *rule.MaxLength)}
	}
	return nil
}

func validateHash(m map[string]any, rule *Rule) *Violation {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	if rule.Keys != nil {
		for _, key := range keys {
			if violation := Validate(key, rule.Keys, true); violation != nil {
				return &Violation{Message: "Invalid key: " + violation.Message, Path: key}
			}
		}
	}

	for _, key := range keys {
		propertyRule := rule.Properties[key]
		if propertyRule == nil {
			propertyRule = rule.Values
		}
		if propertyRule == nil {
			if rule.Properties != nil {
				return &Violation{Message: "Unexpected key", Path: key}
			}
			continue
		}
		if violation := Validate(m[key], propertyRule, true); violation != nil {
			return nested(key, violation)
		}
	}

	if rule.Properties != nil {
		for _, key := range requiredKeys(rule.Properties) {
			if _, ok := m[key]; !ok {
				return &Violation{Message: "Missing key", Path: key}
			}
		}
	}
	return nil
}

func enumMatch(item, value any) bool {
	a, aNumeric := ToFloat(item)
	b, bNumeric := ToFloat(value)
	if aNumeric && bNumeric {
		return a == b
	}
	return reflect.DeepEqual(item, value)
}

func requiredKeys(properties map[string]*Rule) []string {
	var keys []string
	for key, rule := range properties {
		if !rule.Nullable() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func nested(segment string, violation *Violation) *Violation {
	path := segment
	switch {
	case violation.Path == "":
	case strings.HasPrefix(violation.Path, "["):
		path += violation.Path
	default:
		path += "." + violation.Path
	}
	return &Violation{Message: violation.Message, Path: path}
}

func sliceItems(value any) ([]any, bool) {
	if items, ok := value.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

// ToFloat converts any Go numeric value, including values decoded from
// JSON or CBOR, to a float64.
func ToFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
