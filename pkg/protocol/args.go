package protocol

import (
	"fmt"
	"math"

	"github.com/superpowers/superpowers-core-sub000/pkg/schema"
)

// Arg returns args[i], or nil when it was not sent.
func Arg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func ArgString(args []any, i int) (string, error) {
	s, ok := Arg(args, i).(string)
	if !ok {
		return "", fmt.Errorf("argument %d must be a string", i)
	}
	return s, nil
}

// ArgOptionalString returns "" for a missing or null argument.
func ArgOptionalString(args []any, i int) (string, error) {
	if Arg(args, i) == nil {
		return "", nil
	}
	return ArgString(args, i)
}

// ArgIndex decodes an insertion index. A missing or null index is -1,
// which every collection treats as "append".
func ArgIndex(args []any, i int) (int, error) {
	raw := Arg(args, i)
	if raw == nil {
		return -1, nil
	}
	f, ok := schema.ToFloat(raw)
	if !ok || f != math.Trunc(f) {
		return 0, fmt.Errorf("argument %d must be an integer index", i)
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("argument %d is out of range: %v", i, f)
	}
	return int(f), nil
}

func ArgMap(args []any, i int) (map[string]any, error) {
	m, ok := Arg(args, i).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("argument %d must be a hash", i)
	}
	return m, nil
}

// OptionalID turns an empty parent id back into null for the wire.
func OptionalID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
