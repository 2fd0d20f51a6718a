// Package replica holds the replicated data primitives shared by the
// server and every connected peer: Hash, ListByID and TreeByID.
//
// Every mutation is a Command value. The server runs Apply, which
// validates the command against the schema and returns the accepted
// command (with assigned ids and clamped indices). That accepted command
// is what gets broadcast, and peers replay it with Mirror, which performs
// the identical structural edit without validating again.
package replica

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/superpowers/superpowers-core-sub000/pkg/schema"
)

// Command is one of Add, Move, Remove or SetProperty.
type Command interface {
	command()
}

// Add inserts Item under ParentID (empty for the root array or for flat
// lists) at Index. A negative Index appends.
type Add struct {
	Item     map[string]any
	ParentID string
	Index    int
}

// Move relocates the record ID under ParentID at Index.
type Move struct {
	ID       string
	ParentID string
	Index    int
}

// Remove deletes the record ID, and for trees its whole subtree.
type Remove struct {
	ID string
}

// SetProperty assigns Value at the dot-separated Path of record ID. ID is
// ignored by Hash.
type SetProperty struct {
	ID    string
	Path  string
	Value any
}

func (Add) command()         {}
func (Move) command()        {}
func (Remove) command()      {}
func (SetProperty) command() {}

// Replica is implemented by every primitive.
type Replica interface {
	// Apply validates cmd and, when accepted, performs it and returns the
	// command to broadcast.
	Apply(cmd Command) (Command, error)
	// Mirror performs an already-accepted command unconditionally.
	Mirror(cmd Command) error
	// State returns the plain serializable content.
	State() any
}

// NotFoundError reports an unknown record id.
type NotFoundError struct {
	What string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("invalid %s id: %s", e.What, e.ID)
}

func unsupported(cmd Command) error {
	return fmt.Errorf("unsupported command %T", cmd)
}

// clampIndex maps a missing or out-of-range index to the end of a
// collection of the given length.
func clampIndex(index, length int) int {
	if index < 0 || index >= length {
		return length
	}
	return index
}

// checkRecord validates a record about to be created: every present key
// must be declared and valid, and every required key must be present.
func checkRecord(s schema.Schema, item map[string]any) error {
	if id, ok := item["id"]; ok && id != nil && s["id"] == nil {
		return fmt.Errorf("found unexpected id key")
	}

	missing := make(map[string]bool)
	for _, key := range s.Required() {
		if key != "id" {
			missing[key] = true
		}
	}

	keys := make([]string, 0, len(item))
	for key := range item {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := item[key]
		if key == "id" && value == nil {
			continue
		}
		rule := s[key]
		if rule == nil {
			return fmt.Errorf("invalid key: %s", key)
		}
		if violation := schema.Validate(value, rule, true); violation != nil {
			return fmt.Errorf("invalid value for %s: %w", key, violation)
		}
		delete(missing, key)
	}

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for key := range missing {
			names = append(names, key)
		}
		sort.Strings(names)
		return fmt.Errorf("missing key: %s", names[0])
	}
	return nil
}

// checkProperty validates a client-origin write at path.
func checkProperty(s schema.Schema, path string, value any) error {
	rule, err := s.Resolve(path)
	if err != nil {
		return err
	}
	if violation := schema.Validate(value, rule, false); violation != nil {
		return fmt.Errorf("invalid value for %s: %w", path, violation)
	}
	return nil
}

// assignPath stores value at the dot-separated path inside target,
// creating intermediate hashes that do not exist yet.
func assignPath(target map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := target[part]
		if !ok || next == nil {
			child := make(map[string]any)
			target[part] = child
			target = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("invalid path: %s", path)
		}
		target = child
	}
	target[parts[len(parts)-1]] = value
	return nil
}

// lookupPath reads the value at a dot-separated path.
func lookupPath(source map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = source
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = m[part]; !ok {
			return nil, false
		}
	}
	return current, true
}

// clone deep-copies plain state so accepted records never alias caller
// owned values.
func clone(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = clone(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = clone(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = clone(item)
		}
		return out
	default:
		return v
	}
}

func cloneRecord(item map[string]any) map[string]any {
	if item == nil {
		return make(map[string]any)
	}
	return clone(item).(map[string]any)
}

// idGenerator hands out increasing numeric ids, skipping past any numeric
// id supplied by a caller or loaded from storage.
type idGenerator struct {
	next int
}

func (g *idGenerator) generate() string {
	id := strconv.Itoa(g.next)
	g.next++
	return id
}

func (g *idGenerator) observe(id string) {
	if n, err := strconv.Atoi(id); err == nil && n >= g.next {
		g.next = n + 1
	}
}

func recordID(item map[string]any) (string, bool) {
	id, ok := item["id"].(string)
	return id, ok && id != ""
}
