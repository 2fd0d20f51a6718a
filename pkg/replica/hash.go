package replica

import (
	"fmt"

	"github.com/superpowers/superpowers-core-sub000/pkg/schema"
)

// Hash is a single replicated object such as the project manifest.
type Hash struct {
	schema schema.Schema
	value  map[string]any

	// OnChange is called after every applied or mirrored command.
	OnChange func(Command)
}

// NewHash validates value against s and wraps it.
func NewHash(s schema.Schema, value map[string]any) (*Hash, error) {
	if value == nil {
		value = make(map[string]any)
	}
	if err := checkRecord(s, value); err != nil {
		return nil, err
	}
	return &Hash{schema: s, value: value}, nil
}

func (h *Hash) State() any { return h.value }

// Value returns the underlying map. Callers must not mutate it.
func (h *Hash) Value() map[string]any { return h.value }

// Get reads the value at a dot-separated path.
func (h *Hash) Get(path string) (any, bool) {
	return lookupPath(h.value, path)
}

// SetProperty validates and assigns value at path, returning the accepted
// value.
func (h *Hash) SetProperty(path string, value any) (any, error) {
	accepted, err := h.Apply(SetProperty{Path: path, Value: value})
	if err != nil {
		return nil, err
	}
	return accepted.(SetProperty).Value, nil
}

func (h *Hash) Apply(cmd Command) (Command, error) {
	c, ok := cmd.(SetProperty)
	if !ok {
		return nil, unsupported(cmd)
	}
	if err := checkProperty(h.schema, c.Path, c.Value); err != nil {
		return nil, err
	}
	c.Value = clone(c.Value)
	if err := assignPath(h.value, c.Path, c.Value); err != nil {
		return nil, err
	}
	h.changed(c)
	return c, nil
}

func (h *Hash) Mirror(cmd Command) error {
	c, ok := cmd.(SetProperty)
	if !ok {
		return unsupported(cmd)
	}
	if err := assignPath(h.value, c.Path, c.Value); err != nil {
		return fmt.Errorf("failed to mirror %s: %w", c.Path, err)
	}
	h.changed(c)
	return nil
}

func (h *Hash) changed(cmd Command) {
	if h.OnChange != nil {
		h.OnChange(cmd)
	}
}
