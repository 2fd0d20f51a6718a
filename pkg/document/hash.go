package document

import (
	"fmt"

	"github.com/superpowers/superpowers-core-sub000/pkg/protocol"
	"github.com/superpowers/superpowers-core-sub000/pkg/replica"
	"github.com/superpowers/superpowers-core-sub000/pkg/schema"
)

// hashDocument serves kinds whose state is a single object edited with
// setProperty(path, value).
type hashDocument struct {
	kind  string
	hash  *replica.Hash
	check func(path string, value any) error
}

func loadHash(kind string, s schema.Schema, defaults map[string]any, state any) (*hashDocument, error) {
	persisted, ok := state.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s state must be a hash, got %T", kind, state)
	}
	hash, err := replica.NewHash(s, overlay(defaults, persisted))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", kind, err)
	}
	return &hashDocument{kind: kind, hash: hash}, nil
}

// overlay copies persisted over defaults so fields introduced after a
// document was saved get their default value.
func overlay(defaults, persisted map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(persisted))
	for key, value := range defaults {
		merged[key] = value
	}
	for key, value := range persisted {
		merged[key] = value
	}
	return merged
}

func (d *hashDocument) State() any { return d.hash.State() }

func (d *hashDocument) Apply(_ Origin, command string, args []any) (Result, error) {
	if command != "setProperty" {
		return Result{}, &UnknownCommandError{Kind: d.kind, Command: command}
	}
	path, err := protocol.ArgString(args, 0)
	if err != nil {
		return Result{}, err
	}
	value := protocol.Arg(args, 1)
	if d.check != nil {
		if err := d.check(path, value); err != nil {
			return Result{}, err
		}
	}
	accepted, err := d.hash.SetProperty(path, value)
	if err != nil {
		return Result{}, err
	}
	return Result{Args: []any{path, accepted}}, nil
}

func (d *hashDocument) Mirror(command string, args []any) error {
	if command != "setProperty" {
		return &UnknownCommandError{Kind: d.kind, Command: command}
	}
	path, err := protocol.ArgString(args, 0)
	if err != nil {
		return err
	}
	return d.hash.Mirror(replica.SetProperty{Path: path, Value: protocol.Arg(args, 1)})
}
