package document

import (
	"fmt"

	"github.com/superpowers/superpowers-core-sub000/pkg/protocol"
	"github.com/superpowers/superpowers-core-sub000/pkg/replica"
	"github.com/superpowers/superpowers-core-sub000/pkg/schema"
)

var sceneNodeSchema = schema.Schema{
	"id":      {Type: "string"},
	"name":    {Type: "string", Mutable: true, MinLength: schema.Int(1), MaxLength: schema.Int(80)},
	"visible": {Type: "boolean", Mutable: true},
	"position": {Type: "hash", Properties: map[string]*schema.Rule{
		"x": {Type: "number", Mutable: true},
		"y": {Type: "number", Mutable: true},
	}},
	"children": {Type: "array"},
}

// SceneKind is an asset holding a tree of positioned nodes.
func SceneKind() Kind {
	return Kind{
		Name: "scene",
		New:  func() any { return []any{} },
		Load: loadScene,
	}
}

type scene struct {
	nodes *replica.TreeByID
}

func loadScene(state any) (Document, error) {
	roots, ok := state.([]any)
	if !ok {
		return nil, fmt.Errorf("scene state must be an array, got %T", state)
	}
	nodes, err := replica.NewTreeByID(sceneNodeSchema, roots)
	if err != nil {
		return nil, fmt.Errorf("failed to load scene: %w", err)
	}
	return &scene{nodes: nodes}, nil
}

func (s *scene) State() any { return s.nodes.State() }

func (s *scene) Apply(_ Origin, command string, args []any) (Result, error) {
	cmd, err := sceneCommand(command, args)
	if err != nil {
		return Result{}, err
	}
	if add, ok := cmd.(replica.Add); ok {
		if _, ok := add.Item["children"]; !ok {
			add.Item["children"] = []any{}
		}
		if _, ok := add.Item["visible"]; !ok {
			add.Item["visible"] = true
		}
		if _, ok := add.Item["position"]; !ok {
			add.Item["position"] = map[string]any{"x": 0, "y": 0}
		}
	}
	accepted, err := s.nodes.Apply(cmd)
	if err != nil {
		return Result{}, err
	}
	result := Result{Args: protocol.TreeArgs(accepted)}
	switch c := accepted.(type) {
	case replica.Add:
		result.ID = c.Item["id"]
	case replica.Move:
		result.ID = c.Index
	}
	return result, nil
}

func (s *scene) Mirror(command string, args []any) error {
	cmd, err := sceneCommand(command, args)
	if err != nil {
		return err
	}
	return s.nodes.Mirror(cmd)
}

var sceneVerbs = map[string]string{
	"addNode":         "add",
	"moveNode":        "move",
	"removeNode":      "remove",
	"setNodeProperty": "setProperty",
}

func sceneCommand(command string, args []any) (replica.Command, error) {
	verb, ok := sceneVerbs[command]
	if !ok {
		return nil, &UnknownCommandError{Kind: "scene", Command: command}
	}
	return protocol.TreeCommand(verb, args)
}
