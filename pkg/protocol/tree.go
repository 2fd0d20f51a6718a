package protocol

import (
	"fmt"

	"github.com/superpowers/superpowers-core-sub000/pkg/replica"
)

// TreeCommand decodes the wire args of a tree edit, which are the same in
// a request and in its broadcast:
//
//	add(item, parentID, index)
//	move(id, parentID, index)
//	remove(id)
//	setProperty(id, path, value)
func TreeCommand(verb string, args []any) (replica.Command, error) {
	switch verb {
	case "add":
		item, err := ArgMap(args, 0)
		if err != nil {
			return nil, err
		}
		parentID, err := ArgOptionalString(args, 1)
		if err != nil {
			return nil, err
		}
		index, err := ArgIndex(args, 2)
		if err != nil {
			return nil, err
		}
		return replica.Add{Item: item, ParentID: parentID, Index: index}, nil
	case "move":
		id, err := ArgString(args, 0)
		if err != nil {
			return nil, err
		}
		parentID, err := ArgOptionalString(args, 1)
		if err != nil {
			return nil, err
		}
		index, err := ArgIndex(args, 2)
		if err != nil {
			return nil, err
		}
		return replica.Move{ID: id, ParentID: parentID, Index: index}, nil
	case "remove":
		id, err := ArgString(args, 0)
		if err != nil {
			return nil, err
		}
		return replica.Remove{ID: id}, nil
	case "setProperty":
		id, err := ArgString(args, 0)
		if err != nil {
			return nil, err
		}
		path, err := ArgString(args, 1)
		if err != nil {
			return nil, err
		}
		return replica.SetProperty{ID: id, Path: path, Value: Arg(args, 2)}, nil
	}
	return nil, fmt.Errorf("unknown tree command: %s", verb)
}

// TreeArgs encodes an accepted tree command back into wire args.
func TreeArgs(cmd replica.Command) []any {
	switch c := cmd.(type) {
	case replica.Add:
		return []any{c.Item, OptionalID(c.ParentID), c.Index}
	case replica.Move:
		return []any{c.ID, OptionalID(c.ParentID), c.Index}
	case replica.Remove:
		return []any{c.ID}
	case replica.SetProperty:
		return []any{c.ID, c.Path, c.Value}
	}
	return nil
}
